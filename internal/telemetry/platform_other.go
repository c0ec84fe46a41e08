//go:build !unix && !windows

package telemetry

func osRelease() string {
	return "unknown"
}
