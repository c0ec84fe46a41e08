//go:build unix

package telemetry

import (
	"golang.org/x/sys/unix"
)

// osRelease returns the kernel release, as uname -r prints it.
func osRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown"
	}
	return unix.ByteSliceToString(uts.Release[:])
}
