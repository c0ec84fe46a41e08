//go:build windows

package telemetry

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// osRelease returns major.minor.build, e.g. "10.0.19045".
func osRelease() string {
	v := windows.RtlGetVersion()
	return fmt.Sprintf("%d.%d.%d", v.MajorVersion, v.MinorVersion, v.BuildNumber)
}
