package telemetry

import (
	"fmt"
	"runtime"
	"strings"
)

// Platform describes the host for the platform field of every packet, e.g.
// "linux 6.8.0, Go go1.24.0, Store=false". A non-empty distribution names an
// app-store build ("mas", "windows-store") and reports Store=true.
func Platform(distribution string) string {
	return strings.Join([]string{
		fmt.Sprintf("%s %s", runtime.GOOS, osRelease()),
		"Go " + runtime.Version(),
		fmt.Sprintf("Store=%t", distribution != ""),
	}, ", ")
}
