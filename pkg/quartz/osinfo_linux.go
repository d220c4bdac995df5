//go:build linux

package quartz

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// probeSystemInfo reads uname(2). Falls back to the Go runtime's view when
// the syscall fails.
func probeSystemInfo() (name string, version string, arch string) {
	var buf unix.Utsname

	if err := unix.Uname(&buf); err != nil {
		return runtime.GOOS, "", runtime.GOARCH
	}

	return utsString(buf.Sysname[:]), utsString(buf.Release[:]), utsString(buf.Machine[:])
}

func utsString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
