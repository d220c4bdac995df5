//go:build !linux

package quartz

import "runtime"

func probeSystemInfo() (name string, version string, arch string) {
	return runtime.GOOS, "", runtime.GOARCH
}
