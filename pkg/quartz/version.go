package quartz

import (
	"fmt"
	"runtime"
)

const (
	// DriverName identifies this driver in the handshake metadata.
	DriverName = "quartz-go"

	// DriverVersion is the version reported in the handshake metadata.
	DriverVersion = "0.9.4"
)

// platformString describes the build environment: toolchain version and
// target.
func platformString() string {
	return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
