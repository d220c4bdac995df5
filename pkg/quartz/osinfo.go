package quartz

import "runtime"

// getOSInfo returns the operating-system name, version and architecture for
// the handshake metadata. On Linux the distro scanner refines the generic
// kernel identity ("Linux 5.x") into a distribution name and release when one
// of the well-known release files is readable.
func getOSInfo() (name string, version string, arch string) {
	name, version, arch = probeSystemInfo()

	if runtime.GOOS == "linux" {
		if distroName, distroVersion, ok := getLinuxDistro(); ok {
			if distroName != "" {
				name = distroName
			}
			if distroVersion != "" {
				version = distroVersion
			}
		}
	}

	return name, version, arch
}
