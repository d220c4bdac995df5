package quartz

import (
	"bufio"
	"os"
	"strings"
)

// Linux distribution detection for the handshake metadata. The probe chain
// is: /etc/os-release (ID / VERSION_ID), /etc/lsb-release (DISTRIB_ID /
// DISTRIB_RELEASE), then the first readable generic *-release file whose
// first line is split on the literal " release ". Reads are bounded; a
// hostile or corrupt file cannot make the probe scan unbounded input.

const distroMaxLines = 100

var genericReleasePaths = []string{
	"/etc/redhat-release",
	"/etc/novell-release",
	"/etc/gentoo-release",
	"/etc/SuSE-release",
	"/etc/SUSE-release",
	"/etc/sles-release",
	"/etc/debian_release",
	"/etc/slackware-version",
	"/etc/centos-release",
}

// readKeyValFile scans a KEY=VALUE file for nameKey and versionKey, keeping
// the first value seen for each. Missing file or keys yield empty strings.
func readKeyValFile(path string, nameKey string, versionKey string) (name string, version string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for lines := 0; lines < distroMaxLines && scanner.Scan(); lines++ {
		line := scanner.Text()

		eq := strings.Index(line, "=")
		if eq < 0 {
			// Malformed line, skip it.
			continue
		}

		key, val := line[:eq], line[eq+1:]
		switch {
		case key == nameKey && name == "":
			name = val
		case key == versionKey && version == "":
			version = val
		}

		if name != "" && version != "" {
			break
		}
	}

	return name, version
}

// splitLineByRelease splits "Ubuntu release 14.04" into ("Ubuntu", "14.04").
// Without the delimiter the whole line is the name. A line that starts with
// the delimiter, or ends right after it, is abandoned for that part.
func splitLineByRelease(line string) (name string, version string) {
	const delim = " release "

	loc := strings.Index(line, delim)
	if loc < 0 {
		return line, ""
	}
	if loc == 0 {
		return "", ""
	}

	name = line[:loc]
	version = line[loc+len(delim):]
	return name, version
}

// readGenericReleaseFile finds the first readable path and splits its first
// line by " release ".
func readGenericReleaseFile(paths []string) (name string, version string) {
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}

		scanner := bufio.NewScanner(f)
		if scanner.Scan() {
			name, version = splitLineByRelease(scanner.Text())
		}
		f.Close()
		break
	}

	return name, version
}

// keepFirst fills in name/version from the new values only where still unset.
func keepFirst(name *string, version *string, newName string, newVersion string) bool {
	if *name == "" {
		*name = newName
	}
	if *version == "" {
		*version = newVersion
	}
	return *name != "" && *version != ""
}

// getLinuxDistro walks the probe chain. ok is false only when nothing at all
// was learned.
func getLinuxDistro() (name string, version string, ok bool) {
	name, version = readKeyValFile("/etc/os-release", "ID", "VERSION_ID")
	if name != "" && version != "" {
		return name, version, true
	}

	newName, newVersion := readKeyValFile("/etc/lsb-release", "DISTRIB_ID", "DISTRIB_RELEASE")
	if keepFirst(&name, &version, newName, newVersion) {
		return name, version, true
	}

	newName, newVersion = readGenericReleaseFile(genericReleasePaths)
	if keepFirst(&name, &version, newName, newVersion) {
		return name, version, true
	}

	return name, version, name != "" || version != ""
}
