package quartz

// Handshake metadata limits. Every field except platform carries its own hard
// cap so the combined fixed-field size stays well under the document budget;
// platform absorbs whatever space remains.
const (
	MetadataMaxSize = 512

	MetadataOSNameMax          = 32
	MetadataOSVersionMax       = 32
	MetadataOSArchitectureMax  = 32
	MetadataDriverNameMax      = 64
	MetadataDriverVersionMax   = 32
	MetadataApplicationNameMax = 128
)

const (
	metadataFieldKey       = "meta"
	metadataPlatformKey    = "platform"
	metadataApplicationKey = "application"
)

// Metadata is the descriptive document attached to the first handshake a
// connection sends. It is built once at pool construction, optionally amended
// through Append/SetApplicationName, and frozen the first time it is
// serialized into an outgoing handshake. Mutation is guarded by the owning
// pool's mutex.
type Metadata struct {
	osName         string
	osVersion      string
	osArchitecture string

	driverName    string
	driverVersion string
	platform      string

	applicationName string

	frozen bool
}

// NewMetadata probes the operating system and populates the driver identity.
func NewMetadata() *Metadata {
	name, version, arch := getOSInfo()

	return &Metadata{
		osName:         truncate(name, MetadataOSNameMax),
		osVersion:      truncate(version, MetadataOSVersionMax),
		osArchitecture: truncate(arch, MetadataOSArchitectureMax),
		driverName:     truncate(DriverName, MetadataDriverNameMax),
		driverVersion:  truncate(DriverVersion, MetadataDriverVersionMax),
		platform:       platformString(),
	}
}

// Freeze makes the metadata permanently immutable.
func (m *Metadata) Freeze() {
	m.frozen = true
}

// Frozen reports whether the metadata has been frozen.
func (m *Metadata) Frozen() bool {
	return m.frozen
}

// Append amends the driver identity for a wrapping library built on top of
// this driver. Non-empty arguments are joined onto the existing values with
// " / "; name and version are then re-truncated to their caps, platform is
// left for BuildDocument's remaining-budget truncation. A successful Append
// freezes the metadata, so it works at most once. Returns false without
// mutating anything if the metadata is already frozen.
func (m *Metadata) Append(driverName string, driverVersion string, platform string) bool {
	if m.frozen {
		return false
	}

	m.driverName = truncate(join(m.driverName, driverName), MetadataDriverNameMax)
	m.driverVersion = truncate(join(m.driverVersion, driverVersion), MetadataDriverVersionMax)
	m.platform = join(m.platform, platform)

	m.Freeze()
	return true
}

// SetApplicationName records the caller-supplied application name. Fails once
// frozen or when the name exceeds its cap.
func (m *Metadata) SetApplicationName(name string) bool {
	if m.frozen || len(name) > MetadataApplicationNameMax {
		return false
	}

	m.applicationName = name
	return true
}

// BuildDocument serializes the metadata in its fixed order: application (when
// set), driver{name,version}, os{name,architecture,version}, then platform
// truncated into whatever budget remains. The result never exceeds
// MetadataMaxSize; if even the fixed fields leave no room for platform,
// ErrMetadataTooLarge is returned and the caller omits the metadata from the
// handshake entirely.
func (m *Metadata) BuildDocument() (*Document, error) {
	doc := NewDocument()

	if m.applicationName != "" {
		doc.AppendString(metadataApplicationKey, m.applicationName)
	}

	driver := NewDocument()
	driver.AppendString("name", m.driverName)
	driver.AppendString("version", m.driverVersion)
	doc.AppendDocument("driver", driver)

	os := NewDocument()
	os.AppendString("name", m.osName)
	os.AppendString("architecture", m.osArchitecture)
	os.AppendString("version", m.osVersion)
	doc.AppendDocument("os", os)

	if doc.Len() > MetadataMaxSize {
		return nil, ErrMetadataTooLarge
	}

	// The value's own terminator byte is the -1 in the truncation below.
	remaining := MetadataMaxSize - doc.Len() - stringElementOverhead(metadataPlatformKey)
	if remaining <= 0 {
		return nil, ErrMetadataTooLarge
	}

	platform := m.platform
	if len(platform)+1 > remaining {
		platform = platform[:remaining-1]
	}
	doc.AppendString(metadataPlatformKey, platform)

	return doc, nil
}

// DriverName returns the current driver-name field.
func (m *Metadata) DriverName() string { return m.driverName }

// DriverVersion returns the current driver-version field.
func (m *Metadata) DriverVersion() string { return m.driverVersion }

// Platform returns the current platform field.
func (m *Metadata) Platform() string { return m.platform }

// ApplicationName returns the application name, or "" when unset.
func (m *Metadata) ApplicationName() string { return m.applicationName }

// OSName returns the probed operating-system name.
func (m *Metadata) OSName() string { return m.osName }

// setOSName replaces the probed OS name, bypassing the freeze check. Test
// hook only.
func (m *Metadata) setOSName(name string) {
	m.osName = name
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func join(base string, suffix string) string {
	if suffix == "" {
		return base
	}
	return base + " / " + suffix
}
