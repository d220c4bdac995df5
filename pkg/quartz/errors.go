package quartz

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is returned by Pop/TryPop after Destroy has been called.
	ErrPoolClosed = errors.New("client pool closed")

	// ErrMetadataTooLarge is returned by Metadata.BuildDocument when even the
	// fixed-size fields leave no room for the platform string. The caller
	// sends the handshake without the metadata document.
	ErrMetadataTooLarge = errors.New("metadata document exceeds size budget")

	// ErrResponseTooLarge is returned when a server response claims a length
	// beyond the protocol maximum.
	ErrResponseTooLarge = errors.New("server response exceeds maximum document size")

	// ErrDocumentCorrupt is returned when a wire document cannot be parsed.
	ErrDocumentCorrupt = errors.New("malformed wire document")

	// ErrUnknownCompressor is returned when a payload names a compressor this
	// driver does not implement.
	ErrUnknownCompressor = errors.New("unknown compressor")
)

// Error domains, mirroring the coarse split between failures of the driver
// itself and failures of the underlying stream.
const (
	ErrorDomainClient int32 = 1
	ErrorDomainStream int32 = 2
)

// Error codes carried by ScanError.
const (
	ErrorCodeNameResolution int32 = 1
	ErrorCodeStreamConnect  int32 = 2
	ErrorCodeStreamSocket   int32 = 3
)

// ScanError records one node-level or scan-level failure. Transient network
// failures are recorded as ScanErrors and retried; they are never fatal.
type ScanError struct {
	Domain  int32
	Code    int32
	Message string
}

func (e *ScanError) Error() string {
	return e.Message
}

func newScanError(domain int32, code int32, format string, args ...interface{}) *ScanError {
	return &ScanError{
		Domain:  domain,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
