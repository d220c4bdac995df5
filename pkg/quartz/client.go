package quartz

import "github.com/google/uuid"

// Client is a logical handle checked out of a ClientPool. Clients share the
// pool's topology scanner and handshake metadata; a client must be used by
// one goroutine at a time and returned with Push when done.
type Client struct {
	ID uuid.UUID

	pool            *ClientPool
	scanner         *TopologyScanner
	errorAPIVersion int32
	compressors     []string
}

func newClient(pool *ClientPool) *Client {
	return &Client{
		ID:              uuid.New(),
		pool:            pool,
		scanner:         pool.scanner,
		errorAPIVersion: pool.errorAPIVersion,
		compressors:     pool.cfg.Compressors,
	}
}

// TopologyError returns the aggregated error from the most recent scan pass,
// or nil when every node checked out.
func (c *Client) TopologyError() *ScanError {
	return c.scanner.GetError()
}

// ErrorAPIVersion returns the error-reporting mode the pool was configured
// with when this client was created.
func (c *Client) ErrorAPIVersion() int32 {
	return c.errorAPIVersion
}

// SelectCompressor picks the wire compressor to use against a server that
// advertised the given list, or "" when there is no overlap with this
// client's configured compressors.
func (c *Client) SelectCompressor(serverCompressors []string) string {
	return negotiateCompressor(c.compressors, serverCompressors)
}
