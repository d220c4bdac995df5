package quartz

// Node tracks one server endpoint within the topology scanner: its stream,
// the pending handshake command, and the success/failure stamps that drive
// the cooldown policy. Node methods must be called from the goroutine driving
// the scanner.
type Node struct {
	ID   uint32
	Addr Host

	ts         *TopologyScanner
	stream     Stream
	cmd        *asyncCmd
	dnsResults []string
	lastUsed   int64 // monotonic nanos, -1 = never used
	lastFailed int64 // monotonic nanos, -1 = no recent failure
	lastError  *ScanError
	retired    bool
}

// Setup prepares the node for a handshake: resolves the address on first use
// (cached until the next disconnect) or, with a custom initiator, opens the
// stream directly. No-op when a stream from a previous pass is still live.
// On failure the outcome is reported immediately through the scanner's
// callback with a sentinel rtt of -1, and the node is retried next pass.
func (n *Node) Setup() bool {
	if n.stream != nil {
		return true
	}

	ts := n.ts

	if ts.initiator != nil {
		stream, err := ts.initiator(ts.cfg, n.Addr)
		if err != nil {
			n.lastError = newScanError(ErrorDomainStream, ErrorCodeStreamConnect,
				"stream initiator failed for '%s': %v", n.Addr, err)
			ts.reportSetupFailure(n)
			return false
		}
		n.stream = stream
		return true
	}

	if n.Addr.Family == "unix" {
		n.dnsResults = []string{n.Addr.Host}
		return true
	}

	if n.dnsResults == nil {
		addrs, err := ts.resolver.Resolve(n.Addr.Host, n.Addr.Port)
		if err != nil || len(addrs) == 0 {
			n.lastError = newScanError(ErrorDomainStream, ErrorCodeNameResolution,
				"failed to resolve '%s'", n.Addr.Host)
			ts.reportSetupFailure(n)
			return false
		}
		n.dnsResults = addrs
	}

	return true
}

// Disconnect releases the resolved-address cache, cancels any in-flight
// command, and releases the stream. failed distinguishes an abrupt teardown
// from a clean close.
func (n *Node) Disconnect(failed bool) {
	n.dnsResults = nil

	if n.cmd != nil {
		n.cmd.cancel()
		n.cmd = nil
	}

	if n.stream != nil {
		if failed {
			n.stream.MarkFailed()
		} else {
			_ = n.stream.Close()
		}
		n.stream = nil
	}
}

// Retire cancels any in-flight command and marks the node for removal. The
// node stays in the scanner until the next Reset sweep, so an in-flight
// completion is never left pointing at a destroyed node.
func (n *Node) Retire() {
	if n.cmd != nil {
		n.cmd.cancel()
	}

	n.retired = true
}

// LastUsed returns when the node last completed a check, or -1 if never.
func (n *Node) LastUsed() int64 { return n.lastUsed }

// LastFailed returns when the node last failed a check, or -1 if the most
// recent check succeeded.
func (n *Node) LastFailed() int64 { return n.lastFailed }

// LastError returns the node's most recent failure, or nil.
func (n *Node) LastError() *ScanError { return n.lastError }

// Retired reports whether the node is awaiting removal.
func (n *Node) Retired() bool { return n.retired }
