package quartz

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Supported error-reporting modes for SetErrorAPI.
const (
	ErrorAPIVersionLegacy int32 = 1
	ErrorAPIVersion2      int32 = 2
)

// scanWorkSlice bounds one Work call so the background scanner notices
// shutdown promptly even while handshakes are in flight.
const scanWorkSlice = 500 * time.Millisecond

// ClientPool hands out Client handles up to MaxPoolSize and runs one shared
// background topology scanner for all of them. Idle clients are reused
// last-in-first-out; when MinPoolSize is set, each returned client may evict
// the oldest idle one until the pool shrinks back to the minimum.
//
// All methods are safe for concurrent use.
type ClientPool struct {
	cfg     *PoolConfig
	scanner *TopologyScanner
	clk     clock.Clock
	log     *zap.Logger

	mu   sync.Mutex
	cond *sync.Cond
	idle []*Client

	size    uint32 // clients in existence, idle and borrowed
	minSize uint32
	maxSize uint32

	errorAPIVersion int32
	metadataSet     bool
	apmSet          bool

	scannerStarted bool
	closed         bool
	shutdown       chan struct{}
	scanDone       chan struct{}
}

// NewClientPool creates a pool from the given configuration. When cfg lists
// no hosts but carries a URI, the URI is parsed first. The background scanner
// does not start until the first client is popped.
func NewClientPool(cfg *PoolConfig) (*ClientPool, error) {
	if cfg == nil {
		return nil, errors.New("client pool requires a configuration")
	}

	if len(cfg.Hosts) == 0 && cfg.URI != "" {
		parsed, err := ParseURI(cfg.URI)
		if err != nil {
			return nil, err
		}
		parsed.ApplicationName = firstNonEmpty(cfg.ApplicationName, parsed.ApplicationName)
		parsed.TLS = cfg.TLS
		parsed.ServerMonitor = cfg.ServerMonitor
		cfg = parsed
	}
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("client pool requires at least one host")
	}

	cfg.normalize()

	cp := &ClientPool{
		cfg:             cfg,
		clk:             clock.New(),
		log:             zap.NewNop(),
		minSize:         cfg.MinPoolSize,
		maxSize:         cfg.MaxPoolSize,
		errorAPIVersion: ErrorAPIVersionLegacy,
		shutdown:        make(chan struct{}),
	}
	cp.cond = sync.NewCond(&cp.mu)

	if cfg.Logger != nil {
		cp.log = cfg.Logger
	}

	cp.scanner = NewTopologyScanner(cfg, cfg.ServerMonitor)
	for i, host := range cfg.Hosts {
		cp.scanner.Add(host, uint32(i))
	}

	return cp, nil
}

// NewClientPoolFromURI creates a pool from a quartz:// connection string.
func NewClientPoolFromURI(uri string) (*ClientPool, error) {
	cfg, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return NewClientPool(cfg)
}

// Pop checks a client out of the pool, blocking while the pool is at
// MaxPoolSize with nothing idle. The first Pop starts the background scanner.
// Returns ErrPoolClosed after Destroy.
func (cp *ClientPool) Pop() (*Client, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for {
		if cp.closed {
			return nil, ErrPoolClosed
		}
		if client := cp.takeLocked(); client != nil {
			return client, nil
		}
		cp.cond.Wait()
	}
}

// TryPop is the non-blocking Pop: nil when the pool is exhausted or closed.
func (cp *ClientPool) TryPop() *Client {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	return cp.takeLocked()
}

// takeLocked reuses the most recently returned idle client, or mints a new
// one while under the size cap. Caller holds cp.mu.
func (cp *ClientPool) takeLocked() *Client {
	if n := len(cp.idle); n > 0 {
		client := cp.idle[n-1]
		cp.idle[n-1] = nil
		cp.idle = cp.idle[:n-1]
		cp.startScannerLocked()
		return client
	}

	if cp.size < cp.maxSize {
		cp.size++
		cp.startScannerLocked()
		return newClient(cp)
	}

	return nil
}

// Push returns a client to the pool and wakes one blocked Pop. While the pool
// is above MinPoolSize, each Push evicts at most the single oldest idle
// client, so the pool drifts down to the minimum instead of collapsing after
// a burst. Pushing into a destroyed pool discards the client.
func (cp *ClientPool) Push(client *Client) {
	if client == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return
	}

	if cp.minSize > 0 && cp.size > cp.minSize && len(cp.idle) > 0 {
		copy(cp.idle, cp.idle[1:])
		cp.idle[len(cp.idle)-1] = nil
		cp.idle = cp.idle[:len(cp.idle)-1]
		cp.size--
	}

	cp.idle = append(cp.idle, client)
	cp.cond.Signal()
}

// GetSize returns the number of clients in existence, idle and borrowed.
func (cp *ClientPool) GetSize() uint32 {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.size
}

// SetMaxSize adjusts the cap on clients in existence. Lowering it does not
// destroy existing clients; the pool shrinks as they are evicted or dropped.
func (cp *ClientPool) SetMaxSize(size uint32) {
	if size == 0 {
		size = 1
	}

	cp.mu.Lock()
	cp.maxSize = size
	cp.mu.Unlock()
}

// SetMinSize adjusts the idle-shrink floor. Zero disables shrinking.
func (cp *ClientPool) SetMinSize(size uint32) {
	cp.mu.Lock()
	cp.minSize = size
	cp.mu.Unlock()
}

// SetApplicationName sets the application name sent in handshake metadata.
// Fails once the scanner has started, since metadata is frozen by its first
// serialization.
func (cp *ClientPool) SetApplicationName(name string) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.scannerActiveLocked() {
		return false
	}
	return cp.scanner.Metadata().SetApplicationName(name)
}

// SetMetadata appends embedding-driver identification to the handshake
// metadata. One-shot: fails on a second call, or once the scanner has
// started. Empty strings leave the corresponding field absent.
func (cp *ClientPool) SetMetadata(driverName, driverVersion, platform string) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.metadataSet || cp.scannerActiveLocked() {
		return false
	}
	if !cp.scanner.Metadata().Append(driverName, driverVersion, platform) {
		return false
	}

	cp.metadataSet = true
	return true
}

// GetMetadata returns a detached snapshot of the current handshake metadata.
// Mutating the snapshot does not affect the pool.
func (cp *ClientPool) GetMetadata() *Metadata {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	snapshot := *cp.scanner.Metadata()
	return &snapshot
}

// GetMetadataDocument serializes the current handshake metadata without
// freezing it.
func (cp *ClientPool) GetMetadataDocument() (*Document, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.scanner.Metadata().BuildDocument()
}

// SetApmCallbacks installs handshake monitoring callbacks. One-shot, and only
// before the scanner starts; a nil or empty callback set is rejected.
func (cp *ClientPool) SetApmCallbacks(apm *ApmCallbacks, ctx interface{}) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.apmSet || apm.empty() || cp.scannerActiveLocked() {
		return false
	}

	cp.scanner.SetApmCallbacks(apm, ctx)
	cp.apmSet = true
	return true
}

// SetErrorAPI selects the error-reporting mode handed to new clients. Only
// versions 1 and 2 are supported.
func (cp *ClientPool) SetErrorAPI(version int32) bool {
	if version != ErrorAPIVersionLegacy && version != ErrorAPIVersion2 {
		return false
	}

	cp.mu.Lock()
	cp.errorAPIVersion = version
	cp.mu.Unlock()
	return true
}

// SetTLSOptions replaces transport security for scanner streams. Ignored once
// the scanner has started.
func (cp *ClientPool) SetTLSOptions(opts *TLSOptions) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.scannerActiveLocked() {
		cp.log.Warn("ignoring TLS options set after the scanner started")
		return
	}
	cp.scanner.SetTLSOptions(opts)
}

// TopologyError returns the aggregated error from the most recent scan pass.
func (cp *ClientPool) TopologyError() *ScanError {
	return cp.scanner.GetError()
}

// Destroy shuts the pool down: wakes all blocked Pops with ErrPoolClosed,
// stops the background scanner, and tears down the topology. Idle clients are
// discarded; clients still borrowed become orphans whose Push is a no-op.
func (cp *ClientPool) Destroy() {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return
	}
	cp.closed = true

	cp.size -= uint32(len(cp.idle))
	cp.idle = nil

	started := cp.scannerStarted
	scanDone := cp.scanDone

	cp.cond.Broadcast()
	cp.mu.Unlock()

	close(cp.shutdown)
	if started {
		<-scanDone
	}

	cp.scanner.Destroy()
	cp.log.Debug("client pool destroyed")
}

func (cp *ClientPool) scannerActiveLocked() bool {
	return cp.scannerStarted || cp.scanner.Active()
}

// startScannerLocked launches the background scan loop once, on the first
// client checkout. Caller holds cp.mu.
func (cp *ClientPool) startScannerLocked() {
	if cp.scannerStarted {
		return
	}

	cp.scannerStarted = true
	cp.scanDone = make(chan struct{})
	go cp.scanLoop()
}

// scanLoop runs full topology passes separated by the heartbeat interval
// until Destroy. The scanner's single-threaded surface is only ever touched
// from this goroutine once it starts.
func (cp *ClientPool) scanLoop() {
	defer close(cp.scanDone)

	connectTimeout := cp.cfg.connectTimeout()
	interval := cp.cfg.heartbeatInterval()

	for {
		select {
		case <-cp.shutdown:
			return
		default:
		}

		cp.scanner.Start(connectTimeout, false)
		for cp.scanner.Work(scanWorkSlice) {
			select {
			case <-cp.shutdown:
				return
			default:
			}
		}
		cp.scanner.Reset()

		timer := cp.clk.Timer(interval)
		select {
		case <-cp.shutdown:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
