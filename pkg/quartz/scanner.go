package quartz

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/zap"
)

// cooldownInterval is how long an unreachable node is skipped by
// cooldown-obeying scans after a failed check. Fixed by the discovery
// protocol; deliberately not configurable so a flapping node cannot be
// hammered with reconnects.
const cooldownInterval = 5 * time.Second

const helloCommandKey = "hello"

// TopologyCallback receives the outcome of every node check: the node id, the
// server's handshake response (nil on failure), the round-trip time (-1 when
// no round trip completed), and the failure, if any.
type TopologyCallback func(id uint32, response map[string]interface{}, rtt time.Duration, err *ScanError)

// TopologyScanner owns the set of Nodes and runs handshake passes over them.
// A pass is started with Start and driven with repeated Work calls until Work
// reports no more progress; Reset then sweeps retired nodes.
//
// The scanner itself is single-threaded: Start/Work/Reset/Add and all Node
// methods must run on one goroutine (the pool's background scanner, or a
// single-threaded caller). HasNodeForHost is safe from any goroutine.
type TopologyScanner struct {
	cfg       *PoolConfig
	cb        TopologyCallback
	clk       clock.Clock
	log       *zap.Logger
	async     *asyncRunner
	resolver  Resolver
	initiator StreamInitiator
	tlsOpts   *TLSOptions
	metadata  *Metadata
	apm       *ApmCallbacks
	apmCtx    interface{}

	nodes     map[uint32]*Node
	order     []uint32 // insertion order, for deterministic iteration
	hostIndex cmap.ConcurrentMap

	helloCmd   []byte // bare hello command, shared by steady-state checks
	errMu      sync.Mutex
	err        *ScanError // guarded by errMu: clients read it cross-goroutine
	inProgress bool
	started    int32 // atomic: any scan ever started
}

// NewTopologyScanner creates a scanner for the given configuration. cb may be
// nil when the caller polls GetError/GetNode instead.
func NewTopologyScanner(cfg *PoolConfig, cb TopologyCallback) *TopologyScanner {
	ts := &TopologyScanner{
		cfg:       cfg,
		cb:        cb,
		clk:       clock.New(),
		log:       zap.NewNop(),
		resolver:  systemResolver{},
		tlsOpts:   cfg.TLS,
		metadata:  NewMetadata(),
		nodes:     make(map[uint32]*Node),
		hostIndex: cmap.New(),
	}
	if cfg.Logger != nil {
		ts.log = cfg.Logger
	}

	ts.async = newAsyncRunner(ts.clk)
	ts.helloCmd = ts.buildHelloCommand(nil)

	if cfg.ApplicationName != "" {
		ts.metadata.SetApplicationName(cfg.ApplicationName)
	}

	return ts
}

// Metadata returns the handshake metadata document. Mutation must stop before
// the first scan; the owning pool guards this with its mutex.
func (ts *TopologyScanner) Metadata() *Metadata {
	return ts.metadata
}

// SetTLSOptions replaces the transport-security options for future streams.
func (ts *TopologyScanner) SetTLSOptions(opts *TLSOptions) {
	ts.tlsOpts = opts
	ts.initiator = nil
}

// SetStreamInitiator installs a custom stream opener, bypassing the built-in
// dialing and TLS wrapping.
func (ts *TopologyScanner) SetStreamInitiator(initiator StreamInitiator) {
	ts.initiator = initiator
}

// SetApmCallbacks installs handshake lifecycle callbacks.
func (ts *TopologyScanner) SetApmCallbacks(apm *ApmCallbacks, ctx interface{}) {
	ts.apm = apm
	ts.apmCtx = ctx
}

// Active reports whether any scan has ever started. Safe from any goroutine.
func (ts *TopologyScanner) Active() bool {
	return atomic.LoadInt32(&ts.started) == 1
}

// Add registers a server address under the given id.
func (ts *TopologyScanner) Add(host Host, id uint32) *Node {
	node := &Node{
		ID:         id,
		Addr:       host,
		ts:         ts,
		lastUsed:   -1,
		lastFailed: -1,
	}

	ts.nodes[id] = node
	ts.order = append(ts.order, id)
	ts.hostIndex.Set(host.Address(), id)

	return node
}

// AddAndScan registers a server address and immediately begins a handshake
// for it, without waiting for the next full pass. If setup fails the node
// stays registered and is retried on the next pass.
func (ts *TopologyScanner) AddAndScan(host Host, id uint32, timeout time.Duration) {
	node := ts.Add(host, id)

	atomic.StoreInt32(&ts.started, 1)

	var metaCmd []byte
	if node.Setup() {
		ts.sendHello(node, timeout, &metaCmd)
	}
}

// Start begins a scan pass: every node not in cooldown gets its stream set up
// and a handshake command enqueued. No-op while a pass is already in
// progress. When obeyCooldown is set, nodes that failed within the last
// cooldownInterval are skipped for this pass; the multi-threaded pool's
// background scanner passes false and always rechecks.
func (ts *TopologyScanner) Start(timeout time.Duration, obeyCooldown bool) {
	if ts.inProgress {
		return
	}
	ts.inProgress = true
	atomic.StoreInt32(&ts.started, 1)
	ts.setError(nil)

	threshold := int64(math.MaxInt64)
	if obeyCooldown {
		threshold = ts.now() - cooldownInterval.Nanoseconds()
	}

	// The metadata-bearing command is built lazily, at most once per pass.
	var metaCmd []byte

	for _, id := range ts.order {
		node := ts.nodes[id]
		if node.retired {
			continue
		}

		// Recheck only nodes whose last failure predates the cooldown window.
		if node.lastFailed < threshold {
			if node.Setup() {
				ts.sendHello(node, timeout, &metaCmd)
			}
		}
	}
}

// Work drives the in-flight handshakes for up to timeout. Returns true while
// the pass has more work; on completion it aggregates node errors into the
// scan-level error and returns false.
func (ts *TopologyScanner) Work(timeout time.Duration) bool {
	more := ts.async.Run(timeout)

	if !more && ts.inProgress {
		ts.inProgress = false
		ts.finishScan()
	}

	return more
}

// Reset removes nodes retired during the previous pass. A node with a live
// command is left for a later sweep; it is never destroyed mid-flight.
func (ts *TopologyScanner) Reset() {
	for i := 0; i < len(ts.order); {
		node := ts.nodes[ts.order[i]]
		if node.retired && node.cmd == nil {
			node.Disconnect(true)
			delete(ts.nodes, node.ID)
			ts.hostIndex.Remove(node.Addr.Address())
			ts.order = append(ts.order[:i], ts.order[i+1:]...)
			continue
		}
		i++
	}
}

// GetError returns the aggregated error from the most recent completed pass,
// or nil when every node checked out. Overwritten each pass. Safe from any
// goroutine.
func (ts *TopologyScanner) GetError() *ScanError {
	ts.errMu.Lock()
	defer ts.errMu.Unlock()
	return ts.err
}

func (ts *TopologyScanner) setError(err *ScanError) {
	ts.errMu.Lock()
	ts.err = err
	ts.errMu.Unlock()
}

// HasNodeForHost reports whether the scanner tracks the given host. Safe from
// any goroutine.
func (ts *TopologyScanner) HasNodeForHost(host Host) bool {
	return ts.hostIndex.Has(host.Address())
}

// GetNode returns the node with the given id, or nil. Single-threaded use
// only.
func (ts *TopologyScanner) GetNode(id uint32) *Node {
	return ts.nodes[id]
}

// Destroy disconnects every node and tears down the multiplexer. In-flight
// command goroutines finish on their own; their results are discarded.
func (ts *TopologyScanner) Destroy() {
	for _, id := range ts.order {
		ts.nodes[id].Disconnect(false)
	}
	ts.async.Dispose()
}

func (ts *TopologyScanner) now() int64 {
	return ts.clk.Now().UnixNano()
}

// sendHello enqueues a handshake command for the node. Metadata rides along
// only on the node's first check, or its first check after a failure; the
// steady state resends the bare hello.
func (ts *TopologyScanner) sendHello(node *Node, timeout time.Duration, metaCmd *[]byte) {
	request := ts.helloCmd
	if node.lastUsed == -1 || node.lastFailed != -1 {
		if *metaCmd == nil {
			*metaCmd = ts.buildHelloWithMetadata()
		}
		request = *metaCmd
	}

	cmd := &asyncCmd{
		host:       node.Addr,
		stream:     node.stream,
		candidates: node.dnsResults,
		tlsOpts:    ts.tlsOpts,
		request:    request,
		timeout:    timeout,
		handler: func(c *asyncCompletion) {
			ts.helloHandler(node, c)
		},
	}

	node.cmd = cmd

	if ts.apm != nil && ts.apm.Started != nil {
		ts.apm.Started(ts.apmCtx, node.Addr)
	}

	ts.async.RunCommand(cmd)
}

// buildHelloCommand serializes the hello command, embedding meta when
// non-nil and advertising the configured compressors.
func (ts *TopologyScanner) buildHelloCommand(meta *Document) []byte {
	doc := NewDocument()
	doc.AppendInt32(helloCommandKey, 1)
	if meta != nil {
		doc.AppendDocument(metadataFieldKey, meta)
	}
	if len(ts.cfg.Compressors) > 0 {
		doc.AppendStringArray("compression", ts.cfg.Compressors)
	}
	return doc.Bytes()
}

// buildHelloWithMetadata freezes the metadata (first serialization into an
// outgoing handshake) and embeds it; when the document exceeds its budget the
// handshake goes out without metadata rather than failing.
func (ts *TopologyScanner) buildHelloWithMetadata() []byte {
	ts.metadata.Freeze()

	meta, err := ts.metadata.BuildDocument()
	if err != nil {
		ts.log.Warn("handshake metadata exceeds size budget, omitting it",
			zap.Error(err))
		meta = nil
	}

	return ts.buildHelloCommand(meta)
}

// helloHandler settles one node's check. Runs on the scan driver goroutine.
// Clearing node.cmd always happens here, so a node retired mid-flight becomes
// sweepable once its command settles.
func (ts *TopologyScanner) helloHandler(node *Node, c *asyncCompletion) {
	node.cmd = nil

	if node.retired || c.cmd.isCanceled() {
		if c.stream != nil {
			_ = c.stream.Close()
		}
		return
	}

	now := ts.now()

	if c.status != cmdSuccess || c.response == nil {
		if c.stream != nil {
			c.stream.MarkFailed()
		}
		node.stream = nil
		node.lastFailed = now

		kind := "connection error"
		if c.status == cmdTimeout {
			kind = "connection timeout"
		}
		node.lastError = newScanError(ErrorDomainClient, ErrorCodeStreamConnect,
			"%s calling hello on '%s'", kind, node.Addr)

		if ts.apm != nil && ts.apm.Failed != nil {
			ts.apm.Failed(ts.apmCtx, node.Addr, node.lastError)
		}
	} else {
		node.lastFailed = -1
		node.lastError = nil
		node.stream = c.stream

		if ts.apm != nil && ts.apm.Succeeded != nil {
			ts.apm.Succeeded(ts.apmCtx, node.Addr, c.rtt)
		}
	}

	node.lastUsed = now

	if ts.cb != nil {
		ts.cb(node.ID, c.response, c.rtt, c.err)
	}
}

// reportSetupFailure surfaces a setup error (resolution, initiator) through
// the callback with the sentinel rtt.
func (ts *TopologyScanner) reportSetupFailure(node *Node) {
	ts.log.Debug("node setup failed",
		zap.String("host", node.Addr.String()),
		zap.String("error", node.lastError.Message))

	if ts.apm != nil && ts.apm.Failed != nil {
		ts.apm.Failed(ts.apmCtx, node.Addr, node.lastError)
	}

	if ts.cb != nil {
		ts.cb(node.ID, nil, -1, node.lastError)
	}
}

// finishScan aggregates every node's recorded error into one scan-level
// error: each message bracketed, in node order; the last error's domain and
// code win.
func (ts *TopologyScanner) finishScan() {
	var msg strings.Builder
	var domain, code int32

	for _, id := range ts.order {
		node := ts.nodes[id]
		if node.lastError == nil {
			continue
		}

		if msg.Len() > 0 {
			msg.WriteByte(' ')
		}
		fmt.Fprintf(&msg, "[%s]", node.lastError.Message)

		domain = node.lastError.Domain
		code = node.lastError.Code
	}

	if msg.Len() > 0 {
		ts.setError(&ScanError{Domain: domain, Code: code, Message: msg.String()})
		ts.log.Debug("scan pass finished with errors", zap.String("error", msg.String()))
	} else {
		ts.log.Debug("scan pass finished")
	}
}
