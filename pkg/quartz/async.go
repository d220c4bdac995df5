package quartz

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/benbjohnson/clock"
)

// Command outcomes.
type cmdResult int32

const (
	cmdSuccess cmdResult = iota
	cmdError
	cmdTimeout
)

// asyncCmd is one in-flight handshake: connect (unless a stream is supplied),
// send the request document, read the length-prefixed response, all bounded
// by a single deadline.
type asyncCmd struct {
	host       Host
	stream     Stream   // reused stream from a previous pass, nil to dial
	candidates []string // resolved addresses, tried in order when dialing
	tlsOpts    *TLSOptions
	request    []byte
	timeout    time.Duration
	handler    func(*asyncCompletion)

	// canceled marks the command abandoned by its owner. The completion is
	// still dispatched so the owner can release its claim; the handler
	// discards the result.
	canceled int32
}

func (c *asyncCmd) cancel() {
	atomic.StoreInt32(&c.canceled, 1)
}

func (c *asyncCmd) isCanceled() bool {
	return atomic.LoadInt32(&c.canceled) == 1
}

// asyncCompletion is the message a finished command posts to the runner. The
// stream rides along so ownership transfers cleanly: while a command is in
// flight, nothing else touches its connection.
type asyncCompletion struct {
	cmd      *asyncCmd
	status   cmdResult
	response map[string]interface{}
	stream   Stream
	rtt      time.Duration
	err      *ScanError
}

// asyncRunner drives any number of concurrent handshake commands. Each runs
// in its own goroutine and posts exactly one completion; Run polls
// completions and dispatches handlers on the caller's goroutine, so handler
// code is single-threaded.
type asyncRunner struct {
	clk     clock.Clock
	results *queue.Queue
	pending int
}

func newAsyncRunner(clk clock.Clock) *asyncRunner {
	return &asyncRunner{
		clk:     clk,
		results: queue.New(16),
	}
}

// RunCommand launches cmd. The handler fires exactly once, from a later Run
// call, even when the command is canceled mid-flight.
func (a *asyncRunner) RunCommand(cmd *asyncCmd) {
	a.pending++
	go cmd.execute(a.results, a.clk)
}

// Run waits up to timeout for completions and dispatches them. Returns true
// while any command remains unfinished, false when the pass is over.
func (a *asyncRunner) Run(timeout time.Duration) bool {
	if a.pending == 0 {
		return false
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}

	items, err := a.results.Poll(int64(a.pending), timeout)
	if err != nil {
		if errors.Is(err, queue.ErrDisposed) {
			a.pending = 0
			return false
		}
		// queue.ErrTimeout: nothing completed during this slice.
		return true
	}

	for _, item := range items {
		comp := item.(*asyncCompletion)
		a.pending--
		comp.cmd.handler(comp)
	}

	return a.pending > 0
}

// Dispose tears the completion queue down; in-flight commands finish their
// goroutines and their completions are discarded.
func (a *asyncRunner) Dispose() {
	a.results.Dispose()
	a.pending = 0
}

func (c *asyncCmd) execute(results *queue.Queue, clk clock.Clock) {
	start := clk.Now()
	deadline := time.Now().Add(c.timeout)
	comp := &asyncCompletion{cmd: c}

	stream := c.stream
	if stream == nil {
		s, err := dialCandidates(c.host, c.candidates, deadline, c.tlsOpts)
		if err != nil {
			comp.status = classify(err)
			comp.err = newScanError(ErrorDomainStream, ErrorCodeStreamConnect,
				"failed to connect to target host: '%s'", c.host)
			comp.rtt = -1
			_ = results.Put(comp)
			return
		}
		stream = s
	}
	comp.stream = stream

	_ = stream.SetDeadline(deadline)

	if _, err := stream.Write(c.request); err != nil {
		c.fail(comp, results, err)
		return
	}

	response, err := readWireDocument(stream)
	if err != nil {
		c.fail(comp, results, err)
		return
	}

	comp.status = cmdSuccess
	comp.response = response
	comp.rtt = clk.Since(start)
	_ = results.Put(comp)
}

func (c *asyncCmd) fail(comp *asyncCompletion, results *queue.Queue, err error) {
	comp.status = classify(err)
	comp.err = newScanError(ErrorDomainStream, ErrorCodeStreamSocket,
		"handshake failed for '%s': %v", c.host, err)
	comp.rtt = -1
	_ = results.Put(comp)
}

func classify(err error) cmdResult {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return cmdTimeout
	}
	return cmdError
}

// readWireDocument reads one length-prefixed document from the stream.
func readWireDocument(stream Stream) (map[string]interface{}, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(stream, prefix[:]); err != nil {
		return nil, err
	}

	total := int(int32(binary.LittleEndian.Uint32(prefix[:])))
	if total < 5 {
		return nil, ErrDocumentCorrupt
	}
	if total > maxDocumentSize {
		return nil, ErrResponseTooLarge
	}

	buf := make([]byte, total)
	copy(buf, prefix[:])
	if _, err := io.ReadFull(stream, buf[4:]); err != nil {
		return nil, err
	}

	return ReadDocument(buf)
}
