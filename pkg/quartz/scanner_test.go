package quartz

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helloServer is a loopback server answering handshakes and recording every
// request document it sees. One connection can carry many handshakes, so
// stream reuse across passes is observable.
type helloServer struct {
	ln net.Listener

	mu       sync.Mutex
	requests []map[string]interface{}
}

func startHelloServer(t *testing.T) *helloServer {
	return startHelloServerOn(t, "tcp", "127.0.0.1:0")
}

func startHelloServerOn(t *testing.T, network string, addr string) *helloServer {
	t.Helper()

	ln, err := net.Listen(network, addr)
	require.NoError(t, err)

	s := &helloServer{ln: ln}
	go s.acceptLoop()
	return s
}

func (s *helloServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *helloServer) serve(conn net.Conn) {
	defer conn.Close()

	stream := newNetStream(conn)
	for {
		req, err := readWireDocument(stream)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		if _, err := stream.Write(helloResponse()); err != nil {
			return
		}
	}
}

func (s *helloServer) stop() {
	_ = s.ln.Close()
}

func (s *helloServer) host() Host {
	hostPart, portPart, _ := net.SplitHostPort(s.ln.Addr().String())
	port, _ := strconv.ParseUint(portPart, 10, 16)
	return Host{Host: hostPart, Port: uint16(port), Family: "tcp"}
}

func (s *helloServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *helloServer) request(i int) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// deadHost returns a loopback address with nothing listening on it.
func deadHost(t *testing.T) Host {
	t.Helper()

	hostPart, portPart, err := net.SplitHostPort(deadAddr(t))
	require.NoError(t, err)
	port, _ := strconv.ParseUint(portPart, 10, 16)
	return Host{Host: hostPart, Port: uint16(port), Family: "tcp"}
}

type scanRecord struct {
	id       uint32
	response map[string]interface{}
	rtt      time.Duration
	err      *ScanError
}

type scanRecorder struct {
	mu      sync.Mutex
	records []scanRecord
}

func (r *scanRecorder) callback(id uint32, response map[string]interface{}, rtt time.Duration, err *ScanError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, scanRecord{id: id, response: response, rtt: rtt, err: err})
}

func (r *scanRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *scanRecorder) record(i int) scanRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[i]
}

func drainScanner(ts *TopologyScanner) {
	for ts.Work(100 * time.Millisecond) {
	}
}

// staticResolver returns canned results, replacing DNS in tests.
type staticResolver struct {
	addrs []string
	err   error
}

func (r staticResolver) Resolve(string, uint16) ([]string, error) {
	return r.addrs, r.err
}

func TestScannerScanSuccess(t *testing.T) {
	defer leaktest.Check(t)()

	server := startHelloServer(t)
	defer server.stop()

	rec := &scanRecorder{}
	ts := NewTopologyScanner(&PoolConfig{Hosts: []Host{server.host()}}, rec.callback)
	defer ts.Destroy()

	ts.Add(server.host(), 0)

	ts.Start(2*time.Second, false)
	drainScanner(ts)

	require.Equal(t, 1, rec.count())
	got := rec.record(0)
	assert.Equal(t, uint32(0), got.id)
	assert.Nil(t, got.err)
	assert.Equal(t, int32(1), got.response["ok"])
	assert.Greater(t, got.rtt, time.Duration(0))

	assert.Nil(t, ts.GetError())

	node := ts.GetNode(0)
	require.NotNil(t, node)
	assert.NotNil(t, node.stream)
	assert.Equal(t, int64(-1), node.LastFailed())
	assert.NotEqual(t, int64(-1), node.LastUsed())
	assert.Nil(t, node.LastError())
}

func TestScannerMetadataResendPolicy(t *testing.T) {
	defer leaktest.Check(t)()

	server := startHelloServer(t)
	defer server.stop()

	ts := NewTopologyScanner(&PoolConfig{Hosts: []Host{server.host()}}, nil)
	defer ts.Destroy()

	ts.Add(server.host(), 0)

	// First check carries metadata.
	ts.Start(2*time.Second, false)
	drainScanner(ts)

	require.Equal(t, 1, server.requestCount())
	first := server.request(0)
	assert.Equal(t, int32(1), first[helloCommandKey])
	meta, ok := first[metadataFieldKey].(map[string]interface{})
	require.True(t, ok)
	driver, ok := meta["driver"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, DriverName, driver["name"])

	// Steady-state recheck reuses the stream and sends the bare hello.
	ts.Start(2*time.Second, false)
	drainScanner(ts)

	require.Equal(t, 2, server.requestCount())
	second := server.request(1)
	assert.Equal(t, int32(1), second[helloCommandKey])
	_, hasMeta := second[metadataFieldKey]
	assert.False(t, hasMeta)
}

func TestScannerAdvertisesCompressors(t *testing.T) {
	defer leaktest.Check(t)()

	server := startHelloServer(t)
	defer server.stop()

	cfg := &PoolConfig{Hosts: []Host{server.host()}, Compressors: []string{"zstd", "gzip"}}
	ts := NewTopologyScanner(cfg, nil)
	defer ts.Destroy()

	ts.Add(server.host(), 0)
	ts.Start(2*time.Second, false)
	drainScanner(ts)

	require.Equal(t, 1, server.requestCount())
	assert.Equal(t, []interface{}{"zstd", "gzip"}, server.request(0)["compression"])
}

func TestScannerOversizedMetadataOmitted(t *testing.T) {
	defer leaktest.Check(t)()

	server := startHelloServer(t)
	defer server.stop()

	ts := NewTopologyScanner(&PoolConfig{Hosts: []Host{server.host()}}, nil)
	defer ts.Destroy()

	ts.metadata.setOSName(strings.Repeat("a", 511))
	ts.Add(server.host(), 0)

	ts.Start(2*time.Second, false)
	drainScanner(ts)

	// The handshake still goes out, just without the metadata document.
	require.Equal(t, 1, server.requestCount())
	req := server.request(0)
	assert.Equal(t, int32(1), req[helloCommandKey])
	_, hasMeta := req[metadataFieldKey]
	assert.False(t, hasMeta)
	assert.Nil(t, ts.GetError())
}

func TestScannerFailureAggregation(t *testing.T) {
	defer leaktest.Check(t)()

	h0 := deadHost(t)
	h1 := deadHost(t)

	rec := &scanRecorder{}
	ts := NewTopologyScanner(&PoolConfig{Hosts: []Host{h0, h1}}, rec.callback)
	defer ts.Destroy()

	ts.Add(h0, 0)
	ts.Add(h1, 1)

	ts.Start(500*time.Millisecond, false)
	drainScanner(ts)

	require.Equal(t, 2, rec.count())

	scanErr := ts.GetError()
	require.NotNil(t, scanErr)
	assert.Equal(t, ErrorDomainClient, scanErr.Domain)
	assert.Equal(t, ErrorCodeStreamConnect, scanErr.Code)

	msg := scanErr.Message
	assert.Equal(t, 2, strings.Count(msg, "["))
	assert.True(t, strings.HasPrefix(msg, "["))
	assert.True(t, strings.HasSuffix(msg, "]"))
	assert.Less(t, strings.Index(msg, h0.Address()), strings.Index(msg, h1.Address()))

	node := ts.GetNode(0)
	assert.NotEqual(t, int64(-1), node.LastFailed())
	assert.Nil(t, node.stream)
}

func TestScannerCooldown(t *testing.T) {
	defer leaktest.Check(t)()

	dead := deadHost(t)

	rec := &scanRecorder{}
	ts := NewTopologyScanner(&PoolConfig{Hosts: []Host{dead}}, rec.callback)
	defer ts.Destroy()

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC))
	ts.clk = mock

	ts.Add(dead, 0)

	ts.Start(500*time.Millisecond, true)
	drainScanner(ts)
	require.Equal(t, 1, rec.count())

	// Within the cooldown window the node is skipped entirely.
	ts.Start(500*time.Millisecond, true)
	drainScanner(ts)
	assert.Equal(t, 1, rec.count())

	mock.Add(cooldownInterval + time.Second)

	ts.Start(500*time.Millisecond, true)
	drainScanner(ts)
	assert.Equal(t, 2, rec.count())
}

func TestScannerSetupFailure(t *testing.T) {
	defer leaktest.Check(t)()

	rec := &scanRecorder{}
	ts := NewTopologyScanner(&PoolConfig{}, rec.callback)
	defer ts.Destroy()

	ts.resolver = staticResolver{err: errors.New("no such host")}
	ts.Add(Host{Host: "db1.invalid", Port: 5757, Family: "tcp"}, 0)

	ts.Start(500*time.Millisecond, false)
	drainScanner(ts)

	require.Equal(t, 1, rec.count())
	got := rec.record(0)
	assert.Nil(t, got.response)
	assert.Equal(t, time.Duration(-1), got.rtt)
	require.NotNil(t, got.err)
	assert.Equal(t, ErrorDomainStream, got.err.Domain)
	assert.Equal(t, ErrorCodeNameResolution, got.err.Code)

	scanErr := ts.GetError()
	require.NotNil(t, scanErr)
	assert.Contains(t, scanErr.Message, "failed to resolve")
}

func TestScannerRetireReset(t *testing.T) {
	defer leaktest.Check(t)()

	h0 := deadHost(t)
	h1 := deadHost(t)

	ts := NewTopologyScanner(&PoolConfig{Hosts: []Host{h0, h1}}, nil)
	defer ts.Destroy()

	ts.Add(h0, 0)
	ts.Add(h1, 1)
	require.True(t, ts.HasNodeForHost(h1))

	ts.GetNode(1).Retire()
	assert.True(t, ts.GetNode(1).Retired())

	// Still present until the sweep.
	assert.True(t, ts.HasNodeForHost(h1))

	ts.Reset()
	assert.Nil(t, ts.GetNode(1))
	assert.False(t, ts.HasNodeForHost(h1))
	assert.NotNil(t, ts.GetNode(0))
	assert.True(t, ts.HasNodeForHost(h0))
}

func TestScannerRetireWithInFlightCommand(t *testing.T) {
	defer leaktest.Check(t)()

	// A stalled handshake: the peer reads the request but holds the response
	// until released, keeping the command in flight.
	release := make(chan struct{})
	initiator := func(cfg *PoolConfig, host Host) (Stream, error) {
		clientConn, serverConn := net.Pipe()
		go func() {
			stream := newNetStream(serverConn)
			if _, err := readWireDocument(stream); err != nil {
				_ = serverConn.Close()
				return
			}
			<-release
			_, _ = stream.Write(helloResponse())
			_, _ = readWireDocument(stream)
			_ = serverConn.Close()
		}()
		return newNetStream(clientConn), nil
	}

	host := Host{Host: "stalled", Port: 1, Family: "tcp"}

	rec := &scanRecorder{}
	ts := NewTopologyScanner(&PoolConfig{}, rec.callback)
	defer ts.Destroy()

	ts.SetStreamInitiator(initiator)
	ts.Add(host, 0)

	ts.Start(2*time.Second, false)
	ts.GetNode(0).Retire()

	close(release)
	drainScanner(ts)

	// The settled command is discarded, not reported.
	assert.Equal(t, 0, rec.count())

	// With the command settled the retired node is sweepable.
	ts.Reset()
	assert.Nil(t, ts.GetNode(0))
	assert.False(t, ts.HasNodeForHost(host))
}

func TestScannerAddAndScan(t *testing.T) {
	defer leaktest.Check(t)()

	server := startHelloServer(t)
	defer server.stop()

	rec := &scanRecorder{}
	ts := NewTopologyScanner(&PoolConfig{}, rec.callback)
	defer ts.Destroy()

	assert.False(t, ts.Active())
	ts.AddAndScan(server.host(), 7, 2*time.Second)
	assert.True(t, ts.Active())

	drainScanner(ts)

	require.Equal(t, 1, rec.count())
	assert.Equal(t, uint32(7), rec.record(0).id)
	assert.Nil(t, rec.record(0).err)
}

func TestScannerCustomInitiator(t *testing.T) {
	defer leaktest.Check(t)()

	initiated := 0
	initiator := func(cfg *PoolConfig, host Host) (Stream, error) {
		initiated++
		clientConn, serverConn := net.Pipe()
		go serveHelloOnce(serverConn)
		return newNetStream(clientConn), nil
	}

	rec := &scanRecorder{}
	ts := NewTopologyScanner(&PoolConfig{}, rec.callback)
	defer ts.Destroy()

	ts.SetStreamInitiator(initiator)
	ts.Add(Host{Host: "custom", Port: 1, Family: "tcp"}, 0)

	ts.Start(2*time.Second, false)
	drainScanner(ts)

	assert.Equal(t, 1, initiated)
	require.Equal(t, 1, rec.count())
	assert.Nil(t, rec.record(0).err)
	assert.Equal(t, int32(1), rec.record(0).response["ok"])
}

func TestScannerApmCallbacks(t *testing.T) {
	defer leaktest.Check(t)()

	server := startHelloServer(t)
	defer server.stop()

	dead := deadHost(t)

	type ctxKey struct{ name string }
	ctxVal := &ctxKey{name: "monitor"}

	var started, succeeded, failed int
	apm := &ApmCallbacks{
		Started: func(ctx interface{}, host Host) {
			assert.Equal(t, ctxVal, ctx)
			started++
		},
		Succeeded: func(ctx interface{}, host Host, rtt time.Duration) {
			succeeded++
		},
		Failed: func(ctx interface{}, host Host, err *ScanError) {
			failed++
		},
	}

	ts := NewTopologyScanner(&PoolConfig{}, nil)
	defer ts.Destroy()

	ts.SetApmCallbacks(apm, ctxVal)
	ts.Add(server.host(), 0)
	ts.Add(dead, 1)

	ts.Start(2*time.Second, false)
	drainScanner(ts)

	assert.Equal(t, 2, started)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)
}
