package quartz

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func helloRequest() []byte {
	doc := NewDocument()
	doc.AppendInt32(helloCommandKey, 1)
	return doc.Bytes()
}

func helloResponse() []byte {
	doc := NewDocument()
	doc.AppendInt32(helloCommandKey, 1)
	doc.AppendInt32("ok", 1)
	return doc.Bytes()
}

// serveHelloOnce answers a single handshake on conn, then drains until the
// peer closes.
func serveHelloOnce(conn net.Conn) {
	stream := newNetStream(conn)
	if _, err := readWireDocument(stream); err != nil {
		_ = conn.Close()
		return
	}
	if _, err := stream.Write(helloResponse()); err != nil {
		_ = conn.Close()
		return
	}
	_, _ = readWireDocument(stream)
	_ = conn.Close()
}

func drainRunner(runner *asyncRunner) {
	for runner.Run(100 * time.Millisecond) {
	}
}

func TestAsyncCommandSuccess(t *testing.T) {
	defer leaktest.Check(t)()

	clientConn, serverConn := net.Pipe()
	go serveHelloOnce(serverConn)

	runner := newAsyncRunner(clock.New())

	var got *asyncCompletion
	runner.RunCommand(&asyncCmd{
		host:    Host{Host: "pipe", Family: "tcp"},
		stream:  newNetStream(clientConn),
		request: helloRequest(),
		timeout: time.Second,
		handler: func(c *asyncCompletion) { got = c },
	})
	drainRunner(runner)

	require.NotNil(t, got)
	assert.Equal(t, cmdSuccess, got.status)
	assert.Nil(t, got.err)
	assert.Equal(t, int32(1), got.response["ok"])
	assert.Greater(t, got.rtt, time.Duration(0))

	require.NotNil(t, got.stream)
	_ = got.stream.Close()
	runner.Dispose()
}

func TestAsyncCommandTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	clientConn, serverConn := net.Pipe()
	go func() {
		// Swallow the request, never respond.
		_, _ = readWireDocument(newNetStream(serverConn))
		_, _ = readWireDocument(newNetStream(serverConn))
		_ = serverConn.Close()
	}()

	runner := newAsyncRunner(clock.New())

	var got *asyncCompletion
	runner.RunCommand(&asyncCmd{
		host:    Host{Host: "pipe", Family: "tcp"},
		stream:  newNetStream(clientConn),
		request: helloRequest(),
		timeout: 50 * time.Millisecond,
		handler: func(c *asyncCompletion) { got = c },
	})
	drainRunner(runner)

	require.NotNil(t, got)
	assert.Equal(t, cmdTimeout, got.status)
	require.NotNil(t, got.err)
	assert.Equal(t, ErrorDomainStream, got.err.Domain)
	assert.Equal(t, time.Duration(-1), got.rtt)

	_ = got.stream.Close()
	runner.Dispose()
}

func TestAsyncCommandDialFailure(t *testing.T) {
	defer leaktest.Check(t)()

	addr := deadAddr(t)

	runner := newAsyncRunner(clock.New())

	var got *asyncCompletion
	runner.RunCommand(&asyncCmd{
		host:       Host{Host: "127.0.0.1", Port: 1, Family: "tcp"},
		candidates: []string{addr},
		request:    helloRequest(),
		timeout:    500 * time.Millisecond,
		handler:    func(c *asyncCompletion) { got = c },
	})
	drainRunner(runner)

	require.NotNil(t, got)
	assert.NotEqual(t, cmdSuccess, got.status)
	require.NotNil(t, got.err)
	assert.Equal(t, ErrorCodeStreamConnect, got.err.Code)
	assert.Nil(t, got.stream)
	assert.Equal(t, time.Duration(-1), got.rtt)

	runner.Dispose()
}

func TestAsyncCanceledCommandStillDispatched(t *testing.T) {
	defer leaktest.Check(t)()

	clientConn, serverConn := net.Pipe()
	go serveHelloOnce(serverConn)

	runner := newAsyncRunner(clock.New())

	var got *asyncCompletion
	cmd := &asyncCmd{
		host:    Host{Host: "pipe", Family: "tcp"},
		stream:  newNetStream(clientConn),
		request: helloRequest(),
		timeout: time.Second,
		handler: func(c *asyncCompletion) { got = c },
	}
	runner.RunCommand(cmd)
	cmd.cancel()
	drainRunner(runner)

	// Dispatch still happens so the owner can release its claim on the
	// command; the canceled flag tells it to discard the result.
	require.NotNil(t, got)
	assert.True(t, got.cmd.isCanceled())

	require.NotNil(t, got.stream)
	_ = got.stream.Close()
	runner.Dispose()
}

func TestReadWireDocumentTooLarge(t *testing.T) {
	defer leaktest.Check(t)()

	clientConn, serverConn := net.Pipe()
	go func() {
		var prefix [4]byte
		binary.LittleEndian.PutUint32(prefix[:], uint32(maxDocumentSize+1))
		_, _ = serverConn.Write(prefix[:])
	}()

	_, err := readWireDocument(newNetStream(clientConn))
	assert.ErrorIs(t, err, ErrResponseTooLarge)

	_ = clientConn.Close()
	_ = serverConn.Close()
}

func TestReadWireDocumentUndersized(t *testing.T) {
	defer leaktest.Check(t)()

	clientConn, serverConn := net.Pipe()
	go func() {
		var prefix [4]byte
		binary.LittleEndian.PutUint32(prefix[:], 2)
		_, _ = serverConn.Write(prefix[:])
	}()

	_, err := readWireDocument(newNetStream(clientConn))
	assert.ErrorIs(t, err, ErrDocumentCorrupt)

	_ = clientConn.Close()
	_ = serverConn.Close()
}

// deadAddr reserves a local port and releases it, yielding an address with
// nothing listening.
func deadAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
