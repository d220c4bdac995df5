package quartz

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"
)

// Stream is the bidirectional byte stream a node handshake runs over. Close
// is a clean shutdown; MarkFailed tears the stream down abruptly so reuse
// logic elsewhere knows not to trust the peer's connection state.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	MarkFailed()
	SetDeadline(t time.Time) error
}

// StreamInitiator opens a custom stream to a host, replacing the built-in
// TCP/unix/TLS dialing.
type StreamInitiator func(cfg *PoolConfig, host Host) (Stream, error)

// Resolver turns a hostname into candidate addresses, tried in order on
// connect failure. The default uses the platform resolver.
type Resolver interface {
	Resolve(host string, port uint16) ([]string, error)
}

type systemResolver struct{}

func (systemResolver) Resolve(host string, port uint16) ([]string, error) {
	ips, err := net.LookupHost(host)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip, strconv.Itoa(int(port))))
	}
	return addrs, nil
}

// netStream adapts a net.Conn to the Stream contract.
type netStream struct {
	conn net.Conn
	raw  net.Conn
}

func newNetStream(conn net.Conn) *netStream {
	return &netStream{conn: conn, raw: conn}
}

func (s *netStream) Read(p []byte) (int, error)    { return s.conn.Read(p) }
func (s *netStream) Write(p []byte) (int, error)   { return s.conn.Write(p) }
func (s *netStream) Close() error                  { return s.conn.Close() }
func (s *netStream) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

// MarkFailed drops the connection without a graceful shutdown. For TCP this
// sends a RST instead of lingering in a half-closed state.
func (s *netStream) MarkFailed() {
	if tcp, ok := s.raw.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = s.conn.Close()
}

// dialCandidates tries each resolved address until one connects, then wraps
// the connection in TLS when configured. The deadline bounds the whole
// attempt including the TLS handshake.
func dialCandidates(host Host, candidates []string, deadline time.Time, tlsOpts *TLSOptions) (Stream, error) {
	network := "tcp"
	if host.Family == "unix" {
		network = "unix"
	}

	var lastErr error
	for _, addr := range candidates {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, timeoutError{}
		}

		conn, err := net.DialTimeout(network, addr, remaining)
		if err != nil {
			lastErr = err
			continue
		}

		if tlsOpts != nil && (tlsOpts.EnableTLS || tlsOpts.Config != nil) {
			tlsConn := tls.Client(conn, tlsOpts.clientConfig(host))
			_ = tlsConn.SetDeadline(deadline)
			if err := tlsConn.Handshake(); err != nil {
				_ = conn.Close()
				lastErr = err
				continue
			}
			return &netStream{conn: tlsConn, raw: conn}, nil
		}

		return newNetStream(conn), nil
	}

	if lastErr == nil {
		lastErr = timeoutError{}
	}
	return nil, lastErr
}

// timeoutError satisfies net.Error so deadline expiry classifies uniformly
// with socket timeouts.
type timeoutError struct{}

func (timeoutError) Error() string   { return "deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
