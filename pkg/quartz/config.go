package quartz

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	// DefaultPort is assumed for hosts listed without one.
	DefaultPort = 5757

	// DefaultMaxPoolSize caps the pool when maxpoolsize is not given.
	DefaultMaxPoolSize = 100

	// DefaultMinPoolSize disables idle-shrinking when minpoolsize is not given.
	DefaultMinPoolSize = 0

	defaultConnectTimeoutMs    = 10000
	defaultHeartbeatIntervalMs = 10000
)

// URIScheme is the connection-string scheme this driver accepts.
const URIScheme = "quartz"

// Host is one server address. Family is "tcp" or "unix"; for unix sockets
// Host holds the socket path and Port is unused.
type Host struct {
	Host   string `json:"Host"`
	Port   uint16 `json:"Port"`
	Family string `json:"Family"`
}

// Address returns the dialable address for this host.
func (h Host) Address() string {
	if h.Family == "unix" {
		return h.Host
	}
	return net.JoinHostPort(h.Host, strconv.Itoa(int(h.Port)))
}

func (h Host) String() string {
	return h.Address()
}

// TLSOptions configures transport security for scanner streams.
type TLSOptions struct {
	EnableTLS          bool   `json:"EnableTLS"`
	CertServerName     string `json:"CertServerName"`
	InsecureSkipVerify bool   `json:"InsecureSkipVerify"`

	// Config, when set, is used verbatim and the fields above are ignored.
	Config *tls.Config `json:"-"`
}

func (t *TLSOptions) clientConfig(host Host) *tls.Config {
	if t.Config != nil {
		return t.Config
	}
	serverName := t.CertServerName
	if serverName == "" {
		serverName = host.Host
	}
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
}

// PoolConfig represents settings for creating/configuring a client pool and
// its topology scanner.
type PoolConfig struct {
	URI                 string      `json:"URI"`
	Hosts               []Host      `json:"Hosts"`
	ApplicationName     string      `json:"ApplicationName"`
	MinPoolSize         uint32      `json:"MinPoolSize"`
	MaxPoolSize         uint32      `json:"MaxPoolSize"`
	ConnectTimeoutMs    uint32      `json:"ConnectTimeoutMs"`
	HeartbeatIntervalMs uint32      `json:"HeartbeatIntervalMs"`
	Compressors         []string    `json:"Compressors"`
	TLS                 *TLSOptions `json:"TLSOptions"`

	// ServerMonitor receives every node check outcome. This is the extension
	// point through which the embedding driver maintains its topology view.
	ServerMonitor TopologyCallback `json:"-"`

	// Logger replaces the default no-op logger for the pool and scanner.
	Logger *zap.Logger `json:"-"`
}

func (c *PoolConfig) connectTimeout() time.Duration {
	if c.ConnectTimeoutMs == 0 {
		return defaultConnectTimeoutMs * time.Millisecond
	}
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c *PoolConfig) heartbeatInterval() time.Duration {
	if c.HeartbeatIntervalMs == 0 {
		return defaultHeartbeatIntervalMs * time.Millisecond
	}
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// normalize applies defaults and floors: MaxPoolSize at least 1, MinPoolSize
// at least 0 (unset means no shrinking).
func (c *PoolConfig) normalize() {
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = DefaultMaxPoolSize
	}
}

// ParseURI parses a quartz:// connection string:
//
//	quartz://host1:5757,host2/?maxpoolsize=10&appname=reporting
//
// Hosts are comma-separated; a percent-encoded host containing "/" is
// treated as a unix-domain socket path. The scheme, host list, and options
// are split off by hand because net/url rejects comma-separated host lists.
// Unknown options are ignored, malformed numeric options fall back to their
// defaults.
func ParseURI(uri string) (*PoolConfig, error) {
	scheme := URIScheme + "://"
	if !strings.HasPrefix(uri, scheme) {
		return nil, fmt.Errorf("invalid connection string scheme in %q", uri)
	}

	rest := uri[len(scheme):]
	hostList := rest
	query := ""
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		hostList = rest[:i]
		if j := strings.IndexByte(rest, '?'); j >= 0 {
			query = rest[j+1:]
		}
	}
	if hostList == "" {
		return nil, errors.New("connection string lists no hosts")
	}

	cfg := &PoolConfig{
		URI:         uri,
		MaxPoolSize: DefaultMaxPoolSize,
		MinPoolSize: DefaultMinPoolSize,
	}

	for _, part := range strings.Split(hostList, ",") {
		if part == "" {
			return nil, fmt.Errorf("empty host in connection string %q", uri)
		}
		host, err := parseHost(part)
		if err != nil {
			return nil, err
		}
		cfg.Hosts = append(cfg.Hosts, host)
	}

	options, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string options: %w", err)
	}

	for key, values := range options {
		if len(values) == 0 {
			continue
		}
		value := values[0]

		switch strings.ToLower(key) {
		case "minpoolsize":
			if n, err := strconv.ParseInt(value, 10, 32); err == nil && n >= 0 {
				cfg.MinPoolSize = uint32(n)
			}
		case "maxpoolsize":
			if n, err := strconv.ParseInt(value, 10, 32); err == nil && n >= 1 {
				cfg.MaxPoolSize = uint32(n)
			}
		case "appname":
			cfg.ApplicationName = value
		case "connecttimeoutms":
			if n, err := strconv.ParseInt(value, 10, 32); err == nil && n > 0 {
				cfg.ConnectTimeoutMs = uint32(n)
			}
		case "heartbeatfrequencyms":
			if n, err := strconv.ParseInt(value, 10, 32); err == nil && n > 0 {
				cfg.HeartbeatIntervalMs = uint32(n)
			}
		case "compressors":
			for _, c := range strings.Split(value, ",") {
				if c = strings.TrimSpace(c); c != "" {
					cfg.Compressors = append(cfg.Compressors, c)
				}
			}
		}
	}

	return cfg, nil
}

func parseHost(part string) (Host, error) {
	unescaped, err := url.PathUnescape(part)
	if err != nil {
		unescaped = part
	}

	if strings.Contains(unescaped, "/") {
		return Host{Host: unescaped, Family: "unix"}, nil
	}

	host, portStr, err := net.SplitHostPort(part)
	if err != nil {
		return Host{Host: part, Port: DefaultPort, Family: "tcp"}, nil
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Host{}, fmt.Errorf("invalid port in host %q", part)
	}

	return Host{Host: host, Port: uint16(port), Family: "tcp"}, nil
}

// ConvertJSONFileToConfig opens a file.json and converts it to a PoolConfig.
func ConvertJSONFileToConfig(fileNamePath string) (*PoolConfig, error) {
	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &PoolConfig{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}
