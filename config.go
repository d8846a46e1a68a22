package cachetx

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/cachetx/internal/clock"
	"pkt.systems/cachetx/internal/wire"
)

const (
	// DefaultProtocolVersion is the newest supported protocol version (3.1).
	DefaultProtocolVersion = int(wire.DefaultVersion)
	// DefaultConnectTimeout bounds dialing one server.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultOperationTimeout bounds the wait for a single response.
	DefaultOperationTimeout = 10 * time.Second
	// DefaultMaxConnsPerServer caps pooled connections per server address.
	DefaultMaxConnsPerServer = 4
	// DefaultMaxInFlightPerConn caps outstanding requests sharing one
	// connection.
	DefaultMaxInFlightPerConn = 64
	// DefaultRetryMaxAttempts bounds how often one operation is attempted.
	DefaultRetryMaxAttempts = 10
	// DefaultRetryBaseDelay is the first backoff delay between attempts.
	DefaultRetryBaseDelay = 50 * time.Millisecond
	// DefaultRetryMaxDelay caps the exponential backoff.
	DefaultRetryMaxDelay = 2 * time.Second
	// DefaultRetryMultiplier defines the exponential backoff ratio.
	DefaultRetryMultiplier = 2.0
	// DefaultRetryDeadline bounds one logical operation including backoff.
	DefaultRetryDeadline = 30 * time.Second
	// DefaultTxnTimeout is the transaction timeout sent with prepares and
	// enforced on active records by the sweeper.
	DefaultTxnTimeout = time.Minute
	// DefaultDecisionRetention controls how long settled records stay queryable.
	DefaultDecisionRetention = 5 * time.Minute
	// DefaultSweepInterval sets the tick frequency of the record sweeper.
	DefaultSweepInterval = time.Second
	// DefaultMetricsListen is the Prometheus scrape endpoint. Empty disables it.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener. Empty disables it.
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config configures a Client.
type Config struct {
	// Servers lists the initial cluster members as host:port.
	Servers []string
	// CacheName is the cache transactional operations are enlisted on.
	// Empty selects the server's default cache.
	CacheName string
	// ProtocolVersion selects the wire version (27, 28, 30 or 31).
	ProtocolVersion int

	ConnectTimeout    time.Duration
	OperationTimeout  time.Duration
	MaxConnsPerServer int

	// MaxInFlightPerConn caps requests outstanding on one connection. Calls
	// wait for a slot only when every connection to the server is full.
	MaxInFlightPerConn int

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMultiplier  float64
	// RetryDeadline bounds one logical operation. Negative disables the bound.
	RetryDeadline time.Duration

	// TopologyFile is a YAML file with the cluster membership. When set it
	// is loaded on every topology refresh and watched for changes.
	TopologyFile string

	// DefaultTxnTimeout applies to newly enlisted transactions.
	DefaultTxnTimeout time.Duration
	// DecisionRetention controls how long settled records stay queryable.
	DecisionRetention time.Duration
	// SweepInterval sets how often expired records are swept.
	SweepInterval time.Duration
	// DisableSweeper skips the background sweeper goroutine.
	DisableSweeper bool
	// Recoverable asks the server to keep prepared state for recovery.
	Recoverable bool

	TLS *tls.Config

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool

	Logger pslog.Logger
	Clock  clock.Clock
}

// Validate normalises zero values to their defaults and rejects invalid settings.
func (c *Config) Validate() error {
	servers := make([]string, 0, len(c.Servers))
	for _, s := range c.Servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			return fmt.Errorf("config: server %q: %w", s, err)
		}
		servers = append(servers, s)
	}
	c.Servers = servers
	if len(c.Servers) == 0 && strings.TrimSpace(c.TopologyFile) == "" {
		return fmt.Errorf("config: at least one server or a topology file is required")
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = DefaultProtocolVersion
	}
	if c.ProtocolVersion < 0 || c.ProtocolVersion > 255 {
		return fmt.Errorf("config: protocol version %d out of range", c.ProtocolVersion)
	}
	if _, err := wire.Lookup(wire.Version(c.ProtocolVersion)); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.MaxConnsPerServer <= 0 {
		c.MaxConnsPerServer = DefaultMaxConnsPerServer
	}
	if c.MaxInFlightPerConn <= 0 {
		c.MaxInFlightPerConn = DefaultMaxInFlightPerConn
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry max delay %s is below the base delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = DefaultRetryMultiplier
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("config: retry multiplier must be >= 1")
	}
	if c.RetryDeadline == 0 {
		c.RetryDeadline = DefaultRetryDeadline
	}
	if c.DefaultTxnTimeout == 0 {
		c.DefaultTxnTimeout = DefaultTxnTimeout
	} else if c.DefaultTxnTimeout < 0 {
		return fmt.Errorf("config: default transaction timeout must be >= 0")
	}
	if c.DecisionRetention <= 0 {
		c.DecisionRetention = DefaultDecisionRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.cachetx).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("CACHETX_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cachetx"), nil
}
