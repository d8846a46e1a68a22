package cachetx

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{Servers: []string{"127.0.0.1:11222"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ProtocolVersion != DefaultProtocolVersion {
		t.Fatalf("expected protocol version default %d, got %d", DefaultProtocolVersion, cfg.ProtocolVersion)
	}
	if cfg.ConnectTimeout != DefaultConnectTimeout || cfg.OperationTimeout != DefaultOperationTimeout {
		t.Fatal("expected timeout defaults")
	}
	if cfg.MaxConnsPerServer != DefaultMaxConnsPerServer {
		t.Fatalf("expected max conns default, got %d", cfg.MaxConnsPerServer)
	}
	if cfg.MaxInFlightPerConn != DefaultMaxInFlightPerConn {
		t.Fatalf("expected max in-flight default, got %d", cfg.MaxInFlightPerConn)
	}
	if cfg.RetryMaxAttempts != DefaultRetryMaxAttempts || cfg.RetryBaseDelay != DefaultRetryBaseDelay ||
		cfg.RetryMaxDelay != DefaultRetryMaxDelay || cfg.RetryMultiplier != DefaultRetryMultiplier {
		t.Fatal("expected retry defaults")
	}
	if cfg.RetryDeadline != DefaultRetryDeadline {
		t.Fatalf("expected retry deadline default, got %s", cfg.RetryDeadline)
	}
	if cfg.DefaultTxnTimeout != DefaultTxnTimeout {
		t.Fatalf("expected txn timeout default, got %s", cfg.DefaultTxnTimeout)
	}
	if cfg.DecisionRetention != DefaultDecisionRetention || cfg.SweepInterval != DefaultSweepInterval {
		t.Fatal("expected sweeper defaults")
	}
}

func TestConfigValidateTrimsServers(t *testing.T) {
	cfg := Config{Servers: []string{" 10.0.0.1:11222 ", "", "10.0.0.2:11222"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := strings.Join(cfg.Servers, ","); got != "10.0.0.1:11222,10.0.0.2:11222" {
		t.Fatalf("unexpected servers %q", got)
	}
}

func TestConfigValidateIsIdempotent(t *testing.T) {
	cfg := Config{Servers: []string{"127.0.0.1:11222"}, RetryDeadline: -1}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	first := cfg
	if err := cfg.Validate(); err != nil {
		t.Fatalf("second validate: %v", err)
	}
	if cfg.RetryDeadline != first.RetryDeadline || cfg.RetryDeadline >= 0 {
		t.Fatalf("disabled retry deadline changed: %s", cfg.RetryDeadline)
	}
}

func TestConfigValidateTopologyFileOnly(t *testing.T) {
	cfg := Config{TopologyFile: filepath.Join(t.TempDir(), "topology.yaml")}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("topology file without servers should validate, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	server := []string{"127.0.0.1:11222"}
	cases := map[string]Config{
		"no servers":                {},
		"server without port":       {Servers: []string{"localhost"}},
		"unknown protocol":          {Servers: server, ProtocolVersion: 29},
		"protocol out of range":     {Servers: server, ProtocolVersion: 300},
		"max delay below base":      {Servers: server, RetryBaseDelay: time.Second, RetryMaxDelay: time.Millisecond},
		"multiplier below one":      {Servers: server, RetryMultiplier: 0.5},
		"negative txn timeout":      {Servers: server, DefaultTxnTimeout: -time.Second},
		"profiling without metrics": {Servers: server, EnableProfilingMetrics: true},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestConfigValidateAcceptsEveryProtocolVersion(t *testing.T) {
	for _, v := range []int{27, 28, 30, 31} {
		cfg := Config{Servers: []string{"127.0.0.1:11222"}, ProtocolVersion: v}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("protocol %d: %v", v, err)
		}
	}
}

func TestDefaultConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CACHETX_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected override %q, got %q", dir, got)
	}

	t.Setenv("CACHETX_CONFIG_DIR", "")
	t.Setenv("HOME", dir)
	got, err = DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir: %v", err)
	}
	if got != filepath.Join(dir, ".cachetx") {
		t.Fatalf("unexpected default dir %q", got)
	}
}
