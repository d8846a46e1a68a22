package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/cachetx"
	"pkt.systems/cachetx/internal/loggingutil"
	"pkt.systems/cachetx/internal/tlsutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("CACHETX_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "cachetx")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cliState carries the viper instance and logger shared by every subcommand
// of one root command.
type cliState struct {
	v      *viper.Viper
	logger pslog.Logger
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	st := &cliState{v: viper.New(), logger: baseLogger}

	cmd := &cobra.Command{
		Use:           "cachetx",
		Short:         "cachetx resolves cache transactions held in doubt by a cluster",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # List transactions the cluster holds in doubt
  cachetx recover --servers 10.0.0.1:11222,10.0.0.2:11222

  # Commit or roll back one of them (Xid as printed by recover)
  cachetx commit 4660:6162:01
  cachetx rollback 4660:6162:01

  # Prepare a batch of modifications and leave it in doubt
  cachetx prepare --modifications mods.yaml --cache orders

  # Use a watched topology file instead of a static server list
  CACHETX_TOPOLOGY_FILE=/etc/cachetx/topology.yaml cachetx recover
`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.cachetx/config.yaml if present)")
	flags.StringSliceP("servers", "s", nil, "cluster members as host:port (comma separated)")
	flags.String("cache", "", "cache name transactions are enlisted on (empty selects the default cache)")
	flags.Int("protocol-version", cachetx.DefaultProtocolVersion, "wire protocol version (27, 28, 30 or 31)")
	flags.Duration("connect-timeout", cachetx.DefaultConnectTimeout, "timeout for dialing one server")
	flags.Duration("operation-timeout", cachetx.DefaultOperationTimeout, "timeout for a single response")
	flags.Int("max-conns-per-server", cachetx.DefaultMaxConnsPerServer, "pooled connections per server")
	flags.Int("max-in-flight-per-conn", cachetx.DefaultMaxInFlightPerConn, "outstanding requests sharing one connection")
	flags.Int("retry-max-attempts", cachetx.DefaultRetryMaxAttempts, "attempts per operation before giving up")
	flags.Duration("retry-base-delay", cachetx.DefaultRetryBaseDelay, "initial retry backoff")
	flags.Duration("retry-max-delay", cachetx.DefaultRetryMaxDelay, "maximum retry backoff")
	flags.Float64("retry-multiplier", cachetx.DefaultRetryMultiplier, "retry backoff multiplier")
	flags.Duration("retry-deadline", cachetx.DefaultRetryDeadline, "bound on one operation including backoff (negative disables)")
	flags.String("topology-file", "", "YAML topology file, reloaded on change")
	flags.Duration("txn-timeout", cachetx.DefaultTxnTimeout, "transaction timeout sent with prepare")
	flags.Bool("recoverable", true, "ask the server to keep prepared state for recovery")
	flags.Bool("tls", false, "connect with TLS")
	flags.String("tls-ca", "", "PEM bundle of trusted CAs (defaults to the system pool)")
	flags.String("tls-client-bundle", "", "PEM bundle with the client certificate and key for mutual TLS")
	flags.String("tls-server-name", "", "server name to verify (defaults to the dialled host)")
	flags.Bool("tls-insecure-skip-verify", false, "skip server certificate verification (testing only)")
	flags.String("metrics-listen", cachetx.DefaultMetricsListen, "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", cachetx.DefaultPprofListen, "pprof debug listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics (requires --metrics-listen)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := st.v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	st.v.SetEnvPrefix("CACHETX")
	st.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	st.v.AutomaticEnv()

	flags.VisitAll(func(f *pflag.Flag) { bindFlag(f.Name) })

	cmd.AddCommand(newRecoverCommand(st))
	cmd.AddCommand(newPrepareCommand(st))
	cmd.AddCommand(newCommitCommand(st))
	cmd.AddCommand(newRollbackCommand(st))
	cmd.AddCommand(newForgetCommand(st))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// configure loads the config file, applies the log level and returns a
// validated client config.
func (st *cliState) configure() (cachetx.Config, pslog.Logger, error) {
	logger := st.logger
	configFile, err := loadConfigFile(st.v)
	if err != nil {
		return cachetx.Config{}, nil, err
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(st.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		loggingutil.WithSubsystem(logger, "cli.root").Debug("loaded config file", "path", configFile)
	}
	var cfg cachetx.Config
	if err := bindConfig(st.v, &cfg); err != nil {
		return cachetx.Config{}, nil, err
	}
	cfg.Logger = logger
	// One-shot commands settle every record before exiting.
	cfg.DisableSweeper = true
	if err := cfg.Validate(); err != nil {
		return cachetx.Config{}, nil, err
	}
	return cfg, logger, nil
}

func (st *cliState) openClient(ctx context.Context) (*cachetx.Client, pslog.Logger, error) {
	cfg, logger, err := st.configure()
	if err != nil {
		return nil, nil, err
	}
	client, err := cachetx.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return client, logger, nil
}

func closeClient(client *cachetx.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = client.Close(ctx)
}

func bindConfig(v *viper.Viper, cfg *cachetx.Config) error {
	cfg.Servers = splitList(v.GetStringSlice("servers"))
	cfg.CacheName = v.GetString("cache")
	cfg.ProtocolVersion = v.GetInt("protocol-version")
	cfg.ConnectTimeout = v.GetDuration("connect-timeout")
	cfg.OperationTimeout = v.GetDuration("operation-timeout")
	cfg.MaxConnsPerServer = v.GetInt("max-conns-per-server")
	cfg.MaxInFlightPerConn = v.GetInt("max-in-flight-per-conn")
	cfg.RetryMaxAttempts = v.GetInt("retry-max-attempts")
	cfg.RetryBaseDelay = v.GetDuration("retry-base-delay")
	cfg.RetryMaxDelay = v.GetDuration("retry-max-delay")
	cfg.RetryMultiplier = v.GetFloat64("retry-multiplier")
	cfg.RetryDeadline = v.GetDuration("retry-deadline")
	cfg.TopologyFile = strings.TrimSpace(v.GetString("topology-file"))
	if cfg.TopologyFile != "" {
		path, err := expandPath(cfg.TopologyFile)
		if err != nil {
			return fmt.Errorf("expand topology file %q: %w", cfg.TopologyFile, err)
		}
		cfg.TopologyFile = path
	}
	cfg.DefaultTxnTimeout = v.GetDuration("txn-timeout")
	cfg.Recoverable = v.GetBool("recoverable")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	if v.GetBool("tls") {
		tlsCfg, err := loadTLS(v)
		if err != nil {
			return err
		}
		cfg.TLS = tlsCfg
	}
	return nil
}

// splitList flattens comma separated entries, as env values arrive unsplit.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func loadTLS(v *viper.Viper) (*tls.Config, error) {
	opts := tlsutil.Options{
		ServerName:         v.GetString("tls-server-name"),
		InsecureSkipVerify: v.GetBool("tls-insecure-skip-verify"),
	}
	for flag, dst := range map[string]*string{"tls-ca": &opts.CAFile, "tls-client-bundle": &opts.ClientBundle} {
		raw := strings.TrimSpace(v.GetString(flag))
		if raw == "" {
			continue
		}
		path, err := expandPath(raw)
		if err != nil {
			return nil, fmt.Errorf("expand %s %q: %w", flag, raw, err)
		}
		*dst = path
	}
	return tlsutil.Config(opts)
}

func humanizeBytes(n int) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := cachetx.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, cachetx.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
