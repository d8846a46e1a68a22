package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/cachetx"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage cachetx configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.cachetx/config.yaml"
	if dir, err := cachetx.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, cachetx.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default cachetx configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := cachetx.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, cachetx.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent flags; keys match flag names so the
// generated file is read back by viper unchanged.
type configDefaults struct {
	Servers                []string `yaml:"servers"`
	Cache                  string   `yaml:"cache"`
	ProtocolVersion        int      `yaml:"protocol-version"`
	ConnectTimeout         string   `yaml:"connect-timeout"`
	OperationTimeout       string   `yaml:"operation-timeout"`
	MaxConnsPerServer      int      `yaml:"max-conns-per-server"`
	MaxInFlightPerConn     int      `yaml:"max-in-flight-per-conn"`
	RetryMaxAttempts       int      `yaml:"retry-max-attempts"`
	RetryBaseDelay         string   `yaml:"retry-base-delay"`
	RetryMaxDelay          string   `yaml:"retry-max-delay"`
	RetryMultiplier        float64  `yaml:"retry-multiplier"`
	RetryDeadline          string   `yaml:"retry-deadline"`
	TopologyFile           string   `yaml:"topology-file"`
	TxnTimeout             string   `yaml:"txn-timeout"`
	Recoverable            bool     `yaml:"recoverable"`
	TLS                    bool     `yaml:"tls"`
	TLSCA                  string   `yaml:"tls-ca"`
	TLSClientBundle        string   `yaml:"tls-client-bundle"`
	TLSServerName          string   `yaml:"tls-server-name"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Servers:                []string{"127.0.0.1:11222"},
		Cache:                  "",
		ProtocolVersion:        cachetx.DefaultProtocolVersion,
		ConnectTimeout:         cachetx.DefaultConnectTimeout.String(),
		OperationTimeout:       cachetx.DefaultOperationTimeout.String(),
		MaxConnsPerServer:      cachetx.DefaultMaxConnsPerServer,
		MaxInFlightPerConn:     cachetx.DefaultMaxInFlightPerConn,
		RetryMaxAttempts:       cachetx.DefaultRetryMaxAttempts,
		RetryBaseDelay:         cachetx.DefaultRetryBaseDelay.String(),
		RetryMaxDelay:          cachetx.DefaultRetryMaxDelay.String(),
		RetryMultiplier:        cachetx.DefaultRetryMultiplier,
		RetryDeadline:          cachetx.DefaultRetryDeadline.String(),
		TopologyFile:           "",
		TxnTimeout:             cachetx.DefaultTxnTimeout.String(),
		Recoverable:            true,
		MetricsListen:          cachetx.DefaultMetricsListen,
		PprofListen:            cachetx.DefaultPprofListen,
		EnableProfilingMetrics: false,
		OTLPEndpoint:           "",
		LogLevel:               "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
