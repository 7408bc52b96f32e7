package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/xferd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage xferd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default xferd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				if outPath, err = defaultPath(xferd.DefaultConfigDir, xferd.DefaultConfigFileName); err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
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
	cmd.Flags().StringVar(&outPath, "out", "", "output path for generated config (defaults to $XFERD_CONFIG_DIR/"+xferd.DefaultConfigFileName+")")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys are flag names.
type configDefaults struct {
	Listen                    string   `yaml:"listen"`
	CmdListen                 string   `yaml:"cmd-listen"`
	AdvertiseHost             string   `yaml:"advertise-host"`
	PortRange                 string   `yaml:"port-range"`
	MaxStreams                int      `yaml:"max-streams"`
	MaxConnections            int      `yaml:"max-connections"`
	RequestLifetime           string   `yaml:"request-lifetime"`
	ReaperInterval            string   `yaml:"reaper-interval"`
	DisableIPCheck            bool     `yaml:"disable-ip-check"`
	NoWrite                   []string `yaml:"no-write"`
	KeyFiles                  []string `yaml:"key-file"`
	MaxRate                   string   `yaml:"max-rate"`
	LegacyRange               bool     `yaml:"legacy-range"`
	DataTimeout               string   `yaml:"data-timeout"`
	HandshakeTimeout          string   `yaml:"handshake-timeout"`
	ShutdownTimeout           string   `yaml:"shutdown-timeout"`
	CmdBundle                 string   `yaml:"cmd-bundle"`
	CmdDenylist               string   `yaml:"cmd-denylist"`
	ACL                       string   `yaml:"acl"`
	CmdRequestTimeout         string   `yaml:"cmd-request-timeout"`
	CmdMaxConns               int      `yaml:"cmd-max-conns"`
	Launcher                  string   `yaml:"launcher"`
	SessionBinary             string   `yaml:"session-binary"`
	SwitchUID                 bool     `yaml:"switch-uid"`
	EnforceOSGroups           bool     `yaml:"enforce-os-groups"`
	FailOnInvalidGroups       bool     `yaml:"fail-on-invalid-groups"`
	ConnguardEnabled          bool     `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int      `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string   `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string   `yaml:"connguard-block-duration"`
	ConnguardProbeTimeout     string   `yaml:"connguard-probe-timeout"`
	QRFDisabled               bool     `yaml:"qrf-disabled"`
	QRFMemorySoftLimitPercent float64  `yaml:"qrf-memory-soft-limit-percent"`
	QRFMemoryHardLimitPercent float64  `yaml:"qrf-memory-hard-limit-percent"`
	QRFLoadSoftLimitPerCPU    float64  `yaml:"qrf-load-soft-limit-per-cpu"`
	QRFLoadHardLimitPerCPU    float64  `yaml:"qrf-load-hard-limit-per-cpu"`
	LSFSampleInterval         string   `yaml:"lsf-sample-interval"`
	MetricsListen             string   `yaml:"metrics-listen"`
	PprofListen               string   `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string   `yaml:"otlp-endpoint"`
	LogLevel                  string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	cfg := xferd.DefaultConfig()
	defaults := configDefaults{
		Listen:                    cfg.Listen,
		CmdListen:                 cfg.CmdListen,
		MaxStreams:                cfg.MaxStreams,
		MaxConnections:            cfg.MaxConnections,
		RequestLifetime:           cfg.RequestLifetime.String(),
		ReaperInterval:            cfg.ReaperInterval.String(),
		NoWrite:                   cfg.NoWrite,
		KeyFiles:                  cfg.KeyFiles,
		MaxRate:                   humanizeBytes(cfg.MaxRate),
		DataTimeout:               cfg.DataTimeout.String(),
		HandshakeTimeout:          cfg.HandshakeTimeout.String(),
		ShutdownTimeout:           cfg.ShutdownTimeout.String(),
		CmdRequestTimeout:         cfg.CmdRequestTimeout.String(),
		CmdMaxConns:               cfg.CmdMaxConns,
		QRFMemorySoftLimitPercent: cfg.QRFMemorySoftLimitPercent,
		QRFMemoryHardLimitPercent: cfg.QRFMemoryHardLimitPercent,
		QRFLoadSoftLimitPerCPU:    cfg.QRFLoadSoftLimitPerCPU,
		QRFLoadHardLimitPerCPU:    cfg.QRFLoadHardLimitPerCPU,
		LSFSampleInterval:         cfg.LSFSampleInterval.String(),
		Launcher:                  cfg.Launcher,
		EnforceOSGroups:           cfg.EnforceOSGroups,
		FailOnInvalidGroups:       cfg.FailOnInvalidGroups,
		ConnguardEnabled:          cfg.Guard.Enabled,
		ConnguardFailureThreshold: cfg.Guard.FailureThreshold,
		ConnguardFailureWindow:    cfg.Guard.FailureWindow.String(),
		ConnguardBlockDuration:    cfg.Guard.BlockDuration.String(),
		ConnguardProbeTimeout:     cfg.Guard.ProbeTimeout.String(),
		LogLevel:                  "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	data, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	header := []byte("# xferd configuration. Keys match the command line flags; XFERD_<FLAG> environment variables override them.\n")
	return append(header, data...), nil
}
