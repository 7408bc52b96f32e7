package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/xferd"
	"pkt.systems/xferd/internal/pathutil"
	"pkt.systems/xferd/internal/svcfields"
)

func newBaseLogger() pslog.Logger {
	return pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("XFERD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "xferd")
}

func submain(ctx context.Context) int {
	baseLogger := newBaseLogger()
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the daemon itself
// rather than a subcommand. Daemon failures are logged, subcommand failures
// printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(name string) *pflag.Flag {
		if f := root.Flags().Lookup(name); f != nil {
			return f
		}
		return root.PersistentFlags().Lookup(name)
	}
	lookupShort := func(sh string) *pflag.Flag {
		if f := root.Flags().ShorthandLookup(sh); f != nil {
			return f
		}
		return root.PersistentFlags().ShorthandLookup(sh)
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.Contains(arg, "=") {
				continue
			}
			f := lookup(strings.TrimPrefix(arg, "--"))
			if f == nil {
				return true
			}
			if f.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			sh := strings.TrimPrefix(arg, "-")
			f := lookupShort(sh[len(sh)-1:])
			if f == nil {
				return true
			}
			if len(sh) == 1 && f.NoOptDefVal == "" && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		path, err := defaultPath(xferd.DefaultConfigDir, xferd.DefaultConfigFileName)
		if err != nil {
			return "", nil
		}
		cfgPath = path
	}
	expanded, err := pathutil.Absolute(cfgPath)
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
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func defaultPath(dir func() (string, error), name string) (string, error) {
	d, err := dir()
	if err != nil {
		return "", err
	}
	return d + string(os.PathSeparator) + name, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "xferd",
		Short:         "xferd serves file transfers authorized by a control plane, acting as the job's operating system user",
		SilenceErrors: true,
		Example: `
  # Unprivileged development daemon, plain command channel on localhost
  xferd --listen 127.0.0.1:64434 --cmd-listen 127.0.0.1:64435

  # Production: run as root, mTLS on the command channel
  xferd auth new ca && xferd auth new server --hosts cmd.example.org
  xferd auth new client --cn control-plane --org Example
  xferd --listen :64434 --cmd-listen :64435 --cmd-bundle /etc/xferd/server.pem --acl /etc/xferd/acl

  # Cap every transfer at 50 MB/s and restrict data ports
  xferd --max-rate 50MB --port-range 50000:50100
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to xferd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, logger)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $XFERD_CONFIG_DIR/"+xferd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	defaults := xferd.DefaultConfig()
	flags := cmd.Flags()
	flags.String("listen", xferd.DefaultListen, "control listener address clients log in to")
	flags.String("cmd-listen", xferd.DefaultCmdListen, "command channel address of the control plane")
	flags.String("advertise-host", "", "host announced in PASV replies and ping (for NAT)")
	flags.String("port-range", "", "data listener port range lower:upper (empty uses ephemeral ports)")
	flags.Int("max-streams", xferd.DefaultMaxStreams, "maximum parallel data connections per session")
	flags.Int("max-connections", xferd.DefaultMaxConnections, "maximum concurrent sessions per user")
	flags.Duration("request-lifetime", xferd.DefaultRequestLifetime, "how long a registered job waits for its client")
	flags.Duration("reaper-interval", xferd.DefaultReaperInterval, "job reaper cadence")
	flags.Bool("disable-ip-check", false, "accept control and data connections from any client address")
	flags.StringSlice("no-write", defaults.NoWrite, "home relative paths sessions never write to (repeatable)")
	flags.StringSlice("key-file", defaults.KeyFiles, "home relative key files reported by user-info requests (repeatable)")
	flags.String("max-rate", "0", "bytes per second cap for every job, e.g. 50MB (0 disables)")
	flags.Bool("legacy-range", false, "treat the RANG end byte as exclusive and stop advertising RFC_RANG")
	flags.Duration("data-timeout", defaults.DataTimeout, "how long PASV/EPSV wait for the client to connect")
	flags.Duration("handshake-timeout", xferd.DefaultHandshakeTimeout, "login exchange timeout on new control connections")
	flags.Duration("shutdown-timeout", xferd.DefaultShutdownTimeout, "how long shutdown waits for running sessions")
	flags.String("cmd-bundle", "", "server bundle enabling mTLS on the command channel")
	flags.String("cmd-denylist", "", "file of revoked client certificate serials")
	flags.String("acl", "", "file of subject DNs allowed on the command channel")
	flags.Duration("cmd-request-timeout", defaults.CmdRequestTimeout, "deadline for one command channel request")
	flags.Int("cmd-max-conns", xferd.DefaultCmdMaxConns, "maximum concurrent command channel connections")
	flags.String("launcher", xferd.LauncherAuto, "session launcher: auto, inprocess or exec")
	flags.String("session-binary", "", "executable started by the exec launcher (default this binary)")
	flags.Bool("switch-uid", false, "switch identities even when not running as root")
	flags.Bool("enforce-os-groups", true, "only allow groups the user is a member of")
	flags.Bool("fail-on-invalid-groups", true, "fail logins requesting unknown or foreign groups")
	flags.Bool("connguard-enabled", defaults.Guard.Enabled, "block hosts that keep failing logins or handshakes")
	flags.Int("connguard-failure-threshold", defaults.Guard.FailureThreshold, "failures within the window that block a host")
	flags.Duration("connguard-failure-window", defaults.Guard.FailureWindow, "window failures are counted in")
	flags.Duration("connguard-block-duration", defaults.Guard.BlockDuration, "how long a host stays blocked")
	flags.Duration("connguard-probe-timeout", defaults.Guard.ProbeTimeout, "TLS handshake and first byte timeout on the command channel")
	flags.Bool("qrf-disabled", false, "disable login load shedding")
	flags.Int64("qrf-session-soft-limit", 0, "active sessions that delay new logins (0 disables)")
	flags.Int64("qrf-session-hard-limit", 0, "active sessions that refuse new logins (0 disables)")
	flags.Float64("qrf-memory-soft-limit-percent", defaults.QRFMemorySoftLimitPercent, "host memory use percentage that delays new logins")
	flags.Float64("qrf-memory-hard-limit-percent", defaults.QRFMemoryHardLimitPercent, "host memory use percentage that refuses new logins")
	flags.Float64("qrf-cpu-soft-limit", 0, "host CPU utilisation percentage that delays new logins (0 disables)")
	flags.Float64("qrf-cpu-hard-limit", 0, "host CPU utilisation percentage that refuses new logins (0 disables)")
	flags.Float64("qrf-load-soft-limit-per-cpu", defaults.QRFLoadSoftLimitPerCPU, "one minute load per CPU that delays new logins")
	flags.Float64("qrf-load-hard-limit-per-cpu", defaults.QRFLoadHardLimitPerCPU, "one minute load per CPU that refuses new logins")
	flags.Int("qrf-recovery-samples", defaults.QRFRecoverySamples, "consecutive healthy samples before load shedding eases")
	flags.Duration("qrf-soft-delay", defaults.QRFSoftDelay, "login delay while soft-armed")
	flags.Duration("qrf-recovery-delay", defaults.QRFRecoveryDelay, "login delay while recovering")
	flags.Duration("lsf-sample-interval", defaults.LSFSampleInterval, "host pressure sampling interval")
	flags.Duration("lsf-log-interval", defaults.LSFLogInterval, "interval between sample debug logs (0 disables)")
	flags.String("metrics-listen", "", "Prometheus scrape endpoint address (empty disables)")
	flags.String("pprof-listen", "", "debug/pprof endpoint address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	viper.SetEnvPrefix("XFERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, set := range []*pflag.FlagSet{persistentFlags, flags} {
		set.VisitAll(func(f *pflag.Flag) {
			if err := viper.BindPFlag(f.Name, f); err != nil {
				panic(err)
			}
		})
	}

	cmd.AddCommand(newSessionCommand(baseLogger))
	cmd.AddCommand(newAuthCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newPingCommand())
	cmd.AddCommand(newUserInfoCommand())
	cmd.AddCommand(newRequestCommand())
	return cmd
}

func bindConfig() (xferd.Config, error) {
	cfg := xferd.Config{
		Listen:              viper.GetString("listen"),
		CmdListen:           viper.GetString("cmd-listen"),
		AdvertiseHost:       viper.GetString("advertise-host"),
		PortRange:           viper.GetString("port-range"),
		MaxStreams:          viper.GetInt("max-streams"),
		MaxConnections:      viper.GetInt("max-connections"),
		RequestLifetime:     viper.GetDuration("request-lifetime"),
		ReaperInterval:      viper.GetDuration("reaper-interval"),
		DisableIPCheck:      viper.GetBool("disable-ip-check"),
		NoWrite:             viper.GetStringSlice("no-write"),
		KeyFiles:            viper.GetStringSlice("key-file"),
		LegacyRange:         viper.GetBool("legacy-range"),
		DataTimeout:         viper.GetDuration("data-timeout"),
		HandshakeTimeout:    viper.GetDuration("handshake-timeout"),
		ShutdownTimeout:     viper.GetDuration("shutdown-timeout"),
		CmdBundle:           viper.GetString("cmd-bundle"),
		CmdDenylist:         viper.GetString("cmd-denylist"),
		ACLFile:             viper.GetString("acl"),
		CmdRequestTimeout:   viper.GetDuration("cmd-request-timeout"),
		CmdMaxConns:         viper.GetInt("cmd-max-conns"),
		Launcher:            viper.GetString("launcher"),
		SessionBinary:       viper.GetString("session-binary"),
		SwitchUID:           viper.GetBool("switch-uid"),
		EnforceOSGroups:     viper.GetBool("enforce-os-groups"),
		FailOnInvalidGroups: viper.GetBool("fail-on-invalid-groups"),
		MetricsListen:       viper.GetString("metrics-listen"),
		PprofListen:         viper.GetString("pprof-listen"),
		OTLPEndpoint:        viper.GetString("otlp-endpoint"),

		EnableProfilingMetrics: viper.GetBool("enable-profiling-metrics"),
	}
	cfg.Guard.Enabled = viper.GetBool("connguard-enabled")
	cfg.Guard.FailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.Guard.FailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.Guard.BlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.Guard.ProbeTimeout = viper.GetDuration("connguard-probe-timeout")
	cfg.QRFDisabled = viper.GetBool("qrf-disabled")
	cfg.QRFSessionSoftLimit = viper.GetInt64("qrf-session-soft-limit")
	cfg.QRFSessionHardLimit = viper.GetInt64("qrf-session-hard-limit")
	cfg.QRFMemorySoftLimitPercent = viper.GetFloat64("qrf-memory-soft-limit-percent")
	cfg.QRFMemoryHardLimitPercent = viper.GetFloat64("qrf-memory-hard-limit-percent")
	cfg.QRFCPUSoftLimit = viper.GetFloat64("qrf-cpu-soft-limit")
	cfg.QRFCPUHardLimit = viper.GetFloat64("qrf-cpu-hard-limit")
	cfg.QRFLoadSoftLimitPerCPU = viper.GetFloat64("qrf-load-soft-limit-per-cpu")
	cfg.QRFLoadHardLimitPerCPU = viper.GetFloat64("qrf-load-hard-limit-per-cpu")
	cfg.QRFRecoverySamples = viper.GetInt("qrf-recovery-samples")
	cfg.QRFSoftDelay = viper.GetDuration("qrf-soft-delay")
	cfg.QRFRecoveryDelay = viper.GetDuration("qrf-recovery-delay")
	cfg.LSFSampleInterval = viper.GetDuration("lsf-sample-interval")
	cfg.LSFLogInterval = viper.GetDuration("lsf-log-interval")
	if rate := strings.TrimSpace(viper.GetString("max-rate")); rate != "" && rate != "0" {
		n, err := humanize.ParseBytes(rate)
		if err != nil {
			return cfg, fmt.Errorf("parse max-rate: %w", err)
		}
		cfg.MaxRate = int64(n)
	}
	return cfg, cfg.Validate()
}

func runServer(ctx context.Context, cfg xferd.Config, logger pslog.Logger) error {
	server, err := xferd.NewServer(cfg, xferd.WithLogger(logger))
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	select {
	case err := <-errCh:
		return errors.Join(err, server.Close())
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		svcfields.WithSubsystem(logger, "cli.root").Error("shutdown failed", "error", err)
	}
	return <-errCh
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
