package xferd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/xferd/internal/cmdserver"
	"pkt.systems/xferd/internal/connguard"
	"pkt.systems/xferd/internal/job"
	"pkt.systems/xferd/internal/lsf"
	"pkt.systems/xferd/internal/pathutil"
	"pkt.systems/xferd/internal/qrf"
	"pkt.systems/xferd/internal/session"
)

const (
	// DefaultListen is the control and data listener clients log in to.
	DefaultListen = "localhost:64434"
	// DefaultCmdListen is the command channel listener of the control plane.
	DefaultCmdListen = "localhost:64435"
	// DefaultMaxStreams caps parallel data streams per session.
	DefaultMaxStreams = 4
	// DefaultMaxConnections caps concurrent sessions per user.
	DefaultMaxConnections = job.DefaultMaxSessions
	// DefaultRequestLifetime is how long a registered job waits for its client.
	DefaultRequestLifetime = job.DefaultLifetime
	// DefaultReaperInterval is the job reaper cadence.
	DefaultReaperInterval = job.DefaultReapInterval
	// DefaultHandshakeTimeout bounds the login exchange on new control connections.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds waiting for in-flight sessions on shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultCmdMaxConns caps concurrent command channel connections.
	DefaultCmdMaxConns = 64
)

// Login load shedding defaults.
const (
	// DefaultQRFMemorySoftLimitPercent delays logins above this host memory use.
	DefaultQRFMemorySoftLimitPercent = 85.0
	// DefaultQRFMemoryHardLimitPercent refuses logins above this host memory use.
	DefaultQRFMemoryHardLimitPercent = 95.0
	// DefaultQRFLoadSoftLimitPerCPU delays logins above this load average per CPU.
	DefaultQRFLoadSoftLimitPerCPU = 4.0
	// DefaultQRFLoadHardLimitPerCPU refuses logins above this load average per CPU.
	DefaultQRFLoadHardLimitPerCPU = 8.0
	DefaultQRFRecoverySamples     = qrf.DefaultRecoverySamples
	DefaultQRFSoftDelay           = qrf.DefaultSoftDelay
	DefaultQRFRecoveryDelay       = qrf.DefaultRecoveryDelay
	// DefaultLSFSampleInterval is how often host pressure is sampled.
	DefaultLSFSampleInterval = lsf.DefaultSampleInterval
	// DefaultLSFLogInterval rate limits sample debug logs.
	DefaultLSFLogInterval = time.Minute
)

// Session launchers.
const (
	// LauncherAuto picks exec when identities are switched, inprocess otherwise.
	LauncherAuto = "auto"
	// LauncherInProcess runs sessions as goroutines of the daemon.
	LauncherInProcess = "inprocess"
	// LauncherExec runs every session in a child process of its own.
	LauncherExec = "exec"
)

// Config captures the tunables of a Server.
type Config struct {
	// Listen is the control listener address clients log in to.
	Listen string
	// CmdListen is the command channel listener address.
	CmdListen string
	// AdvertiseHost replaces the local address in PASV replies and is
	// reported by ping, for deployments behind NAT.
	AdvertiseHost string
	// PortRange restricts data listener ports, "lower:upper".
	PortRange       string
	MaxStreams      int
	MaxConnections  int
	RequestLifetime time.Duration
	ReaperInterval  time.Duration
	// DisableIPCheck skips matching control peers against the client-ip of
	// the job and data peers against the control peer.
	DisableIPCheck bool
	// NoWrite lists home relative paths sessions never write to.
	NoWrite []string
	// KeyFiles lists the home relative key files user-info reports.
	KeyFiles []string
	// MaxRate caps the bytes per second of every job, 0 disables the cap.
	MaxRate int64
	// LegacyRange makes the RANG end byte exclusive, for clients predating inclusive ranges.
	LegacyRange      bool
	DataTimeout      time.Duration
	HandshakeTimeout time.Duration
	ShutdownTimeout  time.Duration

	// CmdBundle is the server certificate bundle of the command channel.
	// Empty leaves the command channel in plain TCP.
	CmdBundle   string
	CmdDenylist string
	// ACLFile lists the subject DNs allowed on the command channel. It is
	// required with CmdBundle and reloaded when it changes.
	ACLFile           string
	CmdRequestTimeout time.Duration
	// CmdMaxConns caps concurrent command channel connections.
	CmdMaxConns int

	// Launcher selects how sessions run; see the Launcher constants.
	Launcher string
	// SessionBinary is executed by the exec launcher, default the running
	// executable.
	SessionBinary string
	// SwitchUID forces identity switching while not running as root.
	SwitchUID           bool
	EnforceOSGroups     bool
	FailOnInvalidGroups bool

	Guard connguard.Config

	// QRFDisabled turns login load shedding off. Zero thresholds disable the
	// individual checks; DefaultConfig sets the memory and load thresholds.
	QRFDisabled               bool
	QRFSessionSoftLimit       int64
	QRFSessionHardLimit       int64
	QRFMemorySoftLimitPercent float64
	QRFMemoryHardLimitPercent float64
	QRFCPUSoftLimit           float64
	QRFCPUHardLimit           float64
	QRFLoadSoftLimitPerCPU    float64
	QRFLoadHardLimitPerCPU    float64
	QRFRecoverySamples        int
	QRFSoftDelay              time.Duration
	QRFRecoveryDelay          time.Duration
	LSFSampleInterval         time.Duration
	LSFLogInterval            time.Duration

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	ports session.PortRange
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	cfg := Config{
		EnforceOSGroups:     true,
		FailOnInvalidGroups: true,
		Guard:               connguard.DefaultConfig(),

		QRFMemorySoftLimitPercent: DefaultQRFMemorySoftLimitPercent,
		QRFMemoryHardLimitPercent: DefaultQRFMemoryHardLimitPercent,
		QRFLoadSoftLimitPerCPU:    DefaultQRFLoadSoftLimitPerCPU,
		QRFLoadHardLimitPerCPU:    DefaultQRFLoadHardLimitPerCPU,
		LSFLogInterval:            DefaultLSFLogInterval,
	}
	_ = cfg.Validate()
	return cfg
}

// Ports returns the parsed data port range. It is valid after Validate.
func (c Config) Ports() session.PortRange {
	return c.ports
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.CmdListen) == "" {
		c.CmdListen = DefaultCmdListen
	}
	for name, addr := range map[string]string{"listen": c.Listen, "cmd-listen": c.CmdListen} {
		if _, port, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("config: %s %q: %w", name, addr, err)
		} else if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("config: %s %q: invalid port", name, addr)
		}
	}
	if c.Listen == c.CmdListen && !strings.HasSuffix(c.Listen, ":0") {
		return errors.New("config: listen and cmd-listen must differ")
	}
	ports, err := session.ParsePortRange(c.PortRange)
	if err != nil {
		return fmt.Errorf("config: port-range: %w", err)
	}
	c.ports = ports
	if c.MaxStreams <= 0 {
		c.MaxStreams = DefaultMaxStreams
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.RequestLifetime <= 0 {
		c.RequestLifetime = DefaultRequestLifetime
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = DefaultReaperInterval
	}
	if c.NoWrite == nil {
		c.NoWrite = []string{session.DefaultNoWrite}
	}
	if c.KeyFiles == nil {
		c.KeyFiles = append([]string(nil), cmdserver.DefaultKeyFiles...)
	}
	if c.MaxRate < 0 {
		return fmt.Errorf("config: max-rate must be >= 0 (got %d)", c.MaxRate)
	}
	if c.DataTimeout <= 0 {
		c.DataTimeout = session.DefaultAcceptTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.CmdRequestTimeout <= 0 {
		c.CmdRequestTimeout = cmdserver.DefaultRequestTimeout
	}
	if c.CmdMaxConns <= 0 {
		c.CmdMaxConns = DefaultCmdMaxConns
	}
	if err := c.validateQRF(); err != nil {
		return err
	}

	for _, p := range []*string{&c.CmdBundle, &c.CmdDenylist, &c.ACLFile, &c.SessionBinary} {
		if *p == "" {
			continue
		}
		abs, err := pathutil.Absolute(*p)
		if err != nil {
			return fmt.Errorf("config: expand %q: %w", *p, err)
		}
		*p = abs
	}
	if c.CmdBundle != "" {
		if c.ACLFile == "" {
			return errors.New("config: acl is required when the command channel uses TLS")
		}
		if _, err := os.Stat(c.CmdBundle); err != nil {
			return fmt.Errorf("config: cmd-bundle: %w", err)
		}
		if _, err := os.Stat(c.ACLFile); err != nil {
			return fmt.Errorf("config: acl: %w", err)
		}
	} else if c.CmdDenylist != "" {
		return errors.New("config: cmd-denylist requires cmd-bundle")
	}

	switch c.Launcher = strings.ToLower(strings.TrimSpace(c.Launcher)); c.Launcher {
	case "":
		c.Launcher = LauncherAuto
	case LauncherAuto, LauncherInProcess, LauncherExec:
	default:
		return fmt.Errorf("config: launcher must be %s, %s or %s (got %q)", LauncherAuto, LauncherInProcess, LauncherExec, c.Launcher)
	}

	if c.Guard.FailureThreshold < 0 {
		return fmt.Errorf("config: connguard failure threshold must be >= 0 (got %d)", c.Guard.FailureThreshold)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return errors.New("config: profiling metrics require metrics-listen")
	}
	return nil
}

func (c *Config) validateQRF() error {
	if c.QRFRecoverySamples <= 0 {
		c.QRFRecoverySamples = DefaultQRFRecoverySamples
	}
	if c.QRFSoftDelay <= 0 {
		c.QRFSoftDelay = DefaultQRFSoftDelay
	}
	if c.QRFRecoveryDelay <= 0 {
		c.QRFRecoveryDelay = DefaultQRFRecoveryDelay
	}
	if c.LSFSampleInterval <= 0 {
		c.LSFSampleInterval = DefaultLSFSampleInterval
	}
	if c.LSFLogInterval < 0 {
		c.LSFLogInterval = 0
	}
	pairs := []struct {
		name       string
		soft, hard float64
	}{
		{"qrf-session", float64(c.QRFSessionSoftLimit), float64(c.QRFSessionHardLimit)},
		{"qrf-memory", c.QRFMemorySoftLimitPercent, c.QRFMemoryHardLimitPercent},
		{"qrf-cpu", c.QRFCPUSoftLimit, c.QRFCPUHardLimit},
		{"qrf-load", c.QRFLoadSoftLimitPerCPU, c.QRFLoadHardLimitPerCPU},
	}
	for _, p := range pairs {
		if p.soft < 0 || p.hard < 0 {
			return fmt.Errorf("config: %s limits must be >= 0", p.name)
		}
		if p.soft > 0 && p.hard > 0 && p.soft > p.hard {
			return fmt.Errorf("config: %s soft limit %v exceeds hard limit %v", p.name, p.soft, p.hard)
		}
	}
	return nil
}

// DefaultConfigDir returns $XFERD_CONFIG_DIR or, when unset, /etc/xferd for
// root and $HOME/.xferd for everyone else.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("XFERD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	if os.Geteuid() == 0 {
		return "/etc/xferd", nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".xferd"), nil
}

func defaultConfigPath(name string) (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// DefaultCAPath returns the default CA bundle location.
func DefaultCAPath() (string, error) { return defaultConfigPath("ca.pem") }

// DefaultBundlePath returns the default command channel server bundle.
func DefaultBundlePath() (string, error) { return defaultConfigPath("server.pem") }

// DefaultClientBundlePath returns the default control plane client bundle.
func DefaultClientBundlePath() (string, error) { return defaultConfigPath("client.pem") }

// DefaultACLPath returns the default command channel ACL file.
func DefaultACLPath() (string, error) { return defaultConfigPath("acl") }
