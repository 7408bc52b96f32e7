package xferd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/xferd/internal/session"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Listen != DefaultListen || cfg.CmdListen != DefaultCmdListen {
		t.Fatalf("unexpected listeners %q %q", cfg.Listen, cfg.CmdListen)
	}
	if cfg.MaxStreams != DefaultMaxStreams || cfg.MaxConnections != DefaultMaxConnections {
		t.Fatalf("unexpected limits %d %d", cfg.MaxStreams, cfg.MaxConnections)
	}
	if cfg.Launcher != LauncherAuto {
		t.Fatalf("launcher %q", cfg.Launcher)
	}
	if len(cfg.NoWrite) != 1 || cfg.NoWrite[0] != session.DefaultNoWrite {
		t.Fatalf("no-write %v", cfg.NoWrite)
	}
	if !cfg.EnforceOSGroups || !cfg.FailOnInvalidGroups || !cfg.Guard.Enabled {
		t.Fatalf("secure defaults not applied: %+v", cfg)
	}
	if !cfg.Ports().IsZero() {
		t.Fatalf("port range should be unset")
	}
}

func TestValidateRejects(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "server.pem")
	if err := os.WriteFile(bundle, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad listen", Config{Listen: "nope"}, "listen"},
		{"same listeners", Config{Listen: "127.0.0.1:5000", CmdListen: "127.0.0.1:5000"}, "must differ"},
		{"bad port range", Config{PortRange: "9:1"}, "port-range"},
		{"negative rate", Config{MaxRate: -1}, "max-rate"},
		{"bundle without acl", Config{CmdBundle: bundle}, "acl is required"},
		{"missing acl", Config{CmdBundle: bundle, ACLFile: filepath.Join(dir, "missing")}, "acl"},
		{"denylist without bundle", Config{CmdDenylist: bundle}, "requires cmd-bundle"},
		{"launcher", Config{Launcher: "fork"}, "launcher must be"},
		{"profiling", Config{EnableProfilingMetrics: true}, "metrics-listen"},
		{"qrf inverted", Config{QRFMemorySoftLimitPercent: 90, QRFMemoryHardLimitPercent: 80}, "exceeds hard limit"},
		{"qrf negative", Config{QRFSessionHardLimit: -1}, "qrf-session"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateNormalises(t *testing.T) {
	cfg := Config{PortRange: "50000:50010", Launcher: " EXEC ", Listen: "127.0.0.1:0", CmdListen: "127.0.0.1:0"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.CmdMaxConns != DefaultCmdMaxConns || cfg.LSFSampleInterval != DefaultLSFSampleInterval {
		t.Fatalf("defaults not applied: cmd-max-conns=%d lsf-sample-interval=%s", cfg.CmdMaxConns, cfg.LSFSampleInterval)
	}
	if cfg.Launcher != LauncherExec {
		t.Fatalf("launcher %q", cfg.Launcher)
	}
	if p := cfg.Ports(); p.Lower != 50000 || p.Upper != 50010 {
		t.Fatalf("ports %+v", p)
	}
	t.Setenv("XFERD_TEST_DIR", t.TempDir())
	cfg = Config{SessionBinary: "$XFERD_TEST_DIR/xferd"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !filepath.IsAbs(cfg.SessionBinary) || strings.Contains(cfg.SessionBinary, "$") {
		t.Fatalf("session binary not expanded: %q", cfg.SessionBinary)
	}
}
