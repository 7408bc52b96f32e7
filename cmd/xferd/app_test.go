package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/xferd"
	"pkt.systems/xferd/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	root := newRootCommand(pslog.NoopLogger())
	cases := []struct {
		args []string
		want bool
	}{
		{nil, true},
		{[]string{"--listen", ":1", "--disable-ip-check"}, true},
		{[]string{"--listen=:1"}, true},
		{[]string{"-c", "x.yaml"}, true},
		{[]string{"version"}, false},
		{[]string{"-c", "x.yaml", "ping"}, false},
		{[]string{"--log-level", "debug", "session"}, false},
		{[]string{"unknown-arg"}, true},
	}
	for _, tc := range cases {
		if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.args, got, tc.want)
		}
	}
}

func TestBindConfigFromEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("XFERD_MAX_RATE", "10MB")
	t.Setenv("XFERD_PORT_RANGE", "50000:50010")
	t.Setenv("XFERD_LAUNCHER", "exec")
	newRootCommand(pslog.NoopLogger())
	cfg, err := bindConfig()
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.MaxRate != 10_000_000 {
		t.Fatalf("max-rate %d", cfg.MaxRate)
	}
	if p := cfg.Ports(); p.Lower != 50000 || p.Upper != 50010 {
		t.Fatalf("ports %+v", p)
	}
	if cfg.Launcher != xferd.LauncherExec {
		t.Fatalf("launcher %q", cfg.Launcher)
	}
	if cfg.Listen != xferd.DefaultListen || !cfg.EnforceOSGroups || !cfg.Guard.Enabled {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestBindConfigRejectsBadRate(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("XFERD_MAX_RATE", "fast")
	newRootCommand(pslog.NoopLogger())
	if _, err := bindConfig(); err == nil || !strings.Contains(err.Error(), "max-rate") {
		t.Fatalf("expected max-rate error, got %v", err)
	}
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	for _, want := range []string{"listen: " + xferd.DefaultListen, "cmd-listen: " + xferd.DefaultCmdListen, "launcher: auto", "max-rate: 0B"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("generated config misses %q:\n%s", want, stdout)
		}
	}
}
