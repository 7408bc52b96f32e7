package main

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xferd"
)

func TestTransferRequestLines(t *testing.T) {
	lines, secret, err := transferRequest([]string{"user=alice", "file=/data/", "request-type=ignored"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if secret == "" || !slices.Contains(lines, "secret="+secret) {
		t.Fatalf("generated secret missing: %q", lines)
	}
	if lines[0] != "request-type=uftp-transfer-request" || slices.Contains(lines, "request-type=ignored") {
		t.Fatalf("request type not forced: %q", lines)
	}
	lines, secret, err = transferRequest([]string{"user=bob", "secret=given"})
	if err != nil || secret != "given" || strings.Count(strings.Join(lines, "\n"), "secret=") != 1 {
		t.Fatalf("given secret: %q %q %v", lines, secret, err)
	}
	if _, _, err := transferRequest([]string{"file=/x"}); err == nil {
		t.Fatalf("missing user accepted")
	}
	if _, _, err := transferRequest([]string{"novalue"}); err == nil {
		t.Fatalf("malformed argument accepted")
	}
}

func TestPingAgainstRunningDaemon(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, stop, err := xferd.StartServer(ctx, xferd.Config{
		Listen:    "127.0.0.1:0",
		CmdListen: "127.0.0.1:0",
		Launcher:  xferd.LauncherInProcess,
	}, xferd.WithLogger(pslog.NoopLogger()))
	if err != nil {
		t.Skipf("cannot start daemon here: %v", err)
	}
	defer func() { _ = stop(context.Background()) }()

	stdout, _, err := executeRootCommand(t, "ping", "--server", srv.CmdAddr().String())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.HasPrefix(stdout, "Version: ") || !strings.Contains(stdout, "ListenAddress: 127.0.0.1") {
		t.Fatalf("ping output %q", stdout)
	}
}
