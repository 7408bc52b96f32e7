package svcfields

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystemJoinsParts(t *testing.T) {
	if got := Subsystem("server", "", ".ftp.", " login "); got != "server.ftp.login" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestFieldsReachOutput(t *testing.T) {
	var buf bytes.Buffer
	base := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.DebugLevel})
	logger := WithSubsystem(base, "server.ftp")
	logger = WithPeer(logger, &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4242})
	logger = WithJob(logger, "job-1", "alice")
	logger.Info("login.accepted")
	out := buf.String()
	for _, want := range []string{"server.ftp", "10.0.0.1:4242", "job-1", "alice", "login.accepted"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestNilLoggerIsUsable(t *testing.T) {
	WithSubsystem(nil, "x").Info("ignored")
	WithPeer(nil, nil).Info("ignored")
	WithJob(nil, "", "").Info("ignored")
}
