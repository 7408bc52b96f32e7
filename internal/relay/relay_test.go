package relay

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestParseTarget(t *testing.T) {
	got, err := ParseTarget(" files.example.org:64434 ")
	if err != nil || got != "files.example.org:64434" {
		t.Fatalf("ParseTarget = %q, %v", got, err)
	}
	for _, bad := range []string{"", "nohost", ":64434", "host:port"} {
		if _, err := ParseTarget(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseEPSV(t *testing.T) {
	port, err := ParseEPSV("Entering Extended Passive Mode (|||50123|)")
	if err != nil || port != 50123 {
		t.Fatalf("ParseEPSV = %d, %v", port, err)
	}
	for _, bad := range []string{"Entering Passive Mode (127,0,0,1,4,1)", "(|||0|)", "(|||x|)", "(|||70000|)"} {
		if _, err := ParseEPSV(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestStartReportsDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	tr := Start(context.Background(), Request{
		Direction:  Receive,
		LocalPath:  t.TempDir() + "/out",
		RemotePath: "in",
		Address:    addr,
		Secret:     "s",
		Length:     -1,
		Streams:    1,
	}, WithLogger(pslog.NoopLogger()), WithDialTimeout(2*time.Second))
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("relay did not finish")
	}
	if status := tr.Status(); !strings.HasPrefix(status, "ERROR: ") {
		t.Fatalf("expected error status, got %q", status)
	}
	if tr.ID == "" {
		t.Fatalf("relay id empty")
	}
	var none *Transfer
	if none.Status() != StatusNone {
		t.Fatalf("nil transfer status")
	}
}
