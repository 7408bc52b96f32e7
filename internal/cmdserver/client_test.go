package cmdserver

import (
	"context"
	"crypto/x509/pkix"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/acl"
	"pkt.systems/xferd/internal/connguard"
	"pkt.systems/xferd/internal/job"
	"pkt.systems/xferd/internal/tlsutil"
)

func TestSendPlain(t *testing.T) {
	addr, _ := startServer(t, &fakeUsers{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := Send(ctx, addr, nil, []string{"request-type=" + job.RequestPing})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(got) < 3 || got[0] != "Version: v1.2.3" {
		t.Fatalf("unexpected ping response %q", got)
	}
}

func clientBundle(t *testing.T, ca *tlsutil.CA, subject pkix.Name) *tlsutil.Bundle {
	t.Helper()
	issued, err := ca.Issue(tlsutil.LeafRequest{Subject: subject})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	data, err := ca.Bundle(issued, nil)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	b, err := tlsutil.ParseBundle(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return b
}

func TestSendOverMutualTLSWithACL(t *testing.T) {
	ca, err := tlsutil.GenerateCA("test-ca", time.Hour)
	if err != nil {
		t.Fatalf("ca: %v", err)
	}
	serverLeaf, err := ca.Issue(tlsutil.LeafRequest{Server: true, Hosts: []string{"127.0.0.1"}})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	serverData, err := ca.Bundle(serverLeaf, nil)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	server, err := tlsutil.ParseBundle(serverData)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	aclPath := filepath.Join(t.TempDir(), "xferd.acl")
	if err := os.WriteFile(aclPath, []byte("# control plane\nCN=unicore,O=Example\n"), 0o600); err != nil {
		t.Fatalf("write acl: %v", err)
	}
	watcher, err := acl.Watch(aclPath, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go watcher.Run(watchCtx)

	table := job.NewTable(job.TableConfig{Logger: pslog.NoopLogger()})
	srv, err := New(Config{Jobs: table, Users: &fakeUsers{}, Info: Info{Version: "v9", ListenPort: 1}, Logger: pslog.NoopLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	guard := connguard.New(connguard.DefaultConfig(), nil, pslog.NoopLogger())
	ln := guard.Wrap(raw, connguard.ListenerOptions{TLS: server.ServerConfig(watcher.Verify)})
	serve(t, srv, ln)

	ping := []string{"request-type=" + job.RequestPing}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	allowed := clientBundle(t, ca, pkix.Name{CommonName: "unicore", Organization: []string{"Example"}})
	got, err := Send(ctx, raw.Addr().String(), allowed.ClientConfig("127.0.0.1"), ping)
	if err != nil {
		t.Fatalf("allowed send: %v", err)
	}
	if len(got) == 0 || got[0] != "Version: v9" {
		t.Fatalf("unexpected response %q", got)
	}

	denied := clientBundle(t, ca, pkix.Name{CommonName: "intruder"})
	got, err = Send(ctx, raw.Addr().String(), denied.ClientConfig("127.0.0.1"), ping)
	if err == nil && len(got) > 0 {
		t.Fatalf("peer outside the ACL got a response: %q", got)
	}
}
