package xferd

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/cmdserver"
	"pkt.systems/xferd/internal/datachan"
	"pkt.systems/xferd/internal/identity"
	"pkt.systems/xferd/internal/job"
	"pkt.systems/xferd/internal/protocol"
	"pkt.systems/xferd/internal/qrf"
	"pkt.systems/xferd/internal/relay"
)

type testUsers struct {
	home string
}

func (d testUsers) LookupUser(name string) (*user.User, error) {
	if name != "alice" {
		return nil, user.UnknownUserError(name)
	}
	return &user.User{Username: "alice", Uid: "1000", Gid: "1000", HomeDir: d.home}, nil
}

func (d testUsers) LookupGroup(name string) (*user.Group, error) {
	if name != "alice" {
		return nil, user.UnknownGroupError(name)
	}
	return &user.Group{Name: "alice", Gid: "1000"}, nil
}

func (testUsers) GroupIDs(*user.User) ([]string, error) { return []string{"1000"}, nil }

func startTestServer(t *testing.T, mutate func(*Config), opts ...Option) *Server {
	t.Helper()
	cfg := Config{
		Listen:              "127.0.0.1:0",
		CmdListen:           "127.0.0.1:0",
		Launcher:            LauncherInProcess,
		EnforceOSGroups:     true,
		FailOnInvalidGroups: true,
		DataTimeout:         5 * time.Second,
		HandshakeTimeout:    5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opts = append([]Option{
		WithLogger(pslog.NoopLogger()),
		WithIdentityOptions(identity.WithEffectiveUID(1000), identity.WithDirectory(testUsers{home: t.TempDir()})),
	}, opts...)
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := stop(ctx); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	return srv
}

func register(t *testing.T, srv *Server, fields ...string) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lines := append([]string{"request-type=" + job.RequestTransfer}, fields...)
	resp, err := cmdserver.Send(ctx, srv.CmdAddr().String(), nil, lines)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return resp
}

func dialControl(t *testing.T, srv *Server) *protocol.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return protocol.NewConn(conn, pslog.NoopLogger())
}

func loginReply(t *testing.T, err error) protocol.Reply {
	t.Helper()
	var re *protocol.ReplyError
	if !errors.As(err, &re) {
		t.Fatalf("expected a reply error, got %v", err)
	}
	return re.Reply
}

func TestServerRegisterLoginAndRetrieve(t *testing.T) {
	srv := startTestServer(t, nil)
	dir := t.TempDir()
	want := []byte(strings.Repeat("xferd", 1000))
	if err := os.WriteFile(filepath.Join(dir, "data.bin"), want, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := register(t, srv, "user=alice", "secret=s3cret", "file="+dir+"/", "access-permissions=READ")
	port := srv.ListenerAddr().(*net.TCPAddr).Port
	if len(resp) != 1 || resp[0] != "OK::"+strconv.Itoa(port) {
		t.Fatalf("register response %q", resp)
	}
	if srv.Jobs().Len() != 1 {
		t.Fatalf("expected one registered job, got %d", srv.Jobs().Len())
	}

	ctl := dialControl(t, srv)
	if err := protocol.Login(ctl, "s3cret"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := ctl.Command("NOOP", 200); err != nil {
		t.Fatalf("NOOP: %v", err)
	}
	reply, err := ctl.Command("EPSV", 229)
	if err != nil {
		t.Fatalf("EPSV: %v", err)
	}
	dataPort, err := relay.ParseEPSV(reply.Text())
	if err != nil {
		t.Fatalf("parse EPSV: %v", err)
	}
	dc, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(dataPort)))
	if err != nil {
		t.Fatalf("dial data: %v", err)
	}
	ch, err := datachan.Open([]net.Conn{dc}, datachan.Settings{})
	if err != nil {
		t.Fatalf("open data: %v", err)
	}
	defer ch.Abort()
	if _, err := ctl.Command("RETR data.bin", 150); err != nil {
		t.Fatalf("RETR: %v", err)
	}
	got, err := io.ReadAll(ch)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("retrieved %d bytes, want %d", len(got), len(want))
	}
	if reply, err := ctl.ReadReply(); err != nil || reply.Code != 226 {
		t.Fatalf("transfer complete reply %v %v", reply.Lines, err)
	}
	// Writes are beyond READ access.
	if reply, err := ctl.Command("MKD sub"); err == nil || reply.Code < 500 {
		t.Fatalf("MKD under READ access = %v %v", reply.Lines, err)
	}
	_ = ctl.WriteLine("BYE")
}

func TestServerLoginWithManualClock(t *testing.T) {
	frozen := clock.NewManual(time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC))
	srv := startTestServer(t, func(c *Config) { c.QRFDisabled = true }, WithClock(frozen))
	register(t, srv, "user=alice", "secret=frozen", "file="+t.TempDir()+"/")
	ctl := dialControl(t, srv)
	if err := protocol.Login(ctl, "frozen"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := ctl.Command("NOOP", 200); err != nil {
		t.Fatalf("NOOP: %v", err)
	}
	_ = ctl.WriteLine("BYE")
}

func TestServerRejectsUnknownSecret(t *testing.T) {
	srv := startTestServer(t, nil)
	register(t, srv, "user=alice", "secret=right")
	ctl := dialControl(t, srv)
	reply := loginReply(t, protocol.Login(ctl, "wrong"))
	if reply.Code != 530 {
		t.Fatalf("expected 530, got %q", reply.Lines)
	}
}

func TestServerRejectsForeignClient(t *testing.T) {
	srv := startTestServer(t, nil)
	register(t, srv, "user=alice", "secret=pinned", "client-ip=192.0.2.7")
	ctl := dialControl(t, srv)
	reply := loginReply(t, protocol.Login(ctl, "pinned"))
	if reply.Code != 500 || !strings.Contains(reply.Text(), "Rejecting connection for 'alice' from 127.0.0.1") {
		t.Fatalf("unexpected reply %q", reply.Lines)
	}
}

func TestServerDisabledIPCheckAcceptsForeignClient(t *testing.T) {
	srv := startTestServer(t, func(c *Config) { c.DisableIPCheck = true })
	register(t, srv, "user=alice", "secret=pinned", "client-ip=192.0.2.7", "file="+t.TempDir()+"/")
	ctl := dialControl(t, srv)
	if err := protocol.Login(ctl, "pinned"); err != nil {
		t.Fatalf("login: %v", err)
	}
	_ = ctl.WriteLine("BYE")
}

func TestServerEnforcesSessionLimit(t *testing.T) {
	srv := startTestServer(t, func(c *Config) { c.MaxConnections = 1 })
	dir := t.TempDir() + "/"
	register(t, srv, "user=alice", "secret=one", "file="+dir)

	resp := register(t, srv, "user=alice", "secret=two", "file="+dir)
	if len(resp) != 1 || !strings.HasPrefix(resp[0], "500 ") {
		t.Fatalf("second registration should be refused, got %q", resp)
	}

	first := dialControl(t, srv)
	if err := protocol.Login(first, "one"); err != nil {
		t.Fatalf("login: %v", err)
	}
	second := dialControl(t, srv)
	reply := loginReply(t, protocol.Login(second, "one"))
	if reply.Code != 500 || reply.Text() != "Too many active transfer requests / sessions for 'alice' - server limit is 1" {
		t.Fatalf("unexpected reply %q", reply.Lines)
	}
	_ = first.WriteLine("BYE")
}

func TestServerShedsLoginsUnderPressure(t *testing.T) {
	srv := startTestServer(t, func(c *Config) {
		c.QRFSessionHardLimit = 1
		c.LSFSampleInterval = time.Hour
	})
	register(t, srv, "user=alice", "secret=busy", "file="+t.TempDir()+"/")
	srv.qrf.Observe(qrf.Snapshot{ActiveSessions: 3})
	if got := srv.LoadStatus().State; got != qrf.StateEngaged {
		t.Fatalf("expected engaged, got %s", got)
	}

	ctl := dialControl(t, srv)
	reply := loginReply(t, protocol.Login(ctl, "busy"))
	if reply.Code != 500 || !strings.Contains(reply.Text(), "overloaded") {
		t.Fatalf("unexpected reply %q", reply.Lines)
	}
	if srv.Jobs().Len() != 1 {
		t.Fatalf("shed login must keep the job registered")
	}
}

func TestServerUnknownUserFailsLogin(t *testing.T) {
	srv := startTestServer(t, func(c *Config) { c.SwitchUID = true; c.Launcher = LauncherExec })
	register(t, srv, "user=mallory", "secret=nobody")
	ctl := dialControl(t, srv)
	reply := loginReply(t, protocol.Login(ctl, "nobody"))
	if reply.Code != 530 || !strings.HasPrefix(reply.Text(), "Not logged in: ") {
		t.Fatalf("unexpected reply %q", reply.Lines)
	}
}

func TestRateCapClampsJobs(t *testing.T) {
	table := job.NewTable(job.TableConfig{Logger: pslog.NoopLogger()})
	capped := rateCap{table: table, max: 1000}
	for _, tc := range []struct {
		secret string
		in     int64
		want   int64
	}{
		{"unlimited", 0, 1000},
		{"fast", 5000, 1000},
		{"slow", 10, 10},
	} {
		j := &job.Job{ID: tc.secret, Secret: tc.secret, User: "u-" + tc.secret, RateLimit: tc.in}
		if err := capped.Add(j); err != nil {
			t.Fatalf("add %s: %v", tc.secret, err)
		}
		if j.RateLimit != tc.want {
			t.Fatalf("%s: rate %d, want %d", tc.secret, j.RateLimit, tc.want)
		}
	}
	j := &job.Job{ID: "free", Secret: "free", User: "free", RateLimit: 77}
	if err := (rateCap{table: table}).Add(j); err != nil || j.RateLimit != 77 {
		t.Fatalf("uncapped add changed rate to %d (%v)", j.RateLimit, err)
	}
}

func TestLaunchFailureReplies(t *testing.T) {
	j := &job.Job{User: "alice"}
	if got := launchFailureReply(j, 3, job.ErrTooManySessions); got != "500 Too many active transfer requests / sessions for 'alice' - server limit is 3" {
		t.Fatalf("limit reply %q", got)
	}
	if got := launchFailureReply(j, 3, job.ErrRemoved); !strings.HasPrefix(got, "530 Not logged in: ") {
		t.Fatalf("removed reply %q", got)
	}
	if got := launchFailureReply(j, 3, errors.New("boom")); got != "500 Error establishing connection: boom" {
		t.Fatalf("generic reply %q", got)
	}
}
