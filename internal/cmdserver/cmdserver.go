// Package cmdserver serves the command channel the control plane uses to
// register jobs, check liveness and inspect user key files.
//
// A request is a block of key=value lines terminated by a line starting with
// END. Each connection carries one request and receives one response.
package cmdserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/identity"
	"pkt.systems/xferd/internal/job"
	"pkt.systems/xferd/internal/protocol"
	"pkt.systems/xferd/internal/svcfields"
)

// DefaultRequestTimeout bounds reading a request and writing its response.
const DefaultRequestTimeout = 30 * time.Second

// DefaultKeyFiles are the home relative files listed by user-info requests.
var DefaultKeyFiles = []string{".ssh/authorized_keys", ".uftp/authorized_keys"}

// Users resolves the identities user-info requests act as.
type Users interface {
	Lookup(name string) (identity.Identity, error)
	Acquire(name string, groups []string) (*identity.Capability, error)
}

// Jobs registers parsed transfer requests.
type Jobs interface {
	Add(j *job.Job) error
}

// Info is what ping reports about the data listener.
type Info struct {
	Version       string
	ListenHost    string
	ListenPort    int
	AdvertiseHost string
}

// Config configures a Server.
type Config struct {
	Jobs           Jobs
	Users          Users
	Info           Info
	KeyFiles       []string
	RequestTimeout time.Duration
	Clock          clock.Clock
	Logger         pslog.Logger
}

// Server answers command channel requests.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	requests metric.Int64Counter
	wg       sync.WaitGroup
}

// New validates cfg and builds a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("cmdserver: job table required")
	}
	if cfg.Users == nil {
		return nil, errors.New("cmdserver: user resolver required")
	}
	if cfg.KeyFiles == nil {
		cfg.KeyFiles = DefaultKeyFiles
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	cfg.Clock = clock.Or(cfg.Clock)
	s := &Server{cfg: cfg, logger: svcfields.WithSubsystem(cfg.Logger, "cmd.channel")}
	var err error
	s.requests, err = otel.Meter("pkt.systems/xferd/cmdserver").Int64Counter(
		"xferd.cmd.requests",
		metric.WithDescription("Command channel requests by type and result"),
	)
	if err != nil {
		s.logger.Warn("telemetry.metric.init_failed", "name", "xferd.cmd.requests", "error", err)
	}
	return s, nil
}

// Serve accepts connections on ln until ctx ends or ln fails. Requests in
// flight are finished before Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()
	s.logger.Info("cmd.listen", "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("cmdserver: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn handles one request on conn and closes it.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With("remote", conn.RemoteAddr().String())
	_ = conn.SetDeadline(s.cfg.Clock.Now().Add(s.cfg.RequestTimeout))
	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			logger.Warn("cmd.tls.rejected", "error", err)
			return
		}
		if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
			logger = logger.With("peer", certs[0].Subject.String())
		}
	}
	// Requests carry secrets and keys; they are never traced.
	pc := protocol.NewConn(conn, nil)
	lines, err := pc.ReadRequest()
	if err != nil {
		logger.Warn("cmd.request.read_failed", "error", err)
		return
	}
	req := job.ParseRequest(lines)
	kind := req.Type()
	lines, err = s.dispatch(req, logger)
	if err != nil {
		logger.Error("cmd.request.failed", "type", kind, "error", err)
		lines = []string{"500 " + err.Error()}
	}
	s.record(ctx, kind, err)
	for _, line := range lines {
		if werr := pc.WriteReply(line); werr != nil {
			logger.Warn("cmd.response.write_failed", "error", werr)
			return
		}
	}
}

func (s *Server) record(ctx context.Context, kind string, err error) {
	if s.requests == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	switch kind {
	case job.RequestTransfer, job.RequestPing, job.RequestUserInfo:
	default:
		kind = "unknown"
	}
	s.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("xferd.cmd.type", kind),
		attribute.String("xferd.result", result),
	))
}

func (s *Server) dispatch(req job.Request, logger pslog.Logger) ([]string, error) {
	switch t := req.Type(); t {
	case job.RequestTransfer:
		return s.addJob(req, logger)
	case job.RequestPing:
		return s.ping(), nil
	case job.RequestUserInfo:
		return s.userInfo(req, logger), nil
	case "":
		return nil, errors.New("unsupported request type 'n/a'")
	default:
		return nil, fmt.Errorf("unsupported request type '%s'", t)
	}
}

func (s *Server) addJob(req job.Request, logger pslog.Logger) ([]string, error) {
	j, err := job.Parse(req)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Jobs.Add(j); err != nil {
		return nil, err
	}
	logger.Info("cmd.transfer.accepted", "job", j.ID, "user", j.User, "groups", strings.Join(j.Groups, ":"))
	return []string{"OK::" + strconv.Itoa(s.cfg.Info.ListenPort)}, nil
}

func (s *Server) ping() []string {
	info := s.cfg.Info
	lines := []string{
		"Version: " + info.Version,
		"ListenPort: " + strconv.Itoa(info.ListenPort),
		"ListenAddress: " + info.ListenHost,
	}
	if info.AdvertiseHost != "" {
		lines = append(lines, "AdvertiseAddress: "+info.AdvertiseHost)
	}
	return lines
}

// userInfo lists the user's accepted keys. The key files are read with the
// user's permissions.
func (s *Server) userInfo(req job.Request, logger pslog.Logger) []string {
	name := strings.TrimSpace(req["user"])
	if name == "root" {
		return []string{"500 Not allowed"}
	}
	id, err := s.cfg.Users.Lookup(name)
	if err != nil || id.Home == "" {
		return []string{"500 No such user or no home directory found"}
	}
	capability, err := s.cfg.Users.Acquire(name, []string{identity.NoGroup})
	if err != nil {
		logger.Warn("cmd.userinfo.identity_failed", "user", name, "error", err)
		return []string{"530 Not logged in: " + err.Error()}
	}
	lines := []string{
		"Version: " + s.cfg.Info.Version,
		"User: " + name,
		"Home: " + id.Home,
	}
	var status strings.Builder
	n := 0
	for _, rel := range s.cfg.KeyFiles {
		path := filepath.Join(id.Home, rel)
		data, err := capability.ReadFile(path)
		if err != nil {
			fmt.Fprintf(&status, " keyfile %s : %v", path, err)
			continue
		}
		fmt.Fprintf(&status, " keyfile %s : OK", path)
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			lines = append(lines, fmt.Sprintf("Accepted key %d: %s", n, line))
			n++
		}
	}
	lines = append(lines, "Status:"+status.String())
	logger.Debug("cmd.userinfo", "user", name, "keys", n)
	return lines
}
