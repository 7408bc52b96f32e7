package xferd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/net/netutil"
	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/acl"
	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/cmdserver"
	"pkt.systems/xferd/internal/connguard"
	"pkt.systems/xferd/internal/identity"
	"pkt.systems/xferd/internal/job"
	"pkt.systems/xferd/internal/launch"
	"pkt.systems/xferd/internal/lsf"
	"pkt.systems/xferd/internal/protocol"
	"pkt.systems/xferd/internal/qrf"
	"pkt.systems/xferd/internal/svcfields"
	"pkt.systems/xferd/internal/tlsutil"
	"pkt.systems/xferd/internal/version"
)

// Server runs the control listener clients log in to, the command channel
// the control plane registers jobs on and the job reaper.
type Server struct {
	cfg       Config
	base      pslog.Logger
	logger    pslog.Logger
	clock     clock.Clock
	table     *job.Table
	resolver  *identity.Resolver
	launcher  launch.Launcher
	guard     *connguard.Guard
	acl       *acl.Watcher
	cmdTLS    *tls.Config
	telemetry *telemetryBundle
	logins    metric.Int64Counter
	qrf       *qrf.Controller
	lsf       *lsf.Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	cmdLn    net.Listener
	shutdown bool

	readyOnce sync.Once
	readyCh   chan struct{}
	conns     sync.WaitGroup
	sessions  sync.WaitGroup
}

// Option configures server instances.
type Option func(*options)

type options struct {
	logger      pslog.Logger
	clock       clock.Clock
	launcher    launch.Launcher
	identityOpt []identity.Option
}

// WithLogger supplies the root logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLauncher replaces the launcher chosen by Config.Launcher.
func WithLauncher(l launch.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithIdentityOptions customises the identity resolver, for example with a
// user database other than the operating system's.
func WithIdentityOptions(opts ...identity.Option) Option {
	return func(o *options) { o.identityOpt = append(o.identityOpt, opts...) }
}

// NewServer validates cfg and builds a server. Nothing listens until Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = pslog.NoopLogger()
	}
	clk := clock.Or(o.clock)
	logger := svcfields.WithSubsystem(o.logger, "server")

	s := &Server{
		cfg:     cfg,
		base:    o.logger,
		logger:  logger,
		clock:   clk,
		readyCh: make(chan struct{}),
	}
	s.table = job.NewTable(job.TableConfig{
		MaxSessions: cfg.MaxConnections,
		Lifetime:    cfg.RequestLifetime,
		Clock:       clk,
		Logger:      o.logger,
	})
	s.resolver = identity.NewResolver(identity.Config{
		SwitchUID:           cfg.SwitchUID,
		EnforceOSGroups:     cfg.EnforceOSGroups,
		FailOnInvalidGroups: cfg.FailOnInvalidGroups,
		Clock:               clk,
		Logger:              o.logger,
	}, o.identityOpt...)
	s.guard = connguard.New(cfg.Guard, clk, o.logger)
	s.qrf = qrf.NewController(qrf.Config{
		Enabled:           !cfg.QRFDisabled,
		SessionSoftLimit:  cfg.QRFSessionSoftLimit,
		SessionHardLimit:  cfg.QRFSessionHardLimit,
		MemorySoftPercent: cfg.QRFMemorySoftLimitPercent,
		MemoryHardPercent: cfg.QRFMemoryHardLimitPercent,
		CPUSoftPercent:    cfg.QRFCPUSoftLimit,
		CPUHardPercent:    cfg.QRFCPUHardLimit,
		LoadSoftPerCPU:    cfg.QRFLoadSoftLimitPerCPU,
		LoadHardPerCPU:    cfg.QRFLoadHardLimitPerCPU,
		RecoverySamples:   cfg.QRFRecoverySamples,
		SoftDelay:         cfg.QRFSoftDelay,
		RecoveryDelay:     cfg.QRFRecoveryDelay,
		Logger:            o.logger,
	})
	s.lsf = lsf.NewObserver(lsf.Config{
		Enabled:        !cfg.QRFDisabled,
		SampleInterval: cfg.LSFSampleInterval,
		LogInterval:    cfg.LSFLogInterval,
		Clock:          clk,
		Logger:         o.logger,
	}, s.qrf)

	s.launcher = o.launcher
	if s.launcher == nil {
		l, err := s.newLauncher(o.logger)
		if err != nil {
			return nil, err
		}
		s.launcher = l
	}

	if cfg.CmdBundle != "" {
		bundle, err := tlsutil.LoadBundle(cfg.CmdBundle, cfg.CmdDenylist)
		if err != nil {
			return nil, fmt.Errorf("config: cmd-bundle: %w", err)
		}
		watcher, err := acl.Watch(cfg.ACLFile, o.logger)
		if err != nil {
			return nil, err
		}
		s.acl = watcher
		s.cmdTLS = bundle.ServerConfig(watcher.Verify)
	}

	var err error
	s.logins, err = otel.Meter("pkt.systems/xferd").Int64Counter(
		"xferd.logins",
		metric.WithDescription("Control connection logins by outcome"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "xferd.logins", "error", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.telemetry, err = setupTelemetry(s.ctx, telemetryConfig{
		otlpEndpoint:           cfg.OTLPEndpoint,
		metricsListen:          cfg.MetricsListen,
		pprofListen:            cfg.PprofListen,
		enableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(o.logger, "telemetry"))
	if err != nil {
		s.cancel()
		return nil, err
	}
	return s, nil
}

func (s *Server) newLauncher(logger pslog.Logger) (launch.Launcher, error) {
	settings := launch.Settings{
		NoWrite:       s.cfg.NoWrite,
		MaxStreams:    s.cfg.MaxStreams,
		AdvertiseHost: s.cfg.AdvertiseHost,
		Ports:         s.cfg.Ports(),
		CheckClientIP: !s.cfg.DisableIPCheck,
		AcceptTimeout: s.cfg.DataTimeout,
		LegacyRange:   s.cfg.LegacyRange,
	}
	if host, _, err := net.SplitHostPort(s.cfg.Listen); err == nil {
		settings.DataHost = host
	}
	name := s.cfg.Launcher
	if name == LauncherAuto {
		name = LauncherInProcess
		if s.resolver.Privileged() {
			name = LauncherExec
		}
	}
	switch name {
	case LauncherExec:
		return &launch.Exec{
			Settings: settings,
			Path:     s.cfg.SessionBinary,
			Stderr:   os.Stderr,
			Clock:    s.clock,
			Logger:   logger,
		}, nil
	default:
		if s.resolver.Privileged() {
			return nil, errors.New("config: the inprocess launcher cannot switch identities; use exec")
		}
		return &launch.InProcess{Settings: settings, Clock: s.clock, Logger: logger}, nil
	}
}

// Jobs returns the job table.
func (s *Server) Jobs() *job.Table {
	return s.table
}

// Start listens and serves until Shutdown or a listener failure.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	cmdLn, err := net.Listen("tcp", s.cfg.CmdListen)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("listen %s: %w", s.cfg.CmdListen, err)
	}
	cmd, err := cmdserver.New(cmdserver.Config{
		Jobs:           rateCap{table: s.table, max: s.cfg.MaxRate},
		Users:          s.resolver,
		Info:           s.info(ln.Addr()),
		KeyFiles:       s.cfg.KeyFiles,
		RequestTimeout: s.cfg.CmdRequestTimeout,
		Clock:          s.clock,
		Logger:         s.base,
	})
	if err != nil {
		_ = ln.Close()
		_ = cmdLn.Close()
		return err
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		_ = cmdLn.Close()
		return nil
	}
	s.ln, s.cmdLn = ln, cmdLn
	s.mu.Unlock()

	s.resolver.Describe()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"cmd_address", cmdLn.Addr().String(),
		"cmd_tls", s.cmdTLS != nil,
		"launcher", s.launcher.Name(),
		"version", version.Current(),
	)
	s.signalReady()

	ctx := s.ctx
	var wg sync.WaitGroup
	cmdErr := make(chan error, 1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.table.Run(ctx, s.cfg.ReaperInterval)
	}()
	go func() {
		defer wg.Done()
		limited := netutil.LimitListener(cmdLn, s.cfg.CmdMaxConns)
		cmdErr <- cmd.Serve(ctx, s.guard.Wrap(limited, connguard.ListenerOptions{TLS: s.cmdTLS, ClientSpeaksFirst: true}))
	}()
	s.lsf.Start(ctx)
	if s.acl != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.acl.Run(ctx)
		}()
	}

	// The server speaks first on the control listener; no probe.
	err = s.serveControl(ctx, s.guard.Wrap(ln, connguard.ListenerOptions{}))
	s.cancel()
	wg.Wait()
	s.lsf.Wait()
	if err == nil {
		err = <-cmdErr
	}
	return err
}

func (s *Server) info(addr net.Addr) cmdserver.Info {
	info := cmdserver.Info{Version: version.Current(), AdvertiseHost: s.cfg.AdvertiseHost}
	if host, _, err := net.SplitHostPort(s.cfg.Listen); err == nil {
		info.ListenHost = host
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		info.ListenPort = tcp.Port
	} else if _, port, err := net.SplitHostPort(addr.String()); err == nil {
		info.ListenPort, _ = strconv.Atoi(port)
	}
	return info
}

func (s *Server) serveControl(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.conns.Wait()
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
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(ctx, conn)
		}()
	}
}

// handle runs the login exchange on conn and hands it to a session. conn is
// closed here unless a launcher took it over.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	logger := svcfields.WithPeer(svcfields.WithSubsystem(s.logger, "server.login"), conn.RemoteAddr())
	owned := false
	defer func() {
		if !owned {
			_ = conn.Close()
		}
	}()
	// Socket deadlines follow wall time.
	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	pc := protocol.NewConn(conn, svcfields.WithSubsystem(logger, "server.wire"))
	res := protocol.Handshake(pc, protocol.Greeting(version.Current()), s.table.Lookup)
	s.recordLogin(ctx, res.Outcome.String())
	switch res.Outcome {
	case protocol.Matched:
	case protocol.TransportClosed:
		logger.Debug("login.transport_closed", "error", res.Err)
		return
	case protocol.NoMatch:
		logger.Warn("login.rejected", "reason", "unknown secret")
		s.guard.Report(conn.RemoteAddr(), connguard.ReasonLogin)
		return
	default:
		logger.Warn("login.protocol_error", "error", res.Err)
		s.guard.Report(conn.RemoteAddr(), connguard.ReasonLogin)
		return
	}

	j := res.Job
	logger = svcfields.WithJob(logger, j.ID, j.User)
	peer := hostOf(conn.RemoteAddr())
	if !s.cfg.DisableIPCheck && !j.AllowsClient(peer) {
		logger.Warn("login.client_ip_rejected", "allowed", j.ClientIPs)
		s.guard.Report(conn.RemoteAddr(), connguard.ReasonClientIP)
		_ = pc.WriteReplyf("500 Error establishing connection: Rejecting connection for '%s' from %s, allowed: %v", j.User, peer, j.ClientIPs)
		return
	}
	if !s.admit(ctx, pc, logger) {
		return
	}
	capability, err := s.resolver.Acquire(j.User, j.Groups)
	if err != nil {
		logger.Warn("login.identity_failed", "error", err)
		_ = pc.WriteReply("530 Not logged in: " + err.Error())
		return
	}
	_ = conn.SetDeadline(time.Time{})

	var worker *launch.Worker
	_, err = s.table.Attach(j, func() (job.Worker, error) {
		w, err := s.launcher.Launch(ctx, launch.Request{Job: j, Conn: conn, Reader: pc, Capability: capability})
		if err != nil {
			return nil, err
		}
		worker = w
		return w, nil
	})
	if err != nil {
		logger.Warn("login.launch_failed", "error", err)
		_ = pc.WriteReply(launchFailureReply(j, s.cfg.MaxConnections, err))
		return
	}
	owned = true
	logger.Info("login.accepted", "worker", worker.ID(), "launcher", s.launcher.Name())
	endSession := s.lsf.BeginSession()
	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		defer endSession()
		<-worker.Done()
		if err := worker.Err(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("session.ended", "worker", worker.ID(), "error", err)
		}
	}()
}

// admit applies login load shedding. A refused login leaves the job
// registered so the client can retry.
func (s *Server) admit(ctx context.Context, pc *protocol.Conn, logger pslog.Logger) bool {
	d := s.qrf.Decide()
	if d.Reject {
		logger.Warn("login.shed", "state", d.State.String(), "reason", d.Reason)
		_ = pc.WriteReply("500 Error establishing connection: server overloaded, try again later")
		return false
	}
	if d.Delay > 0 {
		logger.Debug("login.delayed", "state", d.State.String(), "delay", d.Delay, "reason", d.Reason)
		select {
		case <-ctx.Done():
			return false
		case <-s.clock.After(d.Delay):
		}
	}
	return true
}

// LoadStatus reports the login load shedding posture.
func (s *Server) LoadStatus() qrf.Status {
	return s.qrf.Status()
}

func launchFailureReply(j *job.Job, limit int, err error) string {
	switch {
	case errors.Is(err, job.ErrTooManySessions):
		return fmt.Sprintf("500 Too many active transfer requests / sessions for '%s' - server limit is %d", j.User, limit)
	case errors.Is(err, launch.ErrSwitch), errors.Is(err, job.ErrRemoved):
		return "530 Not logged in: " + err.Error()
	default:
		return "500 Error establishing connection: " + err.Error()
	}
}

func (s *Server) recordLogin(ctx context.Context, outcome string) {
	if s.logins == nil {
		return
	}
	s.logins.Add(ctx, 1, metric.WithAttributes(attribute.String("xferd.login.outcome", outcome)))
}

func hostOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// rateCap clamps the rate limit of registered jobs to the daemon maximum.
type rateCap struct {
	table *job.Table
	max   int64
}

func (r rateCap) Add(j *job.Job) error {
	if r.max > 0 && (j.RateLimit <= 0 || j.RateLimit > r.max) {
		j.RateLimit = r.max
	}
	return r.table.Add(j)
}

// Shutdown stops the listeners and waits for running sessions until ctx
// ends. In-process sessions are cancelled; session children get SIGTERM.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.cancel()
	s.conns.Wait()
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("shutdown: sessions still running: %w", ctx.Err()))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("shutdown.complete")
	return errors.Join(errs...)
}

// Close shuts the server down within the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitUntilReady blocks until both listeners are bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound control listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// CmdAddr returns the bound command channel address once available.
func (s *Server) CmdAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmdLn == nil {
		return nil
	}
	return s.cmdLn.Addr()
}

// StartServer starts a server in a background goroutine and waits until it
// listens. The returned stop function shuts it down and reports the serve
// error, if any.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server stopped before it was ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		once    sync.Once
		stopErr error
	)
	stop := func(shutdownCtx context.Context) error {
		once.Do(func() {
			stopErr = errors.Join(srv.Shutdown(shutdownCtx), <-errCh)
		})
		return stopErr
	}
	return srv, stop, nil
}
