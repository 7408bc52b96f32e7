// Package session runs the control protocol of one logged in client: path
// confinement, access levels, byte ranges, data channel negotiation and the
// transfers themselves.
//
// A Session is single threaded. Commands are read and handled one at a time;
// each handler returns an Action that tells the loop whether a data moving
// step follows.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/datachan"
	"pkt.systems/xferd/internal/job"
	"pkt.systems/xferd/internal/pathutil"
	"pkt.systems/xferd/internal/protocol"
	"pkt.systems/xferd/internal/relay"
	"pkt.systems/xferd/internal/svcfields"
)

const (
	mfmtLayout = "20060102150405"

	// DefaultAcceptTimeout bounds the wait for a data connection after PASV.
	DefaultAcceptTimeout = 60 * time.Second
	// DefaultNoWrite protects the key file used by the control plane.
	DefaultNoWrite = ".ssh/authorized_keys"
)

// Config carries everything a session needs besides the control connection
// handshake, which has already completed.
type Config struct {
	Job     *job.Job
	Control net.Conn
	// Home is the user's home directory; relative job paths are joined to it.
	Home string
	// NoWrite lists home relative paths that are always excluded.
	NoWrite []string
	// MaxStreams caps the data connections a client may negotiate.
	MaxStreams int
	// DataHost is the address data listeners bind to.
	DataHost string
	// AdvertiseHost replaces the control connection's local address in PASV
	// replies.
	AdvertiseHost string
	Ports         PortRange
	// CheckClientIP requires data connections to come from the control peer.
	CheckClientIP bool
	AcceptTimeout time.Duration
	// LegacyRange treats the RANG end byte as exclusive.
	LegacyRange bool
	// Reader, when set, replaces a fresh reader over Control. It lets the
	// caller hand over a reader that already buffered input during login.
	Reader *protocol.Conn
	Clock  clock.Clock
	Logger pslog.Logger
}

// byteRange is the transfer window set by REST, RANG and ALLO.
type byteRange struct {
	offset int64
	// length is the number of bytes to move; negative means unset.
	length int64
	active bool
}

func (r *byteRange) reset() {
	*r = byteRange{length: -1}
}

func (r *byteRange) set(offset, length int64) {
	*r = byteRange{offset: offset, length: length, active: true}
}

// Session is the state of one control connection.
type Session struct {
	cfg     Config
	job     *job.Job
	conn    net.Conn
	control *protocol.Conn
	logger  pslog.Logger
	clock   clock.Clock
	tracer  trace.Tracer
	metrics *sessionMetrics

	paths  confinement
	access job.AccessLevel

	rng        byteRange
	renameFrom string
	filePath   string
	appendMode bool

	pending    []net.Conn
	data       *datachan.Channel
	settings   datachan.Settings
	numStreams int
	maxStreams int
	nextPort   int
	keepAlive  bool
	archive    bool
	hashAlgo   string

	relay *relay.Transfer

	ctlErr error
}

// New validates cfg and prepares a session rooted at the job's base directory.
func New(cfg Config) (*Session, error) {
	if cfg.Job == nil {
		return nil, errors.New("session: job required")
	}
	if cfg.Control == nil {
		return nil, errors.New("session: control connection required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = 1
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	if err := cfg.Ports.Validate(); err != nil {
		return nil, err
	}
	j := cfg.Job
	logger := svcfields.WithSubsystem(cfg.Logger, "session.control").With("job", j.ID, "user", j.User)
	s := &Session{
		cfg:        cfg,
		job:        j,
		conn:       cfg.Control,
		control:    cfg.Reader,
		logger:     logger,
		clock:      cfg.Clock,
		tracer:     otel.Tracer("pkt.systems/xferd/session"),
		metrics:    newSessionMetrics(logger),
		access:     j.Access,
		numStreams: 1,
		maxStreams: cfg.MaxStreams,
		nextPort:   cfg.Ports.start(),
		hashAlgo:   defaultHash,
		settings:   datachan.Settings{Key: j.Key, Algorithm: j.Algorithm, Compress: j.Compress},
	}
	if s.control == nil {
		s.control = protocol.NewConn(cfg.Control, logger)
	}
	s.rng.reset()
	if err := s.setupPaths(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) setupPaths() error {
	home := s.cfg.Home
	if st, err := os.Stat(home); home == "" || err != nil || !st.IsDir() {
		home = "/"
	}
	dir := ""
	if strings.Contains(s.job.File, "/") {
		dir = pathutil.ExpandHome(filepath.Dir(s.job.File), home)
	}
	p := &s.paths
	if dir == "" {
		p.allowAbsolute = true
		dir = home
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(home, dir)
	}
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return fmt.Errorf("session: no such directory: %s", dir)
	}
	p.base = filepath.Clean(dir)
	p.current = p.base
	for _, f := range s.cfg.NoWrite {
		if f = strings.TrimSpace(f); f == "" {
			continue
		}
		if f = pathutil.ExpandHome(f, home); !filepath.IsAbs(f) {
			f = filepath.Join(home, f)
		}
		pat, err := compilePattern(f)
		if err != nil {
			return fmt.Errorf("session: nowrite: %w", err)
		}
		p.excludes = append(p.excludes, pat)
	}
	for _, list := range []struct {
		globs []string
		dst   *[]pattern
	}{{s.job.Excludes, &p.excludes}, {s.job.Includes, &p.includes}} {
		for _, g := range list.globs {
			abs := g
			if !filepath.IsAbs(abs) {
				abs = filepath.Join(p.base, abs)
			}
			pat, err := compilePattern(filepath.Clean(abs))
			if err != nil {
				return fmt.Errorf("session: %w", err)
			}
			*list.dst = append(*list.dst, pat)
		}
	}
	return nil
}

// BaseDir returns the confinement root.
func (s *Session) BaseDir() string {
	return s.paths.base
}

func (s *Session) reply(msg string) {
	if s.ctlErr != nil {
		return
	}
	if err := s.control.WriteReply(msg); err != nil {
		s.ctlErr = err
	}
}

func (s *Session) replyf(format string, args ...any) {
	s.reply(fmt.Sprintf(format, args...))
}

// Run serves commands until BYE/QUIT, a control connection failure, or ctx
// ends. A relay started by the client is waited for before Run returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()
	defer s.finish()

	s.metrics.sessionStarted(ctx)
	defer s.metrics.sessionEnded(context.Background())

	limit := "no"
	if s.job.RateLimit > 0 {
		limit = fmt.Sprintf("%d MB/sec", s.job.RateLimit/(1024*1024))
	}
	s.logger.Info("session.start",
		"groups", s.job.Groups,
		"client", s.peerIP(),
		"basedir", s.paths.base,
		"allow_absolute_paths", s.paths.allowAbsolute,
		"encrypted", s.settings.Encrypted(),
		"compress", s.settings.Compress,
		"ratelimit", limit,
		"access", s.access.String(),
	)
	s.reply(protocol.ReplyLoginSuccessful)
	for {
		line, err := s.control.ReadLine()
		if err != nil {
			if errors.Is(err, protocol.ErrLineTooLong) {
				s.reply("500 Command line too long")
				continue
			}
			if ctx.Err() != nil {
				s.logger.Info("session.cancelled")
				return ctx.Err()
			}
			s.logger.Debug("session.control.closed", "error", err)
			return nil
		}
		if line == "" {
			continue
		}
		verb, arg, _ := strings.Cut(line, " ")
		cmd, ok := ParseCommand(verb)
		if !ok {
			s.reply("500 Command not implemented.")
			if s.ctlErr != nil {
				return nil
			}
			continue
		}
		action, err := s.dispatch(ctx, cmd, arg)
		s.metrics.recordCommand(ctx, cmd, err)
		if err != nil {
			s.logger.Debug("session.command.failed", "command", cmd.String(), "error", err)
			s.reply("500 Error processing command: " + err.Error())
		}
		if s.ctlErr != nil {
			s.logger.Debug("session.control.closed", "error", s.ctlErr)
			return nil
		}
		if action == End {
			s.logger.Info("session.end")
			return nil
		}
	}
}

func (s *Session) dispatch(ctx context.Context, cmd Command, arg string) (Action, error) {
	// RNTO without RNFR is a sequencing error at every access level.
	if cmd == CmdRnto && s.renameFrom == "" {
		s.replyf("500 Can't rename to: %v - must send RNFR first", ErrSequence)
		return Continue, nil
	}
	if s.access < cmd.Level() {
		return Continue, fmt.Errorf("%w: %s requires %s access", ErrAccessDenied, cmd, cmd.Level())
	}
	action, err := s.handle(ctx, cmd, arg)
	if err != nil {
		return Continue, err
	}
	switch action {
	case Retrieve:
		return action, s.transfer(ctx, "retrieve", s.sendData)
	case Store:
		return action, s.transfer(ctx, "store", s.receiveData)
	case SyncToClient:
		return action, s.transfer(ctx, "sync-to-client", s.syncToClient)
	case SyncToServer:
		return action, s.transfer(ctx, "sync-to-server", s.syncToServer)
	case SendHash:
		return action, s.transfer(ctx, "hash", s.sendHash)
	case OpenDataSocket:
		return action, s.openData()
	case CloseData:
		s.closeData()
	}
	return action, nil
}

// transfer runs a data moving step. A control connection hang-up cancels it;
// a failure force-closes the data channel before the error is reported.
func (s *Session) transfer(ctx context.Context, op string, fn func(context.Context) (int64, error)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "xferd.session."+op, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	if ch := s.data; ch != nil {
		stopAbort := context.AfterFunc(ctx, ch.Abort)
		defer stopAbort()
	}
	stopWatch := s.control.WatchClose(cancel)
	start := s.clock.Now()
	n, err := fn(ctx)
	stopWatch()
	s.metrics.recordTransfer(ctx, op, n, s.clock.Now().Sub(start), err)
	if err != nil {
		span.RecordError(err)
		s.abortData()
		if ctx.Err() != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", context.Canceled, err)
		}
	}
	return err
}

func (s *Session) finish() {
	s.closeData()
	if s.relay != nil {
		<-s.relay.Done()
		s.logger.Info("session.relay.finished", "relay", s.relay.ID, "status", s.relay.Status())
	}
}

func (s *Session) peerIP() string {
	return hostOf(s.conn.RemoteAddr())
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
