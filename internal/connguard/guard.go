// Package connguard blocks peers that keep failing at the door: failed
// logins, rejected client addresses, broken TLS handshakes or connections
// that never say anything.
package connguard

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/svcfields"
)

// Reasons reported to the guard.
const (
	ReasonLogin        = "login"
	ReasonClientIP     = "client_ip"
	ReasonTLSHandshake = "tls_handshake"
	ReasonSilent       = "zero_connect"
)

// Config tunes a Guard.
type Config struct {
	// Enabled toggles enforcement. A disabled guard records nothing.
	Enabled bool
	// FailureThreshold is the number of failures within FailureWindow that
	// blocks a host.
	FailureThreshold int
	FailureWindow    time.Duration
	// BlockDuration is how long a blocked host stays blocked.
	BlockDuration time.Duration
	// ProbeTimeout bounds TLS handshakes and, for listeners whose clients
	// speak first, the wait for the first byte.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		BlockDuration:    5 * time.Minute,
		ProbeTimeout:     5 * time.Second,
	}
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks failures per host.
type Guard struct {
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger

	mu    sync.Mutex
	hosts map[string]*hostState
}

// New builds a Guard.
func New(cfg Config, clk clock.Clock, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	return &Guard{
		cfg:    cfg,
		clock:  clock.Or(clk),
		logger: svcfields.WithSubsystem(logger, "server.connguard"),
		hosts:  make(map[string]*hostState),
	}
}

// Report records a failure by the peer at addr and reports whether the host
// is now blocked.
func (g *Guard) Report(addr net.Addr, reason string) bool {
	if addr == nil {
		return false
	}
	return g.fail(addr.String(), reason)
}

func (g *Guard) fail(remote, reason string) bool {
	if g == nil || !g.cfg.Enabled || g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.hosts[host]
	if st == nil {
		st = &hostState{}
		g.hosts[host] = st
	}
	if st.blockedUntil.After(now) {
		return true
	}
	st.blockedUntil = time.Time{}
	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(st.failures) > 0 && st.failures[0].Before(cutoff) {
		st.failures = st.failures[1:]
	}
	st.failures = append(st.failures, now)
	if len(st.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("connguard.suspicious", "host", host, "reason", reason, "count", len(st.failures), "threshold", g.cfg.FailureThreshold)
		return false
	}
	st.blockedUntil = now.Add(g.cfg.BlockDuration)
	st.failures = nil
	g.logger.Warn("connguard.blocked", "host", host, "reason", reason, "threshold", g.cfg.FailureThreshold, "window", g.cfg.FailureWindow, "duration", g.cfg.BlockDuration)
	return true
}

// Blocked reports whether the host of addr is currently blocked.
func (g *Guard) Blocked(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	return g.blocked(addr.String())
}

func (g *Guard) blocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.hosts[host]
	if st == nil || st.blockedUntil.IsZero() {
		return false
	}
	if st.blockedUntil.After(now) {
		return true
	}
	st.blockedUntil = time.Time{}
	g.logger.Info("connguard.released", "host", host)
	if len(st.failures) == 0 {
		delete(g.hosts, host)
	}
	return false
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}

// ListenerOptions select what a wrapped listener checks.
type ListenerOptions struct {
	// TLS, when set, terminates TLS and counts failed handshakes.
	TLS *tls.Config
	// ClientSpeaksFirst enables the first byte probe on plain listeners.
	ClientSpeaksFirst bool
}

// Wrap returns a listener that drops blocked hosts before they reach the
// caller. A nil or disabled guard still terminates TLS when requested.
func (g *Guard) Wrap(ln net.Listener, opts ListenerOptions) net.Listener {
	if g == nil || !g.cfg.Enabled {
		if opts.TLS != nil {
			return tls.NewListener(ln, opts.TLS)
		}
		return ln
	}
	return &listener{Listener: ln, guard: g, opts: opts}
}

type listener struct {
	net.Listener
	guard *Guard
	opts  ListenerOptions
}

func (l *listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := conn.RemoteAddr().String()
		if l.guard.blocked(remote) {
			l.guard.logger.Debug("connguard.rejected", "remote", remote)
			_ = conn.Close()
			continue
		}
		var accepted net.Conn
		switch {
		case l.opts.TLS != nil:
			accepted, err = l.handshake(conn, remote)
		case l.opts.ClientSpeaksFirst && l.guard.cfg.ProbeTimeout > 0:
			accepted, err = l.probe(conn, remote)
		default:
			accepted = conn
		}
		if err != nil {
			_ = conn.Close()
			continue
		}
		return accepted, nil
	}
}

func (l *listener) handshake(conn net.Conn, remote string) (net.Conn, error) {
	tc := tls.Server(conn, l.opts.TLS)
	if l.guard.cfg.ProbeTimeout > 0 {
		_ = tc.SetDeadline(l.guard.clock.Now().Add(l.guard.cfg.ProbeTimeout))
	}
	err := tc.Handshake()
	_ = tc.SetDeadline(time.Time{})
	if err == nil {
		return tc, nil
	}
	// Slow peers are not hostile; only count real handshake failures.
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		l.guard.fail(remote, ReasonTLSHandshake)
	}
	l.guard.logger.Debug("connguard.tls.failed", "remote", remote, "error", err)
	return nil, err
}

func (l *listener) probe(conn net.Conn, remote string) (net.Conn, error) {
	_ = conn.SetReadDeadline(l.guard.clock.Now().Add(l.guard.cfg.ProbeTimeout))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	_ = conn.SetReadDeadline(time.Time{})
	if err == nil && n == 0 {
		err = io.EOF
	}
	if err != nil {
		l.guard.fail(remote, ReasonSilent)
		return nil, err
	}
	return &prefixedConn{Conn: conn, prefix: buf[:n]}, nil
}

type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) == 0 {
		return c.Conn.Read(p)
	}
	n := copy(p, c.prefix)
	c.prefix = c.prefix[n:]
	if n < len(p) {
		m, err := c.Conn.Read(p[n:])
		return n + m, err
	}
	return n, nil
}
