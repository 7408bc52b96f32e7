package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"time"

	"pkt.systems/xferd/internal/datachan"
)

// ErrNoDataChannel rejects a data command before the data channel is open.
var ErrNoDataChannel = errors.New("no data connection open")

const maxAcceptAttempts = 3

// PortRange restricts the ports data listeners bind to. The zero value lets
// the kernel pick.
type PortRange struct {
	Lower int
	Upper int
}

// ParsePortRange parses "lower:upper". An empty string yields the zero range.
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PortRange{}, nil
	}
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return PortRange{}, fmt.Errorf("session: invalid port range %q", s)
	}
	lower, err1 := strconv.Atoi(strings.TrimSpace(lo))
	upper, err2 := strconv.Atoi(strings.TrimSpace(hi))
	if err1 != nil || err2 != nil {
		return PortRange{}, fmt.Errorf("session: invalid port range %q", s)
	}
	r := PortRange{Lower: lower, Upper: upper}
	return r, r.Validate()
}

// IsZero reports whether no range is configured.
func (r PortRange) IsZero() bool {
	return r.Lower == 0 && r.Upper == 0
}

// Validate checks bounds.
func (r PortRange) Validate() error {
	if r.IsZero() {
		return nil
	}
	if r.Lower <= 0 || r.Upper > 65535 || r.Lower > r.Upper {
		return fmt.Errorf("session: invalid port range %d:%d", r.Lower, r.Upper)
	}
	return nil
}

func (r PortRange) String() string {
	if r.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d:%d", r.Lower, r.Upper)
}

// start picks a random first port so that concurrent sessions spread out.
func (r PortRange) start() int {
	if r.IsZero() {
		return 0
	}
	return r.Lower + rand.IntN(r.Upper-r.Lower+1)
}

// listenData binds a data listener, walking the port range from the session's
// cursor and wrapping at the upper bound.
func (s *Session) listenData() (*net.TCPListener, error) {
	host := s.cfg.DataHost
	r := s.cfg.Ports
	if r.IsZero() {
		l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, err
		}
		return l.(*net.TCPListener), nil
	}
	for attempt := 0; attempt <= r.Upper-r.Lower; attempt++ {
		port := s.nextPort
		s.nextPort++
		if s.nextPort > r.Upper {
			s.nextPort = r.Lower
		}
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return l.(*net.TCPListener), nil
		}
	}
	return nil, fmt.Errorf("cannot set up data connection - no free ports in range %d:%d", r.Lower, r.Upper)
}

// addDataConnection serves PASV and EPSV: it announces a listener, accepts one
// connection and opens the data channel once all negotiated streams arrived.
func (s *Session) addDataConnection(ctx context.Context, extended bool) (Action, error) {
	if len(s.pending) == s.numStreams {
		s.logger.Debug("session.data.stale", "pending", len(s.pending))
		s.closeData()
	}
	l, err := s.listenData()
	if err != nil {
		return Continue, err
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port
	if extended {
		s.replyf("229 Entering Extended Passive Mode (|||%d|)", port)
	} else {
		host := s.cfg.AdvertiseHost
		if host == "" {
			host = hostOf(s.conn.LocalAddr())
		}
		s.replyf("227 Entering Passive Mode (%s,%d,%d)", strings.ReplaceAll(host, ".", ","), port/256, port%256)
	}
	if s.ctlErr != nil {
		return Continue, nil
	}
	conn, err := s.acceptData(ctx, l)
	if err != nil {
		return Continue, err
	}
	s.logger.Debug("session.data.accepted", "remote", conn.RemoteAddr().String(), "pending", len(s.pending)+1, "streams", s.numStreams)
	s.pending = append(s.pending, conn)
	if len(s.pending) == s.numStreams {
		return OpenDataSocket, nil
	}
	return Continue, nil
}

func (s *Session) acceptData(ctx context.Context, l *net.TCPListener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	expected := ""
	if s.cfg.CheckClientIP {
		expected = s.peerIP()
	}
	// Socket deadlines follow wall time, not the session clock.
	_ = l.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout))
	var lastErr error
	for attempt := 0; attempt < maxAcceptAttempts; attempt++ {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("accepting data connection: %w", err)
		}
		if expected != "" {
			if got := hostOf(conn.RemoteAddr()); got != expected {
				_ = conn.Close()
				lastErr = fmt.Errorf("rejecting connection from unexpected host %s - expected %s", got, expected)
				s.logger.Warn("session.data.rejected", "remote", got, "expected", expected)
				continue
			}
		}
		return conn, nil
	}
	return nil, lastErr
}

// openData layers the pending connections into the data channel.
func (s *Session) openData() error {
	conns := s.pending
	s.pending = nil
	ch, err := datachan.Open(conns, s.settings)
	if err != nil {
		s.numStreams = 1
		return fmt.Errorf("opening data channel: %w", err)
	}
	s.data = ch
	s.logger.Debug("session.data.open", "streams", ch.Streams(), "encrypted", s.settings.Encrypted(), "compress", s.settings.Compress)
	return nil
}

// closeData gracefully closes the data channel and drops pending connections.
// The negotiated stream count falls back to one.
func (s *Session) closeData() {
	s.numStreams = 1
	if s.data != nil {
		if err := s.data.Close(); err != nil {
			s.logger.Debug("session.data.close", "error", err)
		}
		s.data = nil
	}
	for _, c := range s.pending {
		_ = c.Close()
	}
	s.pending = nil
}

// abortData closes the data channel without flushing.
func (s *Session) abortData() {
	if s.data != nil {
		s.data.Abort()
		s.data = nil
	}
	s.closeData()
}

// finishData ends a plain transfer: the data channel stays open only with
// KEEP-ALIVE.
func (s *Session) finishData() {
	if !s.keepAlive {
		s.closeData()
	}
}

func (s *Session) requireData() (*datachan.Channel, error) {
	if s.data == nil {
		return nil, ErrNoDataChannel
	}
	return s.data, nil
}
