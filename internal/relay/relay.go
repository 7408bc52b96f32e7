// Package relay copies a file between this host and another daemon. The
// session starts a relay on SEND-FILE or RECEIVE-FILE; the relay logs in to
// the remote daemon with a one-time secret like any other client and moves
// the data over its own data channel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/datachan"
	"pkt.systems/xferd/internal/svcfields"
)

// Direction selects which side holds the source file.
type Direction int

const (
	// Send copies a local file to the remote daemon.
	Send Direction = iota
	// Receive copies a remote file to this host.
	Receive
)

func (d Direction) String() string {
	if d == Send {
		return "send"
	}
	return "receive"
}

// Relay states reported by Status.
const (
	StatusNone    = "NONE"
	StatusRunning = "RUNNING"
	StatusOK      = "OK"
)

// Request describes one relay.
type Request struct {
	Direction  Direction
	LocalPath  string
	RemotePath string
	// Address is the remote listener as host:port.
	Address string
	Secret  string
	Offset  int64
	// Length limits the range; negative means up to the end of the file.
	Length    int64
	Streams   int
	Settings  datachan.Settings
	RateLimit int64
	User      string
}

// ParseTarget splits a "<host>:<port>" server spec.
func ParseTarget(spec string) (string, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(spec))
	if err != nil {
		return "", fmt.Errorf("relay: invalid server spec %q: %w", spec, err)
	}
	if _, err := strconv.Atoi(port); err != nil || host == "" {
		return "", fmt.Errorf("relay: invalid server spec %q", spec)
	}
	return net.JoinHostPort(host, port), nil
}

// Option configures a relay.
type Option func(*options)

type options struct {
	logger      pslog.Logger
	clock       clock.Clock
	dialTimeout time.Duration
}

// WithLogger sets the relay logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the clock used for rate control and timings.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDialTimeout bounds every connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// Result is the outcome of a finished relay.
type Result struct {
	Bytes    int64
	Duration time.Duration
}

// Transfer is a running or finished relay.
type Transfer struct {
	ID  string
	req Request

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status string
	result Result
}

// Start launches req in the background. The relay ends when it completes,
// fails, or ctx is cancelled.
func Start(ctx context.Context, req Request, opts ...Option) *Transfer {
	o := options{dialTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Transfer{
		ID:     xid.New().String(),
		req:    req,
		cancel: cancel,
		done:   make(chan struct{}),
		status: StatusRunning,
	}
	logger := svcfields.WithSubsystem(o.logger, "session.relay").With("relay", t.ID, "direction", req.Direction.String(), "remote", req.Address)
	go func() {
		defer close(t.done)
		defer cancel()
		start := o.clock.Now()
		n, err := run(ctx, req, o)
		res := Result{Bytes: n, Duration: o.clock.Now().Sub(start)}
		t.mu.Lock()
		t.result = res
		if err != nil {
			t.status = "ERROR: " + err.Error()
		} else {
			t.status = StatusOK
		}
		t.mu.Unlock()
		if err != nil {
			logger.Warn("relay.failed", "error", err, "bytes", n)
			return
		}
		logger.Info("relay.done", "bytes", n, "duration", res.Duration, "user", req.User)
	}()
	return t
}

// Status returns RUNNING, OK or "ERROR: <message>".
func (t *Transfer) Status() string {
	if t == nil {
		return StatusNone
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result returns the transfer totals once Done is closed.
func (t *Transfer) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Abort cancels the relay and waits for it to stop.
func (t *Transfer) Abort() {
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Done is closed when the relay has ended.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

func run(ctx context.Context, req Request, o options) (int64, error) {
	c, err := Dial(ctx, req.Address, req.Secret, o.dialTimeout, o.logger)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	throttle := datachan.NewThrottle(req.RateLimit, o.clock)
	switch req.Direction {
	case Send:
		f, err := os.Open(req.LocalPath)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		if req.Offset > 0 {
			if _, err := f.Seek(req.Offset, io.SeekStart); err != nil {
				return 0, err
			}
		}
		n, err := c.Put(ctx, req.RemotePath, f, req.Offset, req.Length, req.Streams, req.Settings, throttle)
		if err != nil {
			return n, err
		}
		return n, c.Quit()
	default:
		f, err := os.OpenFile(req.LocalPath, os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		if req.Offset > 0 {
			if _, err := f.Seek(req.Offset, io.SeekStart); err != nil {
				return 0, err
			}
		} else if req.Length < 0 {
			if err := f.Truncate(0); err != nil {
				return 0, err
			}
		}
		n, err := c.Get(ctx, req.RemotePath, f, req.Offset, req.Length, req.Streams, req.Settings, throttle)
		if err != nil {
			return n, err
		}
		return n, c.Quit()
	}
}

// ErrNoStreams reports a peer that granted no data connections.
var ErrNoStreams = errors.New("relay: peer granted no data connections")
