// Package launch starts sessions for logged in control connections. A
// launcher takes ownership of the connection and returns a job.Worker that
// reports when the session has ended.
package launch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/identity"
	"pkt.systems/xferd/internal/job"
	"pkt.systems/xferd/internal/protocol"
	"pkt.systems/xferd/internal/session"
	"pkt.systems/xferd/internal/uuidv7"
)

var (
	// ErrSwitch reports that the session could not take on the job's identity.
	ErrSwitch = errors.New("cannot switch identity")
	// ErrSetup reports that the session could not be prepared.
	ErrSetup = errors.New("session setup failed")
)

// Settings are the daemon wide session parameters.
type Settings struct {
	NoWrite       []string          `json:"nowrite,omitempty"`
	MaxStreams    int               `json:"maxStreams"`
	DataHost      string            `json:"dataHost,omitempty"`
	AdvertiseHost string            `json:"advertiseHost,omitempty"`
	Ports         session.PortRange `json:"ports"`
	CheckClientIP bool              `json:"checkClientIP"`
	AcceptTimeout time.Duration     `json:"acceptTimeout,omitempty"`
	LegacyRange   bool              `json:"legacyRange,omitempty"`
}

func (s Settings) session(j *job.Job, conn net.Conn, reader *protocol.Conn, home string, clk clock.Clock, logger pslog.Logger) session.Config {
	return session.Config{
		Job:           j,
		Control:       conn,
		Reader:        reader,
		Home:          home,
		NoWrite:       s.NoWrite,
		MaxStreams:    s.MaxStreams,
		DataHost:      s.DataHost,
		AdvertiseHost: s.AdvertiseHost,
		Ports:         s.Ports,
		CheckClientIP: s.CheckClientIP,
		AcceptTimeout: s.AcceptTimeout,
		LegacyRange:   s.LegacyRange,
		Clock:         clk,
		Logger:        logger,
	}
}

// Request hands a logged in connection to a launcher.
type Request struct {
	Job  *job.Job
	Conn net.Conn
	// Reader is the protocol reader used during login. Input it buffered
	// belongs to the session.
	Reader     *protocol.Conn
	Capability *identity.Capability
}

// Launcher starts the session for a request.
type Launcher interface {
	// Launch must not block on the session itself. On error the connection
	// is still owned by the caller.
	Launch(ctx context.Context, req Request) (*Worker, error)
	Name() string
}

// Worker is a running session.
type Worker struct {
	id   string
	done chan struct{}
	err  error
}

func newWorker() *Worker {
	return &Worker{id: uuidv7.NewString(), done: make(chan struct{})}
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Done is closed when the session has ended.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the session's exit error once Done is closed.
func (w *Worker) Err() error {
	<-w.done
	return w.err
}

func (w *Worker) finish(err error) {
	w.err = err
	close(w.done)
}

// Started returns the time the worker was created.
func (w *Worker) Started() time.Time {
	at, _ := uuidv7.Time(w.id)
	return at
}

// prefixedConn replays bytes that were read from the connection before the
// session took it over.
type prefixedConn struct {
	net.Conn
	r io.Reader
}

func withPrefix(c net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return c
	}
	return &prefixedConn{Conn: c, r: io.MultiReader(bytes.NewReader(prefix), c)}
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
