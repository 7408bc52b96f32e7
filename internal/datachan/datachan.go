// Package datachan assembles accepted or dialed data connections into one
// logical channel. A single connection is layered as conn, cipher, gzip; several
// connections are multiplexed with pconn and each connection gets its own
// cipher and gzip layers.
package datachan

import (
	"errors"
	"fmt"
	"io"
	"net"

	"pkt.systems/xferd/internal/crypt"
	"pkt.systems/xferd/internal/gzipconn"
	"pkt.systems/xferd/internal/pconn"
)

const (
	// SingleBufferSize is the copy buffer used on single stream channels.
	SingleBufferSize = 65536
	// MultiBufferSize is the copy buffer used on multiplexed channels. Peers
	// expect frame sets of at most this size.
	MultiBufferSize = pconn.BufferSize
)

// Settings selects the per-connection layers.
type Settings struct {
	Key       []byte
	Algorithm string
	Compress  bool
}

// Encrypted reports whether a cipher layer is installed.
func (s Settings) Encrypted() bool {
	return len(s.Key) > 0
}

// Layered reports whether any layer needs an explicit finish on the write side.
func (s Settings) Layered() bool {
	return s.Encrypted() || s.Compress
}

// Channel is an open data channel. It has one logical reader and one logical
// writer and is not safe for concurrent use.
type Channel struct {
	conns    []net.Conn
	settings Settings
	r        io.Reader
	w        io.Writer
	mux      *pconn.Conn
	wrote    bool
	closed   bool
}

// Open layers conns according to s. Ownership of conns passes to the Channel,
// also when Open fails.
func Open(conns []net.Conn, s Settings) (*Channel, error) {
	if len(conns) == 0 {
		return nil, errors.New("datachan: no connections")
	}
	c := &Channel{conns: conns, settings: s}
	if len(conns) == 1 {
		stream, err := layer(conns[0], s)
		if err != nil {
			_ = conns[0].Close()
			return nil, err
		}
		c.r, c.w = stream.R, stream.W
		return c, nil
	}
	raw := make([]io.ReadWriteCloser, len(conns))
	for i, conn := range conns {
		raw[i] = conn
	}
	var opts []pconn.Option
	if s.Layered() {
		opts = append(opts, pconn.WithTransform(func(conn io.ReadWriteCloser) (pconn.Stream, error) {
			return layer(conn, s)
		}))
	}
	mux, err := pconn.New(raw, opts...)
	if err != nil {
		closeAll(conns)
		return nil, err
	}
	c.mux = mux
	c.r, c.w = mux, mux
	return c, nil
}

func layer(conn io.ReadWriteCloser, s Settings) (pconn.Stream, error) {
	var r io.Reader = conn
	var w io.Writer = conn
	if s.Encrypted() {
		cw, err := crypt.NewWriter(conn, s.Key, s.Algorithm)
		if err != nil {
			return pconn.Stream{}, fmt.Errorf("datachan: %w", err)
		}
		cr, err := crypt.NewReader(conn, s.Key, s.Algorithm)
		if err != nil {
			return pconn.Stream{}, fmt.Errorf("datachan: %w", err)
		}
		r, w = cr, cw
	}
	if s.Compress {
		r = gzipconn.NewReader(r)
		w = gzipconn.NewWriter(w)
	}
	return pconn.Stream{R: r, W: w}, nil
}

// Streams returns the number of underlying connections.
func (c *Channel) Streams() int {
	return len(c.conns)
}

// Settings returns the layers the channel was opened with.
func (c *Channel) Settings() Settings {
	return c.settings
}

// BufferSize returns the copy buffer size peers expect on this channel.
func (c *Channel) BufferSize() int {
	if c.mux != nil {
		return MultiBufferSize
	}
	return SingleBufferSize
}

// Read reads decoded payload.
func (c *Channel) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Write encodes and sends p.
func (c *Channel) Write(p []byte) (int, error) {
	c.wrote = true
	return c.w.Write(p)
}

// Close finishes the write side layers when data was written and closes every
// connection. Close is idempotent.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.mux != nil {
		return c.mux.Close()
	}
	var errs []error
	if c.wrote && c.settings.Layered() {
		if cl, ok := c.w.(io.Closer); ok {
			if err := cl.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, fmt.Errorf("datachan: finish: %w", err))
			}
		}
	}
	if err := c.conns[0].Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("datachan: close: %w", err))
	}
	return errors.Join(errs...)
}

// Abort closes every connection without finishing the write side.
func (c *Channel) Abort() {
	c.closed = true
	closeAll(c.conns)
}

func closeAll(conns []net.Conn) {
	for _, conn := range conns {
		_ = conn.Close()
	}
}
