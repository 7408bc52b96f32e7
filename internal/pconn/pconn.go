// Package pconn implements the parallel data channel: one logical byte stream
// split across several connections. Each logical write becomes one frame per
// connection, a 16-byte big-endian header followed by that connection's chunk.
package pconn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
)

const (
	// Magic starts every frame header.
	Magic uint16 = 0xCEBF
	// HeaderSize is the encoded header length.
	HeaderSize = 16
	// BufferSize is the logical write size used for parallel transfers.
	BufferSize = 16384
	// MaxStreams bounds the stream index field.
	MaxStreams = math.MaxUint16
	// DefaultMaxFrameSize caps the total size of one frame set. Longer writes
	// are split, longer announced totals are rejected.
	DefaultMaxFrameSize = 1 << 20
)

// ErrProtocol reports a frame that violates the framing rules. It is fatal to
// the channel.
var ErrProtocol = errors.New("pconn: protocol violation")

// Header describes one frame.
type Header struct {
	Magic  uint16
	Stream uint16
	Seq    uint32
	Total  uint32
	Length uint32
}

// Encode writes h into dst, which must hold HeaderSize bytes.
func (h Header) Encode(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], h.Magic)
	binary.BigEndian.PutUint16(dst[2:4], h.Stream)
	binary.BigEndian.PutUint32(dst[4:8], h.Seq)
	binary.BigEndian.PutUint32(dst[8:12], h.Total)
	binary.BigEndian.PutUint32(dst[12:16], h.Length)
}

// DecodeHeader parses a header from src.
func DecodeHeader(src []byte) Header {
	return Header{
		Magic:  binary.BigEndian.Uint16(src[0:2]),
		Stream: binary.BigEndian.Uint16(src[2:4]),
		Seq:    binary.BigEndian.Uint32(src[4:8]),
		Total:  binary.BigEndian.Uint32(src[8:12]),
		Length: binary.BigEndian.Uint32(src[12:16]),
	}
}

// Split returns the offset and length of stream i's chunk for a logical write
// of total bytes over n streams. The last stream receives the remainder.
func Split(total, n, i int) (offset, length int) {
	chunk := total / n
	offset = i * chunk
	if i == n-1 {
		return offset, total - i*chunk
	}
	return offset, chunk
}

// Stream is the transformed read and write side of one connection.
type Stream struct {
	R io.Reader
	W io.Writer
}

// Transform layers per-connection processing (encryption, compression) over a
// raw connection.
type Transform func(conn io.ReadWriteCloser) (Stream, error)

// Option configures a Conn.
type Option func(*options)

type options struct {
	transform Transform
	maxFrame  int
}

// WithTransform installs a per-connection transform.
func WithTransform(t Transform) Option {
	return func(o *options) {
		o.transform = t
	}
}

// WithMaxFrameSize sets the largest frame set total a Conn writes or accepts.
// Values below 1 keep DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrame = n
		}
	}
}

type flusher interface {
	Flush() error
}

// Conn multiplexes one logical stream over several connections. A Conn has a
// single logical reader and a single logical writer; it is not safe for
// concurrent use.
type Conn struct {
	conns    []io.ReadWriteCloser
	streams  []Stream
	maxFrame int
	wseq     uint32
	rseq     uint32
	wrote    bool
	closed   bool
	wbuf     []byte
	header   [HeaderSize]byte
	pending  []byte
	off      int
}

// New builds a Conn over conns in stream order.
func New(conns []io.ReadWriteCloser, opts ...Option) (*Conn, error) {
	if len(conns) == 0 {
		return nil, errors.New("pconn: no connections")
	}
	if len(conns) > MaxStreams {
		return nil, fmt.Errorf("pconn: %d connections exceeds %d", len(conns), MaxStreams)
	}
	o := options{maxFrame: DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Conn{conns: conns, streams: make([]Stream, len(conns)), maxFrame: o.maxFrame}
	for i, conn := range conns {
		if o.transform == nil {
			c.streams[i] = Stream{R: conn, W: conn}
			continue
		}
		s, err := o.transform(conn)
		if err != nil {
			return nil, fmt.Errorf("pconn: stream %d: %w", i, err)
		}
		c.streams[i] = s
	}
	return c, nil
}

// NumStreams returns the number of underlying connections.
func (c *Conn) NumStreams() int {
	return len(c.streams)
}

// Write sends p as one frame per stream sharing a sequence number. Writes
// above the frame size limit go out as several frame sets.
func (c *Conn) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > c.maxFrame {
			chunk = chunk[:c.maxFrame]
		}
		if err := c.writeFrameSet(chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (c *Conn) writeFrameSet(p []byte) error {
	n := len(c.streams)
	for i, s := range c.streams {
		off, length := Split(len(p), n, i)
		Header{
			Magic:  Magic,
			Stream: uint16(i),
			Seq:    c.wseq,
			Total:  uint32(len(p)),
			Length: uint32(length),
		}.Encode(c.header[:])
		c.wbuf = append(c.wbuf[:0], c.header[:]...)
		c.wbuf = append(c.wbuf, p[off:off+length]...)
		if _, err := s.W.Write(c.wbuf); err != nil {
			return fmt.Errorf("pconn: write stream %d: %w", i, err)
		}
		if f, ok := s.W.(flusher); ok {
			if err := f.Flush(); err != nil {
				return fmt.Errorf("pconn: flush stream %d: %w", i, err)
			}
		}
	}
	c.wseq++
	c.wrote = true
	return nil
}

// ReadFrame reads exactly one frame set whose total size must equal length.
func (c *Conn) ReadFrame(length int) ([]byte, error) {
	if length < 0 || length > c.maxFrame {
		return nil, fmt.Errorf("pconn: invalid frame length %d", length)
	}
	buf := make([]byte, length)
	if _, err := c.readFrameSet(buf, int64(length)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Read implements io.Reader. Each frame set is buffered whole and served
// across calls; all streams of a set must agree on its total size.
func (c *Conn) Read(p []byte) (int, error) {
	if c.off == len(c.pending) {
		total, err := c.readFrameSet(nil, -1)
		if err != nil {
			return 0, err
		}
		c.pending = c.pending[:total]
		c.off = 0
	}
	n := copy(p, c.pending[c.off:])
	c.off += n
	return n, nil
}

// readFrameSet reads one header and chunk from every stream in order. When buf
// is nil the frame set lands in c.pending, sized by the first header.
func (c *Conn) readFrameSet(buf []byte, expected int64) (int, error) {
	n := len(c.streams)
	total := -1
	for i, s := range c.streams {
		if _, err := io.ReadFull(s.R, c.header[:]); err != nil {
			if i == 0 && errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("pconn: read header stream %d: %w", i, err)
		}
		h := DecodeHeader(c.header[:])
		if h.Magic != Magic {
			return 0, fmt.Errorf("%w: stream %d: bad magic %#04x", ErrProtocol, i, h.Magic)
		}
		if int(h.Stream) != i {
			return 0, fmt.Errorf("%w: stream %d: unexpected stream position %d", ErrProtocol, i, h.Stream)
		}
		if h.Seq != c.rseq {
			return 0, fmt.Errorf("%w: stream %d: sequence %d, expected %d", ErrProtocol, i, h.Seq, c.rseq)
		}
		if int64(h.Total) > int64(c.maxFrame) {
			return 0, fmt.Errorf("%w: stream %d: total size %d exceeds limit %d", ErrProtocol, i, h.Total, c.maxFrame)
		}
		if expected >= 0 && int64(h.Total) != expected {
			return 0, fmt.Errorf("%w: stream %d: total size %d, expected %d", ErrProtocol, i, h.Total, expected)
		}
		if total < 0 {
			total = int(h.Total)
			if buf == nil {
				if cap(c.pending) < total {
					c.pending = make([]byte, total)
				}
				buf = c.pending[:total]
			}
		} else if int(h.Total) != total {
			return 0, fmt.Errorf("%w: stream %d: total size %d, stream 0 announced %d", ErrProtocol, i, h.Total, total)
		}
		off, length := Split(total, n, i)
		if int(h.Length) != length {
			return 0, fmt.Errorf("%w: stream %d: chunk length %d, expected %d", ErrProtocol, i, h.Length, length)
		}
		if _, err := io.ReadFull(s.R, buf[off:off+length]); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("pconn: read chunk stream %d: %w", i, err)
		}
	}
	c.rseq++
	return total, nil
}

// Close finishes the write side of every stream (flushing transforms) when
// data was written, then closes all connections.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if c.wrote {
		for i, s := range c.streams {
			if cl, ok := s.W.(io.Closer); ok && s.W != io.Writer(c.conns[i]) {
				if err := cl.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
					errs = append(errs, fmt.Errorf("pconn: finish stream %d: %w", i, err))
				}
			}
		}
	}
	for i, conn := range c.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("pconn: close stream %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
