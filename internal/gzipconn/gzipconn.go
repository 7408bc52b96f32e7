// Package gzipconn wraps data channels with streaming gzip compression.
package gzipconn

import (
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Writer compresses writes into the wrapped channel.
type Writer struct {
	w      io.Writer
	zw     *gzip.Writer
	closed bool
}

// NewWriter returns a Writer compressing into w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, zw: gzip.NewWriter(w)}
}

// Write compresses p. Output may stay buffered until Flush or Close.
func (w *Writer) Write(p []byte) (int, error) {
	return w.zw.Write(p)
}

// Flush emits all pending compressed data without ending the stream.
func (w *Writer) Flush() error {
	return w.zw.Flush()
}

// Close writes the gzip trailer and closes the wrapped channel when it
// supports closing.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.zw.Close()
	if c, ok := w.w.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader decompresses a gzip stream. The gzip header is read lazily on the
// first Read so construction never blocks on the network.
type Reader struct {
	r  io.Reader
	zr *gzip.Reader
}

// NewReader returns a Reader decompressing from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Read returns decompressed bytes.
func (r *Reader) Read(p []byte) (int, error) {
	if r.zr == nil {
		zr, err := gzip.NewReader(r.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, err
		}
		r.zr = zr
	}
	return r.zr.Read(p)
}

// Close releases the decompressor and closes the wrapped channel when it
// supports closing.
func (r *Reader) Close() error {
	var err error
	if r.zr != nil {
		err = r.zr.Close()
	}
	if c, ok := r.r.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
