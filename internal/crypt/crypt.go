// Package crypt encrypts and decrypts data channel streams. A whole stream is
// treated as one message: complete blocks are encrypted as they arrive and the
// final block is padded exactly once, when the writer is closed.
//
// Padding bytes all carry the pad length. Padding is always appended, so a
// stream ending on a block boundary gains one full block of padding. Readers
// hold back the last decrypted block until the source reports EOF and strip the
// padding only then; callers must read to exhaustion.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/blowfish"
)

const (
	// Blowfish selects the 64-bit block cipher (ECB over 8-byte blocks).
	Blowfish = "BLOWFISH"
	// AES selects AES-CBC. The first 16 key bytes are the IV, the rest the key.
	AES = "AES"

	// MaxBlowfishKey is the longest accepted Blowfish key.
	MaxBlowfishKey = 56
	aesIVLength    = 16
	readChunk      = 32 * 1024
)

var (
	// ErrUnsupportedAlgorithm reports an unknown cipher name.
	ErrUnsupportedAlgorithm = errors.New("crypt: unsupported algorithm")
	// ErrKeyLength reports a key that the selected algorithm cannot use.
	ErrKeyLength = errors.New("crypt: invalid key length")
	// ErrPadding reports a final block whose padding is malformed.
	ErrPadding = errors.New("crypt: invalid padding")
	// ErrTruncated reports ciphertext that does not end on a block boundary.
	ErrTruncated = errors.New("crypt: truncated ciphertext")
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("crypt: writer closed")
)

// NormalizeAlgorithm maps user supplied names to the canonical constant. An
// empty name selects Blowfish.
func NormalizeAlgorithm(algo string) string {
	algo = strings.ToUpper(strings.TrimSpace(algo))
	if algo == "" {
		return Blowfish
	}
	return algo
}

// Validate checks that key can be used with algo without building a stream.
func Validate(key []byte, algo string) error {
	_, _, err := newModes(key, algo)
	return err
}

func newModes(key []byte, algo string) (cipher.BlockMode, cipher.BlockMode, error) {
	switch NormalizeAlgorithm(algo) {
	case Blowfish:
		if len(key) == 0 || len(key) > MaxBlowfishKey {
			return nil, nil, fmt.Errorf("%w: %s needs 1..%d bytes, got %d", ErrKeyLength, Blowfish, MaxBlowfishKey, len(key))
		}
		block, err := blowfish.NewCipher(key)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrKeyLength, err)
		}
		return ecb{block: block}, ecb{block: block, decrypt: true}, nil
	case AES:
		keyLen := len(key) - aesIVLength
		switch keyLen {
		case 16, 24, 32:
		default:
			return nil, nil, fmt.Errorf("%w: %s needs %d IV bytes plus a 16, 24 or 32 byte key, got %d", ErrKeyLength, AES, aesIVLength, len(key))
		}
		iv := key[:aesIVLength]
		block, err := aes.NewCipher(key[aesIVLength:])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrKeyLength, err)
		}
		return cipher.NewCBCEncrypter(block, iv), cipher.NewCBCDecrypter(block, iv), nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algo)
	}
}

// ecb applies the block cipher to each block independently.
type ecb struct {
	block   cipher.Block
	decrypt bool
}

func (e ecb) BlockSize() int { return e.block.BlockSize() }

func (e ecb) CryptBlocks(dst, src []byte) {
	bs := e.block.BlockSize()
	if len(src)%bs != 0 {
		panic("crypt: input not full blocks")
	}
	for len(src) > 0 {
		if e.decrypt {
			e.block.Decrypt(dst[:bs], src[:bs])
		} else {
			e.block.Encrypt(dst[:bs], src[:bs])
		}
		src = src[bs:]
		dst = dst[bs:]
	}
}

// Writer encrypts everything written to it and pads on Close.
type Writer struct {
	w       io.Writer
	mode    cipher.BlockMode
	pending []byte
	out     []byte
	closed  bool
}

// NewWriter returns a Writer encrypting into w. If w is also an io.Closer it is
// closed by Close after the final block has been written.
func NewWriter(w io.Writer, key []byte, algo string) (*Writer, error) {
	enc, _, err := newModes(key, algo)
	if err != nil {
		return nil, err
	}
	return &Writer{w: w, mode: enc, pending: make([]byte, 0, enc.BlockSize())}, nil
}

// Write encrypts all complete blocks and buffers the remainder.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	n := len(p)
	bs := w.mode.BlockSize()
	w.out = w.out[:0]
	if len(w.pending) > 0 {
		need := bs - len(w.pending)
		if len(p) < need {
			w.pending = append(w.pending, p...)
			return n, nil
		}
		w.pending = append(w.pending, p[:need]...)
		p = p[need:]
		w.out = w.appendCrypted(w.out, w.pending)
		w.pending = w.pending[:0]
	}
	full := len(p) - len(p)%bs
	if full > 0 {
		w.out = w.appendCrypted(w.out, p[:full])
	}
	w.pending = append(w.pending, p[full:]...)
	if len(w.out) > 0 {
		if _, err := w.w.Write(w.out); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (w *Writer) appendCrypted(dst, src []byte) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, len(src))...)
	w.mode.CryptBlocks(dst[start:], src)
	return dst
}

// Close pads and flushes the final block, then closes the underlying writer
// when it supports closing. Close is idempotent.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	bs := w.mode.BlockSize()
	pad := bs - len(w.pending)
	for i := 0; i < pad; i++ {
		w.pending = append(w.pending, byte(pad))
	}
	final := w.appendCrypted(w.out[:0], w.pending)
	w.pending = w.pending[:0]
	_, err := w.w.Write(final)
	if c, ok := w.w.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader decrypts a stream produced by Writer.
type Reader struct {
	r     io.Reader
	mode  cipher.BlockMode
	raw   []byte
	held  []byte
	plain []byte
	off   int
	chunk []byte
	eof   bool
	err   error
}

// NewReader returns a Reader decrypting from r.
func NewReader(r io.Reader, key []byte, algo string) (*Reader, error) {
	_, dec, err := newModes(key, algo)
	if err != nil {
		return nil, err
	}
	return &Reader{r: r, mode: dec, chunk: make([]byte, readChunk)}, nil
}

// Read returns decrypted plaintext. Padding is removed once the source is
// exhausted, so the final bytes become available only at EOF.
func (r *Reader) Read(p []byte) (int, error) {
	for r.off == len(r.plain) {
		if r.err != nil {
			return 0, r.err
		}
		if r.eof {
			return 0, io.EOF
		}
		r.plain = r.plain[:0]
		r.off = 0
		r.fill()
	}
	n := copy(p, r.plain[r.off:])
	r.off += n
	return n, nil
}

func (r *Reader) fill() {
	n, err := r.r.Read(r.chunk)
	if n > 0 {
		r.raw = append(r.raw, r.chunk[:n]...)
		bs := r.mode.BlockSize()
		full := len(r.raw) - len(r.raw)%bs
		if full > 0 {
			start := len(r.held)
			buf := append(r.held, make([]byte, full)...)
			r.mode.CryptBlocks(buf[start:], r.raw[:full])
			r.raw = append(r.raw[:0], r.raw[full:]...)
			keep := len(buf) - bs
			r.plain = append(r.plain, buf[:keep]...)
			r.held = append(r.held[:0], buf[keep:]...)
		}
	}
	if err == nil {
		return
	}
	if !errors.Is(err, io.EOF) {
		r.err = err
		return
	}
	r.eof = true
	if len(r.raw) != 0 {
		r.err = ErrTruncated
		return
	}
	if len(r.held) == 0 {
		return
	}
	pad := int(r.held[len(r.held)-1])
	if pad < 1 || pad > len(r.held) {
		r.err = ErrPadding
		return
	}
	r.plain = append(r.plain, r.held[:len(r.held)-pad]...)
	r.held = r.held[:0]
}

// Close closes the underlying reader when it supports closing.
func (r *Reader) Close() error {
	if c, ok := r.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
