package pconn

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"net"
	"testing"

	"pkt.systems/xferd/internal/crypt"
	"pkt.systems/xferd/internal/gzipconn"
)

type memConn struct {
	bytes.Buffer
	closed bool
}

func (m *memConn) Close() error {
	m.closed = true
	return nil
}

func memConns(n int) ([]*memConn, []io.ReadWriteCloser) {
	raw := make([]*memConn, n)
	conns := make([]io.ReadWriteCloser, n)
	for i := range raw {
		raw[i] = &memConn{}
		conns[i] = raw[i]
	}
	return raw, conns
}

func mustNew(t *testing.T, conns []io.ReadWriteCloser, opts ...Option) *Conn {
	t.Helper()
	c, err := New(conns, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestRoundTripAcrossStreamCounts(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for n := 1; n <= 6; n++ {
		for _, size := range []int{1, 2, n - 1, n, n + 1, 1000, BufferSize + 3} {
			if size <= 0 {
				continue
			}
			payload := make([]byte, size)
			rng.Read(payload)
			_, conns := memConns(n)
			w := mustNew(t, conns)
			if _, err := w.Write(payload); err != nil {
				t.Fatalf("n=%d size=%d write: %v", n, size, err)
			}
			r := mustNew(t, conns)
			got, err := r.ReadFrame(size)
			if err != nil {
				t.Fatalf("n=%d size=%d read: %v", n, size, err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("n=%d size=%d mismatch", n, size)
			}
		}
	}
}

func TestChunkLengthsSumToTotal(t *testing.T) {
	raw, conns := memConns(4)
	w := mustNew(t, conns)
	if _, err := w.Write(make([]byte, 10)); err != nil {
		t.Fatalf("write: %v", err)
	}
	sum := 0
	for i, m := range raw {
		h := DecodeHeader(m.Bytes()[:HeaderSize])
		if h.Magic != Magic || int(h.Stream) != i || h.Seq != 0 || h.Total != 10 {
			t.Fatalf("stream %d: unexpected header %+v", i, h)
		}
		want := 2
		if i == 3 {
			want = 4
		}
		if int(h.Length) != want {
			t.Fatalf("stream %d: chunk %d, want %d", i, h.Length, want)
		}
		sum += int(h.Length)
	}
	if sum != 10 {
		t.Fatalf("chunk sum %d", sum)
	}
}

func TestSequenceAdvancesPerWrite(t *testing.T) {
	raw, conns := memConns(2)
	w := mustNew(t, conns)
	for i := 0; i < 3; i++ {
		if _, err := w.Write([]byte("abcd")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	data := raw[1].Bytes()
	for i := 0; i < 3; i++ {
		h := DecodeHeader(data[:HeaderSize])
		if h.Seq != uint32(i) {
			t.Fatalf("frame %d carries seq %d", i, h.Seq)
		}
		data = data[HeaderSize+int(h.Length):]
	}
}

func TestEmptyWriteSendsNothing(t *testing.T) {
	raw, conns := memConns(3)
	w := mustNew(t, conns)
	if n, err := w.Write(nil); n != 0 || err != nil {
		t.Fatalf("empty write returned %d, %v", n, err)
	}
	for i, m := range raw {
		if m.Len() != 0 {
			t.Fatalf("stream %d received %d bytes", i, m.Len())
		}
	}
}

func TestReadFrameValidation(t *testing.T) {
	cases := []struct {
		name    string
		corrupt func(raw []*memConn)
		length  int
	}{
		{"bad magic", func(raw []*memConn) { raw[0].Bytes()[0] = 0x00 }, 8},
		{"wrong position", func(raw []*memConn) {
			raw[0].Bytes()[3] = 1
		}, 8},
		{"wrong total", func(raw []*memConn) {}, 9},
		{"wrong sequence", func(raw []*memConn) { raw[1].Bytes()[7] = 5 }, 8},
	}
	for _, tc := range cases {
		raw, conns := memConns(2)
		w := mustNew(t, conns)
		if _, err := w.Write([]byte("12345678")); err != nil {
			t.Fatalf("%s: write: %v", tc.name, err)
		}
		tc.corrupt(raw)
		r := mustNew(t, conns)
		if _, err := r.ReadFrame(tc.length); !errors.Is(err, ErrProtocol) {
			t.Fatalf("%s: expected ErrProtocol, got %v", tc.name, err)
		}
	}
}

func TestOversizedTotalRejectedBeforeAllocation(t *testing.T) {
	raw, conns := memConns(1)
	var hdr [HeaderSize]byte
	Header{Magic: Magic, Total: 0xF0000000, Length: 0xF0000000}.Encode(hdr[:])
	raw[0].Write(hdr[:])
	r := mustNew(t, conns)
	if _, err := r.Read(make([]byte, 16)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if cap(r.pending) != 0 {
		t.Fatalf("reader allocated %d bytes for a rejected frame", cap(r.pending))
	}
}

func TestLongWriteSplitsIntoFrameSets(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	payload := make([]byte, 2500)
	rng.Read(payload)
	_, conns := memConns(2)
	w := mustNew(t, conns, WithMaxFrameSize(1000))
	if n, err := w.Write(payload); err != nil || n != len(payload) {
		t.Fatalf("write = %d, %v", n, err)
	}
	if w.wseq != 3 {
		t.Fatalf("expected 3 frame sets, got %d", w.wseq)
	}
	r := mustNew(t, conns, WithMaxFrameSize(1000))
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}

	_, conns = memConns(1)
	big := mustNew(t, conns)
	if _, err := big.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	small := mustNew(t, conns, WithMaxFrameSize(1000))
	if _, err := small.Read(make([]byte, 10)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol for a frame over the limit, got %v", err)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, conns := memConns(2)
	r := mustNew(t, conns)
	if _, err := r.ReadFrame(4); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReaderServesFramesAcrossCalls(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	_, conns := memConns(3)
	w := mustNew(t, conns)
	var want []byte
	for i := 0; i < 20; i++ {
		chunk := make([]byte, 1+rng.Intn(500))
		rng.Read(chunk)
		want = append(want, chunk...)
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	r := mustNew(t, conns)
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("stream mismatch: got %d bytes want %d", len(got), len(want))
	}
}

func TestTransformedStreamsOverTCP(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	transform := func(conn io.ReadWriteCloser) (Stream, error) {
		cw, err := crypt.NewWriter(conn, key, crypt.AES)
		if err != nil {
			return Stream{}, err
		}
		cr, err := crypt.NewReader(conn, key, crypt.AES)
		if err != nil {
			return Stream{}, err
		}
		return Stream{R: gzipconn.NewReader(cr), W: gzipconn.NewWriter(cw)}, nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	const streams = 3
	accepted := make(chan []io.ReadWriteCloser, 1)
	go func() {
		var conns []io.ReadWriteCloser
		for i := 0; i < streams; i++ {
			c, err := ln.Accept()
			if err != nil {
				accepted <- nil
				return
			}
			conns = append(conns, c)
		}
		accepted <- conns
	}()
	var dialed []io.ReadWriteCloser
	for i := 0; i < streams; i++ {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		dialed = append(dialed, c)
	}
	serverConns := <-accepted
	if serverConns == nil {
		t.Fatalf("accept failed")
	}

	payload := bytes.Repeat([]byte("parallel transfer payload "), 4000)
	errCh := make(chan error, 1)
	go func() {
		w, err := New(dialed, WithTransform(transform))
		if err != nil {
			errCh <- err
			return
		}
		for off := 0; off < len(payload); off += BufferSize {
			end := off + BufferSize
			if end > len(payload) {
				end = len(payload)
			}
			if _, err := w.Write(payload[off:end]); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- w.Close()
	}()

	r := mustNew(t, serverConns, WithTransform(transform))
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writer: %v", err)
	}
	_ = r.Close()
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %d bytes want %d", len(got), len(payload))
	}
}

func TestCloseClosesAllStreams(t *testing.T) {
	raw, conns := memConns(3)
	c := mustNew(t, conns)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for i, m := range raw {
		if !m.closed {
			t.Fatalf("stream %d not closed", i)
		}
	}
}
