package crypt

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
)

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func testKey(n int) []byte {
	key := make([]byte, n)
	for i := range key {
		key[i] = byte(i*7 + 3)
	}
	return key
}

func encrypt(t *testing.T, key []byte, algo string, payload []byte, rng *rand.Rand) []byte {
	t.Helper()
	var sink closeRecorder
	w, err := NewWriter(&sink, key, algo)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	rest := payload
	for len(rest) > 0 {
		n := 1 + rng.Intn(97)
		if n > len(rest) {
			n = len(rest)
		}
		if _, err := w.Write(rest[:n]); err != nil {
			t.Fatalf("write: %v", err)
		}
		rest = rest[n:]
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !sink.closed {
		t.Fatalf("expected underlying writer to be closed")
	}
	return sink.Bytes()
}

func decrypt(t *testing.T, key []byte, algo string, ciphertext []byte) []byte {
	t.Helper()
	r, err := NewReader(bytes.NewReader(ciphertext), key, algo)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	out, err := io.ReadAll(io.LimitReader(r, int64(len(ciphertext))+1))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func TestRoundTripAllAlgorithmsAndKeyLengths(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	type keyCase struct {
		algo   string
		keyLen int
	}
	var cases []keyCase
	for _, n := range []int{1, 8, 16, 32, 55, 56} {
		cases = append(cases, keyCase{Blowfish, n})
	}
	for _, n := range []int{32, 40, 48} {
		cases = append(cases, keyCase{AES, n})
	}
	sizes := []int{1, 7, 8, 9, 15, 16, 17, 1000, 4096, 65537}
	for _, kc := range cases {
		key := testKey(kc.keyLen)
		for _, size := range sizes {
			payload := make([]byte, size)
			rng.Read(payload)
			ciphertext := encrypt(t, key, kc.algo, payload, rng)
			if len(ciphertext) <= len(payload) {
				t.Fatalf("%s/%d size %d: ciphertext must include padding", kc.algo, kc.keyLen, size)
			}
			got := decrypt(t, key, kc.algo, ciphertext)
			if !bytes.Equal(got, payload) {
				t.Fatalf("%s/%d size %d: round trip mismatch", kc.algo, kc.keyLen, size)
			}
		}
	}
}

func TestExactBoundaryAddsFullPadBlock(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cases := []struct {
		algo  string
		key   []byte
		block int
	}{
		{Blowfish, testKey(16), 8},
		{AES, testKey(32), 16},
	}
	for _, tc := range cases {
		payload := bytes.Repeat([]byte{0xAB}, tc.block*4)
		ciphertext := encrypt(t, tc.key, tc.algo, payload, rng)
		if len(ciphertext) != len(payload)+tc.block {
			t.Fatalf("%s: expected %d ciphertext bytes, got %d", tc.algo, len(payload)+tc.block, len(ciphertext))
		}
	}
}

func TestEmptyStreamRoundTrip(t *testing.T) {
	var sink bytes.Buffer
	w, err := NewWriter(&sink, testKey(24), "blowfish")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.Len() != 8 {
		t.Fatalf("expected one padding block, got %d bytes", sink.Len())
	}
	if got := decrypt(t, testKey(24), "blowfish", sink.Bytes()); len(got) != 0 {
		t.Fatalf("expected empty plaintext, got %d bytes", len(got))
	}
}

func TestSmallReadsAcrossBlocks(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	payload := make([]byte, 333)
	rng.Read(payload)
	key := testKey(48)
	ciphertext := encrypt(t, key, AES, payload, rng)
	r, err := NewReader(bytes.NewReader(ciphertext), key, AES)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	var got []byte
	buf := make([]byte, 3)
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("small reads mismatch")
	}
}

func TestConstructionErrors(t *testing.T) {
	cases := []struct {
		name string
		algo string
		key  []byte
		want error
	}{
		{"unknown", "des", testKey(8), ErrUnsupportedAlgorithm},
		{"blowfish empty", Blowfish, nil, ErrKeyLength},
		{"blowfish long", Blowfish, testKey(57), ErrKeyLength},
		{"aes short", AES, testKey(31), ErrKeyLength},
		{"aes odd", AES, testKey(36), ErrKeyLength},
		{"aes long", AES, testKey(49), ErrKeyLength},
	}
	for _, tc := range cases {
		if _, err := NewWriter(io.Discard, tc.key, tc.algo); !errors.Is(err, tc.want) {
			t.Fatalf("%s: writer expected %v, got %v", tc.name, tc.want, err)
		}
		if _, err := NewReader(bytes.NewReader(nil), tc.key, tc.algo); !errors.Is(err, tc.want) {
			t.Fatalf("%s: reader expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestTruncatedCiphertext(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	key := testKey(16)
	ciphertext := encrypt(t, key, Blowfish, []byte("hello, world"), rng)
	r, err := NewReader(bytes.NewReader(ciphertext[:len(ciphertext)-3]), key, Blowfish)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := io.ReadAll(r); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	w, err := NewWriter(io.Discard, testKey(8), Blowfish)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	_ = w.Close()
	if _, err := w.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
