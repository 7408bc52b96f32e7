package rsync

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestRollingMatchesFromScratch(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	data := make([]byte, 4096)
	rng.Read(data)
	for _, size := range []int{1, 2, 3, 16, 100, 512, 1000} {
		var r Rolling
		sum := r.Reset(data[:size])
		if sum != Weak(data[:size]) {
			t.Fatalf("size %d: reset checksum mismatch", size)
		}
		for start := 1; start+size <= len(data); start++ {
			sum = r.Roll(data[start+size-1])
			if want := Weak(data[start : start+size]); sum != want {
				t.Fatalf("size %d start %d: rolled %#x, from scratch %#x", size, start, sum, want)
			}
		}
		if !bytes.Equal(r.Window(nil), data[len(data)-size:]) {
			t.Fatalf("size %d: window contents out of order", size)
		}
	}
}

func TestWeakWrapsModulo(t *testing.T) {
	block := bytes.Repeat([]byte{0xFF}, 70000)
	a := uint32(0xFF*70000) & 0xFFFF
	if got := Weak(block) & 0xFFFF; got != a {
		t.Fatalf("low half %#x, want %#x", got, a)
	}
}

func TestBlockSize(t *testing.T) {
	cases := map[int64]int{0: 512, 1000: 512, 512_000: 512, 1_000_000: 1000, 10_000_000: 10000}
	for size, want := range cases {
		if got := BlockSize(size); got != want {
			t.Fatalf("BlockSize(%d) = %d, want %d", size, got, want)
		}
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// syncFiles brings stale up to date with current over an in-memory pipe.
func syncFiles(t *testing.T, current, stale string, blockSize int) (Stats, Stats) {
	t.Helper()
	leaderConn, followerConn := net.Pipe()
	defer leaderConn.Close()
	defer followerConn.Close()
	type result struct {
		stats Stats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := Lead(context.Background(), leaderConn, current)
		done <- result{stats, err}
	}()
	fstats, err := Follow(context.Background(), followerConn, stale, blockSize)
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("lead: %v", res.err)
	}
	return res.stats, fstats
}

func TestSyncRoundTrips(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	original := make([]byte, 50_000)
	rng.Read(original)

	edited := append([]byte(nil), original...)
	edited[25_123] ^= 0x5A

	cases := []struct {
		name      string
		stale     []byte
		identical bool
	}{
		{"single byte edit", edited, false},
		{"truncated", original[:31_000], false},
		{"extended", append(append([]byte(nil), original...), []byte("trailing data")...), false},
		{"identical", original, true},
		{"empty stale", nil, false},
	}
	for _, tc := range cases {
		dir := t.TempDir()
		current := filepath.Join(dir, "current")
		stale := filepath.Join(dir, "stale")
		writeFile(t, current, original)
		writeFile(t, stale, tc.stale)

		lstats, _ := syncFiles(t, current, stale, 1024)
		got, err := os.ReadFile(stale)
		if err != nil {
			t.Fatalf("%s: read result: %v", tc.name, err)
		}
		if !bytes.Equal(got, original) {
			t.Fatalf("%s: reconstructed file differs", tc.name)
		}
		if tc.identical && lstats.Matched != lstats.Blocks {
			t.Fatalf("%s: matched %d of %d", tc.name, lstats.Matched, lstats.Blocks)
		}
		if !tc.identical && lstats.Blocks > 0 && lstats.Matched >= lstats.Blocks {
			t.Fatalf("%s: matched %d of %d, expected fewer", tc.name, lstats.Matched, lstats.Blocks)
		}
		matches, _ := filepath.Glob(stale + "_tmp_*")
		if len(matches) != 0 {
			t.Fatalf("%s: temp file left behind: %v", tc.name, matches)
		}
	}
}

func TestShortLeaderFileSentAsLiteral(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "current")
	stale := filepath.Join(dir, "stale")
	writeFile(t, current, []byte("tiny"))
	writeFile(t, stale, bytes.Repeat([]byte("x"), 4000))
	syncFiles(t, current, stale, 0)
	got, _ := os.ReadFile(stale)
	if string(got) != "tiny" {
		t.Fatalf("unexpected result %q", got)
	}
}

type frame struct {
	index   uint32
	literal int64
}

func checksumRequest(data []byte, blockSize int) []byte {
	var buf bytes.Buffer
	count := (len(data) + blockSize - 1) / blockSize
	_ = binary.Write(&buf, binary.BigEndian, uint32(blockSize))
	_ = binary.Write(&buf, binary.BigEndian, uint32(count))
	for off := 0; off < len(data); off += blockSize {
		end := off + blockSize
		if end > len(data) {
			end = len(data)
		}
		_ = binary.Write(&buf, binary.BigEndian, uint64(Weak(data[off:end])))
		strong := md5.Sum(data[off:end])
		buf.Write(strong[:])
	}
	return buf.Bytes()
}

func parseFrames(t *testing.T, data []byte) []frame {
	t.Helper()
	var frames []frame
	r := bytes.NewReader(data)
	for {
		var hdr [12]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			t.Fatalf("read frame header: %v", err)
		}
		f := frame{index: binary.BigEndian.Uint32(hdr[:4]), literal: int64(binary.BigEndian.Uint64(hdr[4:]))}
		if _, err := r.Seek(f.literal, io.SeekCurrent); err != nil {
			t.Fatalf("skip literal: %v", err)
		}
		frames = append(frames, f)
		if f.index == EndMarker {
			if r.Len() != 0 {
				t.Fatalf("%d bytes after end marker", r.Len())
			}
			return frames
		}
	}
}

type scripted struct {
	io.Reader
	io.Writer
}

func TestLeaderFramesForSingleChangedBlock(t *testing.T) {
	const blockSize = 512
	rng := rand.New(rand.NewSource(33))
	original := make([]byte, 10*blockSize)
	rng.Read(original)
	stale := append([]byte(nil), original...)
	for i := 3 * blockSize; i < 4*blockSize; i++ {
		stale[i] = ^stale[i]
	}

	dir := t.TempDir()
	current := filepath.Join(dir, "current")
	writeFile(t, current, original)

	var out bytes.Buffer
	stats, err := Lead(context.Background(), scripted{bytes.NewReader(checksumRequest(stale, blockSize)), &out}, current)
	if err != nil {
		t.Fatalf("lead: %v", err)
	}
	if stats.Matched != 9 || stats.Blocks != 10 {
		t.Fatalf("matched %d of %d, want 9 of 10", stats.Matched, stats.Blocks)
	}
	if stats.Sent != int64(out.Len()) {
		t.Fatalf("sent %d bytes, leader wrote %d", stats.Sent, out.Len())
	}
	frames := parseFrames(t, out.Bytes())
	want := []frame{
		{0, 0}, {1, 0}, {2, 0}, {4, blockSize}, {5, 0}, {6, 0}, {7, 0}, {8, 0}, {9, 0}, {EndMarker, 0},
	}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d: %+v", len(frames), len(want), frames)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Fatalf("frame %d = %+v, want %+v", i, frames[i], want[i])
		}
	}

	stalePath := filepath.Join(dir, "stale")
	writeFile(t, stalePath, stale)
	syncFiles(t, current, stalePath, blockSize)
	got, _ := os.ReadFile(stalePath)
	if !bytes.Equal(got, original) {
		t.Fatalf("reconstructed file differs")
	}
}

func TestLeaderRejectsZeroBlockSize(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "current")
	writeFile(t, current, []byte("data"))
	req := make([]byte, 8)
	if _, err := Lead(context.Background(), scripted{bytes.NewReader(req), io.Discard}, current); err == nil {
		t.Fatalf("expected protocol error")
	}
}

func TestFollowerRejectsOutOfRangeIndex(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stale")
	writeFile(t, stale, bytes.Repeat([]byte("a"), 600))
	var reply bytes.Buffer
	_ = binary.Write(&reply, binary.BigEndian, uint32(7))
	_ = binary.Write(&reply, binary.BigEndian, int64(0))
	if _, err := Follow(context.Background(), scripted{&reply, io.Discard}, stale, 512); err == nil {
		t.Fatalf("expected error for block index beyond table")
	}
	got, _ := os.ReadFile(stale)
	if len(got) != 600 {
		t.Fatalf("stale file modified on failure")
	}
}
