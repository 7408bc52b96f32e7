// Package rsync implements the delta sync protocol spoken over a data channel.
//
// The Follower holds a stale copy of a file. It sends a block size, a block
// count and one (weak, strong) checksum pair per block, then rebuilds the file
// from the Leader's reply. The Leader holds the current copy. It scans its file
// with a rolling checksum and answers with a sequence of
//
//	uint32 block index (or EndMarker), int64 literal length, literal bytes
//
// frames. The literal bytes precede the referenced block; a frame carrying
// EndMarker ends the exchange.
package rsync

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

const (
	// EndMarker replaces the block index in the final frame.
	EndMarker uint32 = 0xFFFFFFFF
	// MinBlockSize is the smallest block size chosen automatically.
	MinBlockSize = 512
	// StrongSize is the length of the strong (MD5) checksum.
	StrongSize = md5.Size

	bufferSize = 64 * 1024
	// checksumEntrySize counts the weak and strong checksum of one block.
	checksumEntrySize = 8 + StrongSize
	frameHeaderSize   = 4 + 8
)

// ErrProtocol reports a malformed delta sync stream.
var ErrProtocol = errors.New("rsync: protocol violation")

// BlockSize returns the block size used for a file of the given size.
func BlockSize(size int64) int {
	bs := size / 1000
	if bs < MinBlockSize {
		return MinBlockSize
	}
	if bs > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(bs)
}

// Stats records one sync run.
type Stats struct {
	Sent      int64
	Received  int64
	Blocks    int
	BlockSize int
	Matched   int
	Start     time.Time
	Duration  time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("Sent: %d, Received: %d, Time: %s, Blocks: #%d @%d =%d",
		s.Sent, s.Received, s.Duration, s.Blocks, s.BlockSize, s.Matched)
}

type blockRef struct {
	strong [StrongSize]byte
	index  uint32
}

// Lead runs the Leader side for the file at path over rw.
func Lead(ctx context.Context, rw io.ReadWriter, path string) (Stats, error) {
	stats := Stats{Start: time.Now()}
	f, err := os.Open(path)
	if err != nil {
		return stats, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return stats, err
	}

	br := bufio.NewReaderSize(rw, bufferSize)
	table, blockSize, blocks, err := readChecksums(br)
	if err != nil {
		return stats, err
	}
	stats.BlockSize = blockSize
	stats.Blocks = blocks
	stats.Received = int64(blocks) * checksumEntrySize

	bw := bufio.NewWriterSize(rw, bufferSize)
	l := leader{f: f, w: bw, stats: &stats}
	if err := l.findMatches(ctx, table, blockSize, info.Size()); err != nil {
		return stats, err
	}
	if err := bw.Flush(); err != nil {
		return stats, err
	}
	stats.Duration = time.Since(stats.Start)
	return stats, nil
}

func readChecksums(r io.Reader) (map[uint32][]blockRef, int, int, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, 0, fmt.Errorf("rsync: read checksum header: %w", err)
	}
	blockSize := binary.BigEndian.Uint32(hdr[0:4])
	count := binary.BigEndian.Uint32(hdr[4:8])
	if blockSize == 0 || blockSize > math.MaxInt32 {
		return nil, 0, 0, fmt.Errorf("%w: block size %d", ErrProtocol, blockSize)
	}
	if count == EndMarker {
		return nil, 0, 0, fmt.Errorf("%w: block count %d", ErrProtocol, count)
	}
	table := make(map[uint32][]blockRef)
	var entry [checksumEntrySize]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, entry[:]); err != nil {
			return nil, 0, 0, fmt.Errorf("rsync: read checksum %d: %w", i, err)
		}
		weak := binary.BigEndian.Uint64(entry[:8])
		if weak > math.MaxUint32 {
			// never produced by Weak, so it cannot match
			continue
		}
		ref := blockRef{index: i}
		copy(ref.strong[:], entry[8:])
		table[uint32(weak)] = append(table[uint32(weak)], ref)
	}
	return table, int(blockSize), int(count), nil
}

type leader struct {
	f     *os.File
	w     io.Writer
	stats *Stats
	hdr   [frameHeaderSize]byte
}

func (l *leader) findMatches(ctx context.Context, table map[uint32][]blockRef, blockSize int, total int64) error {
	if total < int64(blockSize) {
		return l.send(EndMarker, 0, total)
	}
	src := bufio.NewReaderSize(io.NewSectionReader(l.f, 0, total), bufferSize)
	window := make([]byte, blockSize)
	if _, err := io.ReadFull(src, window); err != nil {
		return err
	}
	var (
		roll       Rolling
		scratch    []byte
		k          int64
		lastMatch  int64
		windowSize = int64(blockSize)
		rolled     int
	)
	weak := roll.Reset(window)
	for {
		index, found := uint32(0), false
		if refs := table[weak]; len(refs) > 0 {
			scratch = roll.Window(scratch)
			strong := md5.Sum(scratch)
			for _, ref := range refs {
				if ref.strong == strong {
					index, found = ref.index, true
					break
				}
			}
		}
		if found {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := l.send(index, lastMatch, k-lastMatch); err != nil {
				return err
			}
			l.stats.Matched++
			k += windowSize
			lastMatch = k
			n, err := io.ReadFull(src, window)
			if n == 0 {
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				break
			}
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return err
			}
			windowSize = int64(n)
			weak = roll.Reset(window[:n])
			continue
		}
		if k+windowSize >= total {
			break
		}
		c, err := src.ReadByte()
		if err != nil {
			return err
		}
		weak = roll.Roll(c)
		k++
		rolled++
		if rolled%bufferSize == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return l.send(EndMarker, lastMatch, total-lastMatch)
}

// send writes one frame whose literal part is the file region [offset,
// offset+n).
func (l *leader) send(index uint32, offset, n int64) error {
	binary.BigEndian.PutUint32(l.hdr[0:4], index)
	binary.BigEndian.PutUint64(l.hdr[4:12], uint64(n))
	if _, err := l.w.Write(l.hdr[:]); err != nil {
		return err
	}
	if n > 0 {
		if _, err := io.Copy(l.w, io.NewSectionReader(l.f, offset, n)); err != nil {
			return err
		}
	}
	l.stats.Sent += frameHeaderSize + n
	return nil
}

// Follow runs the Follower side for the file at path over rw and replaces the
// file with the reconstructed copy. A blockSize of zero selects BlockSize of
// the current file size.
func Follow(ctx context.Context, rw io.ReadWriter, path string, blockSize int) (Stats, error) {
	stats := Stats{Start: time.Now()}
	f, err := os.Open(path)
	if err != nil {
		return stats, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return stats, err
	}
	size := info.Size()
	if blockSize <= 0 {
		blockSize = BlockSize(size)
	}
	stats.BlockSize = blockSize
	count := (size + int64(blockSize) - 1) / int64(blockSize)
	if count >= int64(EndMarker) {
		return stats, fmt.Errorf("rsync: %d blocks exceeds protocol limit", count)
	}
	stats.Blocks = int(count)

	bw := bufio.NewWriterSize(rw, bufferSize)
	if err := writeChecksums(ctx, bw, f, blockSize, count); err != nil {
		return stats, err
	}
	if err := bw.Flush(); err != nil {
		return stats, err
	}
	stats.Sent = count * checksumEntrySize

	tmpPath := fmt.Sprintf("%s_tmp_%d", path, time.Now().Unix())
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return stats, err
	}
	err = reconstruct(ctx, bufio.NewReaderSize(rw, bufferSize), tmp, f, blockSize, uint32(count), &stats)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return stats, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return stats, err
	}
	stats.Duration = time.Since(stats.Start)
	return stats, nil
}

func writeChecksums(ctx context.Context, w io.Writer, f *os.File, blockSize int, count int64) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(blockSize))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(count))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	src := bufio.NewReaderSize(f, bufferSize)
	block := make([]byte, blockSize)
	var entry [checksumEntrySize]byte
	for i := int64(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(src, block)
		if n == 0 {
			return fmt.Errorf("rsync: read block %d: %w", i, io.ErrUnexpectedEOF)
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return err
		}
		binary.BigEndian.PutUint64(entry[:8], uint64(Weak(block[:n])))
		strong := md5.Sum(block[:n])
		copy(entry[8:], strong[:])
		if _, err := w.Write(entry[:]); err != nil {
			return err
		}
	}
	return nil
}

func reconstruct(ctx context.Context, r io.Reader, dst io.Writer, old *os.File, blockSize int, count uint32, stats *Stats) error {
	var hdr [frameHeaderSize]byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return fmt.Errorf("rsync: read frame: %w", err)
		}
		index := binary.BigEndian.Uint32(hdr[0:4])
		length := int64(binary.BigEndian.Uint64(hdr[4:12]))
		if length < 0 {
			if index != EndMarker {
				return fmt.Errorf("%w: literal length %d", ErrProtocol, length)
			}
			length = 0
		}
		stats.Received += frameHeaderSize + length
		if length > 0 {
			if _, err := io.CopyN(dst, r, length); err != nil {
				return fmt.Errorf("rsync: read literal: %w", err)
			}
		}
		if index == EndMarker {
			return nil
		}
		if index >= count {
			return fmt.Errorf("%w: block index %d of %d", ErrProtocol, index, count)
		}
		block := io.NewSectionReader(old, int64(index)*int64(blockSize), int64(blockSize))
		if _, err := io.Copy(dst, block); err != nil {
			return err
		}
	}
}
