package session

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/datachan"
	"pkt.systems/xferd/internal/relay"
	"pkt.systems/xferd/internal/rsync"
)

// hashKeepAlive is the interval between "213-" lines while hashing.
const hashKeepAlive = 30 * time.Second

func (s *Session) throttle() *datachan.Throttle {
	return datachan.NewThrottle(s.job.RateLimit, s.clock)
}

// sendData streams the selected range of the current file to the client.
func (s *Session) sendData(ctx context.Context) (int64, error) {
	ch, err := s.requireData()
	if err != nil {
		return 0, err
	}
	f, err := os.Open(s.filePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Seek(s.rng.offset, io.SeekStart); err != nil {
		return 0, err
	}
	start := s.clock.Now()
	buf := make([]byte, ch.BufferSize())
	n, err := datachan.Copy(ctx, ch, f, s.rng.length, buf, s.throttle())
	if err != nil {
		return n, fmt.Errorf("sending %s: %w", s.filePath, err)
	}
	if s.settings.Layered() {
		// Flushes the cipher and compressor tails; the client reads to EOF.
		s.data = nil
		if err := ch.Close(); err != nil {
			return n, fmt.Errorf("closing data channel: %w", err)
		}
	}
	s.postTransfer(true)
	s.finishData()
	s.logUsage(true, n, clock.Since(s.clock, start), 1, "")
	return n, nil
}

func (s *Session) receiveData(ctx context.Context) (int64, error) {
	if s.archive {
		return s.receiveArchive(ctx)
	}
	ch, err := s.requireData()
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(s.filePath, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if !s.rng.active && !s.appendMode {
		if err := f.Truncate(s.rng.offset); err != nil {
			return 0, err
		}
	}
	if _, err := f.Seek(s.rng.offset, io.SeekStart); err != nil {
		return 0, err
	}
	limit := s.rng.length
	if s.settings.Encrypted() {
		// Padding makes the ciphertext length unknown; read to EOF.
		limit = -1
	}
	start := s.clock.Now()
	buf := make([]byte, ch.BufferSize())
	n, err := datachan.Copy(ctx, f, ch, limit, buf, s.throttle())
	if err != nil {
		return n, fmt.Errorf("receiving %s: %w", s.filePath, err)
	}
	if err := f.Close(); err != nil {
		return n, err
	}
	s.finishData()
	s.postTransfer(true)
	s.logUsage(false, n, clock.Since(s.clock, start), 1, "")
	return n, nil
}

// receiveArchive unpacks a tar stream below the STOR target directory. Every
// entry is confined and checked like a client supplied path.
func (s *Session) receiveArchive(ctx context.Context) (int64, error) {
	ch, err := s.requireData()
	if err != nil {
		return 0, err
	}
	start := s.clock.Now()
	th := s.throttle()
	buf := make([]byte, ch.BufferSize())
	tr := tar.NewReader(ch)
	var total int64
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, fmt.Errorf("reading archive: %w", err)
		}
		target, err := s.paths.resolveChecked(filepath.Join(s.filePath, hdr.Name))
		if err != nil {
			return total, err
		}
		if !within(s.filePath, target) {
			return total, fmt.Errorf("%w: archive entry %s escapes %s", ErrAccessDenied, hdr.Name, s.filePath)
		}
		s.logger.Debug("session.archive.entry", "name", hdr.Name, "size", hdr.Size)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return total, err
			}
			continue
		case tar.TypeReg:
		default:
			s.logger.Debug("session.archive.skip", "name", hdr.Name, "type", string(hdr.Typeflag))
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return total, err
		}
		n, err := s.extract(ctx, target, tr, buf, th, os.FileMode(hdr.Mode).Perm())
		total += n
		if err != nil {
			return total, fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}
		files++
	}
	s.finishData()
	s.postTransfer(true)
	s.logUsage(false, total, clock.Since(s.clock, start), files, "")
	return total, nil
}

func (s *Session) extract(ctx context.Context, target string, r io.Reader, buf []byte, th *datachan.Throttle, perm os.FileMode) (int64, error) {
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}
	n, err := datachan.Copy(ctx, f, r, -1, buf, th)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// hashSink feeds a hash and keeps the client informed during long runs.
type hashSink struct {
	s    *Session
	w    io.Writer
	last time.Time
}

func (h *hashSink) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	if now := h.s.clock.Now(); now.Sub(h.last) > hashKeepAlive {
		h.s.reply("213-")
		h.last = now
	}
	return n, err
}

func (s *Session) sendHash(ctx context.Context) (int64, error) {
	f, err := os.Open(s.filePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Seek(s.rng.offset, io.SeekStart); err != nil {
		return 0, err
	}
	h, ok := newHash(s.hashAlgo)
	if !ok {
		return 0, fmt.Errorf("unsupported hash algorithm %s", s.hashAlgo)
	}
	start := s.clock.Now()
	sink := &hashSink{s: s, w: h, last: start}
	n, err := datachan.Copy(ctx, sink, f, s.rng.length, make([]byte, datachan.SingleBufferSize), nil)
	if err != nil {
		return n, fmt.Errorf("hashing %s: %w", s.filePath, err)
	}
	last := max(0, s.rng.offset+s.rng.length-1)
	s.replyf("213 %s %d-%d %x %s", s.hashAlgo, s.rng.offset, last, h.Sum(nil), s.filePath)
	s.postTransfer(false)
	s.logUsage(true, n, clock.Since(s.clock, start), 1, s.hashAlgo)
	return n, nil
}

// syncToClient makes the server the Leader: the client holds the stale copy.
func (s *Session) syncToClient(ctx context.Context) (int64, error) {
	ch, err := s.requireData()
	if err != nil {
		return 0, err
	}
	stats, err := rsync.Lead(ctx, ch, s.filePath)
	if err != nil {
		return stats.Sent, fmt.Errorf("sync %s: %w", s.filePath, err)
	}
	s.logger.Debug("session.sync.lead", "path", s.filePath, "stats", stats.String())
	s.finishSync(true, stats)
	return stats.Sent, nil
}

// syncToServer makes the server the Follower and rebuilds the local file.
func (s *Session) syncToServer(ctx context.Context) (int64, error) {
	ch, err := s.requireData()
	if err != nil {
		return 0, err
	}
	stats, err := rsync.Follow(ctx, ch, s.filePath, 0)
	if err != nil {
		return stats.Received, fmt.Errorf("sync %s: %w", s.filePath, err)
	}
	s.logger.Debug("session.sync.follow", "path", s.filePath, "stats", stats.String())
	s.finishSync(false, stats)
	return stats.Received, nil
}

func (s *Session) finishSync(send bool, stats rsync.Stats) {
	s.postTransfer(true)
	s.finishData()
	size := stats.Received
	if send {
		size = stats.Sent
	}
	s.logUsage(send, size, stats.Duration, 1, "")
}

// startRelay serves SEND-FILE and RECEIVE-FILE. The relay reuses the range
// and stream count negotiated so far and runs in the background.
func (s *Session) startRelay(ctx context.Context, cmd Command, arg string) error {
	fields := strings.Fields(arg)
	if len(fields) != 4 {
		return fmt.Errorf("%w: %s <source> <target> <host:port> <secret>", ErrSyntax, cmd)
	}
	if s.relay.Status() == relay.StatusRunning {
		return fmt.Errorf("%w: a relay is already running", ErrSequence)
	}
	addr, err := relay.ParseTarget(fields[2])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	req := relay.Request{
		Address:   addr,
		Secret:    fields[3],
		Offset:    s.rng.offset,
		Length:    -1,
		Streams:   s.numStreams,
		RateLimit: s.job.RateLimit,
		User:      s.job.User,
	}
	if s.rng.active {
		req.Length = s.rng.length
	}
	if cmd == CmdSendFile {
		req.Direction = relay.Send
		req.LocalPath, req.RemotePath = fields[0], fields[1]
	} else {
		req.Direction = relay.Receive
		req.RemotePath, req.LocalPath = fields[0], fields[1]
	}
	local, err := s.paths.resolveChecked(req.LocalPath)
	if err != nil {
		return err
	}
	if req.Direction == relay.Send && !canRead(local) {
		s.reply(replyNotAccessible)
		return nil
	}
	req.LocalPath = local
	s.relay = relay.Start(ctx, req, relay.WithLogger(s.cfg.Logger), relay.WithClock(s.clock))
	s.logger.Info("session.relay.started", "relay", s.relay.ID, "direction", req.Direction.String(), "local", local, "remote", req.RemotePath, "address", addr)
	s.rng.reset()
	s.reply("200 OK")
	return nil
}

// logUsage writes the accounting line for a finished transfer.
func (s *Session) logUsage(send bool, size int64, duration time.Duration, files int, operation string) {
	if operation == "" {
		verb := "Received"
		if send {
			verb = "Sent"
		}
		operation = fmt.Sprintf("%s %d file(s)", verb, files)
	}
	s.logger.Info(usageLine(operation, size, duration, s.job.User),
		"size", humanize.Bytes(uint64(max(size, 0))),
		"duration", duration,
	)
}

func usageLine(operation string, size int64, duration time.Duration, user string) string {
	seconds := float64(int64(duration.Seconds()))
	rate := 0.001 * float64(size) / (seconds + 1)
	unit := "kB/sec"
	if rate >= 1000 {
		rate /= 1000
		unit = "MB/sec"
	}
	return fmt.Sprintf("USAGE [%s] [%d bytes] [%d %s] [%s]", operation, size, int64(rate), unit, user)
}
