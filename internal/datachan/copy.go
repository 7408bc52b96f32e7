package datachan

import (
	"context"
	"errors"
	"io"
	"time"

	"pkt.systems/xferd/internal/clock"
)

// Throttle shapes a transfer towards a byte rate. After each chunk the rate
// since the start is compared with the limit: below it the backoff halves,
// otherwise it grows by 5ms and the caller sleeps for it. It is advisory and
// only shapes long transfers.
type Throttle struct {
	limit int64
	clock clock.Clock
	start time.Time
	sleep time.Duration
}

// NewThrottle returns a Throttle for limit bytes per second, or nil when limit
// is not positive. A nil Throttle never waits.
func NewThrottle(limit int64, clk clock.Clock) *Throttle {
	if limit <= 0 {
		return nil
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Throttle{limit: limit, clock: clk, start: clk.Now()}
}

// Wait applies the backoff after total bytes were moved.
func (t *Throttle) Wait(total int64) {
	if t == nil {
		return
	}
	elapsed := t.clock.Now().Sub(t.start).Milliseconds() + 1
	rate := 1000 * total / elapsed
	if rate < t.limit {
		t.sleep /= 2
		return
	}
	t.sleep += 5 * time.Millisecond
	t.clock.Sleep(t.sleep)
}

// Backoff returns the current sleep interval.
func (t *Throttle) Backoff() time.Duration {
	if t == nil {
		return 0
	}
	return t.sleep
}

// Copy moves up to n bytes (all of src when n is negative) from src to dst in
// chunks of len(buf). It stops early at EOF and checks ctx between chunks.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, n int64, buf []byte, th *Throttle) (int64, error) {
	var total int64
	for n < 0 || total < n {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		chunk := len(buf)
		if n >= 0 && n-total < int64(chunk) {
			chunk = int(n - total)
		}
		read, rerr := src.Read(buf[:chunk])
		if read > 0 {
			if _, err := dst.Write(buf[:read]); err != nil {
				return total, err
			}
			total += int64(read)
			th.Wait(total)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
	return total, nil
}
