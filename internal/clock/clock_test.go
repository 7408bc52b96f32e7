package clock_test

import (
	"testing"
	"time"

	"pkt.systems/xferd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestOrDefaultsToReal(t *testing.T) {
	t.Parallel()

	if _, ok := clock.Or(nil).(clock.Real); !ok {
		t.Fatalf("Or(nil) is not the real clock")
	}
	m := clock.NewManual(time.Unix(100, 0))
	if clock.Or(m) != clock.Clock(m) {
		t.Fatalf("Or must keep a supplied clock")
	}
}

func TestSinceFollowsManualClock(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(1_000, 0))
	start := m.Now()
	m.Advance(1500 * time.Millisecond)
	if got := clock.Since(m, start); got != 1500*time.Millisecond {
		t.Fatalf("Since = %v", got)
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	ch := m.After(time.Second)
	if m.Pending() != 1 {
		t.Fatalf("pending = %d", m.Pending())
	}
	m.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	m.Advance(500 * time.Millisecond)
	select {
	case at := <-ch:
		if !at.Equal(time.Unix(1, 0).UTC()) {
			t.Fatalf("fired at %v", at)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if m.Pending() != 0 {
		t.Fatalf("pending after fire = %d", m.Pending())
	}
}
