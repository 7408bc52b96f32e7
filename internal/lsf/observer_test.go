package lsf

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/qrf"
)

func newTestObserver(clk clock.Clock, stats *hostStats) (*Observer, *qrf.Controller) {
	ctrl := qrf.NewController(qrf.Config{
		Enabled:           true,
		SessionSoftLimit:  2,
		SessionHardLimit:  4,
		MemoryHardPercent: 95,
		RecoverySamples:   1,
		Logger:            pslog.NoopLogger(),
	})
	obs := NewObserver(Config{Enabled: true, SampleInterval: 10 * time.Millisecond, Clock: clk, Logger: pslog.NoopLogger()}, ctrl)
	obs.host = func(context.Context) (hostStats, error) { return *stats, nil }
	return obs, ctrl
}

func TestObserverCountsSessions(t *testing.T) {
	stats := &hostStats{memoryPercent: 20, cpus: 2}
	obs, ctrl := newTestObserver(clock.Real{}, stats)

	done1 := obs.BeginSession()
	done2 := obs.BeginSession()
	snap := obs.Sample(context.Background())
	if snap.ActiveSessions != 2 {
		t.Fatalf("expected 2 sessions, got %d", snap.ActiveSessions)
	}
	if ctrl.State() != qrf.StateSoftArm {
		t.Fatalf("expected soft arm, got %s", ctrl.State())
	}

	done1()
	done1()
	done2()
	if got := obs.ActiveSessions(); got != 0 {
		t.Fatalf("expected sessions to drain to 0, got %d", got)
	}
	obs.Sample(context.Background())
	if ctrl.State() != qrf.StateDisengaged {
		t.Fatalf("expected disengaged after drain, got %s", ctrl.State())
	}
}

func TestObserverForwardsHostPressure(t *testing.T) {
	stats := &hostStats{memoryPercent: 97, load1: 1, cpus: 4}
	obs, ctrl := newTestObserver(clock.Real{}, stats)

	snap := obs.Sample(context.Background())
	if snap.MemoryUsedPercent != 97 || snap.CPUs != 4 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !ctrl.Decide().Reject {
		t.Fatalf("expected rejection under memory pressure")
	}
}

func TestObserverToleratesHostErrors(t *testing.T) {
	stats := &hostStats{}
	obs, ctrl := newTestObserver(clock.Real{}, stats)
	obs.host = func(context.Context) (hostStats, error) {
		return hostStats{cpus: 1}, errors.New("no procfs")
	}
	snap := obs.Sample(context.Background())
	if snap.CPUs != 1 || snap.MemoryUsedPercent != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if ctrl.State() != qrf.StateDisengaged {
		t.Fatalf("expected disengaged, got %s", ctrl.State())
	}
}

func TestObserverLoopStopsWithContext(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	stats := &hostStats{memoryPercent: 10, cpus: 1}
	obs, _ := newTestObserver(clk, stats)

	ctx, cancel := context.WithCancel(context.Background())
	obs.Start(ctx)
	obs.Start(ctx)
	cancel()
	done := make(chan struct{})
	go func() {
		obs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("observer loop did not stop")
	}
}

func TestDisabledObserverIsInert(t *testing.T) {
	obs := NewObserver(Config{Logger: pslog.NoopLogger()}, nil)
	done := obs.BeginSession()
	if obs.ActiveSessions() != 0 {
		t.Fatalf("disabled observer counted a session")
	}
	done()
	obs.Start(context.Background())
	obs.Wait()
}
