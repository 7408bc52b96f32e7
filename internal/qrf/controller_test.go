package qrf

import (
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func newTestController() *Controller {
	return NewController(Config{
		Enabled:           true,
		SessionSoftLimit:  10,
		SessionHardLimit:  20,
		MemorySoftPercent: 80,
		MemoryHardPercent: 95,
		LoadSoftPerCPU:    2,
		LoadHardPerCPU:    4,
		RecoverySamples:   2,
		SoftDelay:         50 * time.Millisecond,
		RecoveryDelay:     10 * time.Millisecond,
		Logger:            pslog.NoopLogger(),
	})
}

func healthy() Snapshot {
	return Snapshot{ActiveSessions: 1, MemoryUsedPercent: 30, Load1: 0.5, CPUs: 4, CollectedAt: time.Now()}
}

func TestControllerEngageAndRecover(t *testing.T) {
	ctrl := newTestController()

	hot := healthy()
	hot.MemoryUsedPercent = 97
	ctrl.Observe(hot)
	if got := ctrl.State(); got != StateEngaged {
		t.Fatalf("expected state %s, got %s", StateEngaged, got)
	}
	if d := ctrl.Decide(); !d.Reject || !strings.HasPrefix(d.Reason, "memory_hard") {
		t.Fatalf("expected memory_hard rejection, got %+v", d)
	}

	ctrl.Observe(healthy())
	if got := ctrl.State(); got != StateEngaged {
		t.Fatalf("expected state to remain engaged until recovery threshold, got %s", got)
	}
	ctrl.Observe(healthy())
	if got := ctrl.State(); got != StateRecovery {
		t.Fatalf("expected recovery, got %s", got)
	}
	if d := ctrl.Decide(); d.Reject || d.Delay != 10*time.Millisecond {
		t.Fatalf("expected recovery delay, got %+v", d)
	}

	ctrl.Observe(healthy())
	ctrl.Observe(healthy())
	if got := ctrl.State(); got != StateDisengaged {
		t.Fatalf("expected disengaged, got %s", got)
	}
	if d := ctrl.Decide(); d.Reject || d.Delay != 0 {
		t.Fatalf("expected admission, got %+v", d)
	}
}

func TestControllerSoftArmDelays(t *testing.T) {
	ctrl := newTestController()

	busy := healthy()
	busy.ActiveSessions = 12
	ctrl.Observe(busy)
	if got := ctrl.State(); got != StateSoftArm {
		t.Fatalf("expected soft arm, got %s", got)
	}
	d := ctrl.Decide()
	if d.Reject || d.Delay != 50*time.Millisecond {
		t.Fatalf("expected soft delay, got %+v", d)
	}
	if !strings.HasPrefix(d.Reason, "sessions_soft") {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestControllerSoftBreachKeepsEngaged(t *testing.T) {
	ctrl := newTestController()

	loaded := healthy()
	loaded.Load1 = 20
	ctrl.Observe(loaded)
	if got := ctrl.State(); got != StateEngaged {
		t.Fatalf("expected engaged on load, got %s", got)
	}
	softer := healthy()
	softer.Load1 = 9
	for range 5 {
		ctrl.Observe(softer)
	}
	if got := ctrl.State(); got != StateEngaged {
		t.Fatalf("soft pressure must not release an engaged controller, got %s", got)
	}
}

func TestControllerDisabledAdmits(t *testing.T) {
	ctrl := NewController(Config{MemoryHardPercent: 1, Logger: pslog.NoopLogger()})
	hot := healthy()
	hot.MemoryUsedPercent = 99
	ctrl.Observe(hot)
	if d := ctrl.Decide(); d.Reject || d.Delay != 0 {
		t.Fatalf("disabled controller throttled: %+v", d)
	}

	var nilCtrl *Controller
	if d := nilCtrl.Decide(); d.Reject {
		t.Fatalf("nil controller rejected")
	}
	if nilCtrl.State() != StateDisengaged {
		t.Fatalf("nil controller state")
	}
}

func TestLoadPerCPU(t *testing.T) {
	if got := (Snapshot{Load1: 8, CPUs: 4}).LoadPerCPU(); got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
	if got := (Snapshot{Load1: 3}).LoadPerCPU(); got != 3 {
		t.Fatalf("expected raw load without cpu count, got %v", got)
	}
}
