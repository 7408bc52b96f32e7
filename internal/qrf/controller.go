// Package qrf decides whether new logins are admitted, delayed or refused
// while the host is under pressure. Samples arrive from the lsf observer; the
// controller moves between four postures with hysteresis so a single quiet
// sample does not reopen the door.
package qrf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/svcfields"
)

// State is the posture of the controller.
type State int

const (
	// StateDisengaged admits every login.
	StateDisengaged State = iota
	// StateSoftArm delays logins by SoftDelay.
	StateSoftArm
	// StateEngaged refuses logins.
	StateEngaged
	// StateRecovery delays logins by RecoveryDelay until the host settles.
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateDisengaged:
		return "disengaged"
	case StateSoftArm:
		return "soft_arm"
	case StateEngaged:
		return "engaged"
	case StateRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Defaults used when a Config leaves them unset.
const (
	DefaultRecoverySamples = 5
	DefaultSoftDelay       = 250 * time.Millisecond
	DefaultRecoveryDelay   = 100 * time.Millisecond
)

// Config holds thresholds. A zero threshold disables that check.
type Config struct {
	Enabled bool

	SessionSoftLimit int64
	SessionHardLimit int64

	MemorySoftPercent float64
	MemoryHardPercent float64

	CPUSoftPercent float64
	CPUHardPercent float64

	// Load limits are multiples of the one minute load average per CPU.
	LoadSoftPerCPU float64
	LoadHardPerCPU float64

	// RecoverySamples is the number of consecutive healthy samples needed to
	// step down from engaged to recovery and from recovery to disengaged.
	RecoverySamples int

	SoftDelay     time.Duration
	RecoveryDelay time.Duration

	Logger pslog.Logger
}

// Snapshot is one sample of host and daemon pressure.
type Snapshot struct {
	ActiveSessions    int64
	MemoryUsedPercent float64
	CPUPercent        float64
	Load1             float64
	CPUs              int
	Goroutines        int
	CollectedAt       time.Time
}

// LoadPerCPU returns Load1 divided by the CPU count.
func (s Snapshot) LoadPerCPU() float64 {
	if s.CPUs <= 0 {
		return s.Load1
	}
	return s.Load1 / float64(s.CPUs)
}

// Decision tells the caller what to do with a login.
type Decision struct {
	Reject bool
	Delay  time.Duration
	State  State
	Reason string
}

// Status reports the current posture.
type Status struct {
	State    State
	Reason   string
	Snapshot Snapshot
}

// Controller is the login admission state machine. It is safe for concurrent
// use; a nil or disabled Controller admits everything.
type Controller struct {
	cfg     Config
	logger  pslog.Logger
	metrics *qrfMetrics

	mu         sync.RWMutex
	state      State
	reason     string
	last       Snapshot
	healthyRun int
}

// NewController builds a controller.
func NewController(cfg Config) *Controller {
	if cfg.RecoverySamples <= 0 {
		cfg.RecoverySamples = DefaultRecoverySamples
	}
	if cfg.SoftDelay <= 0 {
		cfg.SoftDelay = DefaultSoftDelay
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = DefaultRecoveryDelay
	}
	c := &Controller{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(cfg.Logger, "control.qrf"),
		state:  StateDisengaged,
	}
	c.metrics = newQRFMetrics(c.logger, c)
	return c
}

// Enabled reports whether the controller ever throttles.
func (c *Controller) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

// Observe feeds a sample and updates the posture.
func (c *Controller) Observe(s Snapshot) {
	if !c.Enabled() {
		return
	}
	hard, hardReason := c.breach(s, true)
	soft, softReason := c.breach(s, false)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = s
	prev := c.state
	next := prev
	switch {
	case hard:
		next = StateEngaged
		c.reason = hardReason
		c.healthyRun = 0
	case soft:
		if prev != StateEngaged {
			next = StateSoftArm
			c.reason = softReason
		}
		c.healthyRun = 0
	default:
		c.healthyRun++
		if c.healthyRun >= c.cfg.RecoverySamples {
			switch prev {
			case StateEngaged:
				next = StateRecovery
				c.reason = "metrics recovering"
			case StateRecovery, StateSoftArm:
				next = StateDisengaged
				c.reason = "metrics stabilised"
			}
		}
	}
	if next == prev {
		return
	}
	c.healthyRun = 0
	c.state = next
	c.logger.Info("qrf.transition",
		"from", prev.String(),
		"to", next.String(),
		"reason", c.reason,
		"sessions", s.ActiveSessions,
		"memory_percent", s.MemoryUsedPercent,
		"cpu_percent", s.CPUPercent,
		"load_per_cpu", s.LoadPerCPU(),
	)
	c.metrics.recordTransition(context.Background(), prev, next, c.reason)
}

func (c *Controller) breach(s Snapshot, hard bool) (bool, string) {
	sessions, memory, cpu, load := c.cfg.SessionSoftLimit, c.cfg.MemorySoftPercent, c.cfg.CPUSoftPercent, c.cfg.LoadSoftPerCPU
	level := "soft"
	if hard {
		sessions, memory, cpu, load = c.cfg.SessionHardLimit, c.cfg.MemoryHardPercent, c.cfg.CPUHardPercent, c.cfg.LoadHardPerCPU
		level = "hard"
	}
	switch {
	case sessions > 0 && s.ActiveSessions >= sessions:
		return true, fmt.Sprintf("sessions_%s: %d active", level, s.ActiveSessions)
	case memory > 0 && s.MemoryUsedPercent >= memory:
		return true, fmt.Sprintf("memory_%s: %.1f%% used", level, s.MemoryUsedPercent)
	case cpu > 0 && s.CPUPercent >= cpu:
		return true, fmt.Sprintf("cpu_%s: %.1f%% busy", level, s.CPUPercent)
	case load > 0 && s.LoadPerCPU() >= load:
		return true, fmt.Sprintf("load_%s: %.2f per cpu", level, s.LoadPerCPU())
	}
	return false, ""
}

// Decide returns what to do with a login arriving now.
func (c *Controller) Decide() Decision {
	if !c.Enabled() {
		return Decision{State: StateDisengaged}
	}
	c.mu.RLock()
	state, reason := c.state, c.reason
	c.mu.RUnlock()

	d := Decision{State: state, Reason: reason}
	switch state {
	case StateSoftArm:
		d.Delay = c.cfg.SoftDelay
	case StateEngaged:
		d.Reject = true
	case StateRecovery:
		d.Delay = c.cfg.RecoveryDelay
	}
	c.metrics.recordDecision(context.Background(), d)
	return d
}

// State returns the current posture.
func (c *Controller) State() State {
	if c == nil {
		return StateDisengaged
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns the posture with the sample that produced it.
func (c *Controller) Status() Status {
	if c == nil {
		return Status{State: StateDisengaged}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{State: c.state, Reason: c.reason, Snapshot: c.last}
}
