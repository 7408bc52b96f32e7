// Package lsf samples host pressure and the daemon's active session count and
// feeds the samples to a qrf controller.
package lsf

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/qrf"
	"pkt.systems/xferd/internal/svcfields"
)

// DefaultSampleInterval is the sampling cadence.
const DefaultSampleInterval = time.Second

// Config controls the sampling cadence.
type Config struct {
	Enabled        bool
	SampleInterval time.Duration
	// LogInterval rate limits debug logging of samples; 0 disables it.
	LogInterval time.Duration
	Clock       clock.Clock
	Logger      pslog.Logger
}

type hostStats struct {
	memoryPercent float64
	cpuPercent    float64
	load1         float64
	cpus          int
}

// Observer tracks sessions and host metrics.
type Observer struct {
	cfg     Config
	qrf     *qrf.Controller
	logger  pslog.Logger
	metrics *lsfMetrics
	running atomic.Bool

	sessions atomic.Int64

	// host is replaced in tests.
	host    func(context.Context) (hostStats, error)
	lastLog time.Time

	wg sync.WaitGroup
}

// NewObserver constructs an observer feeding controller.
func NewObserver(cfg Config, controller *qrf.Controller) *Observer {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.LogInterval < 0 {
		cfg.LogInterval = 0
	}
	cfg.Clock = clock.Or(cfg.Clock)
	o := &Observer{
		cfg:    cfg,
		qrf:    controller,
		logger: svcfields.WithSubsystem(cfg.Logger, "control.lsf"),
		host:   gatherHost,
	}
	o.metrics = newLSFMetrics(o.logger)
	return o
}

// Start launches the sampling loop until ctx ends. Only the first call
// starts a loop.
func (o *Observer) Start(ctx context.Context) {
	if o == nil || !o.cfg.Enabled || o.qrf == nil {
		return
	}
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()
}

// Wait blocks until the sampling loop has exited.
func (o *Observer) Wait() {
	if o == nil {
		return
	}
	o.wg.Wait()
}

// BeginSession counts a running session and returns the callback that ends it.
func (o *Observer) BeginSession() func() {
	if o == nil || !o.cfg.Enabled {
		return func() {}
	}
	o.sessions.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { o.sessions.Add(-1) })
	}
}

// ActiveSessions returns the number of counted sessions.
func (o *Observer) ActiveSessions() int64 {
	if o == nil {
		return 0
	}
	return o.sessions.Load()
}

func (o *Observer) run(ctx context.Context) {
	o.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.cfg.Clock.After(o.cfg.SampleInterval):
			o.Sample(ctx)
		}
	}
}

// Sample takes one sample and hands it to the controller. Host metrics that
// cannot be read are reported as zero.
func (o *Observer) Sample(ctx context.Context) qrf.Snapshot {
	now := o.cfg.Clock.Now()
	host, err := o.host(ctx)
	if err != nil {
		o.logger.Debug("lsf.host.partial", "error", err)
	}
	snap := qrf.Snapshot{
		ActiveSessions:    o.sessions.Load(),
		MemoryUsedPercent: host.memoryPercent,
		CPUPercent:        host.cpuPercent,
		Load1:             host.load1,
		CPUs:              host.cpus,
		Goroutines:        runtime.NumGoroutine(),
		CollectedAt:       now,
	}
	o.metrics.record(ctx, snap)
	if o.cfg.LogInterval > 0 && (o.lastLog.IsZero() || now.Sub(o.lastLog) >= o.cfg.LogInterval) {
		o.logger.Debug("lsf.sample",
			"sessions", snap.ActiveSessions,
			"memory_percent", snap.MemoryUsedPercent,
			"cpu_percent", snap.CPUPercent,
			"load1", snap.Load1,
			"cpus", snap.CPUs,
			"goroutines", snap.Goroutines,
		)
		o.lastLog = now
	}
	o.qrf.Observe(snap)
	return snap
}

// gatherHost reads memory, cpu and load through gopsutil. The cpu figure is
// the busy share since the previous call.
func gatherHost(ctx context.Context) (hostStats, error) {
	var (
		out  hostStats
		errs error
	)
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.memoryPercent = vm.UsedPercent
	} else {
		errs = err
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		out.cpuPercent = pct[0]
	} else if err != nil && errs == nil {
		errs = err
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.load1 = avg.Load1
	} else if errs == nil {
		errs = err
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		out.cpus = n
	} else {
		out.cpus = runtime.NumCPU()
	}
	return out, errs
}
