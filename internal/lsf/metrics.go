package lsf

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/qrf"
)

type lsfMetrics struct {
	samples       metric.Int64Counter
	sessions      metric.Int64ObservableGauge
	memoryPercent metric.Float64ObservableGauge
	cpuPercent    metric.Float64ObservableGauge
	load1         metric.Float64ObservableGauge

	last atomic.Pointer[qrf.Snapshot]
}

func newLSFMetrics(logger pslog.Logger) *lsfMetrics {
	meter := otel.Meter("pkt.systems/xferd/lsf")
	m := &lsfMetrics{}
	var err error

	m.samples, err = meter.Int64Counter("xferd.lsf.sample", metric.WithDescription("Host samples collected"))
	logMetricInitError(logger, "xferd.lsf.sample", err)
	m.sessions, err = meter.Int64ObservableGauge("xferd.lsf.sessions", metric.WithDescription("Active transfer sessions"))
	logMetricInitError(logger, "xferd.lsf.sessions", err)
	m.memoryPercent, err = meter.Float64ObservableGauge("xferd.lsf.memory.used_percent", metric.WithDescription("Host memory in use"))
	logMetricInitError(logger, "xferd.lsf.memory.used_percent", err)
	m.cpuPercent, err = meter.Float64ObservableGauge("xferd.lsf.cpu.percent", metric.WithDescription("Host cpu busy share"))
	logMetricInitError(logger, "xferd.lsf.cpu.percent", err)
	m.load1, err = meter.Float64ObservableGauge("xferd.lsf.load1", metric.WithDescription("One minute load average"))
	logMetricInitError(logger, "xferd.lsf.load1", err)

	if m.sessions == nil || m.memoryPercent == nil || m.cpuPercent == nil || m.load1 == nil {
		return m
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := m.last.Load()
		if snap == nil {
			return nil
		}
		o.ObserveInt64(m.sessions, snap.ActiveSessions)
		o.ObserveFloat64(m.memoryPercent, snap.MemoryUsedPercent)
		o.ObserveFloat64(m.cpuPercent, snap.CPUPercent)
		o.ObserveFloat64(m.load1, snap.Load1)
		return nil
	}, m.sessions, m.memoryPercent, m.cpuPercent, m.load1); err != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "xferd.lsf", "error", err)
	}
	return m
}

func (m *lsfMetrics) record(ctx context.Context, snap qrf.Snapshot) {
	if m == nil {
		return
	}
	m.last.Store(&snap)
	if m.samples != nil {
		m.samples.Add(ctx, 1)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
