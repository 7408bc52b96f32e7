package session

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type sessionMetrics struct {
	commands         metric.Int64Counter
	transferCount    metric.Int64Counter
	transferBytes    metric.Int64Counter
	transferDuration metric.Int64Histogram
	active           metric.Int64UpDownCounter
}

func newSessionMetrics(logger pslog.Logger) *sessionMetrics {
	meter := otel.Meter("pkt.systems/xferd/session")
	m := &sessionMetrics{}
	var err error

	m.commands, err = meter.Int64Counter(
		"xferd.session.commands",
		metric.WithDescription("Control commands handled by sessions"),
	)
	logMetricInitError(logger, "xferd.session.commands", err)

	m.transferCount, err = meter.Int64Counter(
		"xferd.transfer.count",
		metric.WithDescription("Data transfers"),
	)
	logMetricInitError(logger, "xferd.transfer.count", err)

	m.transferBytes, err = meter.Int64Counter(
		"xferd.transfer.bytes",
		metric.WithDescription("Payload bytes moved over data channels"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "xferd.transfer.bytes", err)

	m.transferDuration, err = meter.Int64Histogram(
		"xferd.transfer.duration_ms",
		metric.WithDescription("Data transfer duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "xferd.transfer.duration_ms", err)

	m.active, err = meter.Int64UpDownCounter(
		"xferd.sessions.active",
		metric.WithDescription("Sessions currently running"),
	)
	logMetricInitError(logger, "xferd.sessions.active", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func metricResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAccessDenied):
		return "denied"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func (m *sessionMetrics) recordCommand(ctx context.Context, cmd Command, err error) {
	if m == nil || m.commands == nil {
		return
	}
	m.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("xferd.command", cmd.String()),
		attribute.String("xferd.result", metricResultLabel(err)),
	))
}

func (m *sessionMetrics) recordTransfer(ctx context.Context, operation string, bytes int64, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("xferd.transfer.operation", operation),
		attribute.String("xferd.result", metricResultLabel(err)),
	)
	if m.transferCount != nil {
		m.transferCount.Add(ctx, 1, attrs)
	}
	if m.transferBytes != nil && bytes > 0 {
		m.transferBytes.Add(ctx, bytes, attrs)
	}
	if m.transferDuration != nil {
		m.transferDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *sessionMetrics) sessionStarted(ctx context.Context) {
	if m != nil && m.active != nil {
		m.active.Add(ctx, 1)
	}
}

func (m *sessionMetrics) sessionEnded(ctx context.Context) {
	if m != nil && m.active != nil {
		m.active.Add(ctx, -1)
	}
}
