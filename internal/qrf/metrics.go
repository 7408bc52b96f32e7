package qrf

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type qrfMetrics struct {
	state       metric.Int64ObservableGauge
	decisions   metric.Int64Counter
	transitions metric.Int64Counter
}

func newQRFMetrics(logger pslog.Logger, controller *Controller) *qrfMetrics {
	meter := otel.Meter("pkt.systems/xferd/qrf")
	m := &qrfMetrics{}
	var err error

	m.state, err = meter.Int64ObservableGauge(
		"xferd.qrf.state",
		metric.WithDescription("Current login admission posture"),
	)
	logMetricInitError(logger, "xferd.qrf.state", err)

	m.decisions, err = meter.Int64Counter(
		"xferd.qrf.decision",
		metric.WithDescription("Login admission decisions"),
	)
	logMetricInitError(logger, "xferd.qrf.decision", err)

	m.transitions, err = meter.Int64Counter(
		"xferd.qrf.transition",
		metric.WithDescription("Login admission posture changes"),
	)
	logMetricInitError(logger, "xferd.qrf.transition", err)

	if m.state != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.state, int64(controller.State()))
			return nil
		}, m.state); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "xferd.qrf.state", "error", err)
		}
	}
	return m
}

func (m *qrfMetrics) recordDecision(ctx context.Context, d Decision) {
	if m == nil || m.decisions == nil {
		return
	}
	outcome := "admit"
	switch {
	case d.Reject:
		outcome = "reject"
	case d.Delay > 0:
		outcome = "delay"
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("xferd.qrf.state", d.State.String()),
		attribute.String("xferd.qrf.outcome", outcome),
	))
}

func (m *qrfMetrics) recordTransition(ctx context.Context, from, to State, reason string) {
	if m == nil || m.transitions == nil {
		return
	}
	// Reasons carry the observed value after the colon.
	reason, _, _ = strings.Cut(reason, ":")
	if reason == "" {
		reason = "unknown"
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("xferd.qrf.from", from.String()),
		attribute.String("xferd.qrf.to", to.String()),
		attribute.String("xferd.qrf.reason", reason),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
