package retry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/cachetx/internal/operation"
)

type retryMetrics struct {
	attempts        metric.Int64Counter
	attemptDuration metric.Int64Histogram
	exhausted       metric.Int64Counter
}

func newRetryMetrics(logger pslog.Logger) *retryMetrics {
	meter := otel.Meter("pkt.systems/cachetx/retry")
	m := &retryMetrics{}
	var err error

	m.attempts, err = meter.Int64Counter(
		"cachetx.op.attempts",
		metric.WithDescription("Operation attempts by result"),
	)
	logMetricInitError(logger, "cachetx.op.attempts", err)

	m.attemptDuration, err = meter.Int64Histogram(
		"cachetx.op.attempt.duration_ms",
		metric.WithDescription("Round trip time of a single operation attempt"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "cachetx.op.attempt.duration_ms", err)

	m.exhausted, err = meter.Int64Counter(
		"cachetx.op.retry.exhausted",
		metric.WithDescription("Operations that hit the retry bound"),
	)
	logMetricInitError(logger, "cachetx.op.retry.exhausted", err)
	return m
}

func (m *retryMetrics) recordAttempt(ctx context.Context, kind operation.Kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("cachetx.op", kind.String()),
		attribute.String("cachetx.result", result),
	)
	if m.attempts != nil {
		m.attempts.Add(ctx, 1, attrs)
	}
	if m.attemptDuration != nil {
		m.attemptDuration.Record(ctx, d.Milliseconds(), attrs)
	}
}

func (m *retryMetrics) recordExhausted(ctx context.Context, kind operation.Kind, bound string) {
	if m == nil || m.exhausted == nil {
		return
	}
	m.exhausted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cachetx.op", kind.String()),
		attribute.String("cachetx.retry.bound", bound),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
