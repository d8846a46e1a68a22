package txncoord

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/cachetx/api"
)

type txncoordMetrics struct {
	prepareDuration  metric.Int64Histogram
	completeDuration metric.Int64Histogram
	votes            metric.Int64Counter
	transitions      metric.Int64Counter
	swept            metric.Int64Counter
}

func newTxncoordMetrics(logger pslog.Logger) *txncoordMetrics {
	meter := otel.Meter("pkt.systems/cachetx/txncoord")
	m := &txncoordMetrics{}
	var err error

	m.prepareDuration, err = meter.Int64Histogram(
		"cachetx.txn.prepare.duration_ms",
		metric.WithDescription("Time spent collecting a prepare vote"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "cachetx.txn.prepare.duration_ms", err)

	m.completeDuration, err = meter.Int64Histogram(
		"cachetx.txn.complete.duration_ms",
		metric.WithDescription("Time spent completing a prepared transaction"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "cachetx.txn.complete.duration_ms", err)

	m.votes, err = meter.Int64Counter(
		"cachetx.txn.votes",
		metric.WithDescription("Prepare votes by result"),
	)
	logMetricInitError(logger, "cachetx.txn.votes", err)

	m.transitions, err = meter.Int64Counter(
		"cachetx.txn.phase.transitions",
		metric.WithDescription("Coordinator phase transitions"),
	)
	logMetricInitError(logger, "cachetx.txn.phase.transitions", err)

	m.swept, err = meter.Int64Counter(
		"cachetx.txn.sweep",
		metric.WithDescription("Records rolled back or evicted by the sweeper"),
	)
	logMetricInitError(logger, "cachetx.txn.sweep", err)

	return m
}

func (m *txncoordMetrics) recordPrepare(ctx context.Context, vote api.Vote, conflict bool, duration time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("cachetx.txn.vote", vote.String()),
		attribute.Bool("cachetx.txn.conflict", conflict),
	)
	if m.prepareDuration != nil {
		m.prepareDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
	if m.votes != nil {
		m.votes.Add(ctx, 1, attrs)
	}
}

func (m *txncoordMetrics) recordComplete(ctx context.Context, commit bool, result string, duration time.Duration) {
	if m == nil || m.completeDuration == nil {
		return
	}
	ctx = metricContext(ctx)
	m.completeDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(
		attribute.String("cachetx.txn.decision", decisionLabel(commit)),
		attribute.String("cachetx.txn.result", result),
	))
}

func (m *txncoordMetrics) recordTransition(ctx context.Context, from, to api.Phase) {
	if m == nil || m.transitions == nil {
		return
	}
	ctx = metricContext(ctx)
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cachetx.txn.from", from.String()),
		attribute.String("cachetx.txn.to", to.String()),
	))
}

func (m *txncoordMetrics) recordSweep(ctx context.Context, reason string, n int) {
	if m == nil || m.swept == nil || n == 0 {
		return
	}
	ctx = metricContext(ctx)
	m.swept.Add(ctx, int64(n), metric.WithAttributes(attribute.String("cachetx.txn.sweep_reason", reason)))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func decisionLabel(commit bool) string {
	if commit {
		return "commit"
	}
	return "rollback"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
