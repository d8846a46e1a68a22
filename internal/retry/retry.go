// Package retry re-drives operations that failed for transient reasons:
// dropped connections, attempt timeouts and stale-topology rejections. Before
// each retry it refreshes the topology so the next attempt carries the new
// topology id and may land on another member.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/cachetx/internal/clock"
	"pkt.systems/cachetx/internal/correlation"
	"pkt.systems/cachetx/internal/loggingutil"
	"pkt.systems/cachetx/internal/operation"
)

// ErrExhausted wraps the last transient failure once the attempt or deadline
// bound is reached.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Deadline bounds the whole logical operation, sleeps included. The
	// last attempt is cut short when the deadline falls inside it.
	Deadline time.Duration
	// AttemptTimeout bounds each attempt, connection acquisition included.
	AttemptTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	return c
}

// Engine runs operations with bounded retries.
type Engine struct {
	ch      operation.Channels
	cfg     Config
	clock   clock.Clock
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *retryMetrics
}

// New returns an Engine over ch.
func New(ch operation.Channels, cfg Config, clk clock.Clock, logger pslog.Logger) *Engine {
	logger = loggingutil.WithSubsystem(logger, "cachetx.retry")
	return &Engine{
		ch:      ch,
		cfg:     cfg.normalized(),
		clock:   clock.Or(clk),
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/cachetx/retry"),
		metrics: newRetryMetrics(logger),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Run executes o until it succeeds, fails with a non-transient error, or the
// bound is hit. Protocol errors and application outcomes (conflict votes,
// heuristic outcomes) return after the first attempt.
func (e *Engine) Run(ctx context.Context, o operation.Operation) (operation.Result, error) {
	logger := e.logger.With("op", o.Kind.String())
	if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
	}
	var deadline time.Time
	if e.cfg.Deadline > 0 {
		deadline = e.clock.Now().Add(e.cfg.Deadline)
	}
	delay := e.cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		timeout := e.cfg.AttemptTimeout
		if !deadline.IsZero() {
			remaining := deadline.Sub(e.clock.Now())
			if remaining <= 0 {
				e.metrics.recordExhausted(ctx, o.Kind, "deadline")
				return operation.Result{}, fmt.Errorf("%w: %s deadline %s reached before attempt %d", ErrExhausted, o.Kind, e.cfg.Deadline, attempt)
			}
			if timeout <= 0 || remaining < timeout {
				timeout = remaining
			}
		}
		res, err := e.attempt(ctx, o, attempt, timeout)
		if err == nil {
			if attempt > 1 {
				logger.Debug("op.retry.recovered", "attempt", attempt)
			}
			return res, nil
		}
		if !operation.IsTransient(err) {
			return res, err
		}
		if attempt >= e.cfg.MaxAttempts {
			e.metrics.recordExhausted(ctx, o.Kind, "attempts")
			logger.Warn("op.retry.exhausted", "attempts", attempt, "error", err)
			return res, fmt.Errorf("%w: %s after %d attempts: %w", ErrExhausted, o.Kind, attempt, err)
		}
		if !deadline.IsZero() && !e.clock.Now().Add(delay).Before(deadline) {
			e.metrics.recordExhausted(ctx, o.Kind, "deadline")
			logger.Warn("op.retry.deadline", "attempts", attempt, "deadline", e.cfg.Deadline, "error", err)
			return res, fmt.Errorf("%w: %s deadline %s reached after %d attempts: %w", ErrExhausted, o.Kind, e.cfg.Deadline, attempt, err)
		}
		logger.Debug("op.retry.attempt",
			"attempt", attempt,
			"max_attempts", e.cfg.MaxAttempts,
			"delay", delay,
			"stale_topology", operation.IsStaleTopology(err),
			"error", err,
		)
		if rerr := e.ch.RefreshTopology(ctx); rerr != nil {
			logger.Warn("op.retry.refresh_failed", "error", rerr)
		}
		if serr := clock.Sleep(ctx, e.clock, delay); serr != nil {
			return res, serr
		}
		next := time.Duration(float64(delay) * e.cfg.Multiplier)
		if next > e.cfg.MaxDelay {
			next = e.cfg.MaxDelay
		}
		delay = next
	}
}

func (e *Engine) attempt(ctx context.Context, o operation.Operation, attempt int, timeout time.Duration) (operation.Result, error) {
	ctx, span := e.tracer.Start(ctx, "cachetx.op."+o.Kind.String(), trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("cachetx.op", o.Kind.String()),
		attribute.Int("cachetx.attempt", attempt),
		attribute.String("cachetx.cache", o.CacheName),
	)
	if !o.Xid.IsZero() {
		span.SetAttributes(attribute.String("cachetx.xid", o.Xid.String()))
	}
	topologyID := e.ch.CurrentTopology().ID
	span.SetAttributes(attribute.Int("cachetx.topology_id", int(topologyID)))

	begin := e.clock.Now()
	res, err := operation.Execute(ctx, e.ch, o, timeout)
	result := attemptResult(res, err)
	e.metrics.recordAttempt(ctx, o.Kind, result, e.clock.Now().Sub(begin))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		return res, err
	}
	span.SetAttributes(
		attribute.String("cachetx.status", res.Status.String()),
		attribute.Int("cachetx.xa_code", int(res.XACode)),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func attemptResult(res operation.Result, err error) string {
	switch {
	case err == nil && res.Degraded:
		return "degraded"
	case err == nil && res.ShouldRetry:
		return "conflict"
	case err == nil:
		return "ok"
	case operation.IsStaleTopology(err):
		return "stale_topology"
	case operation.IsTransient(err):
		return "transient"
	case operation.IsProtocol(err):
		return "protocol"
	default:
		return "error"
	}
}
