// Package txncoord is the participant side of the XA contract. It keeps one
// record per Xid, drives prepare, commit, rollback and forget through the
// retry engine, and guards every phase change with compare-and-swap so a
// transaction manager thread and the timeout sweeper never issue conflicting
// operations for the same Xid.
package txncoord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/cachetx/api"
	"pkt.systems/cachetx/internal/clock"
	"pkt.systems/cachetx/internal/correlation"
	"pkt.systems/cachetx/internal/loggingutil"
	"pkt.systems/cachetx/internal/operation"
	"pkt.systems/cachetx/internal/uuidv7"
)

// Executor runs one logical operation, retries included. *retry.Engine
// satisfies it.
type Executor interface {
	Run(ctx context.Context, o operation.Operation) (operation.Result, error)
}

// Config configures the coordinator.
type Config struct {
	Executor Executor
	Logger   pslog.Logger
	Clock    clock.Clock
	// DefaultTimeout is the transaction timeout of newly enlisted records. It
	// is sent with v3.1 prepares and bounds how long a record may stay active
	// before the sweeper rolls it back. Zero disables both.
	DefaultTimeout time.Duration
	// Recoverable asks the server to keep prepared state for recovery.
	Recoverable bool
	// DecisionRetention is how long settled records stay queryable before
	// the sweeper evicts them. Zero keeps them until forgotten and evicted
	// manually.
	DecisionRetention time.Duration
}

// Coordinator tracks transaction records and issues participant calls.
type Coordinator struct {
	exec           Executor
	logger         pslog.Logger
	clock          clock.Clock
	metrics        *txncoordMetrics
	defaultTimeout time.Duration
	recoverable    bool
	retention      time.Duration

	mu      sync.RWMutex
	records map[api.Xid]*record
	// evicted remembers Xids the sweeper dropped, for one more retention
	// window, so they cannot be enlisted and prepared a second time.
	evicted map[api.Xid]evictedXid
}

type evictedXid struct {
	phase api.Phase
	at    time.Time
}

type record struct {
	xid     api.Xid
	cache   string
	created time.Time
	phase   atomic.Int32

	mu          sync.Mutex
	mods        []api.Modification
	timeout     time.Duration
	recoverable bool
	onePhase    bool
	vote        api.Vote
	conflict    bool
	unknown     bool
	readOnly    bool
	timedOut    bool
	decided     bool
	commit      bool
	outcome     api.Outcome
	finished    time.Time
	lastErr     error
}

func (r *record) load() api.Phase { return api.Phase(r.phase.Load()) }

// New builds a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Executor == nil {
		return nil, errors.New("txncoord: executor required")
	}
	if cfg.DefaultTimeout < 0 {
		return nil, fmt.Errorf("txncoord: negative default timeout %s", cfg.DefaultTimeout)
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "cachetx.txn")
	return &Coordinator{
		exec:           cfg.Executor,
		logger:         logger,
		clock:          clock.Or(cfg.Clock),
		metrics:        newTxncoordMetrics(logger),
		defaultTimeout: cfg.DefaultTimeout,
		recoverable:    cfg.Recoverable,
		retention:      cfg.DecisionRetention,
		records:        make(map[api.Xid]*record),
		evicted:        make(map[api.Xid]evictedXid),
	}, nil
}

func (c *Coordinator) callLogger(ctx context.Context, xid api.Xid) pslog.Logger {
	logger := c.logger.With("xid", xid.String())
	if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
	}
	return logger
}

func (c *Coordinator) get(xid api.Xid) *record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records[xid]
}

func (c *Coordinator) lookup(xid api.Xid) (*record, error) {
	if rec := c.get(xid); rec != nil {
		return rec, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownXid, xid)
}

func (c *Coordinator) cas(ctx context.Context, rec *record, from, to api.Phase) bool {
	if !rec.phase.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.metrics.recordTransition(ctx, from, to)
	return true
}

// finish moves rec from one phase to DONE and records the decision. Readers
// that observe DONE take rec.mu before reading the decision.
func (c *Coordinator) finish(ctx context.Context, rec *record, from api.Phase, commit bool, outcome api.Outcome) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return c.finishLocked(ctx, rec, from, commit, outcome)
}

func (c *Coordinator) finishLocked(ctx context.Context, rec *record, from api.Phase, commit bool, outcome api.Outcome) bool {
	if !c.cas(ctx, rec, from, api.PhaseDone) {
		return false
	}
	rec.decided = true
	rec.commit = commit
	rec.outcome = outcome
	rec.finished = c.clock.Now()
	return true
}

// Enlist creates the record for xid on cacheName, or returns the existing one.
// An Xid whose settled record was evicted by the sweeper is rejected until
// the next retention window has passed.
func (c *Coordinator) Enlist(cacheName string, xid api.Xid) error {
	if xid.IsZero() {
		return ErrInvalidXid
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[xid]; ok {
		if rec.cache != cacheName {
			return fmt.Errorf("%w: %s enlisted on %q, not %q", ErrCacheMismatch, xid, rec.cache, cacheName)
		}
		if rec.load() == api.PhaseForgotten {
			return phaseError("enlist", rec, nil)
		}
		return nil
	}
	if ev, ok := c.evicted[xid]; ok {
		return &PhaseError{Op: "enlist", Xid: xid, Phase: ev.phase}
	}
	rec := &record{
		xid:         xid,
		cache:       cacheName,
		created:     c.clock.Now(),
		timeout:     c.defaultTimeout,
		recoverable: c.recoverable,
	}
	c.records[xid] = rec
	c.logger.Debug("txn.enlist", "xid", xid.String(), "cache", cacheName)
	return nil
}

// SetTimeout overrides the transaction timeout of an active record.
func (c *Coordinator) SetTimeout(xid api.Xid, timeout time.Duration) error {
	if timeout < 0 {
		return fmt.Errorf("txncoord: negative timeout %s", timeout)
	}
	rec, err := c.lookup(xid)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.load() != api.PhaseActive {
		return phaseError("set_timeout", rec, ErrNotActive)
	}
	rec.timeout = timeout
	return nil
}

// AddModification appends m to the record. Only active records accept
// modifications.
func (c *Coordinator) AddModification(xid api.Xid, m api.Modification) error {
	if !m.Kind.Valid() {
		return fmt.Errorf("txncoord: invalid modification kind %d", m.Kind)
	}
	rec, err := c.lookup(xid)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.load() != api.PhaseActive {
		return phaseError("add_modification", rec, ErrNotActive)
	}
	rec.mods = append(rec.mods, m.Clone())
	return nil
}

// Prepare asks the server to vote on xid. A conflict or a rollback vote
// aborts the record and is reported as VoteRollback without an error; an
// error means the server could not be asked or answered with a protocol
// failure, and the record is aborted with unknown server state.
func (c *Coordinator) Prepare(ctx context.Context, xid api.Xid, onePhase bool) (api.Vote, error) {
	rec, err := c.lookup(xid)
	if err != nil {
		return 0, err
	}
	return c.prepare(ctx, rec, onePhase)
}

func (c *Coordinator) prepare(ctx context.Context, rec *record, onePhase bool) (api.Vote, error) {
	if !c.cas(ctx, rec, api.PhaseActive, api.PhasePreparing) {
		return 0, phaseError("prepare", rec, nil)
	}
	rec.mu.Lock()
	rec.onePhase = onePhase
	op := operation.Prepare(rec.cache, rec.xid, onePhase, rec.recoverable, rec.timeout, slices.Clone(rec.mods))
	rec.mu.Unlock()

	logger := c.callLogger(ctx, rec.xid)
	start := c.clock.Now()
	res, err := c.exec.Run(ctx, op)
	elapsed := c.clock.Now().Sub(start)

	if err != nil {
		rec.mu.Lock()
		rec.vote = api.VoteRollback
		rec.unknown = true
		rec.lastErr = err
		c.cas(ctx, rec, api.PhasePreparing, api.PhaseAborted)
		rec.mu.Unlock()
		c.metrics.recordPrepare(ctx, api.VoteRollback, false, elapsed)
		logger.Warn("txn.prepare.failed",
			"cache", op.CacheName,
			"one_phase", onePhase,
			"modifications", len(op.Modifications),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return api.VoteRollback, fmt.Errorf("txncoord: prepare %s: %w", rec.xid, err)
	}

	vote := api.VoteFromXA(res.XACode)
	if res.ShouldRetry {
		vote = api.VoteRollback
	}
	rec.mu.Lock()
	rec.vote = vote
	rec.conflict = res.ShouldRetry
	switch vote {
	case api.VoteCommit:
		if onePhase {
			if c.cas(ctx, rec, api.PhasePreparing, api.PhaseCompleting) {
				c.finishLocked(ctx, rec, api.PhaseCompleting, true, api.OutcomeCommitted)
			}
		} else {
			c.cas(ctx, rec, api.PhasePreparing, api.PhasePrepared)
		}
	case api.VoteReadOnly:
		rec.readOnly = true
		if c.cas(ctx, rec, api.PhasePreparing, api.PhaseDone) {
			rec.finished = c.clock.Now()
		}
	default:
		if c.cas(ctx, rec, api.PhasePreparing, api.PhaseAborted) && onePhase {
			c.finishLocked(ctx, rec, api.PhaseAborted, false, api.OutcomeRolledBack)
		}
	}
	rec.mu.Unlock()

	c.metrics.recordPrepare(ctx, vote, res.ShouldRetry, elapsed)
	if res.ShouldRetry {
		logger.Info("txn.prepare.conflict",
			"cache", op.CacheName,
			"one_phase", onePhase,
			"duration_ms", elapsed.Milliseconds(),
		)
	} else {
		logger.Debug("txn.prepare.vote",
			"cache", op.CacheName,
			"vote", vote.String(),
			"xa_code", res.XACode,
			"one_phase", onePhase,
			"modifications", len(op.Modifications),
			"duration_ms", elapsed.Milliseconds(),
		)
	}
	return vote, nil
}

// Commit commits xid. With onePhase set on an active record the commit is a
// single prepare carrying the one-phase flag. An Xid without a local record
// is completed on the server directly, which is how recovered in-doubt
// branches are resolved.
func (c *Coordinator) Commit(ctx context.Context, xid api.Xid, onePhase bool) (api.Outcome, error) {
	rec := c.get(xid)
	if rec == nil {
		if onePhase {
			return 0, fmt.Errorf("%w: %s", ErrUnknownXid, xid)
		}
		return c.completeRemote(ctx, xid, true)
	}
	if onePhase && rec.load() == api.PhaseActive {
		vote, err := c.prepare(ctx, rec, true)
		if err != nil {
			return 0, err
		}
		if vote == api.VoteRollback {
			return api.OutcomeRolledBack, nil
		}
		return api.OutcomeCommitted, nil
	}
	return c.complete(ctx, rec, true)
}

// Rollback rolls xid back. Records that never reached the server, or that
// the server already rolled back with its vote, settle locally.
func (c *Coordinator) Rollback(ctx context.Context, xid api.Xid) (api.Outcome, error) {
	rec := c.get(xid)
	if rec == nil {
		return c.completeRemote(ctx, xid, false)
	}
	return c.complete(ctx, rec, false)
}

func (c *Coordinator) complete(ctx context.Context, rec *record, commit bool) (api.Outcome, error) {
	name := decisionLabel(commit)
	for {
		from := rec.load()
		switch from {
		case api.PhaseActive:
			if commit {
				return 0, phaseError(name, rec, nil)
			}
			if c.finish(ctx, rec, api.PhaseActive, false, api.OutcomeRolledBack) {
				c.callLogger(ctx, rec.xid).Debug("txn.rollback.local", "reason", "active")
				return api.OutcomeRolledBack, nil
			}
			continue
		case api.PhaseAborted:
			if commit {
				return 0, phaseError(name, rec, nil)
			}
			rec.mu.Lock()
			unknown := rec.unknown
			rec.mu.Unlock()
			if !unknown {
				if c.finish(ctx, rec, api.PhaseAborted, false, api.OutcomeRolledBack) {
					c.callLogger(ctx, rec.xid).Debug("txn.rollback.local", "reason", "vote")
					return api.OutcomeRolledBack, nil
				}
				continue
			}
		case api.PhasePrepared, api.PhaseInDoubt:
		case api.PhaseDone:
			return c.recorded(rec, commit)
		default:
			return 0, phaseError(name, rec, nil)
		}
		if c.cas(ctx, rec, from, api.PhaseCompleting) {
			break
		}
	}
	return c.sendComplete(ctx, rec, commit)
}

func (c *Coordinator) recorded(rec *record, commit bool) (api.Outcome, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch {
	case rec.readOnly && commit:
		return api.OutcomeCommitted, nil
	case rec.readOnly:
		return api.OutcomeRolledBack, nil
	case rec.decided && rec.commit == commit:
		return rec.outcome, nil
	}
	return 0, &PhaseError{Op: decisionLabel(commit), Xid: rec.xid, Phase: api.PhaseDone}
}

func (c *Coordinator) sendComplete(ctx context.Context, rec *record, commit bool) (api.Outcome, error) {
	logger := c.callLogger(ctx, rec.xid)
	start := c.clock.Now()
	res, err := c.exec.Run(ctx, operation.Complete(rec.xid, commit))
	elapsed := c.clock.Now().Sub(start)
	if err != nil {
		rec.mu.Lock()
		rec.lastErr = err
		c.cas(ctx, rec, api.PhaseCompleting, api.PhaseInDoubt)
		rec.mu.Unlock()
		c.metrics.recordComplete(ctx, commit, "in_doubt", elapsed)
		logger.Warn("txn.complete.in_doubt",
			"decision", decisionLabel(commit),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return 0, fmt.Errorf("txncoord: %s %s: %w", decisionLabel(commit), rec.xid, err)
	}
	outcome := api.OutcomeFromXA(res.XACode, commit)
	if res.Degraded {
		logger.Warn("txn.complete.degraded", "decision", decisionLabel(commit), "cause", res.Cause)
	}
	c.finish(ctx, rec, api.PhaseCompleting, commit, outcome)
	c.metrics.recordComplete(ctx, commit, outcome.String(), elapsed)
	logger.Debug("txn.complete.done",
		"decision", decisionLabel(commit),
		"outcome", outcome.String(),
		"xa_code", res.XACode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return outcome, nil
}

func (c *Coordinator) completeRemote(ctx context.Context, xid api.Xid, commit bool) (api.Outcome, error) {
	if xid.IsZero() {
		return 0, ErrInvalidXid
	}
	logger := c.callLogger(ctx, xid)
	start := c.clock.Now()
	res, err := c.exec.Run(ctx, operation.Complete(xid, commit))
	elapsed := c.clock.Now().Sub(start)
	if err != nil {
		c.metrics.recordComplete(ctx, commit, "error", elapsed)
		logger.Warn("txn.complete.recovered_failed", "decision", decisionLabel(commit), "error", err)
		return 0, fmt.Errorf("txncoord: %s %s: %w", decisionLabel(commit), xid, err)
	}
	outcome := api.OutcomeFromXA(res.XACode, commit)
	c.metrics.recordComplete(ctx, commit, outcome.String(), elapsed)
	logger.Info("txn.complete.recovered",
		"decision", decisionLabel(commit),
		"outcome", outcome.String(),
		"duration_ms", elapsed.Milliseconds(),
	)
	return outcome, nil
}

// Forget tombstones the local record and asks the server to discard any
// in-doubt state. The tombstone stays even when the server call fails; an
// Xid the server does not know is forgotten successfully.
func (c *Coordinator) Forget(ctx context.Context, xid api.Xid) error {
	if xid.IsZero() {
		return ErrInvalidXid
	}
	logger := c.callLogger(ctx, xid)
	if rec := c.get(xid); rec != nil {
		rec.mu.Lock()
		prev := api.Phase(rec.phase.Swap(int32(api.PhaseForgotten)))
		if prev != api.PhaseForgotten {
			rec.finished = c.clock.Now()
			c.metrics.recordTransition(ctx, prev, api.PhaseForgotten)
		}
		rec.mu.Unlock()
		logger.Debug("txn.forget.local", "previous_phase", prev.String())
	}
	if _, err := c.exec.Run(ctx, operation.Forget(xid)); err != nil {
		logger.Warn("txn.forget.failed", "error", err)
		return fmt.Errorf("txncoord: forget %s: %w", xid, err)
	}
	return nil
}

// Recover lists the Xids the server holds in doubt. It does not touch local
// records.
func (c *Coordinator) Recover(ctx context.Context) ([]api.Xid, error) {
	res, err := c.exec.Run(ctx, operation.Recovery())
	if err != nil {
		return nil, fmt.Errorf("txncoord: recover: %w", err)
	}
	c.logger.Debug("txn.recover", "in_doubt", len(res.Xids))
	now := c.clock.Now()
	for _, xid := range res.Xids {
		if created, ok := uuidv7.Timestamp(xid.GlobalID()); ok {
			c.logger.Debug("txn.recover.xid", "xid", xid.String(), "age", now.Sub(created).Round(time.Millisecond))
		}
	}
	return res.Xids, nil
}

// Info is a point-in-time copy of one record.
type Info struct {
	Xid           api.Xid
	CacheName     string
	Phase         api.Phase
	Modifications []api.Modification
	OnePhase      bool
	Recoverable   bool
	Timeout       time.Duration
	Vote          api.Vote
	// Conflict is set when the server refused the prepare because of a
	// concurrent modification. The caller may re-drive the work under a new Xid.
	Conflict bool
	// ServerStateUnknown is set when prepare failed without a vote.
	ServerStateUnknown bool
	ReadOnly           bool
	TimedOut           bool
	Outcome            api.Outcome
	Created            time.Time
	Finished           time.Time
	LastError          error
}

// Snapshot returns a copy of the record for xid.
func (c *Coordinator) Snapshot(xid api.Xid) (Info, bool) {
	rec := c.get(xid)
	if rec == nil {
		return Info{}, false
	}
	return rec.info(), true
}

// Len returns the number of tracked records.
func (c *Coordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

func (r *record) info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	mods := make([]api.Modification, len(r.mods))
	for i, m := range r.mods {
		mods[i] = m.Clone()
	}
	return Info{
		Xid:                r.xid,
		CacheName:          r.cache,
		Phase:              r.load(),
		Modifications:      mods,
		OnePhase:           r.onePhase,
		Recoverable:        r.recoverable,
		Timeout:            r.timeout,
		Vote:               r.vote,
		Conflict:           r.conflict,
		ServerStateUnknown: r.unknown,
		ReadOnly:           r.readOnly,
		TimedOut:           r.timedOut,
		Outcome:            r.outcome,
		Created:            r.created,
		Finished:           r.finished,
		LastError:          r.lastErr,
	}
}
