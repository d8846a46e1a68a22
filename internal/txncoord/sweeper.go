package txncoord

import (
	"context"
	"time"

	"pkt.systems/cachetx/api"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	RolledBack int
	Evicted    int
}

// Sweep rolls back active records whose transaction timeout has elapsed and
// evicts settled or forgotten records older than the decision retention.
// Evicted Xids stay blocked from Enlist for one further retention window.
// Timed-out records never reached the server, so the rollback is local and
// races with prepare through the same phase swap.
func (c *Coordinator) Sweep(ctx context.Context) SweepResult {
	now := c.clock.Now()
	c.mu.RLock()
	recs := make([]*record, 0, len(c.records))
	for _, rec := range c.records {
		recs = append(recs, rec)
	}
	c.mu.RUnlock()

	var res SweepResult
	var evict []*record
	for _, rec := range recs {
		switch rec.load() {
		case api.PhaseActive:
			if c.expire(ctx, rec, now) {
				res.RolledBack++
			}
		case api.PhaseDone, api.PhaseForgotten:
			if c.retention > 0 && c.settledBefore(rec, now.Add(-c.retention)) {
				evict = append(evict, rec)
			}
		}
	}
	c.mu.Lock()
	for _, rec := range evict {
		if c.records[rec.xid] == rec {
			delete(c.records, rec.xid)
			c.evicted[rec.xid] = evictedXid{phase: rec.load(), at: now}
			res.Evicted++
		}
	}
	if c.retention > 0 {
		cutoff := now.Add(-c.retention)
		for xid, ev := range c.evicted {
			if ev.at.Before(cutoff) {
				delete(c.evicted, xid)
			}
		}
	}
	c.mu.Unlock()
	c.metrics.recordSweep(ctx, "timeout", res.RolledBack)
	c.metrics.recordSweep(ctx, "retention", res.Evicted)
	if res.RolledBack > 0 || res.Evicted > 0 {
		c.logger.Debug("txn.sweep", "rolled_back", res.RolledBack, "evicted", res.Evicted, "remaining", c.Len())
	}
	return res
}

func (c *Coordinator) expire(ctx context.Context, rec *record, now time.Time) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.timeout <= 0 || now.Sub(rec.created) < rec.timeout {
		return false
	}
	if !c.finishLocked(ctx, rec, api.PhaseActive, false, api.OutcomeRolledBack) {
		return false
	}
	rec.timedOut = true
	c.logger.Info("txn.sweep.timeout_rollback",
		"xid", rec.xid.String(),
		"cache", rec.cache,
		"timeout", rec.timeout,
		"modifications", len(rec.mods),
	)
	return true
}

func (c *Coordinator) settledBefore(rec *record, cutoff time.Time) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return !rec.finished.IsZero() && rec.finished.Before(cutoff)
}

// Run sweeps every interval until ctx ends.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(interval):
			c.Sweep(ctx)
		}
	}
}
