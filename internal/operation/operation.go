// Package operation turns the transactional calls into wire requests and
// their responses into typed results. Every operation is a value of the
// closed Operation type and runs through the single Execute function; the
// opcodes come from the protocol table, never from the call site.
package operation

import (
	"fmt"
	"time"

	"pkt.systems/cachetx/api"
	"pkt.systems/cachetx/internal/wire"
)

// Kind selects the transactional operation.
type Kind uint8

const (
	KindPrepare Kind = iota + 1
	KindCommit
	KindRollback
	KindForget
	KindRecovery
)

func (k Kind) String() string { return k.wireOp().String() }

func (k Kind) wireOp() wire.Op {
	switch k {
	case KindPrepare:
		return wire.OpPrepare
	case KindCommit:
		return wire.OpCommit
	case KindRollback:
		return wire.OpRollback
	case KindForget:
		return wire.OpForget
	case KindRecovery:
		return wire.OpRecovery
	}
	return 0
}

// IsComplete reports whether k is commit or rollback.
func (k Kind) IsComplete() bool { return k == KindCommit || k == KindRollback }

// Operation is one transactional request. Fields that do not apply to Kind
// are ignored.
type Operation struct {
	Kind          Kind
	CacheName     string
	Xid           api.Xid
	OnePhase      bool
	Recoverable   bool
	Timeout       time.Duration
	Modifications []api.Modification
}

// Prepare builds a prepare for xid on cacheName carrying mods in order.
func Prepare(cacheName string, xid api.Xid, onePhase, recoverable bool, timeout time.Duration, mods []api.Modification) Operation {
	return Operation{
		Kind:          KindPrepare,
		CacheName:     cacheName,
		Xid:           xid,
		OnePhase:      onePhase,
		Recoverable:   recoverable,
		Timeout:       timeout,
		Modifications: mods,
	}
}

// Complete builds a commit (commit=true) or rollback for xid. Completion is
// global: the server already holds the branch's cache from prepare.
func Complete(xid api.Xid, commit bool) Operation {
	if commit {
		return Operation{Kind: KindCommit, Xid: xid}
	}
	return Operation{Kind: KindRollback, Xid: xid}
}

// Forget builds a forget for xid.
func Forget(xid api.Xid) Operation { return Operation{Kind: KindForget, Xid: xid} }

// Recovery builds a listing of in-doubt xids.
func Recovery() Operation { return Operation{Kind: KindRecovery} }

// Request renders o as a wire request stamped with topologyID.
func (o Operation) Request(topologyID int32) wire.Request {
	req := wire.Request{
		Header: wire.RequestHeader{
			CacheName:    o.CacheName,
			Intelligence: wire.IntelligenceTopologyAware,
			TopologyID:   topologyID,
		},
		Op:  o.Kind.wireOp(),
		Xid: o.Xid,
	}
	if o.Kind == KindPrepare {
		req.Prepare = wire.PrepareBody{
			Xid:           o.Xid,
			OnePhase:      o.OnePhase,
			Recoverable:   o.Recoverable,
			Timeout:       o.Timeout,
			Modifications: o.Modifications,
		}
	}
	return req
}

// Size returns the encoded request size under p.
func (o Operation) Size(p *wire.Protocol, topologyID int32) int {
	return p.RequestSize(o.Request(topologyID))
}

// Result is the typed outcome of one operation.
type Result struct {
	Status wire.Status
	// XACode is the vote for prepare and the outcome for commit/rollback.
	XACode int32
	// Xids lists in-doubt branches for recovery.
	Xids []api.Xid
	// ShouldRetry is set when prepare hit a conflict. Resubmission is the
	// coordinator's decision.
	ShouldRetry bool
	// Degraded is set when a completion answer could not be read and XACode
	// was replaced by XA_HEURRB. Cause holds the underlying failure.
	Degraded bool
	Cause    error
}

// Accept maps a decoded response to o's result. Error responses become
// *StatusError, except terminal ones answering a completion, which degrade to
// XA_HEURRB. A response opcode that does not pair with the request is
// ErrOpcodeMismatch.
func (o Operation) Accept(p *wire.Protocol, resp wire.Response) (Result, error) {
	h := resp.Header
	res := Result{Status: h.Status}
	if h.Opcode == wire.ErrorResponseOpcode {
		serr := &StatusError{Op: o.Kind, Status: h.Status, Message: resp.Body.ErrorMessage}
		if o.Kind == KindRecovery && h.Status == wire.StatusUnknownCommand {
			return res, fmt.Errorf("%w: %w", ErrRecoveryNotSupported, serr)
		}
		if o.Kind.IsComplete() && !h.Status.IsTransient() {
			return degrade(res, serr), nil
		}
		return res, serr
	}
	codes, ok := p.Opcodes(o.Kind.wireOp())
	if !ok || h.Opcode != codes.Response {
		return res, fmt.Errorf("%w: %s expected 0x%02x, got 0x%02x", ErrOpcodeMismatch, o.Kind, codes.Response, h.Opcode)
	}
	switch o.Kind {
	case KindPrepare:
		switch {
		case h.Status == wire.StatusSuccess:
			res.XACode = resp.Body.XACode
		case h.Status == wire.StatusNotExecuted:
			res.ShouldRetry = true
		default:
			res.XACode = api.XARollback
		}
	case KindCommit, KindRollback:
		if h.Status != wire.StatusSuccess || !resp.Body.HasXACode {
			return degrade(res, fmt.Errorf("%s answered with status %s", o.Kind, h.Status)), nil
		}
		res.XACode = resp.Body.XACode
	case KindForget:
	case KindRecovery:
		if h.Status == wire.StatusSuccess {
			res.Xids = resp.Body.Xids
		}
	}
	return res, nil
}

func degrade(res Result, cause error) Result {
	res.XACode = api.XAHeurRB
	res.Degraded = true
	res.Cause = cause
	return res
}
