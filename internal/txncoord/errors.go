package txncoord

import (
	"errors"
	"fmt"

	"pkt.systems/cachetx/api"
)

var (
	// ErrUnknownXid reports an Xid with no local record.
	ErrUnknownXid = errors.New("txncoord: unknown xid")
	// ErrInvalidPhase reports a call that the record's current phase does not allow.
	ErrInvalidPhase = errors.New("txncoord: invalid phase")
	// ErrNotActive reports a modification added after prepare started.
	ErrNotActive = errors.New("txncoord: transaction not active")
	// ErrCacheMismatch reports an Xid enlisted again on a different cache.
	ErrCacheMismatch = errors.New("txncoord: xid enlisted on another cache")
	// ErrInvalidXid reports the zero Xid.
	ErrInvalidXid = errors.New("txncoord: invalid xid")
)

// PhaseError carries the phase observed when a call was rejected. It matches
// ErrInvalidPhase, and ErrNotActive when Err says so.
type PhaseError struct {
	Op    string
	Xid   api.Xid
	Phase api.Phase
	Err   error
}

func (e *PhaseError) Error() string {
	reason := ErrInvalidPhase
	if e.Err != nil {
		reason = e.Err
	}
	return fmt.Sprintf("%v: %s %s in phase %s", reason, e.Op, e.Xid, e.Phase)
}

func (e *PhaseError) Unwrap() []error {
	if e.Err == nil || errors.Is(e.Err, ErrInvalidPhase) {
		return []error{ErrInvalidPhase}
	}
	return []error{e.Err, ErrInvalidPhase}
}

func phaseError(op string, rec *record, err error) error {
	return &PhaseError{Op: op, Xid: rec.xid, Phase: rec.load(), Err: err}
}
