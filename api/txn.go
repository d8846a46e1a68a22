package api

import "fmt"

// XA return codes exchanged with the server and surfaced to transaction managers.
const (
	XAOK       int32 = 0
	XARdOnly   int32 = 3
	XAHeurMix  int32 = 5
	XAHeurRB   int32 = 6
	XAHeurCom  int32 = 7
	XAHeurHaz  int32 = 8
	XARBBase   int32 = 100
	XARollback int32 = 100
	XARBEnd    int32 = 107
	XAErNotA   int32 = -4
	XAErProto  int32 = -6
	XAErRMFail int32 = -7
)

// IsRollbackCode reports whether code lies in the XA_RB* range.
func IsRollbackCode(code int32) bool {
	return code >= XARBBase && code <= XARBEnd
}

// Vote is the participant's answer to prepare.
type Vote uint8

const (
	// VoteCommit means the branch is prepared and may be committed (XA_OK).
	VoteCommit Vote = iota + 1
	// VoteReadOnly means the branch made no changes and needs no completion (XA_RDONLY).
	VoteReadOnly
	// VoteRollback means the branch was rolled back and must not be committed.
	VoteRollback
)

func (v Vote) String() string {
	switch v {
	case VoteCommit:
		return "commit"
	case VoteReadOnly:
		return "read_only"
	case VoteRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// XACode maps the vote to the XA return value expected from prepare.
func (v Vote) XACode() int32 {
	switch v {
	case VoteCommit:
		return XAOK
	case VoteReadOnly:
		return XARdOnly
	default:
		return XARollback
	}
}

// VoteFromXA translates a prepare return code. Unknown codes vote rollback.
func VoteFromXA(code int32) Vote {
	switch code {
	case XAOK:
		return VoteCommit
	case XARdOnly:
		return VoteReadOnly
	default:
		return VoteRollback
	}
}

// Outcome is the definite result of a commit or rollback.
type Outcome uint8

const (
	// OutcomeCommitted means the branch committed.
	OutcomeCommitted Outcome = iota + 1
	// OutcomeRolledBack means the branch rolled back.
	OutcomeRolledBack
	// OutcomeHeuristicCommit means the participant committed on its own.
	OutcomeHeuristicCommit
	// OutcomeHeuristicRollback means the participant rolled back on its own.
	OutcomeHeuristicRollback
	// OutcomeHeuristicMixed means part of the branch committed and part rolled back.
	OutcomeHeuristicMixed
	// OutcomeHeuristicHazard means the participant cannot tell what happened.
	OutcomeHeuristicHazard
	// OutcomeUnknownXid means the server had no record of the branch.
	OutcomeUnknownXid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeHeuristicCommit:
		return "heuristic_commit"
	case OutcomeHeuristicRollback:
		return "heuristic_rollback"
	case OutcomeHeuristicMixed:
		return "heuristic_mixed"
	case OutcomeHeuristicHazard:
		return "heuristic_hazard"
	case OutcomeUnknownXid:
		return "unknown_xid"
	default:
		return "unknown"
	}
}

// Heuristic reports whether the outcome was decided unilaterally by the participant.
func (o Outcome) Heuristic() bool {
	switch o {
	case OutcomeHeuristicCommit, OutcomeHeuristicRollback, OutcomeHeuristicMixed, OutcomeHeuristicHazard:
		return true
	}
	return false
}

// OutcomeFromXA translates a completion return code. commit selects the
// outcome reported for XA_OK.
func OutcomeFromXA(code int32, commit bool) Outcome {
	switch {
	case code == XAOK || code == XARdOnly:
		if commit {
			return OutcomeCommitted
		}
		return OutcomeRolledBack
	case code == XAHeurCom:
		return OutcomeHeuristicCommit
	case code == XAHeurRB:
		return OutcomeHeuristicRollback
	case code == XAHeurMix:
		return OutcomeHeuristicMixed
	case code == XAHeurHaz:
		return OutcomeHeuristicHazard
	case code == XAErNotA:
		return OutcomeUnknownXid
	case IsRollbackCode(code):
		return OutcomeRolledBack
	default:
		return OutcomeHeuristicRollback
	}
}

// Phase is the coordinator-side state of one transaction branch.
type Phase int32

const (
	PhaseActive Phase = iota
	PhasePreparing
	PhasePrepared
	PhaseAborted
	PhaseCompleting
	// PhaseInDoubt marks a prepared branch whose completion could not be
	// confirmed; the server keeps it until it is committed, rolled back or
	// forgotten.
	PhaseInDoubt
	PhaseDone
	PhaseForgotten
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhasePreparing:
		return "preparing"
	case PhasePrepared:
		return "prepared"
	case PhaseAborted:
		return "aborted"
	case PhaseCompleting:
		return "completing"
	case PhaseInDoubt:
		return "in_doubt"
	case PhaseDone:
		return "done"
	case PhaseForgotten:
		return "forgotten"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Rank orders phases for monotonicity checks. A phase transition never lowers
// the rank.
func (p Phase) Rank() int {
	switch p {
	case PhaseActive:
		return 0
	case PhasePreparing:
		return 1
	case PhasePrepared, PhaseAborted:
		return 2
	case PhaseCompleting, PhaseInDoubt:
		return 3
	case PhaseDone:
		return 4
	case PhaseForgotten:
		return 5
	default:
		return -1
	}
}

// XAError carries an XA error code for transaction manager adapters.
type XAError struct {
	Code int32
	Op   string
	Err  error
}

func (e *XAError) Error() string {
	if e == nil {
		return "xa error"
	}
	if e.Err != nil {
		return fmt.Sprintf("xa %s failed (code %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("xa %s failed (code %d)", e.Op, e.Code)
}

func (e *XAError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
