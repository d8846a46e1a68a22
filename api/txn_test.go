package api

import (
	"testing"
	"time"
)

func TestVoteFromXA(t *testing.T) {
	t.Parallel()

	cases := map[int32]Vote{
		XAOK:       VoteCommit,
		XARdOnly:   VoteReadOnly,
		XARollback: VoteRollback,
		XARBEnd:    VoteRollback,
		XAErProto:  VoteRollback,
	}
	for code, want := range cases {
		if got := VoteFromXA(code); got != want {
			t.Fatalf("VoteFromXA(%d)=%s want %s", code, got, want)
		}
	}
	if VoteCommit.XACode() != XAOK || VoteReadOnly.XACode() != XARdOnly || VoteRollback.XACode() != XARollback {
		t.Fatal("vote xa codes mismatch")
	}
}

func TestOutcomeFromXA(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code   int32
		commit bool
		want   Outcome
	}{
		{XAOK, true, OutcomeCommitted},
		{XAOK, false, OutcomeRolledBack},
		{XAHeurRB, true, OutcomeHeuristicRollback},
		{XAHeurCom, false, OutcomeHeuristicCommit},
		{XAHeurMix, true, OutcomeHeuristicMixed},
		{XAHeurHaz, true, OutcomeHeuristicHazard},
		{XAErNotA, true, OutcomeUnknownXid},
		{XARBBase + 3, true, OutcomeRolledBack},
		{12345, true, OutcomeHeuristicRollback},
	}
	for _, tc := range cases {
		if got := OutcomeFromXA(tc.code, tc.commit); got != tc.want {
			t.Fatalf("OutcomeFromXA(%d,%v)=%s want %s", tc.code, tc.commit, got, tc.want)
		}
	}
	if !OutcomeHeuristicMixed.Heuristic() || OutcomeCommitted.Heuristic() {
		t.Fatal("heuristic classification mismatch")
	}
}

func TestPhaseRankOrdering(t *testing.T) {
	t.Parallel()

	order := []Phase{PhaseActive, PhasePreparing, PhasePrepared, PhaseCompleting, PhaseDone, PhaseForgotten}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("%s should outrank %s", order[i], order[i-1])
		}
	}
	if PhaseAborted.Rank() != PhasePrepared.Rank() || PhaseInDoubt.Rank() != PhaseCompleting.Rank() {
		t.Fatal("sibling phases must share a rank")
	}
}

func TestModificationEqualUsesWirePrecision(t *testing.T) {
	t.Parallel()

	a := Modification{Kind: ModPut, Key: []byte("k"), Value: []byte("v"), Lifespan: 1500 * time.Microsecond, MaxIdle: -time.Hour}
	b := Modification{Kind: ModPut, Key: []byte("k"), Value: []byte("v"), Lifespan: time.Millisecond, MaxIdle: -1}
	if !a.Equal(b) {
		t.Fatal("expected equality after expiry normalization")
	}
	c := a.Clone()
	c.Key[0] = 'x'
	if a.Key[0] != 'k' {
		t.Fatal("Clone shared key storage")
	}
	if kind, ok := ParseModKind("REMOVE_WITH_VERSION"); !ok || kind != ModRemoveWithVersion {
		t.Fatalf("ParseModKind mismatch: %v %v", kind, ok)
	}
}
