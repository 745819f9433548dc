package progress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProgressStartsInProbe(t *testing.T) {
	p := New(10)
	require.Equal(t, StateProbe, p.State)
	require.Equal(t, uint64(11), p.NextIndex)
	require.Equal(t, uint64(0), p.MatchIndex)
}

func TestSuccessAdvancesAndEntersPipeline(t *testing.T) {
	p := New(0)
	p.Success(5)
	require.Equal(t, uint64(5), p.MatchIndex)
	require.Equal(t, uint64(6), p.NextIndex)
	require.Equal(t, StatePipeline, p.State)
}

func TestSuccessNeverRegressesMatch(t *testing.T) {
	p := New(0)
	p.Success(5)
	p.Success(3) // stale/reordered ack
	require.Equal(t, uint64(5), p.MatchIndex)
}

func TestRejectAtBacksOffNextIndex(t *testing.T) {
	p := New(10) // next = 11
	p.RejectAt(4)
	require.Equal(t, uint64(5), p.NextIndex)
	require.Equal(t, StateProbe, p.State)
}

func TestRejectAtNeverGoesBelowMatchPlusOne(t *testing.T) {
	p := New(0)
	p.Success(5) // match=5, next=6
	p.RejectAt(0)
	require.Equal(t, uint64(6), p.NextIndex)
}

func TestRejectDecrementStepsDownByOne(t *testing.T) {
	p := New(10) // next=11
	p.RejectDecrement()
	require.Equal(t, uint64(10), p.NextIndex)
	require.Equal(t, StateProbe, p.State)
}

func TestSnapshotSuccessJumpsMatchAndNext(t *testing.T) {
	p := New(0)
	p.EnterSnapshot()
	require.Equal(t, StateSnapshot, p.State)
	p.SnapshotSuccess(100)
	require.Equal(t, uint64(100), p.MatchIndex)
	require.Equal(t, uint64(101), p.NextIndex)
	require.Equal(t, StateProbe, p.State)
}

func TestNeedsSnapshot(t *testing.T) {
	p := New(0)
	p.NextIndex = 5
	require.True(t, p.NeedsSnapshot(10))
	require.False(t, p.NeedsSnapshot(4))
	require.False(t, p.NeedsSnapshot(0))
}

func TestRoundLifecycle(t *testing.T) {
	p := New(0)
	p.StartRound(1, 50, 1000)
	require.False(t, p.RoundCaughtUp())

	p.MatchIndex = 50
	require.True(t, p.RoundCaughtUp())

	done := p.CompleteRound(60, 2000)
	require.Equal(t, 1, done.Number)
	require.Equal(t, 2, p.Round.Number)
	require.Equal(t, uint64(60), p.Round.StartIndex)
}

func TestSnapshotAndRestoreRoundTrip(t *testing.T) {
	p := New(5)
	p.Success(3)
	saved := p.Snapshot()

	p.Success(9)
	require.Equal(t, uint64(9), p.MatchIndex)

	p.Restore(saved)
	require.Equal(t, uint64(3), p.MatchIndex)
}

func TestTrackerInitGetRemove(t *testing.T) {
	tr := NewTracker()
	tr.Init(1, 10)
	p, ok := tr.Get(1)
	require.True(t, ok)
	require.Equal(t, uint64(11), p.NextIndex)

	tr.Remove(1)
	_, ok = tr.Get(1)
	require.False(t, ok)
}

func TestTrackerResetClearsAll(t *testing.T) {
	tr := NewTracker()
	tr.Init(1, 10)
	tr.Init(2, 10)
	tr.Reset()
	_, ok := tr.Get(1)
	require.False(t, ok)
	_, ok = tr.Get(2)
	require.False(t, ok)
}

func sameTermAt(term uint64) func(uint64) (uint64, bool) {
	return func(uint64) (uint64, bool) { return term, true }
}

func TestCommitIndexRequiresMajorityAtCurrentTerm(t *testing.T) {
	tr := NewTracker()
	tr.Init(2, 0)
	tr.Init(3, 0)
	p2, _ := tr.Get(2)
	p2.MatchIndex = 7
	p3, _ := tr.Get(3)
	p3.MatchIndex = 7

	voters := []uint64{1, 2, 3}
	n := tr.CommitIndex(voters, 2, 1, 7, 5, sameTermAt(5))
	require.Equal(t, uint64(7), n)
}

func TestCommitIndexRefusesOlderTermEvenWithMajority(t *testing.T) {
	tr := NewTracker()
	tr.Init(2, 0)
	tr.Init(3, 0)
	p2, _ := tr.Get(2)
	p2.MatchIndex = 7
	p3, _ := tr.Get(3)
	p3.MatchIndex = 7

	// Entry at index 7 was written in a prior term: must never commit solely
	// because a majority now replicates it (spec §3 "leader only directly
	// commits entries from its own term").
	voters := []uint64{1, 2, 3}
	n := tr.CommitIndex(voters, 2, 1, 7, 5, sameTermAt(4))
	require.Equal(t, uint64(0), n)
}

func TestCommitIndexWithoutMajorityStaysZero(t *testing.T) {
	tr := NewTracker()
	tr.Init(2, 0)
	tr.Init(3, 0)
	p2, _ := tr.Get(2)
	p2.MatchIndex = 7

	// Self and follower 2 at index 7 are only 2 of 5 voters, short of quorum 3.
	voters := []uint64{1, 2, 3, 4, 5}
	n := tr.CommitIndex(voters, 3, 1, 7, 5, sameTermAt(5))
	require.Equal(t, uint64(0), n)
}
