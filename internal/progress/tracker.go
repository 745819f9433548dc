// Package progress implements the leader-only per-follower progress table
// of spec §4.4: next/match indices, replication state, and catch-up rounds
// for promoting a non-voter.
package progress

// State is one follower's replication mode (spec §4.4).
type State int

const (
	// StateProbe is used while the leader doesn't know how far the
	// follower's log matches. The replication engine does not limit
	// outstanding AppendEntries by state; it sends to a probing follower
	// the same way as to a pipelined one.
	StateProbe State = iota
	// StatePipeline is used once the leader has confirmed a match point;
	// multiple AppendEntries may be outstanding at once.
	StatePipeline
	// StateSnapshot is used while an InstallSnapshot is in flight because
	// the follower's required index is at or below the snapshot boundary.
	StateSnapshot
)

func (s State) String() string {
	switch s {
	case StateProbe:
		return "probe"
	case StatePipeline:
		return "pipeline"
	case StateSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Round tracks one in-progress catch-up round for promoting a standby to
// voter (spec §4.4 "Catch-up rounds").
type Round struct {
	Number     int
	StartIndex uint64 // log.last_index at round start
	StartMillis int64
}

// Progress is the leader's view of one follower (spec §4.4's table).
type Progress struct {
	State        State
	NextIndex    uint64
	MatchIndex   uint64
	RecentRecv   bool
	LastSendMillis int64

	// Round is non-nil only while a catch-up promotion is being tracked
	// for this follower.
	Round *Round
}

// New returns a freshly-initialized Progress for a follower as a leader
// steps up: next = lastIndex+1, match = 0, state = probe (spec §4.4
// "On becoming leader").
func New(lastIndex uint64) *Progress {
	return &Progress{State: StateProbe, NextIndex: lastIndex + 1}
}

// Success updates progress after a successful AppendEntries ack for index k
// (spec §4.4 "On success result for index k").
func (p *Progress) Success(k uint64) {
	if k > p.MatchIndex {
		p.MatchIndex = k
	}
	p.NextIndex = p.MatchIndex + 1
	p.RecentRecv = true
	if p.State == StateProbe {
		p.State = StatePipeline
	}
}

// RejectAt updates progress after a rejection where the follower reports
// its own last log index L (spec §4.4 "On reject with follower's last_log_index L").
func (p *Progress) RejectAt(l uint64) {
	next := l + 1
	if next >= p.NextIndex {
		next = p.NextIndex - 1
	}
	if next < p.MatchIndex+1 {
		next = p.MatchIndex + 1
	}
	if next < 1 {
		next = 1
	}
	p.NextIndex = next
	p.State = StateProbe
	p.RecentRecv = true
}

// RejectDecrement is the plain linear-decrement path used when the
// follower's log is ahead at a conflicting term and no better hint is
// available (spec §4.4; bisection-by-term is explicitly optional and not
// implemented here, per spec §9 "simple linear next_index decrement is
// specified; optimized jump-by-term is permitted").
func (p *Progress) RejectDecrement() {
	if p.NextIndex > p.MatchIndex+1 {
		p.NextIndex--
	}
	p.State = StateProbe
	p.RecentRecv = true
}

// EnterSnapshot switches this follower into snapshot-transfer mode because
// its required index is at or below the snapshot boundary.
func (p *Progress) EnterSnapshot() {
	p.State = StateSnapshot
}

// SnapshotSuccess updates progress after a successful InstallSnapshot
// (spec §4.4 "On snapshot success").
func (p *Progress) SnapshotSuccess(snapshotLastIndex uint64) {
	p.MatchIndex = snapshotLastIndex
	p.NextIndex = p.MatchIndex + 1
	p.State = StateProbe
	p.RecentRecv = true
}

// NeedsSnapshot reports whether the next index to send is at or below
// snapshotLastIndex, meaning the leader no longer has the entries needed
// (spec §4.5 "If next ≤ snapshot_last_index").
func (p *Progress) NeedsSnapshot(snapshotLastIndex uint64) bool {
	return snapshotLastIndex > 0 && p.NextIndex <= snapshotLastIndex
}

// StartRound begins (or restarts) a catch-up round at the leader's current
// last log index (spec §4.4).
func (p *Progress) StartRound(number int, lastIndex uint64, nowMillis int64) {
	p.Round = &Round{Number: number, StartIndex: lastIndex, StartMillis: nowMillis}
}

// CompleteRound advances the round counter once match_index has caught up
// to the round's starting index, per spec §4.4 ("Each completed round
// updates round_index = last_index and increments"). Returns the round
// that just completed.
func (p *Progress) CompleteRound(lastIndex uint64, nowMillis int64) *Round {
	if p.Round == nil {
		return nil
	}
	done := *p.Round
	p.Round = &Round{Number: done.Number + 1, StartIndex: lastIndex, StartMillis: nowMillis}
	return &done
}

// RoundCaughtUp reports whether this follower's match index has reached
// the current round's starting index, meaning the round is complete.
func (p *Progress) RoundCaughtUp() bool {
	return p.Round != nil && p.MatchIndex >= p.Round.StartIndex
}

// Snapshot returns a copy of p's fields. Only this package's tests call
// Snapshot and Restore; the replica's configuration-change path does not.
func (p *Progress) Snapshot() Progress { return *p }

// Restore overwrites p's fields from a previously taken Snapshot.
func (p *Progress) Restore(s Progress) { *p = s }

// Tracker holds one Progress per follower configuration index, plus the
// bookkeeping needed to compute commit advance (spec §4.5).
type Tracker struct {
	byID map[uint64]*Progress
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{byID: make(map[uint64]*Progress)}
}

// Init (re)initializes one follower's Progress, e.g. on becoming leader or
// when a new server joins the configuration.
func (t *Tracker) Init(id uint64, lastIndex uint64) *Progress {
	p := New(lastIndex)
	t.byID[id] = p
	return p
}

// Get returns the Progress for id, if tracked.
func (t *Tracker) Get(id uint64) (*Progress, bool) {
	p, ok := t.byID[id]
	return p, ok
}

// Remove stops tracking id (spec: a server left the configuration).
func (t *Tracker) Remove(id uint64) { delete(t.byID, id) }

// Reset clears every tracked follower (used on leadership loss and reuse
// prevention across terms).
func (t *Tracker) Reset() { t.byID = make(map[uint64]*Progress) }

// CommitIndex computes the highest N such that at least quorum of voterIDs
// have MatchIndex >= N, restricted to candidates whose log term at N equals
// currentTerm (spec §4.5's term-safety rule). termAt must return
// (term, true) for the local leader's own log at a candidate N — the
// leader's own match is always lastIndex and always counts.
func (t *Tracker) CommitIndex(voterIDs []uint64, quorum int, selfID uint64, selfLastIndex uint64, currentTerm uint64, termAt func(idx uint64) (uint64, bool)) uint64 {
	// Candidate N values are every distinct match index (plus self's last
	// index) among voters, checked from highest to lowest.
	candidates := map[uint64]bool{selfLastIndex: true}
	matches := make(map[uint64]uint64, len(voterIDs))
	for _, id := range voterIDs {
		if id == selfID {
			matches[id] = selfLastIndex
			continue
		}
		if p, ok := t.byID[id]; ok {
			matches[id] = p.MatchIndex
			candidates[p.MatchIndex] = true
		}
	}

	var best uint64
	for n := range candidates {
		if n == 0 {
			continue
		}
		term, ok := termAt(n)
		if !ok || term != currentTerm {
			continue
		}
		count := 0
		for _, id := range voterIDs {
			if matches[id] >= n {
				count++
			}
		}
		if count >= quorum && n > best {
			best = n
		}
	}
	return best
}
