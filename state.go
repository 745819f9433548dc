package raft

// RaftState is a replica's role (spec §3 "Replica state").
type RaftState uint8

const (
	Follower RaftState = iota
	Candidate
	Leader
	// Unavailable is entered during shutdown; no further RPCs or client
	// operations are serviced once set.
	Unavailable
)

func (s RaftState) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// raftState holds the replica's volatile+durable-mirrored fields. Grounded
// on the teacher's raftState struct, generalized to this spec's field set
// and stripped of its atomic.Value usage: spec §5 guarantees a single
// executor ever touches this state, so plain fields suffice, matching the
// spec's explicit "no mutex protects replica state because nothing else
// touches it."
type raftState struct {
	currentTerm Term
	votedFor    ServerID

	commitIndex Index
	lastApplied Index

	lastLogIndex Index
	lastLogTerm  Term

	state RaftState
}

func (r *raftState) getState() RaftState { return r.state }
func (r *raftState) setState(s RaftState) { r.state = s }

func (r *raftState) getCurrentTerm() Term { return r.currentTerm }
func (r *raftState) setCurrentTerm(t Term) { r.currentTerm = t }

func (r *raftState) getVotedFor() ServerID { return r.votedFor }
func (r *raftState) setVotedFor(id ServerID) { r.votedFor = id }

func (r *raftState) getCommitIndex() Index { return r.commitIndex }
func (r *raftState) setCommitIndex(i Index) { r.commitIndex = i }

func (r *raftState) getLastApplied() Index { return r.lastApplied }
func (r *raftState) setLastApplied(i Index) { r.lastApplied = i }

func (r *raftState) getLastLog() (Index, Term) { return r.lastLogIndex, r.lastLogTerm }
func (r *raftState) setLastLog(i Index, t Term) {
	r.lastLogIndex = i
	r.lastLogTerm = t
}
