package raft

// Wire messages (spec §6). Field semantics are stable across
// implementations; on-the-wire encoding is the host's responsibility (the
// transport only needs to move these Go values, or their serialized form,
// from one replica to another).

// RequestVote is sent by a candidate to every voter.
type RequestVote struct {
	Term           Term
	CandidateID    ServerID
	LastLogIndex   Index
	LastLogTerm    Term
	DisruptLeader  bool // set during a leadership-transfer-triggered election
}

// RequestVoteResult is the reply to RequestVote.
type RequestVoteResult struct {
	Term         Term
	VoteGranted  bool
}

// AppendEntries is sent by the leader to replicate (or heartbeat to) a
// follower.
type AppendEntries struct {
	Term         Term
	LeaderID     ServerID
	PrevLogIndex Index
	PrevLogTerm  Term
	LeaderCommit Index
	Entries      []LogEntry
}

// AppendEntriesResult is the reply to AppendEntries.
type AppendEntriesResult struct {
	Term    Term
	// Rejected holds the index we rejected on; 0 means accepted.
	Rejected Index
	LastLogIndex Index
}

// InstallSnapshot is sent by the leader when a follower has fallen behind
// the leader's log-trailing window.
type InstallSnapshot struct {
	Term                Term
	LeaderID            ServerID
	LastIndex           Index
	LastTerm            Term
	ConfigurationIndex  Index
	Configuration       Configuration
	Data                []byte
}

// InstallSnapshotResult is the reply to InstallSnapshot.
type InstallSnapshotResult struct {
	Term         Term
	Success      bool
	LastLogIndex Index
}

// TimeoutNow instructs its recipient to start an election immediately,
// bypassing its election timer, as part of a leadership transfer (spec
// §4.6).
type TimeoutNow struct {
	Term         Term
	LastLogIndex Index
	LastLogTerm  Term
}
