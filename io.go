package raft

import "context"

// This file is the external interfaces surface (spec §6): the
// collaborators the core consumes but never implements itself. Hosts supply
// concrete implementations; this repo ships default ones in
// internal/logstore, internal/snapshotstore, and transport/inmem +
// transport/faulty.
//
// All operations are asynchronous in spirit (spec §5: suspension only at
// awaited completions) but are expressed here as blocking Go methods taking
// a context.Context, matching the "one-thread-per-replica blocking I/O"
// option spec §9 explicitly allows. Transport sends run on goroutines whose
// results Tick drains from channels; log, stable and snapshot store calls
// are made directly from the replica's executor and block it until they
// return.

// LogStore durably persists the replicated log (spec §4.1, §6).
type LogStore interface {
	// FirstIndex returns the first index written, 0 if the log is empty.
	FirstIndex() (Index, error)
	// LastIndex returns the last index written, 0 if the log is empty.
	LastIndex() (Index, error)
	// GetEntry fetches the entry at index.
	GetEntry(index Index) (LogEntry, error)
	// Append durably stores entries, which must be contiguous and
	// immediately follow the current LastIndex.
	Append(ctx context.Context, entries []LogEntry) error
	// Truncate removes every entry at or above index (spec §4.1
	// "Truncation happens only under a barrier").
	Truncate(ctx context.Context, index Index) error
	// Compact removes whole closed segments entirely below keepFrom,
	// i.e. front-truncation at segment granularity, driven by the
	// snapshot/log-pruning protocol (spec §4.2/§4.5 "compact the logs").
	// Entries above keepFrom are never touched, and a segment holding any
	// entry >= keepFrom is left intact even if it also holds older ones.
	Compact(ctx context.Context, keepFrom Index) error
	// Close releases resources, failing any pending operation with
	// KindCanceled (spec §5 "Cancellation").
	Close() error
}

// StableStore durably persists current_term and voted_for (spec §3, §6).
type StableStore interface {
	SetTerm(t Term) error
	GetTerm() (Term, error)
	SetVote(v ServerID) error // v == 0 clears the vote
	GetVote() (ServerID, error)
}

// SnapshotMeta is the metadata half of a stored snapshot (spec §4.2).
type SnapshotMeta struct {
	Term          Term
	Index         Index
	Timestamp     int64 // Clock.NowMillis at creation, used only as a sort tiebreaker
	Configuration Configuration
}

// SnapshotSink receives a snapshot's data bytes while it is being written,
// then is either Close()d (commit) or Cancel()ed (abort).
type SnapshotSink interface {
	Write(p []byte) (int, error)
	Close() error
	Cancel() error
}

// SnapshotStore durably persists FSM snapshots (spec §4.2, §6).
type SnapshotStore interface {
	// Create begins writing a new snapshot described by meta. Pruning of
	// older snapshots follows §4.2's keep-last-two rule.
	Create(meta SnapshotMeta) (SnapshotSink, error)
	// List returns all stored snapshots' metadata, most recent first
	// (spec §4.2 sort key: term desc, then index desc, then timestamp desc).
	List() ([]SnapshotMeta, error)
	// Open opens the data file for the snapshot with the given metadata.
	Open(meta SnapshotMeta) (ReadCloser, error)
}

// ReadCloser avoids pulling in io just for this one interface's doc.
type ReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

// RPC is one inbound message handed to the replica by the transport, along
// with a Respond callback (spec §3 "Incoming messages are owned by the
// callee for the call and freed by it").
type RPC struct {
	Command interface{} // one of *RequestVote, *AppendEntries, *InstallSnapshot, *TimeoutNow
	RespondFn func(resp interface{}, err error)
}

func (r RPC) Respond(resp interface{}, err error) {
	if r.RespondFn != nil {
		r.RespondFn(resp, err)
	}
}

// Transport is the send/recv collaborator (spec §1 "the network transport
// (a send/recv interface)", §6). Each Send* method blocks until the target
// replies or ctx ends and returns the result or a plain Go error; the
// replica calls them from goroutines and hands the results to Tick over
// channels, so a send never blocks the caller's tick.
type Transport interface {
	// LocalID is this transport's owning server id.
	LocalID() ServerID
	// Consumer is the channel of inbound RPCs this transport delivers.
	Consumer() <-chan RPC

	SendRequestVote(ctx context.Context, target ServerID, addr string, req *RequestVote) (*RequestVoteResult, error)
	SendAppendEntries(ctx context.Context, target ServerID, addr string, req *AppendEntries) (*AppendEntriesResult, error)
	SendInstallSnapshot(ctx context.Context, target ServerID, addr string, req *InstallSnapshot) (*InstallSnapshotResult, error)
	SendTimeoutNow(ctx context.Context, target ServerID, addr string, req *TimeoutNow) error

	Close() error
}

// Clock is the time/randomness collaborator (spec §6 "time() →
// monotonic_ms", "random() → uint32"). Abstracted so tests can drive a
// deterministic fake clock instead of wall time.
type Clock interface {
	// NowMillis returns a monotonically increasing millisecond timestamp.
	NowMillis() int64
	// Rand returns a pseudo-random uint32, used only for election timeout
	// jitter; not required to be cryptographically secure.
	Rand() uint32
}
