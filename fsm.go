package raft

// FSM is the user-supplied deterministic state machine (spec §1 "OUT of
// scope... the user's state machine (FSM apply callback)"). The core
// drives it, in strictly increasing index order, exactly once per
// committed command entry (spec §8 "State machine safety"); barrier and
// configuration entries are not passed to Apply.
type FSM interface {
	// Apply applies a single committed command entry and returns a
	// response made available through the corresponding ApplyFuture.
	Apply(entry LogEntry) interface{}

	// Snapshot returns a point-in-time FSMSnapshot. The FSM must not
	// block Apply calls while the returned snapshot is persisted; typical
	// implementations copy-on-write or use an already-immutable structure.
	Snapshot() (FSMSnapshot, error)

	// Restore replaces the FSM's entire state from a previously persisted
	// snapshot's data stream.
	Restore(source ReadCloser) error
}

// FSMSnapshot is a point-in-time capture of FSM state ready to be streamed
// to a SnapshotSink.
type FSMSnapshot interface {
	Persist(sink SnapshotSink) error
	Release()
}
