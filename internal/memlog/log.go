// Package memlog implements the in-memory log of spec §4.3: a container
// indexed by raft index, contiguous over [first_index .. last_index], with
// a snapshot-trailing tail that pins the prefix once entries are
// compacted away. It is the leader/follower's fast working copy; the
// durable copy lives in internal/logstore, and callers write it in the same
// call as the in-memory append.
package memlog

// Entry is memlog's flat record shape, mirroring package raft's LogEntry
// (index, term, type, payload) without importing it, avoiding a cycle.
type Entry struct {
	Index   uint64
	Term    uint64
	Type    uint8
	Payload []byte
}

// Log is a ring-buffer-style container (spec §4.3). It is not safe for
// concurrent use; the replica's single-threaded executor owns it
// exclusively (spec §5).
type Log struct {
	entries []Entry // entries[i] has Index == snapshotLastIndex+1+i

	snapshotLastIndex uint64
	snapshotLastTerm  uint64
}

// New returns an empty log pinned at the given snapshot boundary (0,0) for
// a brand new replica.
func New(snapshotLastIndex, snapshotLastTerm uint64) *Log {
	return &Log{snapshotLastIndex: snapshotLastIndex, snapshotLastTerm: snapshotLastTerm}
}

// FirstIndex is the lowest index still held, snapshotLastIndex+1.
func (l *Log) FirstIndex() uint64 { return l.snapshotLastIndex + 1 }

// LastIndex is the highest index held, or the snapshot boundary if empty.
func (l *Log) LastIndex() uint64 {
	if len(l.entries) == 0 {
		return l.snapshotLastIndex
	}
	return l.entries[len(l.entries)-1].Index
}

// LastTerm is the term of LastIndex, or the snapshot's term if empty (spec
// §4.3 invariant).
func (l *Log) LastTerm() uint64 {
	if len(l.entries) == 0 {
		return l.snapshotLastTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// SnapshotBoundary returns the pinned (index, term) prefix.
func (l *Log) SnapshotBoundary() (uint64, uint64) {
	return l.snapshotLastIndex, l.snapshotLastTerm
}

// Append adds entry, which must have Index == LastIndex()+1.
func (l *Log) Append(e Entry) {
	l.entries = append(l.entries, e)
}

// Get returns the entry at index and whether it was found (false if index
// is outside [FirstIndex, LastIndex] or falls within the compacted prefix).
func (l *Log) Get(index uint64) (Entry, bool) {
	if index < l.FirstIndex() || index > l.LastIndex() {
		return Entry{}, false
	}
	return l.entries[index-l.FirstIndex()], true
}

// Term returns the term of the entry at index, or the snapshot term if
// index equals the snapshot boundary, with ok=false otherwise.
func (l *Log) Term(index uint64) (uint64, bool) {
	if index == l.snapshotLastIndex {
		return l.snapshotLastTerm, true
	}
	e, ok := l.Get(index)
	return e.Term, ok
}

// Truncate drops every entry at or above fromIndex (used on
// conflicting-entry resolution in AppendEntries handling). Unless the whole
// log is dropped it reslices, so the dropped payloads stay referenced by
// the backing array until later appends overwrite them.
func (l *Log) Truncate(fromIndex uint64) {
	if fromIndex <= l.FirstIndex() {
		l.entries = nil
		return
	}
	if fromIndex > l.LastIndex() {
		return
	}
	l.entries = l.entries[:fromIndex-l.FirstIndex()]
}

// Discard drops every entry at or above fromIndex without distinguishing
// itself from Truncate at the data-structure level; it exists as a named
// spec operation (spec §4.3) used specifically for append-error rollback,
// where the caller wants the intent ("this never should have been
// appended") documented at the call site even though the mechanics match
// Truncate exactly.
func (l *Log) Discard(fromIndex uint64) {
	l.Truncate(fromIndex)
}

// SnapshotRestored drops every entry at or below lastIndex and repins the
// prefix to (lastIndex, lastTerm), per spec §4.3.
func (l *Log) SnapshotRestored(lastIndex, lastTerm uint64) {
	if lastIndex > l.LastIndex() {
		l.entries = nil
	} else if lastIndex >= l.FirstIndex() {
		l.entries = l.entries[lastIndex-l.FirstIndex()+1:]
	}
	// else: lastIndex < FirstIndex(), nothing to drop, just repin below.
	l.snapshotLastIndex = lastIndex
	l.snapshotLastTerm = lastTerm
}

// Len returns the number of entries currently held in memory (excludes the
// compacted prefix).
func (l *Log) Len() int { return len(l.entries) }
