package raft

import "context"

// shouldSnapshot reports whether an automatic snapshot is due (spec §4.7
// "drive catch-up round checks, advance commit index... "; snapshotting
// itself is gated on both a minimum interval and a minimum number of
// applied-but-uncompacted entries, the ambient tunables SPEC_FULL.md adds
// alongside the spec's unconditional §4.5/§4.2 mechanics).
func (r *Raft) shouldSnapshot() bool {
	if r.installingSnapshot {
		return false
	}
	now := r.clock.NowMillis()
	if now-r.snapshotSinceMillis < r.conf.SnapshotInterval.Milliseconds() {
		return false
	}
	snapshotLastIndex, _ := r.mlog.SnapshotBoundary()
	applied := uint64(r.getLastApplied())
	if applied <= snapshotLastIndex {
		return false
	}
	return applied-snapshotLastIndex >= r.conf.SnapshotThreshold
}

// takeSnapshot captures the FSM's current state and persists it, then
// compacts the log up to the snapshot boundary minus the configured
// trailing window (spec §4.2 "Put", §4.5/§4.1 compaction).
func (r *Raft) takeSnapshot() error {
	r.installingSnapshot = true
	defer func() { r.installingSnapshot = false }()

	lastApplied := r.getLastApplied()
	if lastApplied == 0 {
		return nil
	}
	lastAppliedTerm, ok := r.mlog.Term(uint64(lastApplied))
	if !ok {
		return newErr(KindCorrupt, "cannot determine term of last applied index %d", lastApplied)
	}

	fsmSnap, err := r.fsm.Snapshot()
	if err != nil {
		return newErr(KindIOError, "fsm snapshot: %v", err)
	}
	defer fsmSnap.Release()

	meta := SnapshotMeta{
		Term:          Term(lastAppliedTerm),
		Index:         lastApplied,
		Timestamp:     r.clock.NowMillis(),
		Configuration: r.committedConfiguration,
	}
	sink, err := r.snapshots.Create(meta)
	if err != nil {
		return newErr(KindIOError, "create snapshot: %v", err)
	}
	if err := fsmSnap.Persist(sink); err != nil {
		sink.Cancel()
		return newErr(KindIOError, "persist snapshot: %v", err)
	}
	if err := sink.Close(); err != nil {
		return newErr(KindIOError, "commit snapshot: %v", err)
	}
	r.conf.Metrics.SnapshotPuts.Inc()
	r.snapshotSinceMillis = r.clock.NowMillis()

	if pruner, ok := r.snapshots.(interface{ Prune() error }); ok {
		if err := pruner.Prune(); err != nil {
			r.log.Warn("snapshot prune failed", "err", err)
		} else {
			r.conf.Metrics.SnapshotPrunes.Inc()
		}
	}

	return r.compactLogs(lastApplied)
}

// compactLogs trims the in-memory log's prefix and the durable log store's
// closed segments up to snapIdx minus TrailingLogs (spec §4.2/§4.5 "compact
// the logs"), keeping a trailing window of committed entries available for
// slow followers without a snapshot transfer.
func (r *Raft) compactLogs(snapIdx Index) error {
	keepFrom := Index(0)
	if uint64(snapIdx) > r.conf.TrailingLogs {
		keepFrom = snapIdx - Index(r.conf.TrailingLogs)
	}
	if keepFrom == 0 {
		return nil
	}

	keepTerm, ok := r.mlog.Term(uint64(keepFrom) - 1)
	if !ok {
		return nil
	}
	if err := r.logStore.Compact(context.Background(), keepFrom); err != nil {
		r.conf.Metrics.Truncations.WithLabelValues("front", "false").Inc()
		return newErr(KindIOError, "compact log store: %v", err)
	}
	r.conf.Metrics.Truncations.WithLabelValues("front", "true").Inc()

	firstRetained := keepFrom
	if r.mlog.FirstIndex() < uint64(firstRetained) {
		snapshotIndex := firstRetained - 1
		r.mlog.SnapshotRestored(uint64(snapshotIndex), keepTerm)
		_ = snapshotIndex
	}
	return nil
}
