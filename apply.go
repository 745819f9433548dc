package raft

import "context"

// dispatchRPC routes one inbound RPC (spec §6) to its handler and replies
// via its RespondFn. Invoked once per drained message inside Tick.
func (r *Raft) dispatchRPC(rpc RPC) {
	switch req := rpc.Command.(type) {
	case *RequestVote:
		rpc.Respond(r.RequestVote(req), nil)
	case *AppendEntries:
		rpc.Respond(r.AppendEntriesRPC(req), nil)
	case *InstallSnapshot:
		rpc.Respond(r.InstallSnapshotRPC(req), nil)
	case *TimeoutNow:
		r.TimeoutNow(req)
		rpc.Respond(nil, nil)
	default:
		rpc.Respond(nil, newErr(KindMalformed, "unknown rpc type %T", req))
	}
}

// AppendEntriesRPC is the follower-side receive handler (spec §4.5/§4.6).
func (r *Raft) AppendEntriesRPC(req *AppendEntries) *AppendEntriesResult {
	r.observeTerm(req.Term)
	resp := &AppendEntriesResult{Term: r.getCurrentTerm()}

	if req.Term < r.getCurrentTerm() {
		lastIdx, _ := r.getLastLog()
		resp.LastLogIndex = lastIdx
		resp.Rejected = req.PrevLogIndex + 1
		return resp
	}
	if r.getState() != Follower {
		r.setState(Follower)
	}
	r.leaderID = req.LeaderID
	r.recordContact()

	// Log-matching check (spec §3 Log-Match invariant, §4.5 receiver
	// reconciliation via prev_index/prev_term).
	if req.PrevLogIndex > 0 {
		prevTerm, ok := r.mlog.Term(uint64(req.PrevLogIndex))
		if !ok || prevTerm != uint64(req.PrevLogTerm) {
			lastIdx, _ := r.getLastLog()
			resp.LastLogIndex = lastIdx
			resp.Rejected = req.PrevLogIndex
			return resp
		}
	}

	var newEntries []LogEntry
	for i, e := range req.Entries {
		existingTerm, ok := r.mlog.Term(uint64(e.Index))
		if ok && existingTerm == uint64(e.Term) {
			continue
		}
		if ok {
			// Conflicting entry: truncate the suffix (leader append-only,
			// follower's old suffix is discarded) both in memory and on
			// disk.
			r.mlog.Truncate(uint64(e.Index))
			if err := r.logStore.Truncate(context.Background(), e.Index); err != nil {
				r.fail(newErr(KindIOError, "truncate log at %d: %v", e.Index, err))
				return resp
			}
			lastIdx, _ := r.getLastLog()
			if uint64(e.Index) <= uint64(lastIdx) {
				r.setLastLog(e.Index-1, termOrZero(r.mlog, e.Index-1))
			}
		}
		newEntries = req.Entries[i:]
		break
	}
	if len(newEntries) > 0 {
		var toPersist []LogEntry
		for _, entry := range newEntries {
			r.mlog.Append(toMemEntry(entry))
			toPersist = append(toPersist, entry)
			if entry.Type == EntryConfiguration {
				cfg, err := decodeConfiguration(entry.Index, entry.Data)
				if err != nil {
					r.fail(err)
					return resp
				}
				r.configuration = cfg
			}
		}
		if err := r.logStore.Append(context.Background(), toCodecEntries(toPersist)); err != nil {
			r.fail(newErr(KindIOError, "append replicated entries: %v", err))
			return resp
		}
		r.conf.Metrics.Appends.Inc()
		last := newEntries[len(newEntries)-1]
		r.setLastLog(Index(last.Index), Term(last.Term))
	}

	if req.LeaderCommit > r.getCommitIndex() {
		lastIdx, _ := r.getLastLog()
		newCommit := req.LeaderCommit
		if newCommit > lastIdx {
			newCommit = lastIdx
		}
		r.setCommitIndex(newCommit)
		r.applyCommitted()
	}

	lastIdx, _ := r.getLastLog()
	resp.LastLogIndex = lastIdx
	return resp
}

func termOrZero(l interface{ Term(uint64) (uint64, bool) }, idx Index) Term {
	t, _ := l.Term(uint64(idx))
	return Term(t)
}

// InstallSnapshotRPC is the follower-side receive handler (spec §4.5
// "InstallSnapshot receiver").
func (r *Raft) InstallSnapshotRPC(req *InstallSnapshot) *InstallSnapshotResult {
	r.observeTerm(req.Term)
	resp := &InstallSnapshotResult{Term: r.getCurrentTerm()}

	if req.Term < r.getCurrentTerm() {
		lastIdx, _ := r.getLastLog()
		resp.LastLogIndex = lastIdx
		return resp
	}
	if r.getState() != Follower {
		r.setState(Follower)
	}
	r.leaderID = req.LeaderID
	r.recordContact()

	if req.LastIndex <= r.getLastApplied() {
		resp.Success = true
		lastIdx, _ := r.getLastLog()
		resp.LastLogIndex = lastIdx
		return resp
	}

	meta := SnapshotMeta{
		Term:      req.LastTerm,
		Index:     req.LastIndex,
		Timestamp: r.clock.NowMillis(),
		Configuration: req.Configuration,
	}
	sink, err := r.snapshots.Create(meta)
	if err != nil {
		r.fail(newErr(KindIOError, "create snapshot sink: %v", err))
		return resp
	}
	if _, err := sink.Write(req.Data); err != nil {
		sink.Cancel()
		r.fail(newErr(KindIOError, "write snapshot data: %v", err))
		return resp
	}
	if err := sink.Close(); err != nil {
		r.fail(newErr(KindIOError, "commit snapshot: %v", err))
		return resp
	}
	r.conf.Metrics.SnapshotPuts.Inc()
	if pruner, ok := r.snapshots.(interface{ Prune() error }); ok {
		if err := pruner.Prune(); err == nil {
			r.conf.Metrics.SnapshotPrunes.Inc()
		}
	}

	if err := r.logStore.Truncate(context.Background(), req.LastIndex+1); err != nil {
		r.fail(newErr(KindIOError, "truncate after snapshot install: %v", err))
		return resp
	}
	if err := r.logStore.Compact(context.Background(), req.LastIndex+1); err != nil {
		r.fail(newErr(KindIOError, "compact after snapshot install: %v", err))
		return resp
	}
	r.mlog.SnapshotRestored(uint64(req.LastIndex), uint64(req.LastTerm))
	r.setCommitIndex(req.LastIndex)
	r.setLastApplied(req.LastIndex)
	r.setLastLog(req.LastIndex, req.LastTerm)
	r.configuration = req.Configuration
	r.committedConfiguration = req.Configuration

	rc, err := r.snapshots.Open(meta)
	if err != nil {
		r.fail(newErr(KindIOError, "reopen installed snapshot: %v", err))
		return resp
	}
	if err := r.fsm.Restore(rc); err != nil {
		rc.Close()
		r.fail(newErr(KindIOError, "restore fsm from installed snapshot: %v", err))
		return resp
	}
	rc.Close()

	resp.Success = true
	resp.LastLogIndex = req.LastIndex
	return resp
}

// applyCommitted applies every entry between lastApplied+1 and commitIndex
// to the FSM in order (spec §8 "State machine safety"), completing
// pendingLogs/pendingConfig futures as their index is reached.
func (r *Raft) applyCommitted() {
	commit := r.getCommitIndex()
	applied := r.getLastApplied()
	for idx := applied + 1; idx <= commit; idx++ {
		e, ok := r.mlog.Get(uint64(idx))
		if !ok {
			break
		}
		entry := fromMemEntry(e)
		var response interface{}
		switch entry.Type {
		case EntryCommand:
			response = r.fsm.Apply(entry)
		case EntryConfiguration:
			cfg, err := decodeConfiguration(entry.Index, entry.Data)
			if err == nil {
				r.committedConfiguration = cfg
			}
			if r.pendingConfig != nil && r.pendingConfig.log.Index == entry.Index {
				r.pendingConfig.respond(nil)
				r.pendingConfig = nil
			}
			if r.conf.ShutdownOnRemove && r.getState() != Unavailable {
				if _, ok := cfg.Find(r.localID); !ok {
					defer r.Shutdown()
				}
			}
		case EntryBarrier:
			// satisfied below alongside any other pending future
		}
		r.setLastApplied(entry.Index)
		r.conf.Metrics.LastApplied.Set(float64(entry.Index))
		if lf, ok := r.pendingLogs[entry.Index]; ok {
			lf.response = response
			lf.respond(nil)
			delete(r.pendingLogs, entry.Index)
		}
	}
}
