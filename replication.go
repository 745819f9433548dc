package raft

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/mossraft/raft/internal/progress"
)

// dispatchLog appends entry to the in-memory log and the durable log
// store, tracks its future, and triggers replication (spec §4.5
// "trigger(index)"). Per spec §5's suspension-point discipline, the
// in-memory append and the disk write happen without yielding in between;
// on a disk error the in-memory append is rolled back on the same call.
func (r *Raft) dispatchLog(ctx context.Context, lf *logFuture) error {
	lastIdx, _ := r.getLastLog()
	index := lastIdx + 1
	term := r.getCurrentTerm()
	lf.log.Index = index
	lf.log.Term = term

	r.mlog.Append(toMemEntry(lf.log))
	if err := r.logStore.Append(ctx, toCodecEntries([]LogEntry{lf.log})); err != nil {
		r.mlog.Discard(uint64(index))
		return newErr(KindIOError, "append log entry %d: %v", index, err)
	}
	r.conf.Metrics.Appends.Inc()

	r.setLastLog(index, term)
	r.pendingLogs[index] = lf

	r.replicate()
	return nil
}

// reconcileTracker adds a fresh Progress for every server in the active
// configuration that the tracker does not hold yet, used on becoming
// leader and after a membership change is proposed (spec §4.4 "On becoming
// leader" generalized to "whenever the voter/standby set changes").
// Servers that have left the configuration stay tracked.
func (r *Raft) reconcileTracker() {
	if r.getState() != Leader {
		return
	}
	lastIdx, _ := r.getLastLog()
	seen := map[ServerID]bool{}
	for _, s := range r.configuration.Servers {
		seen[s.ID] = true
		if s.ID == r.localID {
			continue
		}
		if _, ok := r.tracker.Get(uint64(s.ID)); !ok {
			r.tracker.Init(uint64(s.ID), lastIdx)
		}
	}
}

// replicate drives AppendEntries/InstallSnapshot dispatch to every
// follower (spec §4.5 "progress(follower_i)").
func (r *Raft) replicate() {
	if r.getState() != Leader {
		return
	}
	now := r.clock.NowMillis()
	lastIdx, _ := r.getLastLog()
	heartbeatDue := now >= r.heartbeatDeadlineMillis

	for _, s := range r.configuration.Servers {
		if s.ID == r.localID {
			continue
		}
		p, ok := r.tracker.Get(uint64(s.ID))
		if !ok {
			continue
		}
		if uint64(lastIdx) < p.NextIndex && !heartbeatDue {
			continue
		}
		r.sendToFollower(s, p, lastIdx)
	}
	if heartbeatDue {
		r.heartbeatDeadlineMillis = now + r.heartbeatTimeoutMillis
	}
}

func (r *Raft) sendHeartbeats() {
	r.replicate()
}

func (r *Raft) sendToFollower(s Server, p *progress.Progress, lastIdx Index) {
	snapshotLastIndex, _ := r.mlog.SnapshotBoundary()
	if p.NeedsSnapshot(snapshotLastIndex) {
		r.sendInstallSnapshot(s)
		return
	}
	r.sendAppendEntries(s, lastIdx)
}

func (r *Raft) sendAppendEntries(s Server, lastIdx Index) {
	p, ok := r.tracker.Get(uint64(s.ID))
	if !ok {
		return
	}
	prevIndex := Index(p.NextIndex - 1)
	prevTerm, ok := r.mlog.Term(uint64(prevIndex))
	if !ok {
		// Required entry already compacted away; fall back to snapshot.
		r.sendInstallSnapshot(s)
		return
	}

	end := uint64(lastIdx)
	if end > p.NextIndex+uint64(r.conf.MaxAppendEntries)-1 {
		end = p.NextIndex + uint64(r.conf.MaxAppendEntries) - 1
	}
	var entries []LogEntry
	for i := p.NextIndex; i <= end; i++ {
		e, ok := r.mlog.Get(i)
		if !ok {
			break
		}
		entries = append(entries, fromMemEntry(e))
	}

	req := &AppendEntries{
		Term:         r.getCurrentTerm(),
		LeaderID:     r.localID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  Term(prevTerm),
		LeaderCommit: r.getCommitIndex(),
		Entries:      entries,
	}
	p.LastSendMillis = r.clock.NowMillis()
	r.conf.Metrics.HeartbeatsSent.Inc()

	id, addr := s.ID, s.Address
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.conf.HeartbeatTimeout)
		defer cancel()
		resp, err := r.trans.SendAppendEntries(ctx, id, addr, req)
		r.appendResultCh <- appendResult{from: id, resp: resp, err: err}
	}()
}

func (r *Raft) sendInstallSnapshot(s Server) {
	p, ok := r.tracker.Get(uint64(s.ID))
	if !ok {
		return
	}
	p.EnterSnapshot()

	metas, err := r.snapshots.List()
	if err != nil || len(metas) == 0 {
		r.log.Warn("install snapshot requested but none available", "peer", s.ID)
		return
	}
	meta := metas[0]
	rc, err := r.snapshots.Open(meta)
	if err != nil {
		r.log.Warn("open snapshot failed", "peer", s.ID, "err", err)
		return
	}
	data, err := readAll(rc)
	rc.Close()
	if err != nil {
		r.log.Warn("read snapshot failed", "peer", s.ID, "err", err)
		return
	}

	req := &InstallSnapshot{
		Term:               r.getCurrentTerm(),
		LeaderID:           r.localID,
		LastIndex:          meta.Index,
		LastTerm:           meta.Term,
		ConfigurationIndex: meta.Configuration.Index,
		Configuration:      meta.Configuration,
		Data:               data,
	}
	// sessionID ties the dispatch log line to its eventual result line
	// across the tick boundary, since the send and its completion may be
	// logged many Tick calls apart.
	sessionID := uuid.NewString()
	r.log.Debug("install snapshot dispatched", "peer", s.ID, "session", sessionID, "index", meta.Index)
	id, addr := s.ID, s.Address
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.conf.HeartbeatTimeout*4)
		defer cancel()
		resp, err := r.trans.SendInstallSnapshot(ctx, id, addr, req)
		r.installResultCh <- installResult{from: id, lastIndex: uint64(meta.Index), sessionID: sessionID, resp: resp, err: err}
	}()
}

func readAll(rc ReadCloser) ([]byte, error) {
	var out []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		if n == 0 {
			return out, nil
		}
	}
}

type appendResult struct {
	from ServerID
	resp *AppendEntriesResult
	err  error
}

func (r *Raft) handleAppendResult(res appendResult) {
	if res.err != nil {
		r.log.Warn("append entries send failed", "peer", res.from, "err", res.err)
		return
	}
	resp := res.resp
	r.observeTerm(resp.Term)
	if r.getState() != Leader || resp.Term < r.getCurrentTerm() {
		return
	}
	p, ok := r.tracker.Get(uint64(res.from))
	if !ok {
		return
	}
	if resp.Rejected != 0 {
		p.RejectAt(uint64(resp.LastLogIndex))
	} else {
		p.Success(uint64(resp.LastLogIndex))
	}
	r.advanceCommitIndex()
	r.maybeSendTimeoutNow()
	r.checkCatchUpRound(res.from, p)
}

type installResult struct {
	from      ServerID
	lastIndex uint64
	sessionID string
	resp      *InstallSnapshotResult
	err       error
}

func (r *Raft) handleInstallResult(res installResult) {
	if res.err != nil {
		r.log.Warn("install snapshot send failed", "peer", res.from, "session", res.sessionID, "err", res.err)
		return
	}
	resp := res.resp
	r.log.Debug("install snapshot result", "peer", res.from, "session", res.sessionID, "success", resp.Success)
	r.observeTerm(resp.Term)
	if r.getState() != Leader || resp.Term < r.getCurrentTerm() {
		return
	}
	p, ok := r.tracker.Get(uint64(res.from))
	if !ok {
		return
	}
	if resp.Success {
		p.SnapshotSuccess(res.lastIndex)
		r.advanceCommitIndex()
		r.maybeSendTimeoutNow()
		r.checkCatchUpRound(res.from, p)
	}
}

// checkCatchUpRound advances a non-voter's promotion catch-up round (spec
// §4.4): a round completes once match_index reaches the round's starting
// index. Completed-round bookkeeping itself lives on Progress.Round; actual
// promotion decisions are made by checkPendingPromotion in replica.go,
// which tickLeader calls each Tick and which reads RoundCaughtUp().
func (r *Raft) checkCatchUpRound(id ServerID, p *progress.Progress) {
	if p.Round == nil {
		return
	}
	if p.RoundCaughtUp() {
		lastIdx, _ := r.getLastLog()
		done := p.CompleteRound(uint64(lastIdx), r.clock.NowMillis())
		r.log.Debug("catch-up round complete", "peer", id, "round", done.Number)
	}
}

// advanceCommitIndex recomputes commit_index from the progress table (spec
// §4.5 "Commit advance") and applies newly committed entries to the FSM.
func (r *Raft) advanceCommitIndex() {
	if r.getState() != Leader {
		return
	}
	voters := make([]uint64, 0, len(r.configuration.Voters()))
	for _, id := range r.configuration.Voters() {
		voters = append(voters, uint64(id))
	}
	lastIdx, _ := r.getLastLog()
	quorum := r.configuration.Quorum()
	n := r.tracker.CommitIndex(voters, quorum, uint64(r.localID), uint64(lastIdx), uint64(r.getCurrentTerm()), func(idx uint64) (uint64, bool) {
		return r.mlog.Term(idx)
	})
	if Index(n) > r.getCommitIndex() {
		r.setCommitIndex(Index(n))
		r.conf.Metrics.CommitIndex.Set(float64(n))
		r.applyCommitted()
	}
}
