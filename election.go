package raft

import "context"

// Universal rule (spec §4.6): any RPC in or out carrying term > currentTerm
// forces currentTerm <- term, clears vote, and steps down to follower.
// Checked before any other message-specific logic in every receive path.
func (r *Raft) observeTerm(term Term) {
	if term > r.getCurrentTerm() {
		r.setCurrentTerm(term)
		r.setVotedFor(0)
		r.persistTermAndVote()
		if r.getState() != Follower {
			r.stepDown()
		}
	}
}

func (r *Raft) persistTermAndVote() {
	if err := r.stable.SetTerm(r.getCurrentTerm()); err != nil {
		r.fail(newErr(KindIOError, "persist term: %v", err))
		return
	}
	if err := r.stable.SetVote(r.getVotedFor()); err != nil {
		r.fail(newErr(KindIOError, "persist vote: %v", err))
	}
}

// stepDown transitions to follower, failing any in-flight leader-only
// state (spec §8 scenario 6 "all pending client requests fail with
// not-leader").
func (r *Raft) stepDown() {
	wasLeader := r.getState() == Leader
	r.setState(Follower)
	r.leaderID = 0
	r.tracker.Reset()
	if wasLeader {
		for idx, lf := range r.pendingLogs {
			lf.respond(ErrLeadershipLost)
			delete(r.pendingLogs, idx)
		}
		if r.pendingConfig != nil {
			r.pendingConfig.respond(ErrLeadershipLost)
			r.pendingConfig = nil
		}
		if r.promotion != nil {
			r.promotion.future.respond(ErrLeadershipLost)
			r.promotion = nil
		}
		if r.transferFuture != nil {
			if f, ok := r.transferFuture.(*future); ok {
				f.respond(ErrLeadershipLost)
			}
			r.transferFuture = nil
			r.transferTarget = 0
		}
	}
	r.resetElectionTimer()
}

// resetElectionTimer redraws the jittered election deadline in [T, 2T) and
// marks now as the last-contact point it is measured from (spec §4.4
// "recent_recv"): tickElection compares elapsed time since lastContactMillis
// against electionDeadlineMillis rather than an absolute deadline, so a
// contact recorded out of band (recordContact) takes effect without needing
// a separate absolute-deadline recomputation.
func (r *Raft) resetElectionTimer() {
	jitter := int64(r.clock.Rand()) % r.electionTimeoutMillis
	r.electionDeadlineMillis = r.electionTimeoutMillis + jitter
	r.lastContactMillis = r.clock.NowMillis()
}

func (r *Raft) recordContact() {
	r.resetElectionTimer()
}

// electSelf starts a new election (spec §4.6 "Candidate"): bumps the term,
// votes for self, persists, resets the timer, and sends RequestVote to
// every voter.
func (r *Raft) electSelf(disruptLeader bool) {
	r.setState(Candidate)
	r.setCurrentTerm(r.getCurrentTerm() + 1)
	r.setVotedFor(r.localID)
	r.persistTermAndVote()
	r.resetElectionTimer()
	r.conf.Metrics.Elections.Inc()

	r.votesGranted = map[ServerID]bool{r.localID: true}

	lastIdx, lastTerm := r.getLastLog()
	req := &RequestVote{
		Term:          r.getCurrentTerm(),
		CandidateID:   r.localID,
		LastLogIndex:  lastIdx,
		LastLogTerm:   lastTerm,
		DisruptLeader: disruptLeader,
	}

	for _, id := range r.configuration.Voters() {
		if id == r.localID {
			continue
		}
		id := id
		server, _ := r.configuration.Find(id)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.conf.ElectionTimeout)
			defer cancel()
			resp, err := r.trans.SendRequestVote(ctx, id, server.Address, req)
			r.voteResultCh <- voteResult{from: id, resp: resp, err: err}
		}()
	}

	r.checkElectionWon()
}

// voteResult is one RequestVote response, delivered by a worker-pool
// goroutine into voteResultCh and only ever consumed from Tick (spec §5:
// the single executor, not the goroutine, applies its effects).
type voteResult struct {
	from ServerID
	resp *RequestVoteResult
	err  error
}

func (r *Raft) handleVoteResult(v voteResult) {
	if v.err != nil {
		r.log.Warn("request vote send failed", "peer", v.from, "err", v.err)
		return
	}
	resp := v.resp
	from := v.from
	r.observeTerm(resp.Term)
	if r.getState() != Candidate {
		return
	}
	if resp.Term < r.getCurrentTerm() {
		return
	}
	if resp.VoteGranted {
		r.votesGranted[from] = true
		r.checkElectionWon()
	}
}

func (r *Raft) checkElectionWon() {
	if r.getState() != Candidate {
		return
	}
	quorum := r.configuration.Quorum()
	count := 0
	for _, id := range r.configuration.Voters() {
		if r.votesGranted[id] {
			count++
		}
	}
	if count >= quorum {
		r.becomeLeader()
	}
}

// becomeLeader initializes leader-only state and appends the new term's
// barrier entry (spec §4.6 "on entry, append a no-op barrier-like entry in
// the new term to commit residual entries of prior terms").
func (r *Raft) becomeLeader() {
	r.setState(Leader)
	r.leaderID = r.localID
	r.conf.Metrics.ElectionsWon.Inc()
	r.log.Info("entering leader state", "term", r.getCurrentTerm())

	r.tracker.Reset()
	r.reconcileTracker()

	noop := newLogFuture(LogEntry{Type: EntryBarrier})
	if err := r.dispatchLog(context.Background(), noop); err != nil {
		r.log.Error("failed to dispatch leader no-op entry", err)
		r.stepDown()
		return
	}

	r.heartbeatDeadlineMillis = r.clock.NowMillis()
	r.sendHeartbeats()
}

// RequestVote is the receiver-side handler for an incoming RequestVote RPC
// (spec §4.6 "Vote granting").
func (r *Raft) RequestVote(req *RequestVote) *RequestVoteResult {
	r.observeTerm(req.Term)
	resp := &RequestVoteResult{Term: r.getCurrentTerm()}

	if req.Term < r.getCurrentTerm() {
		return resp
	}
	if _, ok := r.configuration.Find(req.CandidateID); !ok {
		return resp
	}

	votedFor := r.getVotedFor()
	if votedFor != 0 && votedFor != req.CandidateID {
		return resp
	}

	lastIdx, lastTerm := r.getLastLog()
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)
	if !upToDate {
		return resp
	}

	r.setVotedFor(req.CandidateID)
	r.persistTermAndVote()
	r.recordContact()
	resp.VoteGranted = true
	return resp
}

// TimeoutNow is the receiver-side handler for a leadership-transfer
// TimeoutNow RPC: start an election immediately, bypassing the timer (spec
// §4.6).
func (r *Raft) TimeoutNow(req *TimeoutNow) {
	r.observeTerm(req.Term)
	if r.getState() == Leader {
		return
	}
	r.electSelf(true)
}

// maybeSendTimeoutNow sends TimeoutNow to the transfer target once it is
// fully caught up (spec §4.6 "If target's match == last_index, send
// TimeoutNow immediately; else schedule after target catches up").
func (r *Raft) maybeSendTimeoutNow() {
	if r.transferTarget == 0 || r.transferSentTimeoutNow {
		return
	}
	p, ok := r.tracker.Get(uint64(r.transferTarget))
	if !ok {
		return
	}
	lastIdx, _ := r.getLastLog()
	if p.MatchIndex != uint64(lastIdx) {
		return
	}
	r.transferSentTimeoutNow = true
	server, _ := r.configuration.Find(r.transferTarget)
	req := &TimeoutNow{Term: r.getCurrentTerm(), LastLogIndex: lastIdx, LastLogTerm: r.lastLogTerm}
	target := r.transferTarget
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.conf.ElectionTimeout)
		defer cancel()
		err := r.trans.SendTimeoutNow(ctx, target, server.Address, req)
		r.transferResultCh <- err
	}()
}

func (r *Raft) completeTransfer(err error) {
	if r.transferFuture == nil {
		return
	}
	if f, ok := r.transferFuture.(*future); ok {
		f.respond(err)
	}
	r.transferFuture = nil
	r.transferTarget = 0
	r.transferSentTimeoutNow = false
}

func (r *Raft) fail(err error) {
	r.log.Error("fatal storage error, replica disabled", err)
	r.setState(Unavailable)
	for idx, lf := range r.pendingLogs {
		lf.respond(err)
		delete(r.pendingLogs, idx)
	}
	if r.pendingConfig != nil {
		r.pendingConfig.respond(err)
		r.pendingConfig = nil
	}
}
