package raft

// Tick is the single driver function the host invokes periodically (spec
// §4.7, e.g. every 100ms): it drains any completed async I/O results,
// drains inbound RPCs, advances election/heartbeat timers, runs
// replication, advances the commit index, and applies newly committed
// entries. The host must call Tick (and every client-facing method) from
// one goroutine only — spec §5's single-executor model.
func (r *Raft) Tick() error {
	if r.isShutdown() {
		return ErrShutdown
	}

	r.drainAsync()
	r.drainRPC()

	switch r.getState() {
	case Follower, Candidate:
		r.tickElection()
	case Leader:
		r.tickLeader()
	}

	if r.getState() != Unavailable && r.shouldSnapshot() {
		if err := r.takeSnapshot(); err != nil {
			r.log.Warn("automatic snapshot failed", "err", err)
		}
	}

	r.conf.Metrics.CurrentTerm.Set(float64(r.getCurrentTerm()))
	return nil
}

// drainAsync applies every completed async result queued since the last
// Tick, without blocking if none are pending.
func (r *Raft) drainAsync() {
	for {
		select {
		case v := <-r.voteResultCh:
			r.handleVoteResult(v)
		case a := <-r.appendResultCh:
			r.handleAppendResult(a)
		case i := <-r.installResultCh:
			r.handleInstallResult(i)
		case err := <-r.transferResultCh:
			r.completeTransfer(err)
		default:
			return
		}
	}
}

// drainRPC processes every inbound RPC queued on the transport's consumer
// channel since the last Tick.
func (r *Raft) drainRPC() {
	for {
		select {
		case rpc := <-r.trans.Consumer():
			r.dispatchRPC(rpc)
		default:
			return
		}
	}
}

func (r *Raft) tickElection() {
	if r.electionDeadlineMillis == 0 {
		r.resetElectionTimer()
		return
	}
	// Only a voter ever starts an election: a server with no configuration
	// yet (just joining, still learning the cluster via replication) or
	// one present only as a standby/spare must wait passively instead of
	// bumping the term for a candidacy no quorum would ever count (spec
	// §3 "non-voters never participate in elections").
	if !r.isVoter() {
		return
	}
	if r.clock.NowMillis()-r.lastContactMillis >= r.electionDeadlineMillis {
		r.electSelf(false)
	}
}

func (r *Raft) isVoter() bool {
	s, ok := r.configuration.Find(r.localID)
	return ok && s.Role == RoleVoter
}

func (r *Raft) tickLeader() {
	r.replicate()
	r.advanceCommitIndex()
	r.maybeSendTimeoutNow()
	r.checkPendingPromotion()
}
