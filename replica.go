package raft

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mossraft/raft/internal/memlog"
	"github.com/mossraft/raft/internal/progress"
	"github.com/mossraft/raft/tracer"
)

// Raft is one replica. Grounded on the teacher's Raft struct, restructured
// around spec §5's explicit "single executor with awaitable I/O" option:
// there is no internal run goroutine dispatching on channels the way the
// teacher's runFollower/runCandidate/runLeader do. Instead the host calls
// Tick (spec §4.7, the "single driver function invoked by the host every
// tick") and the client-facing methods (Apply, AddServer, ...) directly,
// from one goroutine, exactly as spec §5 assumes: "no mutex protects
// replica state because nothing else touches it."
type Raft struct {
	raftState

	conf *Config
	fsm  FSM

	localID ServerID
	address string

	logStore  LogStore
	stable    StableStore
	snapshots SnapshotStore
	trans     Transport
	clock     Clock

	mlog *memlog.Log

	// configuration is the active membership (spec §3: "the one at the
	// highest configuration-entry index written, even if uncommitted").
	configuration Configuration
	// committedConfiguration is the configuration at or below commitIndex,
	// restored to on a rolled-back configuration change.
	committedConfiguration Configuration

	tracker *progress.Tracker

	leaderID ServerID

	// pendingLogs holds futures for entries this replica (as leader)
	// appended but that have not yet committed.
	pendingLogs map[Index]*logFuture
	// pendingConfig is the in-flight membership-change future, non-nil
	// exactly while a configuration-change is uncommitted (spec §3
	// "at most one ... in flight").
	pendingConfig *configFuture
	// promotion tracks a non-voter promotion waiting on its catch-up round
	// (spec §4.4, §8 scenario 2 "triggers catch-up"); the actual
	// configuration-change entry is dispatched only once the round
	// completes, via checkPendingPromotion.
	promotion *pendingPromotion

	// candidate-phase bookkeeping.
	votesGranted map[ServerID]bool

	// heartbeatDeadlineMillis is an absolute deadline in clock millis,
	// advanced every Tick. electionDeadlineMillis instead holds a jittered
	// duration, measured from lastContactMillis (spec §4.4 "recent_recv") by
	// tickElection rather than as its own absolute deadline.
	electionDeadlineMillis  int64
	heartbeatDeadlineMillis int64
	lastContactMillis       int64

	electionTimeoutMillis  int64
	heartbeatTimeoutMillis int64

	// leadership transfer state (spec §4.6).
	transferTarget ServerID
	transferFuture Future
	transferSentTimeoutNow bool

	// set while takeSnapshot runs; shouldSnapshot checks it so an automatic
	// snapshot never starts inside another. It does not hold back other
	// disk writes, and InstallSnapshotRPC does not set it.
	installingSnapshot bool

	snapshotSinceMillis int64

	// Result channels completion callbacks from the worker pool deliver
	// into (spec §5 "results return to the main executor via completion
	// callbacks"); Tick drains them each call so replica state is only
	// ever mutated from the single goroutine driving Tick/Apply/etc.
	voteResultCh     chan voteResult
	appendResultCh   chan appendResult
	installResultCh  chan installResult
	transferResultCh chan error

	shutdownOnce   sync.Once
	shutdownCh     chan struct{}
	shutdownDoneCh chan struct{}

	log tracer.Tracer
}

// NewRaft constructs a replica from its durable state, loading term, vote,
// and the log's tail the way the teacher's NewRaft does, then restoring the
// latest snapshot (if any) before the caller starts driving Tick.
func NewRaft(conf *Config, fsm FSM, logStore LogStore, stable StableStore, snaps SnapshotStore, trans Transport, clock Clock, localID ServerID, address string, bootstrap Configuration) (*Raft, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if localID == 0 {
		return nil, newErr(KindBadID, "local server id must be nonzero")
	}

	currentTerm, err := stable.GetTerm()
	if err != nil {
		return nil, newErr(KindIOError, "load current term: %v", err)
	}
	votedFor, err := stable.GetVote()
	if err != nil {
		return nil, newErr(KindIOError, "load vote: %v", err)
	}

	r := &Raft{
		conf:           conf,
		fsm:            fsm,
		localID:        localID,
		address:        address,
		logStore:       logStore,
		stable:         stable,
		snapshots:      snaps,
		trans:          trans,
		clock:          clock,
		tracker:        progress.NewTracker(),
		pendingLogs:    make(map[Index]*logFuture),
		voteResultCh:     make(chan voteResult, 64),
		appendResultCh:   make(chan appendResult, 64),
		installResultCh:  make(chan installResult, 64),
		transferResultCh: make(chan error, 1),
		shutdownCh:     make(chan struct{}),
		shutdownDoneCh: make(chan struct{}),
		// instance is a fresh id per process lifetime, not per server id:
		// a replica that crashes and restarts keeps the same localID but
		// gets a new instance value, so log lines from before and after a
		// restart never get silently attributed to the same run.
		log: conf.Tracer.With("component", "raft").With("id", fmt.Sprint(localID)).With("instance", uuid.NewString()),
		electionTimeoutMillis:  conf.ElectionTimeout.Milliseconds(),
		heartbeatTimeoutMillis: conf.HeartbeatTimeout.Milliseconds(),
	}
	r.setState(Follower)
	r.setCurrentTerm(currentTerm)
	r.setVotedFor(votedFor)

	snapshotLastIndex, snapshotLastTerm := Index(0), Term(0)

	metas, err := snaps.List()
	if err != nil {
		return nil, newErr(KindIOError, "list snapshots: %v", err)
	}
	var restored *SnapshotMeta
	if len(metas) > 0 {
		restored = &metas[0]
		snapshotLastIndex, snapshotLastTerm = restored.Index, restored.Term
		r.configuration = restored.Configuration
		r.committedConfiguration = restored.Configuration
		r.setCommitIndex(restored.Index)
		r.setLastApplied(restored.Index)
		rc, openErr := snaps.Open(*restored)
		if openErr != nil {
			return nil, newErr(KindIOError, "open snapshot: %v", openErr)
		}
		if restoreErr := fsm.Restore(rc); restoreErr != nil {
			rc.Close()
			return nil, newErr(KindIOError, "restore fsm from snapshot: %v", restoreErr)
		}
		rc.Close()
	}

	r.mlog = memlog.New(uint64(snapshotLastIndex), uint64(snapshotLastTerm))

	firstIdx, err := logStore.FirstIndex()
	if err != nil {
		return nil, newErr(KindIOError, "log first index: %v", err)
	}
	lastIdx, err := logStore.LastIndex()
	if err != nil {
		return nil, newErr(KindIOError, "log last index: %v", err)
	}
	if lastIdx > 0 {
		start := firstIdx
		if start < uint64(snapshotLastIndex)+1 {
			start = uint64(snapshotLastIndex) + 1
		}
		for i := start; i <= lastIdx; i++ {
			e, getErr := logStore.GetEntry(i)
			if getErr != nil {
				return nil, newErr(KindIOError, "load log entry %d: %v", i, getErr)
			}
			entry := fromCodecEntry(e)
			r.mlog.Append(toMemEntry(entry))
			if entry.Type == EntryConfiguration {
				cfg, decErr := decodeConfiguration(entry.Index, entry.Data)
				if decErr != nil {
					return nil, decErr
				}
				r.configuration = cfg
				if entry.Index <= r.getCommitIndex() {
					r.committedConfiguration = cfg
				}
			}
		}
		r.setLastLog(Index(lastIdx), Term(r.mlog.LastTerm()))
	} else {
		r.setLastLog(snapshotLastIndex, snapshotLastTerm)
	}

	// An empty bootstrap is valid: a server joining an existing cluster via
	// AddServer starts with no configuration at all and learns it from the
	// leader's replication stream (AppendEntries/InstallSnapshot), the same
	// way the teacher's nodes picked up peers via AddPeer traffic rather
	// than a config file.
	if len(r.configuration.Servers) == 0 && len(bootstrap.Servers) > 0 {
		if err := validateIDs(bootstrap.Servers); err != nil {
			return nil, err
		}
		r.configuration = bootstrap
		r.committedConfiguration = bootstrap
	}

	return r, nil
}

// State returns the replica's current role.
func (r *Raft) State() RaftState { return r.getState() }

// Leader returns the id of the replica this one currently believes is
// leader, and whether any is known.
func (r *Raft) Leader() (ServerID, bool) { return r.leaderID, r.leaderID != 0 }

// GetConfiguration returns the active configuration (spec §3: highest
// configuration-entry index written, committed or not).
func (r *Raft) GetConfiguration() Configuration { return r.configuration.Clone() }

func (r *Raft) String() string {
	return fmt.Sprintf("raft(%d@%s)[%s]", r.localID, r.address, r.getState())
}

// Apply proposes a command entry to the replicated log. It returns
// immediately on a non-leader with ErrNotLeader; otherwise the returned
// future resolves once the entry commits and is applied (spec §4.5, §8
// scenario 1).
func (r *Raft) Apply(ctx context.Context, cmd []byte) ApplyFuture {
	return r.applyEntry(ctx, LogEntry{Type: EntryCommand, Data: cmd})
}

// Barrier proposes a content-less entry and resolves once every entry
// proposed before it has been applied (spec GLOSSARY "Barrier").
func (r *Raft) Barrier(ctx context.Context) Future {
	return r.applyEntry(ctx, LogEntry{Type: EntryBarrier})
}

func (r *Raft) applyEntry(ctx context.Context, entry LogEntry) *logFuture {
	if r.getState() != Leader {
		lf := newLogFuture(entry)
		lf.respond(ErrNotLeader)
		return lf
	}
	lf := newLogFuture(entry)
	if err := r.dispatchLog(ctx, lf); err != nil {
		lf.respond(err)
	}
	return lf
}

// AddServer admits a new server into the configuration at the given role
// (spec §8 scenario 2 "add(id=4, role=spare)"). Fails with ErrConfBusy if
// another membership change is still uncommitted, ErrKnownServer if id is
// already present.
func (r *Raft) AddServer(ctx context.Context, id ServerID, address string, role Role) Future {
	return r.changeMembership(ctx, func(c Configuration) (Configuration, error) {
		if _, ok := c.Find(id); ok {
			return c, ErrKnownServer
		}
		if id == 0 {
			return c, newErr(KindBadID, "server id must be nonzero")
		}
		return c.withServer(Server{ID: id, Address: address, Role: role}), nil
	})
}

// AssignRole changes an existing server's role, triggering catch-up rounds
// when promoting to voter (spec §4.4, §8 scenario 2): the configuration
// entry naming the promoted server a voter is dispatched only once its
// catch-up round completes, so a lagging server never enters the voting
// set before it can keep up with quorum.
func (r *Raft) AssignRole(ctx context.Context, id ServerID, role Role) Future {
	if r.getState() != Leader {
		return errorFuture{ErrNotLeader}
	}
	s, ok := r.configuration.Find(id)
	if !ok {
		return errorFuture{ErrUnknownServer}
	}
	if s.Role == role {
		return errorFuture{newErr(KindBadRole, "server %d is already %s", id, role)}
	}
	if role == RoleVoter && s.Role != RoleVoter {
		return r.promoteWithCatchUp(id)
	}
	return r.changeMembership(ctx, func(c Configuration) (Configuration, error) {
		cs, ok := c.Find(id)
		if !ok {
			return c, ErrUnknownServer
		}
		cs.Role = role
		return c.withServer(cs), nil
	})
}

// pendingPromotion tracks a non-voter's in-flight catch-up round; see
// checkPendingPromotion.
type pendingPromotion struct {
	id     ServerID
	future *future
}

// promoteWithCatchUp starts a catch-up round against id's current progress
// and returns a future that resolves once the resulting voter-promotion
// entry commits (spec §4.4 "Catch-up rounds": "each round replicates the
// leader's current last_index to the follower; the round is caught up once
// match_index reaches that index").
func (r *Raft) promoteWithCatchUp(id ServerID) Future {
	if r.pendingConfig != nil || r.promotion != nil {
		return errorFuture{ErrConfBusy}
	}
	p, ok := r.tracker.Get(uint64(id))
	if !ok {
		return errorFuture{ErrUnknownServer}
	}
	lastIdx, _ := r.getLastLog()
	p.StartRound(1, uint64(lastIdx), r.clock.NowMillis())
	f := &future{}
	f.init()
	r.promotion = &pendingPromotion{id: id, future: f}
	r.log.Debug("catch-up round started", "peer", id, "target_index", lastIdx)
	return f
}

// checkPendingPromotion dispatches the voter-promotion entry once the
// tracked catch-up round has caught up, called every leader tick.
func (r *Raft) checkPendingPromotion() {
	if r.promotion == nil {
		return
	}
	id := r.promotion.id
	p, ok := r.tracker.Get(uint64(id))
	if !ok {
		r.promotion.future.respond(ErrUnknownServer)
		r.promotion = nil
		return
	}
	if !p.RoundCaughtUp() {
		return
	}
	fut := r.promotion.future
	r.promotion = nil
	r.log.Debug("catch-up round complete, promoting", "peer", id)

	cf := r.changeMembership(context.Background(), func(c Configuration) (Configuration, error) {
		cs, ok := c.Find(id)
		if !ok {
			return c, ErrUnknownServer
		}
		cs.Role = RoleVoter
		return c.withServer(cs), nil
	})
	// Bridge cf's commit-completion onto the future AssignRole already
	// returned to the caller; this goroutine only ever sends on a
	// channel-of-one, it never touches replica state (spec §5's
	// single-executor rule still holds).
	go func() { fut.respond(cf.Error()) }()
}

// RemoveServer removes a server from the configuration (spec §8 scenario
//3).
func (r *Raft) RemoveServer(ctx context.Context, id ServerID) Future {
	return r.changeMembership(ctx, func(c Configuration) (Configuration, error) {
		if _, ok := c.Find(id); !ok {
			return c, ErrUnknownServer
		}
		out := c.withoutServer(id)
		if !out.HasVoters() {
			return c, newErr(KindBadRole, "cannot remove last voter")
		}
		return out, nil
	})
}

// changeMembership is the common path for AddServer/AssignRole/RemoveServer:
// build the next configuration, encode it as a log entry, and dispatch it
// exactly like any other log entry, enforcing the single-in-flight
// interlock (spec §3 "at most one joint transition in flight").
func (r *Raft) changeMembership(ctx context.Context, mutate func(Configuration) (Configuration, error)) Future {
	if r.getState() != Leader {
		return errorFuture{ErrNotLeader}
	}
	if r.pendingConfig != nil || r.promotion != nil {
		return errorFuture{ErrConfBusy}
	}
	next, err := mutate(r.configuration)
	if err != nil {
		return errorFuture{err}
	}
	if err := validateIDs(next.Servers); err != nil {
		return errorFuture{err}
	}

	entry := LogEntry{Type: EntryConfiguration, Data: encodeConfiguration(next)}
	cf := &configFuture{logFuture: *newLogFuture(entry), configuration: next}

	// If dispatchLog fails, the previous configuration is kept. dispatchLog
	// discards the in-memory entry when the durable append fails, and no
	// follower progress or interlock has been changed by then.
	prevConfiguration := r.configuration
	if err := r.dispatchLog(ctx, &cf.logFuture); err != nil {
		r.configuration = prevConfiguration
		return errorFuture{err}
	}
	next.Index = cf.logFuture.log.Index
	cf.configuration = next
	r.configuration = next
	r.pendingConfig = cf
	r.reconcileTracker()
	return cf
}

// TransferLeadership asks this leader to hand off to target (0 = most
// caught-up voter) per spec §4.6.
func (r *Raft) TransferLeadership(ctx context.Context, target ServerID) Future {
	if r.getState() != Leader {
		return errorFuture{ErrNotLeader}
	}
	if target == 0 {
		target = r.mostCaughtUpVoter()
	}
	if target == 0 || target == r.localID {
		return errorFuture{newErr(KindBadID, "no eligible transfer target")}
	}
	if _, ok := r.configuration.Find(target); !ok {
		return errorFuture{ErrUnknownServer}
	}
	f := &future{}
	f.init()
	r.transferTarget = target
	r.transferFuture = f
	r.transferSentTimeoutNow = false
	r.maybeSendTimeoutNow()
	return f
}

func (r *Raft) mostCaughtUpVoter() ServerID {
	var best ServerID
	var bestMatch uint64
	for _, id := range r.configuration.Voters() {
		if id == r.localID {
			continue
		}
		p, ok := r.tracker.Get(uint64(id))
		if !ok {
			continue
		}
		if best == 0 || p.MatchIndex > bestMatch {
			best = id
			bestMatch = p.MatchIndex
		}
	}
	return best
}

// Snapshot requests the replica take a snapshot now, regardless of the
// automatic threshold.
func (r *Raft) Snapshot() Future {
	f := newSnapshotFuture()
	err := r.takeSnapshot()
	f.respond(err)
	return f
}

// Shutdown stops the replica. Pending operations fail with ErrShutdown and
// the log store is closed; the snapshot store has no Close and is left as is.
func (r *Raft) Shutdown() Future {
	r.shutdownOnce.Do(func() {
		r.setState(Unavailable)
		for idx, lf := range r.pendingLogs {
			lf.respond(ErrShutdown)
			delete(r.pendingLogs, idx)
		}
		if r.pendingConfig != nil {
			r.pendingConfig.respond(ErrShutdown)
			r.pendingConfig = nil
		}
		if r.promotion != nil {
			r.promotion.future.respond(ErrShutdown)
			r.promotion = nil
		}
		r.logStore.Close()
		close(r.shutdownDoneCh)
		close(r.shutdownCh)
	})
	return &shutdownFuture{r: r}
}

func (r *Raft) isShutdown() bool {
	select {
	case <-r.shutdownCh:
		return true
	default:
		return false
	}
}
