package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mossraft/raft/transport/inmem"
)

// testNode bundles one replica with the clock the harness drives directly,
// mirroring the way spec §9's deterministic-clock Open Question resolution
// says tests should control time.
type testNode struct {
	id    ServerID
	r     *Raft
	clock *fakeClock
	fsm   *testFSM
}

type testCluster struct {
	t     *testing.T
	hub   *inmem.Hub
	nodes map[ServerID]*testNode
}

func newTestCluster(t *testing.T, ids ...ServerID) *testCluster {
	t.Helper()
	hub := inmem.NewHub()
	c := &testCluster{t: t, hub: hub, nodes: make(map[ServerID]*testNode)}

	var servers []Server
	for _, id := range ids {
		servers = append(servers, Server{ID: id, Address: fmtAddr(id), Role: RoleVoter})
	}
	bootstrap := Configuration{Index: 1, Servers: servers}

	for _, id := range ids {
		c.addNode(id, bootstrap)
	}
	return c
}

func fmtAddr(id ServerID) string { return "node-" + itoa(uint64(id)) }

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (c *testCluster) addNode(id ServerID, bootstrap Configuration) *testNode {
	t := c.t
	dir := t.TempDir()

	conf := DefaultConfig()
	conf.HeartbeatTimeout = 500 * time.Millisecond
	conf.ElectionTimeout = 2 * time.Second
	conf.SnapshotThreshold = 1 << 40 // disable automatic snapshotting unless a test wants it

	logStore, err := NewFileLogStore(dir+"/log", conf)
	require.NoError(t, err)
	stable, err := NewFileStableStore(dir + "/stable")
	require.NoError(t, err)
	snaps, err := NewFileSnapshotStore(dir + "/snapshots")
	require.NoError(t, err)

	trans := inmem.New(c.hub, id)
	clock := newFakeClock(uint32(id) * 2654435761)
	fsm := newTestFSM()

	r, err := NewRaft(conf, fsm, logStore, stable, snaps, trans, clock, id, fmtAddr(id), bootstrap)
	require.NoError(t, err)

	n := &testNode{id: id, r: r, clock: clock, fsm: fsm}
	c.nodes[id] = n
	return n
}

// tick advances every node's clock by stepMillis then calls Tick once per
// node, in ascending id order so the sequence is deterministic across runs.
func (c *testCluster) tick(stepMillis int64) {
	for _, n := range c.sortedNodes() {
		n.clock.Advance(stepMillis)
	}
	for _, n := range c.sortedNodes() {
		n.r.Tick()
	}
}

func (c *testCluster) sortedNodes() []*testNode {
	ids := make([]ServerID, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	out := make([]*testNode, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.nodes[id])
	}
	return out
}

// runUntil ticks the cluster in small steps until cond returns true or
// maxTicks elapse, returning whether cond was satisfied.
func (c *testCluster) runUntil(stepMillis int64, maxTicks int, cond func() bool) bool {
	for i := 0; i < maxTicks; i++ {
		if cond() {
			return true
		}
		c.tick(stepMillis)
		// Let goroutines dispatched by this round's sends (inmem delivery)
		// land before the next round's drainAsync call observes them.
		time.Sleep(time.Millisecond)
	}
	return cond()
}

// waitFuture drives the cluster until f resolves, returning its error. f's
// own completion channel is drained from a background goroutine so a Future
// that never resolves doesn't wedge the test; runUntil's tick loop is what
// actually makes resolution happen by letting Tick calls process the
// replication that completes it.
func (c *testCluster) waitFuture(f Future, stepMillis int64, maxTicks int) error {
	resultCh := make(chan error, 1)
	go func() { resultCh <- f.Error() }()

	for i := 0; i < maxTicks; i++ {
		select {
		case err := <-resultCh:
			return err
		default:
		}
		c.tick(stepMillis)
		time.Sleep(time.Millisecond)
	}
	select {
	case err := <-resultCh:
		return err
	case <-time.After(time.Second):
		return context.DeadlineExceeded
	}
}

func (c *testCluster) leader() *testNode {
	for _, n := range c.sortedNodes() {
		if n.r.State() == Leader {
			return n
		}
	}
	return nil
}

func (c *testCluster) countLeaders() int {
	count := 0
	for _, n := range c.nodes {
		if n.r.State() == Leader {
			count++
		}
	}
	return count
}

func TestThreeNodeElectsLeaderAndCommits(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	ok := c.runUntil(300, 50, func() bool { return c.countLeaders() == 1 })
	require.True(t, ok, "expected exactly one leader to emerge")

	leader := c.leader()
	require.NotNil(t, leader)

	fut := leader.r.Apply(context.Background(), []byte("hello"))
	err := c.waitFuture(fut, 300, 50)
	require.NoError(t, err, "apply did not commit")
	require.Equal(t, 2, fut.Response()) // barrier entry is index 1, "hello" is index 2

	for _, n := range c.nodes {
		ok := c.runUntil(300, 50, func() bool { return len(n.fsm.commands()) == 1 })
		require.True(t, ok, "node %d never applied the committed command", n.id)
		require.Equal(t, []byte("hello"), n.fsm.commands()[0])
	}
}

func TestHigherTermForcesStepDown(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	ok := c.runUntil(300, 50, func() bool { return c.countLeaders() == 1 })
	require.True(t, ok)

	leader := c.leader()
	var other *testNode
	for _, n := range c.nodes {
		if n.id != leader.id {
			other = n
			break
		}
	}

	// Force other to a much higher term directly, as if it had previously
	// been part of a majority that elected it in a future term.
	other.r.setCurrentTerm(leader.r.getCurrentTerm() + 10)
	other.r.setState(Candidate)
	other.r.electSelf(true)

	ok = c.runUntil(300, 50, func() bool { return leader.r.State() != Leader })
	require.True(t, ok, "original leader should step down on observing a higher term")
}

func TestAddNonVoterThenPromoteToVoter(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	ok := c.runUntil(300, 50, func() bool { return c.countLeaders() == 1 })
	require.True(t, ok)
	leader := c.leader()

	newNode := c.addNode(4, Configuration{}) // configuration discovered via replication, not bootstrap

	addFut := leader.r.AddServer(context.Background(), 4, fmtAddr(4), RoleSpare)
	require.NoError(t, c.waitFuture(addFut, 300, 80), "AddServer did not commit")

	ok = c.runUntil(300, 80, func() bool {
		_, found := newNode.r.GetConfiguration().Find(4)
		return found
	})
	require.True(t, ok, "new spare never learned the configuration via replication")

	promoteFut := leader.r.AssignRole(context.Background(), 4, RoleVoter)
	require.NoError(t, c.waitFuture(promoteFut, 300, 80), "AssignRole did not commit")

	cfg := leader.r.GetConfiguration()
	s, ok := cfg.Find(4)
	require.True(t, ok)
	require.Equal(t, RoleVoter, s.Role)
}

func TestRemoveVoterKeepsQuorum(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	ok := c.runUntil(300, 50, func() bool { return c.countLeaders() == 1 })
	require.True(t, ok)
	leader := c.leader()

	var victim ServerID
	for _, n := range c.nodes {
		if n.id != leader.id {
			victim = n.id
			break
		}
	}

	removeFut := leader.r.RemoveServer(context.Background(), victim)
	require.NoError(t, c.waitFuture(removeFut, 300, 80), "RemoveServer did not commit")

	cfg := leader.r.GetConfiguration()
	_, found := cfg.Find(victim)
	require.False(t, found)
	require.True(t, cfg.HasVoters())
}

// TestRemoveVoterThenPromoteSpare covers spec §8 scenario 3 in full: 4 nodes
// (1,2,3 voter; 4 spare), remove a non-leader voter, then promote the spare,
// ending with 3 voters including the former spare.
func TestRemoveVoterThenPromoteSpare(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	ok := c.runUntil(300, 50, func() bool { return c.countLeaders() == 1 })
	require.True(t, ok)
	leader := c.leader()

	newNode := c.addNode(4, Configuration{})
	addFut := leader.r.AddServer(context.Background(), 4, fmtAddr(4), RoleSpare)
	require.NoError(t, c.waitFuture(addFut, 300, 80), "AddServer did not commit")
	ok = c.runUntil(300, 80, func() bool { _, found := newNode.r.GetConfiguration().Find(4); return found })
	require.True(t, ok, "spare never learned the configuration via replication")

	var victim ServerID
	for _, n := range c.nodes {
		if n.id != leader.id && n.id != 4 {
			victim = n.id
			break
		}
	}
	removeFut := leader.r.RemoveServer(context.Background(), victim)
	require.NoError(t, c.waitFuture(removeFut, 300, 80), "RemoveServer did not commit")

	promoteFut := leader.r.AssignRole(context.Background(), 4, RoleVoter)
	require.NoError(t, c.waitFuture(promoteFut, 300, 80), "AssignRole did not commit")

	cfg := leader.r.GetConfiguration()
	_, found := cfg.Find(victim)
	require.False(t, found)
	s, found := cfg.Find(4)
	require.True(t, found)
	require.Equal(t, RoleVoter, s.Role)
	require.Len(t, cfg.Voters(), 3)
}

func TestRemoveLastVoterRejected(t *testing.T) {
	c := newTestCluster(t, 1)
	ok := c.runUntil(300, 50, func() bool { return c.countLeaders() == 1 })
	require.True(t, ok)
	leader := c.leader()

	f := leader.r.RemoveServer(context.Background(), 1)
	require.Error(t, f.Error())
}

// tickExcept is like tick but skips a set of nodes entirely, simulating
// them being offline/partitioned for this round.
func (c *testCluster) tickExcept(stepMillis int64, excluded ...ServerID) {
	skip := make(map[ServerID]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}
	for _, n := range c.sortedNodes() {
		if !skip[n.id] {
			n.clock.Advance(stepMillis)
		}
	}
	for _, n := range c.sortedNodes() {
		if !skip[n.id] {
			n.r.Tick()
		}
	}
}

// TestSnapshotInstallCatchesUpLaggingFollower covers spec §8 scenario 4: a
// follower that falls far enough behind that its required entries have
// already been compacted away receives the leader's state via
// InstallSnapshot instead of AppendEntries.
func TestSnapshotInstallCatchesUpLaggingFollower(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	ok := c.runUntil(300, 50, func() bool { return c.countLeaders() == 1 })
	require.True(t, ok)
	leader := c.leader()

	var laggard ServerID
	for _, n := range c.nodes {
		if n.id != leader.id {
			laggard = n.id
			break
		}
	}

	conf := leader.r.conf
	conf.TrailingLogs = 0
	conf.SnapshotThreshold = 1

	// Leave the laggard offline while the rest of the cluster commits
	// enough entries that a snapshot compacts them out of the log.
	for i := 0; i < 20; i++ {
		fut := leader.r.Apply(context.Background(), []byte("x"))
		err := func() error {
			resultCh := make(chan error, 1)
			go func() { resultCh <- fut.Error() }()
			for j := 0; j < 50; j++ {
				select {
				case e := <-resultCh:
					return e
				default:
				}
				c.tickExcept(300, laggard)
				time.Sleep(time.Millisecond)
			}
			return <-resultCh
		}()
		require.NoError(t, err)
	}

	snapFut := leader.r.Snapshot()
	require.NoError(t, snapFut.Error())

	// Bring the laggard back online; it must receive an InstallSnapshot
	// because the entries it needs no longer exist in the leader's log.
	ok = c.runUntil(300, 80, func() bool {
		_, known := c.nodes[laggard].r.Leader()
		return known && c.nodes[laggard].r.getLastApplied() == leader.r.getLastApplied()
	})
	require.True(t, ok, "laggard never caught up via snapshot install")
	require.Equal(t, leader.fsm.commands(), c.nodes[laggard].fsm.commands())
}

func TestReplicaRestartPreservesTermVoteAndLog(t *testing.T) {
	dir := t.TempDir()
	conf := DefaultConfig()
	conf.HeartbeatTimeout = 500 * time.Millisecond
	conf.ElectionTimeout = 2 * time.Second

	logStore, err := NewFileLogStore(dir+"/log", conf)
	require.NoError(t, err)
	stable, err := NewFileStableStore(dir + "/stable")
	require.NoError(t, err)
	snaps, err := NewFileSnapshotStore(dir + "/snapshots")
	require.NoError(t, err)

	hub := inmem.NewHub()
	trans := inmem.New(hub, 1)
	clock := newFakeClock(1)
	fsm := newTestFSM()
	bootstrap := Configuration{Index: 1, Servers: []Server{{ID: 1, Address: "node-1", Role: RoleVoter}}}

	r, err := NewRaft(conf, fsm, logStore, stable, snaps, trans, clock, 1, "node-1", bootstrap)
	require.NoError(t, err)

	// Elect self (single-node cluster: quorum is reached immediately).
	r.electSelf(false)
	require.Equal(t, Leader, r.State())

	fut := r.Apply(context.Background(), []byte("before-crash"))
	resultCh := make(chan error, 1)
	go func() { resultCh <- fut.Error() }()
	resolved := false
	var applyErr error
	for i := 0; i < 10 && !resolved; i++ {
		r.Tick()
		select {
		case applyErr = <-resultCh:
			resolved = true
		default:
		}
	}
	if !resolved {
		applyErr = <-resultCh
	}
	require.NoError(t, applyErr)
	lastApplied := r.getLastApplied()

	// Simulate a crash: drop every in-memory handle without calling
	// Shutdown, then reopen against the same directories.
	logStore2, err := NewFileLogStore(dir+"/log", conf)
	require.NoError(t, err)
	stable2, err := NewFileStableStore(dir + "/stable")
	require.NoError(t, err)
	snaps2, err := NewFileSnapshotStore(dir + "/snapshots")
	require.NoError(t, err)
	trans2 := inmem.New(hub, 2) // distinct id so the old Transport's hub entry for 1 isn't reused
	fsm2 := newTestFSM()

	r2, err := NewRaft(conf, fsm2, logStore2, stable2, snaps2, trans2, newFakeClock(1), 1, "node-1", Configuration{})
	require.NoError(t, err)

	require.Equal(t, r.getCurrentTerm(), r2.getCurrentTerm())
	require.Equal(t, r.getVotedFor(), r2.getVotedFor())
	last2, _ := r2.getLastLog()
	lastOrig, _ := r.getLastLog()
	require.Equal(t, lastOrig, last2)
	require.Equal(t, lastApplied, r2.getLastApplied())
}
