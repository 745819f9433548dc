// Package faulty wraps any Transport with deliberate fault injection —
// dropped sends, added latency, partitioned peers — for the property tests
// spec §8/§9 call for ("fault-injecting wrapper" over the transport).
package faulty

import (
	"context"
	"math/rand"
	"sync"
	"time"

	raft "github.com/mossraft/raft"
)

// Policy controls what faults Transport injects. All probabilities are in
// [0, 1]; zero-value Policy injects nothing and behaves like a passthrough.
type Policy struct {
	DropProbability  float64
	MaxExtraLatency  time.Duration
	PartitionedPeers map[raft.ServerID]bool
}

func (p *Policy) isPartitioned(id raft.ServerID) bool {
	if p.PartitionedPeers == nil {
		return false
	}
	return p.PartitionedPeers[id]
}

// Transport wraps an underlying Transport, applying Policy to every
// outbound Send*. Inbound delivery (Consumer) is left untouched: faults are
// injected on the sending side only, matching how a lossy link actually
// behaves from one peer's point of view.
type Transport struct {
	under raft.Transport
	rng   *rand.Rand

	mu     sync.Mutex
	policy Policy
}

// New wraps under with the given initial policy.
func New(under raft.Transport, policy Policy, seed int64) *Transport {
	return &Transport{under: under, policy: policy, rng: rand.New(rand.NewSource(seed))}
}

// SetPolicy replaces the active fault policy, e.g. to partition a peer
// mid-test.
func (t *Transport) SetPolicy(policy Policy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policy = policy
}

func (t *Transport) snapshotPolicy() Policy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy
}

// shouldDrop reports whether a send to target should be dropped under the
// current policy, and sleeps off any injected extra latency first.
func (t *Transport) shouldDrop(ctx context.Context, target raft.ServerID) bool {
	policy := t.snapshotPolicy()
	if policy.isPartitioned(target) {
		return true
	}
	if policy.MaxExtraLatency > 0 {
		t.mu.Lock()
		d := time.Duration(t.rng.Int63n(int64(policy.MaxExtraLatency)))
		t.mu.Unlock()
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return true
		}
	}
	if policy.DropProbability <= 0 {
		return false
	}
	t.mu.Lock()
	roll := t.rng.Float64()
	t.mu.Unlock()
	return roll < policy.DropProbability
}

func (t *Transport) LocalID() raft.ServerID { return t.under.LocalID() }

func (t *Transport) Consumer() <-chan raft.RPC { return t.under.Consumer() }

func (t *Transport) SendRequestVote(ctx context.Context, target raft.ServerID, addr string, req *raft.RequestVote) (*raft.RequestVoteResult, error) {
	if t.shouldDrop(ctx, target) {
		return nil, raft.ErrCanceled
	}
	return t.under.SendRequestVote(ctx, target, addr, req)
}

func (t *Transport) SendAppendEntries(ctx context.Context, target raft.ServerID, addr string, req *raft.AppendEntries) (*raft.AppendEntriesResult, error) {
	if t.shouldDrop(ctx, target) {
		return nil, raft.ErrCanceled
	}
	return t.under.SendAppendEntries(ctx, target, addr, req)
}

func (t *Transport) SendInstallSnapshot(ctx context.Context, target raft.ServerID, addr string, req *raft.InstallSnapshot) (*raft.InstallSnapshotResult, error) {
	if t.shouldDrop(ctx, target) {
		return nil, raft.ErrCanceled
	}
	return t.under.SendInstallSnapshot(ctx, target, addr, req)
}

func (t *Transport) SendTimeoutNow(ctx context.Context, target raft.ServerID, addr string, req *raft.TimeoutNow) error {
	if t.shouldDrop(ctx, target) {
		return raft.ErrCanceled
	}
	return t.under.SendTimeoutNow(ctx, target, addr, req)
}

func (t *Transport) Close() error { return t.under.Close() }
