// Package inmem implements an in-process Transport for tests: every
// Transport created against the same Hub delivers RPCs directly into its
// peer's consumer channel, with no real network involved.
package inmem

import (
	"context"
	"sync"

	raft "github.com/mossraft/raft"
)

// Hub is the shared registry every inmem Transport in a test cluster
// registers with, keyed by server id.
type Hub struct {
	mu    sync.RWMutex
	peers map[raft.ServerID]*Transport
}

// NewHub returns an empty registry.
func NewHub() *Hub {
	return &Hub{peers: make(map[raft.ServerID]*Transport)}
}

func (h *Hub) register(t *Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[t.id] = t
}

func (h *Hub) lookup(id raft.ServerID) (*Transport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.peers[id]
	return t, ok
}

// Transport is one replica's in-process Transport endpoint.
type Transport struct {
	id       raft.ServerID
	hub      *Hub
	consumer chan raft.RPC

	mu     sync.Mutex
	closed bool
}

// New creates and registers a Transport for id on hub.
func New(hub *Hub, id raft.ServerID) *Transport {
	t := &Transport{id: id, hub: hub, consumer: make(chan raft.RPC, 256)}
	hub.register(t)
	return t
}

func (t *Transport) LocalID() raft.ServerID { return t.id }

func (t *Transport) Consumer() <-chan raft.RPC { return t.consumer }

func (t *Transport) deliver(ctx context.Context, target raft.ServerID, cmd interface{}) (interface{}, error) {
	peer, ok := t.hub.lookup(target)
	if !ok {
		return nil, raft.ErrUnknownServer
	}
	peer.mu.Lock()
	closed := peer.closed
	peer.mu.Unlock()
	if closed {
		return nil, raft.ErrCanceled
	}

	respCh := make(chan struct {
		resp interface{}
		err  error
	}, 1)
	rpc := raft.RPC{
		Command: cmd,
		RespondFn: func(resp interface{}, err error) {
			respCh <- struct {
				resp interface{}
				err  error
			}{resp, err}
		},
	}

	select {
	case peer.consumer <- rpc:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-respCh:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) SendRequestVote(ctx context.Context, target raft.ServerID, addr string, req *raft.RequestVote) (*raft.RequestVoteResult, error) {
	resp, err := t.deliver(ctx, target, req)
	if err != nil {
		return nil, err
	}
	return resp.(*raft.RequestVoteResult), nil
}

func (t *Transport) SendAppendEntries(ctx context.Context, target raft.ServerID, addr string, req *raft.AppendEntries) (*raft.AppendEntriesResult, error) {
	resp, err := t.deliver(ctx, target, req)
	if err != nil {
		return nil, err
	}
	return resp.(*raft.AppendEntriesResult), nil
}

func (t *Transport) SendInstallSnapshot(ctx context.Context, target raft.ServerID, addr string, req *raft.InstallSnapshot) (*raft.InstallSnapshotResult, error) {
	resp, err := t.deliver(ctx, target, req)
	if err != nil {
		return nil, err
	}
	return resp.(*raft.InstallSnapshotResult), nil
}

func (t *Transport) SendTimeoutNow(ctx context.Context, target raft.ServerID, addr string, req *raft.TimeoutNow) error {
	_, err := t.deliver(ctx, target, req)
	return err
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
