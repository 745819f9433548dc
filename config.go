package raft

import (
	"time"

	"github.com/mossraft/raft/metrics"
	"github.com/mossraft/raft/tracer"
)

// Config holds every tunable of a replica, grounded on the teacher's
// Config but expanded with the durable log store's segment geometry and
// the injected Tracer/Metrics capabilities spec §9 asks for in place of a
// global singleton. The prepare-pool target and the snapshot keep-count
// are fixed inside internal/logstore and internal/snapshotstore and are
// not tunable here.
type Config struct {
	// HeartbeatTimeout is the interval at which a leader sends
	// AppendEntries/heartbeats to each follower (replicate/sendHeartbeats).
	// Spec §4.6 requires this to stay at or below ElectionTimeout/2 so a
	// single delayed heartbeat never costs a follower its election
	// deadline.
	HeartbeatTimeout time.Duration

	// ElectionTimeout is how long a follower waits without valid contact
	// from the current leader before becoming a candidate; the actual
	// per-replica deadline is randomized in [T, 2T) (spec §4.6).
	ElectionTimeout time.Duration

	// TickInterval is the period the host is expected to call Tick at
	// (spec §4.7 "e.g., 100ms"). Nothing in the replica reads it: the
	// timeouts are set directly and Tick is never paced by it.
	TickInterval time.Duration

	// SnapshotInterval is the minimum time between automatic snapshot
	// attempts.
	SnapshotInterval time.Duration
	// SnapshotThreshold is the minimum number of applied-but-uncompacted
	// log entries before an automatic snapshot is considered.
	SnapshotThreshold uint64
	// TrailingLogs is how many committed entries to retain past a
	// snapshot's boundary; compactLogs uses it to compute the
	// Compact(keepFrom) call. It is not passed to the snapshot store.
	TrailingLogs uint64

	// MaxAppendEntries bounds how many log entries one AppendEntries
	// batch carries.
	MaxAppendEntries int

	// SegmentBlockSize and SegmentBlocksPerSegment size the durable log
	// store's fixed-size segment files (spec §4.1).
	SegmentBlockSize        int
	SegmentBlocksPerSegment int

	// ShutdownOnRemove, when true, shuts the replica down once it observes
	// its own id removed from the committed configuration.
	ShutdownOnRemove bool

	Tracer  tracer.Tracer
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with the teacher's tunable values,
// translated to this spec's field names.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatTimeout:        250 * time.Millisecond,
		ElectionTimeout:         1000 * time.Millisecond,
		TickInterval:            100 * time.Millisecond,
		SnapshotInterval:        120 * time.Second,
		SnapshotThreshold:       8192,
		TrailingLogs:            10240,
		MaxAppendEntries:        64,
		SegmentBlockSize:        4096,
		SegmentBlocksPerSegment: 1024,
		ShutdownOnRemove:        true,
		Tracer:                  tracer.NoOp(),
		Metrics:                 metrics.New(nil),
	}
}

// Validate returns a *Error with KindMalformed for any tunable outside a
// sane range, checked once at NewRaft time.
func (c *Config) Validate() error {
	if c.HeartbeatTimeout <= 0 {
		return newErr(KindMalformed, "HeartbeatTimeout must be positive")
	}
	if c.ElectionTimeout <= 0 {
		return newErr(KindMalformed, "ElectionTimeout must be positive")
	}
	if c.HeartbeatTimeout*2 > c.ElectionTimeout {
		return newErr(KindMalformed, "HeartbeatTimeout must be at most half of ElectionTimeout")
	}
	if c.MaxAppendEntries <= 0 {
		return newErr(KindMalformed, "MaxAppendEntries must be positive")
	}
	if c.SegmentBlockSize <= 0 || c.SegmentBlocksPerSegment <= 0 {
		return newErr(KindMalformed, "segment geometry must be positive")
	}
	if c.Tracer == nil {
		c.Tracer = tracer.NoOp()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
	return nil
}
