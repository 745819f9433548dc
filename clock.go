package raft

import (
	"math/rand"
	"time"
)

// systemClock is the default Clock (spec §6 "time() -> monotonic_ms,
// random() -> uint32"), backed by the real wall clock and a math/rand
// source seeded from the current time. The teacher never needed this abstraction (it read
// time.Now()/rand directly throughout runFollower/runCandidate/etc.); it
// exists here because spec §9 requires tests to drive a deterministic fake
// clock instead, so production code must go through the same interface.
type systemClock struct {
	start time.Time
	rng   *rand.Rand
}

// NewSystemClock returns a Clock backed by the real wall clock.
func NewSystemClock() Clock {
	return &systemClock{start: time.Now(), rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (c *systemClock) NowMillis() int64 {
	return time.Since(c.start).Milliseconds()
}

func (c *systemClock) Rand() uint32 {
	return c.rng.Uint32()
}
