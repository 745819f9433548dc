package raft

// fakeClock is a deterministic Clock for tests (spec §9 "tests must be able
// to drive a deterministic fake clock"): NowMillis only advances when Advance
// is called, and Rand walks a fixed pseudo-random sequence so election
// jitter is reproducible across runs.
type fakeClock struct {
	millis int64
	seed   uint32
}

// newFakeClock seeds the jitter generator from seed so distinct replicas in
// a test cluster draw distinct election-jitter sequences; seeding every
// replica identically would make their election deadlines coincide exactly
// and produce perpetual split votes.
func newFakeClock(seed uint32) *fakeClock {
	if seed == 0 {
		seed = 1
	}
	return &fakeClock{seed: seed ^ 0x9e3779b9}
}

func (c *fakeClock) NowMillis() int64 { return c.millis }

func (c *fakeClock) Advance(d int64) { c.millis += d }

// Rand is a small xorshift generator, deterministic given the fixed seed
// above and the call sequence, which is itself deterministic because every
// replica in a test cluster ticks in the same fixed order each round.
func (c *fakeClock) Rand() uint32 {
	x := c.seed
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	c.seed = x
	return x
}
