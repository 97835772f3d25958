package protocol

import "sync/atomic"

// Clock is a Lamport logical clock shared by everything a node sends.
type Clock struct {
	now atomic.Uint64
}

// Tick advances the clock for a local send and returns the new value.
func (c *Clock) Tick() uint64 { return c.now.Add(1) }

// Observe merges a received timestamp: local = max(local, ts) + 1.
func (c *Clock) Observe(ts uint64) uint64 {
	for {
		cur := c.now.Load()
		next := max(cur, ts) + 1
		if c.now.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Now returns the current value without advancing.
func (c *Clock) Now() uint64 { return c.now.Load() }
