package ledger

import "sync/atomic"

// Clock is a monotonic logical clock.
//
// Record insertion and edge confirmation are both stamped from it, so a
// sequence number totally orders "first seen" for leaderboards and "oldest
// confirmed" for payout claims, independent of wall time.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClockAt creates a clock that resumes after start.
// Used on load to continue from the highest persisted sequence.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
