package engine

import "sync/atomic"

// Clock is a monotonic logical clock. Every event the engine emits is
// stamped with Next(), so recorded traces order deterministically no matter
// how wall-clock time behaves.
//
// Safe for concurrent use; a single Engine may serve several pipeline runs.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock whose first Next() returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock positioned at start, e.g. to continue the
// sequence of a run log that already holds events.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next advances the clock and returns the new value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last value handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
