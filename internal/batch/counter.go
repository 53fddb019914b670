package batch

import "sync"

// Counts is a consistent view of both counters.
type Counts struct {
	Received uint64 `json:"received"`
	Written  uint64 `json:"written"`
}

// Matches reports whether every received record was written.
func (c Counts) Matches() bool {
	return c.Received == c.Written
}

// Counter tallies the records of the current batch. All methods share one
// mutex, so increments and reads are atomic with respect to each other.
//
// Reset must only be called while the Gate is drained: it assumes no
// increment of the next batch runs concurrently, and the Rotator is the only
// caller.
type Counter struct {
	mu       sync.Mutex
	received uint64
	written  uint64
}

// NewCounter returns a zeroed counter.
func NewCounter() *Counter {
	return &Counter{}
}

// IncrementReceived counts a record that reached the transform stage and
// returns the new total.
func (c *Counter) IncrementReceived() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received++
	return c.received
}

// IncrementWritten counts a row appended to the working file.
func (c *Counter) IncrementWritten() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written++
	return c.written
}

func (c *Counter) Received() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

func (c *Counter) Written() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Snapshot reads both counters under one lock.
func (c *Counter) Snapshot() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counts{Received: c.received, Written: c.written}
}

// Reset zeroes both counters. See the type documentation for when it may be
// called.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = 0
	c.written = 0
}
