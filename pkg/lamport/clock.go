// Package lamport provides a thread-safe Lamport logical clock.
package lamport

import "sync"

// Timestamp is a process-local logical time.
type Timestamp uint64

// Clock is a Lamport clock. The zero value starts at 0 and is ready to use.
type Clock struct {
	mu  sync.Mutex
	now Timestamp
}

func New() *Clock {
	return &Clock{}
}

// Tick advances the clock for a local event and returns the new value.
func (c *Clock) Tick() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now++
	return c.now
}

// Update merges a received timestamp: local = max(local, received) + 1.
func (c *Clock) Update(received Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.now {
		c.now = received
	}
	c.now++
	return c.now
}

func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
