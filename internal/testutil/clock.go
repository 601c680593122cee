package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a thread-safe time source that advances by one
// microsecond per reading. Passed to kv.WithClock it makes commit versions
// a pure function of the number of commits.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	ticks int64
}

// NewDeterministicClock creates a clock whose first reading is one tick
// after start.
func NewDeterministicClock(start time.Time) *DeterministicClock {
	return &DeterministicClock{start: start}
}

// Now advances the clock and returns the new time.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
	return c.start.Add(time.Duration(c.ticks) * time.Microsecond)
}

// Ticks returns the number of readings taken so far.
func (c *DeterministicClock) Ticks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Reset rewinds the clock to start.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
