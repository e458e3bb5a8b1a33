package testutil

import (
	"sync"
	"time"
)

// Epoch is the instant a FrozenClock starts at unless told otherwise.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// FrozenClock is a clock that only moves when a test moves it.
//
// It satisfies engine.Clock, so a scenario run twice with the same clock
// writes identical timestamps.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FrozenClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFrozenClock creates a clock stopped at t. A zero t means Epoch.
func NewFrozenClock(t time.Time) *FrozenClock {
	if t.IsZero() {
		t = Epoch
	}
	return &FrozenClock{now: t}
}

// Now returns the frozen instant.
func (c *FrozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *FrozenClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d and returns the new instant.
func (c *FrozenClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
