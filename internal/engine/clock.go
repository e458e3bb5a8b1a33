package engine

import "time"

// Clock supplies the run timestamp and step timings.
// Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }
