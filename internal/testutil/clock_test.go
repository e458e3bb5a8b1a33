package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFrozenClock_DefaultsToEpoch(t *testing.T) {
	clock := NewFrozenClock(time.Time{})
	assert.Equal(t, Epoch, clock.Now())
}

func TestFrozenClock_DoesNotMoveOnItsOwn(t *testing.T) {
	start := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := NewFrozenClock(start)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start, clock.Now())
}

func TestFrozenClock_SetAndAdvance(t *testing.T) {
	clock := NewFrozenClock(Epoch)

	assert.Equal(t, Epoch.Add(time.Hour), clock.Advance(time.Hour))
	assert.Equal(t, Epoch.Add(time.Hour), clock.Now())

	later := Epoch.AddDate(0, 1, 0)
	clock.Set(later)
	assert.Equal(t, later, clock.Now())
}

func TestFrozenClock_ThreadSafe(t *testing.T) {
	clock := NewFrozenClock(Epoch)
	const numGoroutines = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(numGoroutines*time.Second), clock.Now())
}
