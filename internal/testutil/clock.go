package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant returned by a StepClock.
var Epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// StepClock is a deterministic clock for journal tests. Each call to Now
// returns Epoch advanced by one more Step.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu    sync.Mutex
	Step  time.Duration
	ticks int64
}

// NewStepClock returns a clock advancing one second per call.
func NewStepClock() *StepClock {
	return &StepClock{Step: time.Second}
}

// Now returns the next instant. The first call returns Epoch.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := Epoch.Add(time.Duration(c.ticks) * c.Step)
	c.ticks++
	return t
}

// Ticks returns the number of Now calls so far.
func (c *StepClock) Ticks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Reset makes the next Now return Epoch again.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
