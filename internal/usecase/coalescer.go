package usecase

import (
	"sync"
	"time"
)

// Coalescer runs fn at the trailing edge of a fixed window. Triggers that
// arrive while a run is pending join that run; runs never overlap.
type Coalescer struct {
	window time.Duration
	fn     func()

	mu      sync.Mutex
	pending bool
	stopped bool
	timer   *time.Timer

	run sync.Mutex
}

// NewCoalescer creates a Coalescer for fn.
func NewCoalescer(window time.Duration, fn func()) *Coalescer {
	return &Coalescer{window: window, fn: fn}
}

// Trigger schedules a run at now+window unless one is already pending.
func (c *Coalescer) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.pending {
		return
	}
	c.pending = true
	c.timer = time.AfterFunc(c.window, c.fire)
}

func (c *Coalescer) fire() {
	c.run.Lock()
	defer c.run.Unlock()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	// triggers from here on schedule the next run
	c.pending = false
	c.mu.Unlock()

	c.fn()
}

// Do runs fn immediately, serialized with scheduled runs.
func (c *Coalescer) Do(fn func()) {
	c.run.Lock()
	defer c.run.Unlock()
	fn()
}

// Stop cancels a pending run and ignores later triggers. A run already in
// progress completes. Safe to call more than once.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.pending = false
	if c.timer != nil {
		c.timer.Stop()
	}
}
