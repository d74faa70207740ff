// Package pollcoord gates network refreshes so that two callers never poll
// the same keyword faster than a minimum interval.
package pollcoord

import (
	"sync"
	"time"

	"storytrack/internal/clock"
)

// Coordinator holds the process-wide keyword -> last poll time record.
// A single instance is shared by every sync worker.
type Coordinator struct {
	clock    clock.Clock
	lastPoll map[string]time.Time
	mu       sync.Mutex
}

func New(c clock.Clock) *Coordinator {
	if c == nil {
		c = clock.Real{}
	}

	return &Coordinator{
		clock:    c,
		lastPoll: make(map[string]time.Time),
	}
}

// CanPoll reports whether at least minInterval has passed since the last
// registered poll for key. Keys never polled are eligible.
func (c *Coordinator) CanPoll(key string, minInterval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.canPollLocked(key, minInterval)
}

// RegisterPoll records now as the latest poll time for key.
func (c *Coordinator) RegisterPoll(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastPoll[key] = c.clock.Now()
}

// TryAcquire is CanPoll followed by RegisterPoll under one lock.
func (c *Coordinator) TryAcquire(key string, minInterval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.canPollLocked(key, minInterval) {
		return false
	}

	c.lastPoll[key] = c.clock.Now()

	return true
}

// Remaining returns how long key has to wait before it may be polled again.
func (c *Coordinator) Remaining(key string, minInterval time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.lastPoll[key]
	if !ok {
		return 0
	}

	return max(minInterval-c.clock.Now().Sub(last), 0)
}

func (c *Coordinator) LastPoll(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.lastPoll[key]

	return last, ok
}

func (c *Coordinator) canPollLocked(key string, minInterval time.Duration) bool {
	last, ok := c.lastPoll[key]
	if !ok {
		return true
	}

	return c.clock.Now().Sub(last) >= minInterval
}
