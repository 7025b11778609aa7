package simnet

import "github.com/algorand/go-deadlock"

// Clock is the simulated millisecond clock shared by all nodes. It only
// moves when the network is advanced.
type Clock struct {
	mu  deadlock.RWMutex
	now uint64
}

// NewClock creates a clock reading start.
func NewClock(start uint64) *Clock {
	return &Clock{now: start}
}

// Now returns the current simulated time in milliseconds.
func (c *Clock) Now() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock forward by ms and returns the new time.
func (c *Clock) Advance(ms uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
	return c.now
}
