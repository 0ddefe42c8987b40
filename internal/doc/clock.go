package doc

import (
	"sync"
	"time"
)

// Clock is a hybrid logical clock. Timestamps are packed into an int64:
// the high 48 bits hold physical milliseconds since the Unix epoch and the
// low 16 bits hold a logical counter.
//
// Every value returned by Now is strictly greater than any value previously
// returned by Now or passed to Observe.
type Clock struct {
	mu     sync.Mutex
	latest int64
	wall   func() time.Time
}

const logicalBits = 16
const logicalMask = 1<<logicalBits - 1

// NewClock creates a clock reading wall time from time.Now.
func NewClock() *Clock {
	return &Clock{wall: time.Now}
}

// newClockWithWall is used by tests to pin physical time.
func newClockWithWall(wall func() time.Time) *Clock {
	return &Clock{wall: wall}
}

// Now returns the next timestamp.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.wall().UnixMilli()
	oldPhys := c.latest >> logicalBits
	oldLogical := c.latest & logicalMask

	newPhys, newLogical := phys, int64(0)
	if phys <= oldPhys {
		newPhys = oldPhys
		newLogical = oldLogical + 1
	}
	c.latest = pack(newPhys, newLogical)
	return c.latest
}

// Observe advances the clock past a timestamp received from a peer.
func (c *Clock) Observe(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote > c.latest {
		c.latest = remote
	}
}

// Physical returns the millisecond part of a packed timestamp.
func Physical(ts int64) int64 {
	return ts >> logicalBits
}

func pack(phys, logical int64) int64 {
	// Logical overflow borrows from the physical part.
	if logical > logicalMask {
		phys++
		logical = 0
	}
	return phys<<logicalBits | logical
}
