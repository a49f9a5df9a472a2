// Package clock implements the monotonic, Lamport-style counter that
// drives the ordering of a single peer's queue.
//
// A Clock only ever moves forward. It is ticked by two per message
// committed without staging (commit_unstaged) and synced to an
// externally observed timestamp before a multicast commit.
package clock

import (
	"sync"

	"github.com/ipcbus/bus1q/internal/bus1err"
)

// ErrOverflow is returned by Tick and Sync when advancing the clock
// would collide with the stage bit reserved in the timestamp's LSB.
var ErrOverflow = bus1err.ErrClockOverflow

// maxTimestamp is the largest value a tick may produce while leaving
// the stage bit (bit 0) permanently clear on committed timestamps.
// 63 usable bits, LSB reserved, so the highest even value is 2^63-2.
const maxTimestamp uint64 = (1 << 63) - 2

// Clock is a per-queue monotonic counter. The zero value is ready to
// use and starts at timestamp 0 ("unstamped").
//
// Callers must hold the owning queue's lock for every operation; Clock
// itself does not synchronize access, mirroring the teacher's
// LogicalClock being driven entirely under the peer's own mutex.
type Clock struct {
	value uint64
}

// Tick atomically advances the clock by 2 and returns the new value.
// The result is always even and strictly greater than every value
// previously returned by Tick or Sync on this clock.
func (c *Clock) Tick() (uint64, error) {
	if c.value > maxTimestamp-2 {
		return 0, ErrOverflow
	}
	c.value += 2
	return c.value, nil
}

// Sync raises the clock to at least atLeast, rounded up to the next
// even value, and returns the resulting clock value. Sync never moves
// the clock backwards.
func (c *Clock) Sync(atLeast uint64) (uint64, error) {
	target := atLeast
	if target&1 != 0 {
		target++
	}
	if target > maxTimestamp {
		return 0, ErrOverflow
	}
	if target > c.value {
		c.value = target
	}
	return c.value, nil
}

// Value returns the current clock value without advancing it.
func (c *Clock) Value() uint64 {
	return c.value
}

// Guarded wraps a Clock with its own mutex for components that do not
// already serialize access to it (notably tests that exercise the
// clock in isolation from a Queue).
type Guarded struct {
	mu sync.Mutex
	c  Clock
}

func (g *Guarded) Tick() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.c.Tick()
}

func (g *Guarded) Sync(atLeast uint64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.c.Sync(atLeast)
}

func (g *Guarded) Value() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.c.Value()
}
