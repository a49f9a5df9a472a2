// Package quota implements the coarse per-peer resource accounting
// mentioned in spec.md §1/§6: bounds on outstanding pool bytes and
// installed handles, enforced independently of message ordering.
//
// This is new relative to the teacher (which has no equivalent — its
// partitions are unbounded) but follows the same small-mutex-guarded
// counter style as the teacher's PreviousSet/Memo helpers referenced
// from core/peer.go.
package quota

import (
	"sync"

	"github.com/ipcbus/bus1q/internal/bus1err"
)

// Limits bounds what a single peer may have outstanding at once.
type Limits struct {
	MaxBytes   int
	MaxHandles int
}

// Quota tracks a peer's current usage against its Limits.
type Quota struct {
	mu      sync.Mutex
	limits  Limits
	bytes   int
	handles int
}

// New returns a Quota enforcing limits.
func New(limits Limits) *Quota {
	return &Quota{limits: limits}
}

// Reserve accounts for an additional allocation of size bytes and n
// handles, failing with ErrOutOfMemory if either limit would be
// exceeded. Reservations are released with Release.
func (q *Quota) Reserve(size, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limits.MaxBytes > 0 && q.bytes+size > q.limits.MaxBytes {
		return bus1err.ErrOutOfMemory
	}
	if q.limits.MaxHandles > 0 && q.handles+n > q.limits.MaxHandles {
		return bus1err.ErrOutOfMemory
	}
	q.bytes += size
	q.handles += n
	return nil
}

// Release gives back a prior reservation.
func (q *Quota) Release(size, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bytes -= size
	q.handles -= n
	if q.bytes < 0 {
		q.bytes = 0
	}
	if q.handles < 0 {
		q.handles = 0
	}
}

// Reset clears all outstanding usage, used by Peer.reset().
func (q *Quota) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bytes = 0
	q.handles = 0
}

// Usage reports current outstanding bytes and handles.
func (q *Quota) Usage() (bytes, handles int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes, q.handles
}
