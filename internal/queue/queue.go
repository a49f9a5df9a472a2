// Package queue implements the per-peer ordered message queue: the
// staging/commit protocol, front-visibility, flush, and readability
// signalling described in spec.md §3–§5.
//
// This is the direct generalisation of the teacher's rqueue — the
// ordered, mutex-guarded structure core.Peer drives from
// processInitialMessage/exchangeTimestamp — turned into a standalone,
// reusable component instead of being folded into the peer's control
// flow.
package queue

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ipcbus/bus1q/internal/bus1err"
	"github.com/ipcbus/bus1q/internal/clock"
	"github.com/ipcbus/bus1q/internal/log"
	"github.com/ipcbus/bus1q/internal/metrics"
	"github.com/ipcbus/bus1q/internal/node"
)

// Queue is an ordered multiset of *node.Node, keyed by (timestamp,
// sender), that tracks the minimum committed entry ("front") and
// enforces the staging/commit protocol of spec.md §4.2.
//
// The ordered set (messages) is a slice kept sorted by insertion,
// guarded by mu; this is a deliberate departure from pulling in a
// generic tree/skip-list dependency — see DESIGN.md for why no
// third-party ordered container from the example pack fit an
// intrusive, reference-counted structure like this one. front is
// additionally published through an atomic pointer so lock-free
// readers (PeekRCU) can take a size/readiness hint without contending
// on mu, mirroring §9's "front as RCU pointer" design note.
type Queue struct {
	mu sync.Mutex

	clock    clock.Clock
	messages []*node.Node

	front atomic.Pointer[node.Node]

	// ready is closed, then replaced, every time the queue
	// transitions from not-readable to readable. Waiters snapshot
	// the channel under mu before releasing it, so they never miss
	// a transition (close-and-replace is race-free against a
	// waiter that grabbed the old channel just before replacement).
	ready chan struct{}

	log     log.Logger
	metrics *metrics.Queue
}

// New returns an empty queue. name is used only to label metrics and
// log lines.
func New(name string, logger log.Logger) *Queue {
	if logger == nil {
		logger = log.Nop()
	}
	q := &Queue{
		ready:   make(chan struct{}),
		log:     logger,
		metrics: metrics.NewQueue(name),
	}
	return q
}

// Metrics returns the queue's counter set.
func (q *Queue) Metrics() *metrics.Queue { return q.metrics }

// Len returns the number of entries currently linked into the queue,
// staged or committed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// insertLocked places n into messages keeping the slice sorted by
// n.Less. Callers must hold mu and must have already stamped n.
func (q *Queue) insertLocked(n *node.Node) {
	i := sort.Search(len(q.messages), func(i int) bool {
		return n.Less(q.messages[i])
	})
	q.messages = append(q.messages, nil)
	copy(q.messages[i+1:], q.messages[i:])
	q.messages[i] = n
}

// removeLocked deletes n from messages by pointer identity. Callers
// must hold mu.
func (q *Queue) removeLocked(n *node.Node) {
	for i, m := range q.messages {
		if m == n {
			copy(q.messages[i:], q.messages[i+1:])
			q.messages[len(q.messages)-1] = nil
			q.messages = q.messages[:len(q.messages)-1]
			return
		}
	}
}

// recomputeFrontLocked restores the invariant: front is the minimum
// element of messages iff that minimum is committed, otherwise nil.
// Callers must hold mu.
func (q *Queue) recomputeFrontLocked() {
	if len(q.messages) == 0 {
		q.front.Store(nil)
		return
	}
	min := q.messages[0]
	if min.Committed() {
		q.front.Store(min)
		return
	}
	if min.Staged() {
		// A staged node at the head masks every committed node
		// behind it — that is the whole point of front-visibility,
		// not a bug. But a staged node must never have a key less
		// than an already-published front; that would mean time
		// moved backwards under a live reader. Assert it here.
		if prev := q.front.Load(); prev != nil && prev.Committed() && prev != min {
			q.log.Errorf("internal-invariant: staged node %#v masks previously-readable front %#v", min, prev)
		}
	}
	q.front.Store(nil)
}

func (q *Queue) isReadableLocked() bool {
	return q.front.Load() != nil
}

// signalLocked wakes any blocked reader exactly on the not-readable
// -> readable edge. Callers must hold mu and must have already called
// recomputeFrontLocked.
func (q *Queue) signalLocked(wasReadable bool) {
	nowReadable := q.isReadableLocked()
	if !wasReadable && nowReadable {
		close(q.ready)
		q.ready = make(chan struct{})
		q.metrics.IncWakeups()
	}
}

// Stage inserts an unlinked node with a tentative, odd (stage-bit-set)
// timestamp derived from syncing the clock to at least minTS. It
// returns the even clock value the caller should fold into the
// transaction's max-of-stamps computation.
//
// Pre: node is unlinked, minTS is even.
func (q *Queue) Stage(n *node.Node, minTS uint64) (uint64, error) {
	if minTS&1 != 0 {
		return 0, bus1err.ErrInvalidArgument
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if n.Linked() {
		return 0, bus1err.ErrInternalInvariant
	}

	ts, err := q.clock.Sync(minTS)
	if err != nil {
		return 0, err
	}

	wasReadable := q.isReadableLocked()
	n.AddRef()
	n.StageAt(ts + 1)
	q.insertLocked(n)
	q.recomputeFrontLocked()
	// Staging never makes a new entry readable; signalLocked is
	// still called for symmetry and because it is harmless (it is a
	// no-op unless wasReadable flipped, which staging cannot cause).
	q.signalLocked(wasReadable)
	q.metrics.IncStaged()
	return ts, nil
}

// Sync raises the queue's clock to at least ts without touching any
// node. The transaction driver calls this on every participating
// queue before committing any of them, so that §5.1's sync-before-commit
// guarantee holds for the whole batch rather than being established
// one queue at a time inside each CommitStaged call.
func (q *Queue) Sync(ts uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.clock.Sync(ts)
	return err
}

// CommitStaged re-stamps a previously staged node to the final, even
// timestamp ts, resorts it, and recomputes front. It returns false
// (without error) if the node was flushed concurrently — the caller
// must then drop its transaction reference and treat the destination
// as gone, per spec.md §4.2.
//
// Pre: ts is even. Callers must have already synced every
// participating queue's clock to at least ts before committing any of
// them (the transaction driver's responsibility, asserted here).
func (q *Queue) CommitStaged(n *node.Node, ts uint64) (bool, error) {
	if ts&1 != 0 {
		return false, bus1err.ErrInvalidArgument
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if !n.Linked() {
		return false, nil
	}

	if _, err := q.clock.Sync(ts); err != nil {
		return false, err
	}
	if q.clock.Value() < ts {
		// Sync-before-commit guarantee from §5.1; never reachable
		// given the Sync above, asserted defensively.
		q.log.Errorf("internal-invariant: clock %d < commit timestamp %d", q.clock.Value(), ts)
		return false, bus1err.ErrInternalInvariant
	}

	wasReadable := q.isReadableLocked()
	q.removeLocked(n)
	n.CommitAt(ts)
	q.insertLocked(n)
	q.recomputeFrontLocked()
	q.signalLocked(wasReadable)
	q.metrics.IncCommitted()
	return true, nil
}

// CommitUnstaged is the unicast fast path: it ticks the clock for a
// fresh even timestamp and commits n directly, without ever visiting
// the staged state.
//
// Pre: node is unlinked.
func (q *Queue) CommitUnstaged(n *node.Node) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n.Linked() {
		return 0, bus1err.ErrInternalInvariant
	}

	ts, err := q.clock.Tick()
	if err != nil {
		return 0, err
	}

	wasReadable := q.isReadableLocked()
	n.AddRef()
	n.CommitAt(ts)
	q.insertLocked(n)
	q.recomputeFrontLocked()
	q.signalLocked(wasReadable)
	q.metrics.IncCommitted()
	return ts, nil
}

// Remove cancels a node that is still linked to the queue, whether
// staged or committed, returning true iff this call performed the
// removal. A node that has already been flushed returns false; the
// caller then simply drops its own reference.
func (q *Queue) Remove(n *node.Node) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !n.Linked() {
		return false
	}

	wasReadable := q.isReadableLocked()
	q.removeLocked(n)
	n.Release()
	n.Unlink()
	q.recomputeFrontLocked()
	q.signalLocked(wasReadable)
	q.metrics.IncRemoved()
	return true
}

// Peek returns the front node with an acquired +1 reference, plus
// whether the next element shares the front's (timestamp, sender) key
// (continuation — more parts of the same transaction delivered to
// this peer). It returns ok == false if the queue is not currently
// readable.
func (q *Queue) Peek() (n *node.Node, continuation bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peekLocked()
}

func (q *Queue) peekLocked() (*node.Node, bool, bool) {
	f := q.front.Load()
	if f == nil {
		return nil, false, false
	}
	f.AddRef()
	continuation := false
	if len(q.messages) > 1 {
		next := q.messages[1]
		ft, fs := f.Key()
		nt, ns := next.Key()
		continuation = ft == nt && fs == ns
	}
	return f, continuation, true
}

// PeekRCU returns a snapshot of the front pointer without acquiring
// mu or a reference on the node. It exists solely for lock-free
// pre-flight size hints (Bus.Recv sizes its internal/handle FD
// pre-allocation from it); a stale nil read is acceptable, it simply
// triggers a locked re-check by the caller.
func (q *Queue) PeekRCU() *node.Node {
	return q.front.Load()
}

// IsReadable reports whether the queue currently has a committed,
// front-eligible entry, without blocking.
func (q *Queue) IsReadable() bool {
	return q.front.Load() != nil
}

// Wait blocks until the queue becomes readable or ctx is done. On
// return with a nil error the caller should immediately call Peek
// under the same understanding that spurious wakeups are possible —
// Wait always rechecks readability itself before returning nil, so
// callers never see a spurious success, but concurrent consumption
// between Wait's return and the caller's own Peek is still possible.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.isReadableLocked() {
			q.mu.Unlock()
			return nil
		}
		ch := q.ready
		q.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush removes every node from the queue. Staged nodes are unlinked
// and have the queue's reference dropped in place — a subsequent
// CommitStaged on them will observe "not linked" and return false,
// so a flushed destination never receives a late delivery. Committed
// nodes are appended to out, preserving their reference: ownership
// transfers to the caller, which is responsible for disposing of
// them (e.g. releasing their pool slice).
func (q *Queue) Flush(out *[]*node.Node) {
	q.mu.Lock()
	defer q.mu.Unlock()

	flushedStaged := 0
	for _, n := range q.messages {
		if n.Staged() {
			n.Release()
			n.Unlink()
			flushedStaged++
			continue
		}
		n.Unlink()
		*out = append(*out, n)
	}
	q.metrics.AddFlushed(len(q.messages))
	q.messages = nil
	q.front.Store(nil)
	_ = flushedStaged
}

// ClockValue exposes the current clock value, mainly for tests
// asserting the sync-before-commit guarantee (§5.1).
func (q *Queue) ClockValue() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clock.Value()
}
