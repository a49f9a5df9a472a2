// Package node defines the queue entry type shared by internal/queue,
// internal/peer and internal/txn.
//
// A Node is either unlinked (timestamp == 0, owned by whoever holds a
// reference) or linked into exactly one queue's ordered set. While
// staged it carries two strong references — the queue's and the
// transaction's — which is what makes flush-while-committing safe (see
// Queue.Flush in internal/queue).
package node

import "sync/atomic"

// Kind distinguishes ordinary payload nodes from lightweight markers.
// Kind is carried as a plain field rather than packed into the
// timestamp word: packing it there would force the clock to advance by
// more than 2 per tick, breaking the "committed values are always
// even" invariant.
type Kind uint8

const (
	// KindData is an ordinary message carrying a published pool slice.
	KindData Kind = iota
	// KindRelease is a marker node signalling that a previously
	// published pool slice has been released back to the pool.
	KindRelease
)

// Sender is an opaque peer identity used purely for tie-breaking nodes
// that share a timestamp.
type Sender uint64

// stageBit is the least-significant bit of a node's timestamp. Set
// means the node is staged (not yet committed); clear means committed.
// Committed timestamps are therefore always even, matching the clock's
// tick-by-2 stride.
const stageBit = uint64(1)

// Node is one entry in a peer's ordered queue.
//
// The timestamp field combines the §3 "timestamp_and_type" word: the
// high 63 bits are the Lamport timestamp, the low bit is the stage
// flag. It is manipulated under the owning queue's lock except for the
// lock-free front-pointer fast path, which only ever reads a Node's
// address, never its fields.
type Node struct {
	// timestamp is 0 when unlinked. Accessed via atomic so that
	// peek_rcu (which walks from front without the lock) observes a
	// consistent value; all mutations still happen under the queue
	// lock.
	timestamp uint64

	// Sender is the producing peer's identity, used as the ordering
	// tie-breaker for nodes sharing a timestamp.
	Sender Sender

	// Kind distinguishes data nodes from release markers.
	Kind Kind

	// refCount tracks the {queue, transaction} strong-reference
	// model from §3/§9: 1 while owned solely by a transaction or
	// solely by the queue, 2 while staged (both hold a reference).
	refCount int32

	// Payload is the published pool slice this node carries,
	// opaque to the queue itself.
	Payload []byte

	// Offset and Size locate Payload within the destination peer's
	// pool once it has been published there; a committed node with
	// Size > 0 is deallocated from that offset when the queue is
	// flushed (Peer.Reset/Disconnect).
	Offset int
	Size   int

	// Handles is the number of file descriptors associated with
	// this node's payload, used by the FD pre-allocation protocol
	// in internal/handle.
	Handles int

	// linked records whether this node currently belongs to a
	// queue's ordered set; queue package code also keeps its own
	// tree/slice membership, this is a cheap local mirror used by
	// Unlinked()/Linked().
	linked bool
}

// New creates a fresh, unlinked node ready to be staged or committed.
func New(sender Sender, kind Kind, payload []byte, handles int) *Node {
	return &Node{
		Sender:   sender,
		Kind:     kind,
		refCount: 1,
		Payload:  payload,
		Handles:  handles,
	}
}

// Timestamp returns the raw timestamp_and_type word, stage bit
// included. A value of 0 means the node is unlinked.
func (n *Node) Timestamp() uint64 {
	return atomic.LoadUint64(&n.timestamp)
}

// Staged reports whether the node's stage bit is set. A node with
// Timestamp() == 0 is neither staged nor committed — it is unlinked.
func (n *Node) Staged() bool {
	ts := n.Timestamp()
	return ts != 0 && ts&stageBit != 0
}

// Committed reports whether the node is linked and its stage bit is
// clear.
func (n *Node) Committed() bool {
	ts := n.Timestamp()
	return ts != 0 && ts&stageBit == 0
}

// Linked reports whether the node is currently a member of a queue's
// ordered set. Linked() == (Timestamp() != 0), kept as a separate bit
// for clarity at call sites.
func (n *Node) Linked() bool {
	return n.linked
}

// StageAt links the node at an odd (stage-bit-set) timestamp. The
// queue package calls this after syncing its clock and before
// inserting the node into its ordered set.
func (n *Node) StageAt(ts uint64) {
	if ts&stageBit == 0 {
		ts |= stageBit
	}
	atomic.StoreUint64(&n.timestamp, ts)
	n.linked = true
}

// CommitAt links (or re-links) the node at an even timestamp.
func (n *Node) CommitAt(ts uint64) {
	if ts&stageBit != 0 {
		panic("bus1q: internal-invariant: commit timestamp has stage bit set")
	}
	atomic.StoreUint64(&n.timestamp, ts)
	n.linked = true
}

// Unlink clears the node's timestamp, returning it to the unlinked
// state. Callers must have already removed it from any queue
// structure and adjusted reference counts.
func (n *Node) Unlink() {
	atomic.StoreUint64(&n.timestamp, 0)
	n.linked = false
}

// Key returns the node's ordering key: (timestamp-with-stage-bit,
// sender), ascending. The stage bit participates in the comparison, so
// a staged node at time T sorts after a committed node at T-1 but
// before a committed node at T+1, per §3's Ordering rule.
func (n *Node) Key() (uint64, Sender) {
	return n.Timestamp(), n.Sender
}

// Less reports whether n sorts strictly before other under the
// queue's total order.
func (n *Node) Less(other *Node) bool {
	nt, ns := n.Key()
	ot, os := other.Key()
	if nt != ot {
		return nt < ot
	}
	return ns < os
}

// AddRef increments the node's reference count, used when the queue
// takes its +1 ref on stage/commit_unstaged.
func (n *Node) AddRef() int32 {
	return atomic.AddInt32(&n.refCount, 1)
}

// Release drops one reference, returning the resulting count. A
// count reaching 0 means the node can be recycled by its last owner.
func (n *Node) Release() int32 {
	return atomic.AddInt32(&n.refCount, -1)
}

// RefCount returns the current reference count (for tests and
// invariant assertions).
func (n *Node) RefCount() int32 {
	return atomic.LoadInt32(&n.refCount)
}
