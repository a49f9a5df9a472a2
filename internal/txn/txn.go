// Package txn implements the transaction driver from spec.md §4.4: the
// component that assigns a single commit timestamp to a batch of
// destination nodes spread across multiple peer queues.
//
// This generalises the teacher's processInitialMessage/exchangeTimestamp
// pair in pkg/mcast/core/peer.go — which ticks a local clock, fans a
// message out to every destination partition, then waits for each
// partition's reported timestamp before settling on tsm := max(values)
// — to this module's stage-all/commit-all protocol, run entirely
// in-process against the destinations' queues rather than over a
// network transport (this module's peers share memory, not a wire).
package txn

import (
	"github.com/ipcbus/bus1q/internal/bus1err"
	"github.com/ipcbus/bus1q/internal/node"
	"github.com/ipcbus/bus1q/internal/peer"
)

// Destination pairs a target peer with the node this transaction will
// deliver to it. Each destination gets its own *node.Node (sharing the
// same logical payload identity is the caller's concern, e.g. via
// node.Sender and a copy of the published pool slice) because a node
// can only ever be linked into one queue at a time.
type Destination struct {
	Peer *peer.Peer
	Node *node.Node
}

// Result reports one destination's outcome. Per spec.md §4.4 a
// transaction never rolls back a commit already applied to another
// destination, so callers must inspect Result per destination rather
// than treating the whole Send as atomic.
type Result struct {
	Destination *Destination
	Timestamp   uint64
	Delivered   bool
	Err         error
}

// Send drives the staging/commit protocol across dests. With exactly
// one destination it takes the commit_unstaged fast path; with more
// than one it stages on every destination, computes the max of the
// resulting stage timestamps rounded up to even, then commits every
// destination at that value.
//
// A destination whose queue disappears (peer not connected/shutdown)
// or is flushed mid-transaction is reported as a failed Result; its
// siblings are unaffected.
func Send(dests []*Destination) []Result {
	if len(dests) == 0 {
		return nil
	}
	if len(dests) == 1 {
		return []Result{sendUnicast(dests[0])}
	}
	return sendMulticast(dests)
}

func sendUnicast(d *Destination) Result {
	q := d.Peer.Queue()
	if q == nil {
		return Result{Destination: d, Err: bus1err.ErrNotConnected}
	}
	if d.Peer.State() == peer.StateShutdown {
		return Result{Destination: d, Err: bus1err.ErrShutdown}
	}
	ts, err := q.CommitUnstaged(d.Node)
	if err != nil {
		return Result{Destination: d, Err: err}
	}
	return Result{Destination: d, Timestamp: ts, Delivered: true}
}

func sendMulticast(dests []*Destination) []Result {
	results := make([]Result, len(dests))
	stageTS := make([]uint64, len(dests))
	staged := make([]bool, len(dests))

	var maxStage uint64
	for i, d := range dests {
		q := d.Peer.Queue()
		if q == nil {
			results[i] = Result{Destination: d, Err: bus1err.ErrNotConnected}
			continue
		}
		if d.Peer.State() == peer.StateShutdown {
			results[i] = Result{Destination: d, Err: bus1err.ErrShutdown}
			continue
		}
		ts, err := q.Stage(d.Node, 0)
		if err != nil {
			results[i] = Result{Destination: d, Err: err}
			continue
		}
		// Stage returns the even sync point; the node's actual
		// stage timestamp (odd, stage bit set) is one higher. The
		// multicast commit value is the max of those stage
		// timestamps rounded up to the next even value.
		staged[i] = true
		stageTS[i] = ts + 1
		if stageTS[i] > maxStage {
			maxStage = stageTS[i]
		}
	}

	commitTS := maxStage
	if commitTS&1 != 0 {
		commitTS++
	}

	// Sync-all before commit-all: every participating queue's clock
	// must be raised to commitTS before any of them commits, per
	// §4.4/§9 ("sync-all, then commit-all"), rather than letting each
	// CommitStaged call establish sync-before-commit for its own
	// queue one at a time while a sibling destination may already
	// have committed.
	for i, d := range dests {
		if !staged[i] {
			continue
		}
		if err := d.Peer.Queue().Sync(commitTS); err != nil {
			results[i] = Result{Destination: d, Err: err}
			staged[i] = false
		}
	}

	for i, d := range dests {
		if !staged[i] {
			continue
		}
		q := d.Peer.Queue()
		ok, err := q.CommitStaged(d.Node, commitTS)
		if err != nil {
			results[i] = Result{Destination: d, Err: err}
			continue
		}
		if !ok {
			// Flushed concurrently: the destination disappeared
			// mid-transaction. Drop this call's transaction
			// reference; the queue already dropped its own when
			// it flushed the node.
			d.Node.Release()
			results[i] = Result{Destination: d, Delivered: false}
			continue
		}
		results[i] = Result{Destination: d, Timestamp: commitTS, Delivered: true}
	}

	return results
}
