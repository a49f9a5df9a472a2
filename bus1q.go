// Package bus1q is the public facade of a capability-based local IPC
// bus: a registry of named peers, each owning one ordered queue, one
// pool, and one handle table, plus the caller-facing request surface
// from spec.md §6 (connect/send/recv/slice_release).
//
// This generalises the teacher's Unity (pkg/mcast/protocol.go) — a
// single bootstrapped group wrapping one clock, one state machine and
// one transport behind a handful of RPC-shaped methods — into a
// registry of independent peers exercising the staging/commit protocol
// against each other in-process, with no RPC layer: Non-goals exclude
// cross-machine transport entirely.
package bus1q

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"

	"github.com/ipcbus/bus1q/internal/bus1err"
	"github.com/ipcbus/bus1q/internal/config"
	"github.com/ipcbus/bus1q/internal/handle"
	"github.com/ipcbus/bus1q/internal/metrics"
	"github.com/ipcbus/bus1q/internal/node"
	"github.com/ipcbus/bus1q/internal/peer"
	"github.com/ipcbus/bus1q/internal/txn"
)

// ConnectFlag selects what Connect does, mirroring §6's "flags are a
// single choice from {client, reset, query}".
type ConnectFlag int

const (
	ConnectClient ConnectFlag = iota
	ConnectReset
	ConnectQuery
)

// SendFlag bits, combinable, mirroring §6's send flags.
type SendFlag int

const (
	SendContinue SendFlag = 1 << iota
	SendSilent
	SendRelease
)

// RecvFlag bits, combinable, mirroring §6's recv flags.
type RecvFlag int

const (
	RecvPeek RecvFlag = 1 << iota
)

const (
	// VecMax is the maximum number of vectors a single Send may carry.
	VecMax = config.VecMax
	// FDMax is the maximum number of file descriptors a single Send
	// may transfer.
	FDMax = config.FDMax
)

// Bus is a registry of named peers sharing no state beyond their
// mutual ability to address each other by name in Send.
type Bus struct {
	mu    sync.Mutex
	peers map[string]*peer.Peer
}

// NewBus returns an empty registry.
func NewBus() *Bus {
	return &Bus{
		peers: make(map[string]*peer.Peer),
	}
}

// Connect implements the §6 connect(flags, pool_size) operation for
// the named peer, creating it in the registry on first use.
//
// ConnectClient requires poolSize > 0; ConnectReset and ConnectQuery
// require poolSize == 0 and operate on an already-registered peer.
func (b *Bus) Connect(name string, flag ConnectFlag, poolSize int) (int, error) {
	switch flag {
	case ConnectClient:
		if poolSize <= 0 {
			return 0, bus1err.ErrInvalidArgument
		}
	case ConnectReset, ConnectQuery:
		if poolSize != 0 {
			return 0, bus1err.ErrInvalidArgument
		}
	default:
		return 0, bus1err.ErrInvalidArgument
	}

	b.mu.Lock()
	p, exists := b.peers[name]
	if !exists {
		if flag != ConnectClient {
			b.mu.Unlock()
			return 0, bus1err.ErrNotConnected
		}
		p = peer.New(config.Default(name))
		b.peers[name] = p
	}
	b.mu.Unlock()

	switch flag {
	case ConnectClient:
		if err := p.Connect(poolSize); err != nil {
			return 0, err
		}
		return p.Query()
	case ConnectReset:
		if err := p.Reset(); err != nil {
			return 0, err
		}
		return p.Query()
	default: // ConnectQuery
		return p.Query()
	}
}

// Send implements §6's send(flags, destinations[], vecs[], handles[],
// fds[]): it validates limits, flattens vecs into one payload,
// publishes a copy of that payload into each destination's pool, gives
// each destination its own node (a node may only be linked into one
// queue), and drives the transaction driver.
//
// fds is the number of file descriptors the message carries; Send
// records only that count on each node (node.Handles) and passes no
// descriptors itself. Descriptors are installed into the receiving
// peer's handle table later, by Recv's non-peek dequeue.
func (b *Bus) Send(sender node.Sender, destinations []string, vecs [][]byte, fds int) ([]txn.Result, error) {
	if len(vecs) > VecMax || fds > FDMax {
		return nil, bus1err.ErrInvalidArgument
	}
	if len(destinations) == 0 {
		return nil, bus1err.ErrInvalidArgument
	}

	payload := flatten(vecs)
	size := len(payload)

	// §6 reserves slack immediately after the payload for the FD kvec
	// written on the receive side (handle.RedeliverFDs's installed
	// handle numbers, via Recv below): four bytes per transferred
	// descriptor, published now so the receiver never has to grow a
	// slice that is already live in another peer's pool.
	slack := fds * 4
	toPublish := payload
	if slack > 0 {
		toPublish = make([]byte, size+slack)
		copy(toPublish, payload)
	}

	dests := make([]*txn.Destination, 0, len(destinations))
	rollback := func() {
		for _, d := range dests {
			d.Peer.Quota().Release(size, fds)
			_ = d.Peer.Pool().Release(d.Node.Offset)
		}
	}

	for _, name := range destinations {
		p, err := b.lookup(name)
		if err != nil {
			rollback()
			return nil, err
		}
		q := p.Quota()
		if q == nil {
			rollback()
			return nil, bus1err.ErrNotConnected
		}
		if err := q.Reserve(size, fds); err != nil {
			rollback()
			return nil, err
		}
		pl := p.Pool()
		if pl == nil {
			q.Release(size, fds)
			rollback()
			return nil, bus1err.ErrNotConnected
		}
		offset, _, err := pl.Publish(toPublish)
		if err != nil {
			q.Release(size, fds)
			rollback()
			return nil, err
		}
		n := node.New(sender, node.KindData, payload, fds)
		n.Offset = offset
		n.Size = size
		dests = append(dests, &txn.Destination{Peer: p, Node: n})
	}

	return txn.Send(dests), nil
}

// Recv implements §6's recv(flags): peek the named peer's front
// message without consuming it if RecvPeek is set, otherwise dequeue
// it. Returns ErrWouldBlock if the queue has no readable front.
//
// When the front message carries handles, Recv runs the §6 FD
// transfer protocol end to end: it pre-allocates a batch sized to a
// lock-free peek (PeekRCU), re-checks the count against the front
// returned by a locked Peek, retries with a freshly-sized batch
// on a mismatch (the S5 re-peek race), then installs the batch into
// the receiving peer's handle table and writes the resulting handle
// numbers into the slack Send reserved right after the payload.
func (b *Bus) Recv(name string, flag RecvFlag) (offset, size, handles int, err error) {
	p, err := b.lookup(name)
	if err != nil {
		return 0, 0, 0, err
	}
	q := p.Queue()
	table := p.Handles()
	pl := p.Pool()
	if q == nil || table == nil || pl == nil {
		return 0, 0, 0, bus1err.ErrNotConnected
	}

	hint := 0
	if f := q.PeekRCU(); f != nil {
		hint = f.Handles
	}
	pre, err := handle.Preallocate(hint)
	if err != nil {
		return 0, 0, 0, err
	}

	var n *node.Node
	for {
		var ok bool
		n, _, ok = q.Peek()
		if !ok {
			pre.Release()
			return 0, 0, 0, bus1err.ErrWouldBlock
		}
		if n.Handles == pre.Len() {
			break
		}
		pre.Release()
		n.Release()
		pre, err = handle.Preallocate(n.Handles)
		if err != nil {
			return 0, 0, 0, err
		}
	}

	// A peek never installs: that would duplicate a fresh handle into
	// the receiver's table on every repeated peek of the same front
	// message, leaking one descriptor per call. Only a real dequeue
	// transfers ownership.
	if flag&RecvPeek != 0 {
		pre.Release()
		offset, size = n.Offset, n.Size
		handles = n.Handles
		n.Release()
		return offset, size, handles, nil
	}

	var installed []int
	if n.Handles > 0 {
		installed, err = handle.RedeliverFDs(n, pre, table)
		if err != nil {
			n.Release()
			return 0, 0, 0, err
		}
		iov := make([]byte, len(installed)*4)
		for i, h := range installed {
			binary.LittleEndian.PutUint32(iov[i*4:], uint32(h))
		}
		if err := pl.WriteKvec(n.Offset+n.Size, iov); err != nil {
			for _, h := range installed {
				_ = table.Release(h)
			}
			n.Release()
			return 0, 0, 0, bus1err.ErrDeliveryFailed
		}
	} else {
		pre.Release()
	}

	offset, size = n.Offset, n.Size
	q.Remove(n)
	n.Release()

	return offset, size, len(installed), nil
}

// ReadSlice copies out the bytes Recv last reported at offset/size for
// the named peer, via the pool's own Read. A caller sharing the pool's
// memory directly would skip this and read the region itself; a CLI
// or other cross-boundary caller like cmd/busctl needs the copy.
func (b *Bus) ReadSlice(name string, offset, size int) ([]byte, error) {
	p, err := b.lookup(name)
	if err != nil {
		return nil, err
	}
	pl := p.Pool()
	if pl == nil {
		return nil, bus1err.ErrNotConnected
	}
	return pl.Read(offset, size)
}

// MetricsText renders the named peer's queue counters in Prometheus
// text exposition format.
func (b *Bus) MetricsText(name string) (string, error) {
	p, err := b.lookup(name)
	if err != nil {
		return "", err
	}
	q := p.Queue()
	if q == nil {
		return "", bus1err.ErrNotConnected
	}
	var sb strings.Builder
	if err := metrics.WriteText(&sb, q.Metrics().Snapshot()); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Wait blocks until the named peer's queue is readable or ctx is
// done, for callers that want to sleep instead of polling Recv.
func (b *Bus) Wait(ctx context.Context, name string) error {
	p, err := b.lookup(name)
	if err != nil {
		return err
	}
	q := p.Queue()
	if q == nil {
		return bus1err.ErrNotConnected
	}
	return q.Wait(ctx)
}

// SliceRelease implements §6's slice_release(offset): releases a
// previously published pool slice back to the named peer's pool.
func (b *Bus) SliceRelease(name string, offset int) error {
	p, err := b.lookup(name)
	if err != nil {
		return err
	}
	pl := p.Pool()
	if pl == nil {
		return bus1err.ErrNotConnected
	}
	return pl.Release(offset)
}

// Disconnect implements §6's implicit teardown path: disconnects the
// named peer, idempotently.
func (b *Bus) Disconnect(name string) error {
	p, err := b.lookup(name)
	if err != nil {
		return err
	}
	return p.Disconnect()
}

func (b *Bus) lookup(name string) (*peer.Peer, error) {
	b.mu.Lock()
	p, ok := b.peers[name]
	b.mu.Unlock()
	if !ok {
		return nil, bus1err.ErrNotConnected
	}
	return p, nil
}

func flatten(vecs [][]byte) []byte {
	total := 0
	for _, v := range vecs {
		total += len(v)
	}
	out := make([]byte, 0, total)
	for _, v := range vecs {
		out = append(out, v...)
	}
	return out
}
