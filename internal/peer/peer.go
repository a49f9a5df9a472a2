// Package peer implements the per-peer wrapper described in spec.md
// §4.3: the queue plus its external collaborators (pool, quota,
// handle table), and the new -> connected -> shutdown lifecycle.
//
// This generalises the teacher's core.Peer — which bundles a queue,
// transport, clock and deliverer behind a single mutex and
// cancellable context — by dropping the network transport (this
// module's Non-goals exclude cross-machine transport entirely) and
// replacing the teacher's single always-connected partition with an
// explicit, racy-safe connect/reset/disconnect state machine.
package peer

import (
	"sync"
	"sync/atomic"

	"github.com/ipcbus/bus1q/internal/bus1err"
	"github.com/ipcbus/bus1q/internal/config"
	"github.com/ipcbus/bus1q/internal/handle"
	"github.com/ipcbus/bus1q/internal/log"
	"github.com/ipcbus/bus1q/internal/node"
	"github.com/ipcbus/bus1q/internal/pool"
	"github.com/ipcbus/bus1q/internal/queue"
	"github.com/ipcbus/bus1q/internal/quota"
)

// State is one of the three externally visible peer lifecycle states
// from spec.md §4.3.
type State int32

const (
	StateNew State = iota
	StateConnected
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Peer bundles a queue with its pool, quota, and handle-table
// collaborators, and enforces the connect/reset/disconnect lifecycle.
//
// The gate mutex does double duty as both the lifecycle state guard
// and the "drain in-flight operations before teardown" gate, per §9's
// design note that a single mutex reused for both purposes is
// sufficient — there is no second lock here for activation/shutdown
// coordination.
type Peer struct {
	gate         sync.Mutex
	state        State
	wg           sync.WaitGroup
	shutdownDone chan struct{}

	cfg *config.Peer

	// q is published with an atomic pointer so FastRead-style
	// lock-free readers (PeekRCU callers) can observe it without
	// taking gate, mirroring §4.3's "RCU-safe pointer" requirement.
	q atomic.Pointer[queue.Queue]

	pl      pool.Pool
	qt      *quota.Quota
	handles *handle.Table

	log log.Logger
}

// New returns a peer in the "new" state; it owns nothing until
// Connect succeeds.
func New(cfg *config.Peer) *Peer {
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	return &Peer{
		cfg: cfg,
		log: cfg.Logger,
	}
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() State {
	p.gate.Lock()
	defer p.gate.Unlock()
	return p.state
}

// Connect allocates a queue and pool of poolSize bytes and publishes
// them atomically, transitioning new -> connected. It fails with
// ErrAlreadyConnected or ErrShutdown if another caller already raced
// this peer out of the new state.
func (p *Peer) Connect(poolSize int) error {
	if poolSize <= 0 {
		return bus1err.ErrInvalidArgument
	}

	p.gate.Lock()
	defer p.gate.Unlock()

	switch p.state {
	case StateConnected:
		return bus1err.ErrAlreadyConnected
	case StateShutdown:
		return bus1err.ErrShutdown
	}

	var pl pool.Pool
	var err error
	if p.cfg.UseHeapPool {
		pl = pool.NewHeap(poolSize)
	} else {
		pl, err = pool.NewMmap(poolSize)
		if err != nil {
			return err
		}
	}

	q := queue.New(p.cfg.Name, p.log)
	p.q.Store(q)
	p.pl = pl
	p.qt = quota.New(p.cfg.Quota)
	p.handles = handle.NewTable()
	p.state = StateConnected
	p.log.Infof("peer %s connected with pool size %d", p.cfg.Name, poolSize)
	return nil
}

// Reset drains the queue and pool (treating staged entries as
// flushed, deallocating committed slices, and zeroing the handle
// table) without disturbing connection identity or ticking the clock
// backwards — the queue's own clock is untouched by Flush.
func (p *Peer) Reset() error {
	if err := p.acquire(); err != nil {
		return err
	}
	defer p.release()

	q := p.q.Load()
	var committed []*node.Node
	q.Flush(&committed)
	for _, n := range committed {
		if n.Size > 0 {
			_ = p.pl.Deallocate(n.Offset)
		}
	}
	p.pl.Flush()
	p.handles.Reset()
	p.qt.Reset()
	p.log.Infof("peer %s reset", p.cfg.Name)
	return nil
}

// Query returns the pool's total capacity in bytes.
func (p *Peer) Query() (int, error) {
	if err := p.acquire(); err != nil {
		return 0, err
	}
	defer p.release()
	return p.pl.Size(), nil
}

// Disconnect atomically deactivates the peer, drains all in-flight
// operations, then tears down its queue, pool and handle table.
// Disconnect is idempotent: of N concurrent callers exactly one
// performs the teardown and returns nil; the rest block until
// teardown finishes and then observe ErrShutdown.
func (p *Peer) Disconnect() error {
	p.gate.Lock()
	switch p.state {
	case StateNew:
		p.gate.Unlock()
		return bus1err.ErrNotConnected
	case StateShutdown:
		done := p.shutdownDone
		p.gate.Unlock()
		// Another caller already owns teardown. Wait on its
		// completion signal rather than just the wg counter: the
		// wg can legitimately reach zero before teardown itself
		// finishes closing the pool/handles, and every caller must
		// only observe ErrShutdown after teardown is complete.
		<-done
		return bus1err.ErrShutdown
	}
	p.state = StateShutdown
	done := make(chan struct{})
	p.shutdownDone = done
	p.gate.Unlock()

	// Every acquire() call after the state flip above observes
	// StateShutdown and fails fast without incrementing wg, so this
	// Wait converges once operations already in flight finish. The
	// teardown goroutine itself never calls acquire, so it is not
	// waiting on its own registration.
	p.wg.Wait()

	q := p.q.Load()
	var committed []*node.Node
	q.Flush(&committed)
	for _, n := range committed {
		if n.Size > 0 {
			_ = p.pl.Deallocate(n.Offset)
		}
	}
	if closer, ok := p.pl.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	p.handles.Reset()
	p.log.Infof("peer %s disconnected", p.cfg.Name)
	close(done)
	return nil
}

// Queue returns the peer's queue for RCU-style lock-free reads
// (PeekRCU). It returns nil if the peer has never connected.
func (p *Peer) Queue() *queue.Queue {
	return p.q.Load()
}

// Pool returns the peer's pool collaborator.
func (p *Peer) Pool() pool.Pool {
	p.gate.Lock()
	defer p.gate.Unlock()
	return p.pl
}

// Handles returns the peer's FD table.
func (p *Peer) Handles() *handle.Table {
	p.gate.Lock()
	defer p.gate.Unlock()
	return p.handles
}

// Quota returns the peer's quota tracker.
func (p *Peer) Quota() *quota.Quota {
	p.gate.Lock()
	defer p.gate.Unlock()
	return p.qt
}

// acquire checks the peer is connected and, if so, registers one
// in-flight operation; callers must pair a successful acquire with
// exactly one release.
func (p *Peer) acquire() error {
	p.gate.Lock()
	defer p.gate.Unlock()
	switch p.state {
	case StateNew:
		return bus1err.ErrNotConnected
	case StateShutdown:
		return bus1err.ErrShutdown
	}
	p.wg.Add(1)
	return nil
}

func (p *Peer) release() {
	p.wg.Done()
}
