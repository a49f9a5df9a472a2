// Package pool implements the §6 "pool" collaborator: the receive-side
// shared-memory region a peer publishes message slices into.
//
// spec.md treats the pool as an external collaborator and only
// specifies the interface the queue/peer consume from it
// (publish/release/write_kvec/deallocate/flush). Since this module has
// no real kernel shared-memory subsystem to sit on top of, this
// package supplies two concrete implementations behind that
// interface: an mmap-backed bump allocator (the default, grounded on
// golang.org/x/sys/unix.Mmap the way the go-ublk reference file in the
// example pack manages its descriptor/buffer mmap regions) and a
// heap-backed one for tests and platforms without mmap.
package pool

import (
	"errors"
	"sync"

	"github.com/ipcbus/bus1q/internal/bus1err"
)

// ErrSliceTooLarge is returned by Publish when size exceeds the
// remaining capacity of the pool.
var ErrSliceTooLarge = errors.New("bus1q: slice larger than remaining pool capacity")

// Pool is the interface internal/peer and internal/handle consume.
// Every method is expected to be called with the owning peer's lock
// already held — pool operations are serialised by the peer's lock,
// per spec.md §6.
type Pool interface {
	// Publish copies data into the pool and returns its offset and
	// size.
	Publish(data []byte) (offset, size int, err error)

	// Release returns a previously published slice to the pool.
	Release(offset int) error

	// WriteKvec writes iov (e.g. transferred FD numbers) into the
	// pool at offset. The write is bounded only by the pool's total
	// size; it is not checked against any slice's published size or
	// reserved slack.
	WriteKvec(offset int, iov []byte) error

	// Read returns a copy of the bytes at offset/size; the returned
	// slice does not alias pool memory.
	Read(offset, size int) ([]byte, error)

	// Deallocate marks the slice at offset released, the same as
	// Release — used by Peer.Reset/Disconnect on the committed nodes
	// a queue flush hands back.
	Deallocate(offset int) error

	// Flush resets the pool to empty, as in Peer.reset().
	Flush()

	// Size returns the pool's total capacity in bytes.
	Size() int
}

// heapPool is a pure Go, slice-backed bump allocator. It never
// actually frees memory back to the runtime between Flush calls,
// which is fine for a queue-depth-bounded IPC pool in tests.
type heapPool struct {
	mu       sync.Mutex
	buf      []byte
	size     int
	offset   int
	released map[int]bool
}

// NewHeap returns a Pool backed by a plain Go byte slice of the given
// size.
func NewHeap(size int) Pool {
	return &heapPool{
		buf:      make([]byte, size),
		size:     size,
		released: make(map[int]bool),
	}
}

func (p *heapPool) Publish(data []byte) (int, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offset+len(data) > p.size {
		return 0, 0, ErrSliceTooLarge
	}
	off := p.offset
	n := copy(p.buf[off:], data)
	p.offset += n
	return off, n, nil
}

func (p *heapPool) Release(offset int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < 0 || offset >= p.size {
		return bus1err.ErrInvalidArgument
	}
	p.released[offset] = true
	return nil
}

func (p *heapPool) WriteKvec(offset int, iov []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < 0 || offset+len(iov) > p.size {
		return bus1err.ErrOutOfMemory
	}
	copy(p.buf[offset:], iov)
	return nil
}

func (p *heapPool) Read(offset, size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < 0 || offset+size > p.size {
		return nil, bus1err.ErrInvalidArgument
	}
	out := make([]byte, size)
	copy(out, p.buf[offset:offset+size])
	return out, nil
}

func (p *heapPool) Deallocate(offset int) error {
	return p.Release(offset)
}

func (p *heapPool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset = 0
	p.released = make(map[int]bool)
}

func (p *heapPool) Size() int {
	return p.size
}
