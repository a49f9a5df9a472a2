//go:build !windows

package pool

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ipcbus/bus1q/internal/bus1err"
)

// mmapPool is the default Pool implementation: an anonymous,
// page-aligned mmap region, bump-allocated under a mutex.
//
// Grounded on the go-ublk reference file's mmapQueues helper (an
// anonymous PROT_READ|PROT_WRITE, MAP_PRIVATE|MAP_ANONYMOUS mapping
// sized and page-rounded the same way), adapted here to go through
// golang.org/x/sys/unix.Mmap instead of a raw syscall.Syscall6 so the
// mapping is returned as a normal []byte slice.
type mmapPool struct {
	mu       sync.Mutex
	region   []byte
	size     int
	offset   int
	released map[int]bool
}

// NewMmap allocates a pool backed by an anonymous mmap region of size
// bytes. size must be positive and page-aligned; any other size is
// rejected here with ErrInvalidArgument.
func NewMmap(size int) (Pool, error) {
	if size <= 0 || size%os.Getpagesize() != 0 {
		return nil, bus1err.ErrInvalidArgument
	}
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return &mmapPool{
		region:   region,
		size:     size,
		released: make(map[int]bool),
	}, nil
}

func (p *mmapPool) Publish(data []byte) (int, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offset+len(data) > p.size {
		return 0, 0, ErrSliceTooLarge
	}
	off := p.offset
	n := copy(p.region[off:], data)
	p.offset += n
	return off, n, nil
}

func (p *mmapPool) Release(offset int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < 0 || offset >= p.size {
		return bus1err.ErrInvalidArgument
	}
	p.released[offset] = true
	return nil
}

func (p *mmapPool) WriteKvec(offset int, iov []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < 0 || offset+len(iov) > p.size {
		return bus1err.ErrOutOfMemory
	}
	copy(p.region[offset:], iov)
	return nil
}

func (p *mmapPool) Read(offset, size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < 0 || offset+size > p.size {
		return nil, bus1err.ErrInvalidArgument
	}
	out := make([]byte, size)
	copy(out, p.region[offset:offset+size])
	return out, nil
}

func (p *mmapPool) Deallocate(offset int) error {
	return p.Release(offset)
}

func (p *mmapPool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset = 0
	p.released = make(map[int]bool)
}

func (p *mmapPool) Size() int {
	return p.size
}

// Close unmaps the region. Peer.Disconnect calls this during teardown
// when the pool is mmap-backed.
func (p *mmapPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.region == nil {
		return nil
	}
	err := unix.Munmap(p.region)
	p.region = nil
	return err
}
