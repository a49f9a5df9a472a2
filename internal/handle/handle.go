//go:build !windows

// Package handle implements the §6 file-descriptor transfer
// collaborator: a per-peer table of installed descriptors plus the
// pre-allocate/re-check/retry protocol a receiver runs against a
// node's Handles count.
//
// golang.org/x/sys/unix backs the real descriptor-duplication path
// (Table.Install dup's an *os.File's fd so the table owns an
// independent reference), the same low-level package the go-ublk
// reference file in the example pack reaches for when it needs direct
// descriptor control beyond what os/syscall expose ergonomically.
package handle

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ipcbus/bus1q/internal/bus1err"
	"github.com/ipcbus/bus1q/internal/node"
)

// Table is a peer's file-descriptor table: small integer handles
// mapped to installed *os.File values. All operations are expected to
// run under the owning peer's lock.
type Table struct {
	mu      sync.Mutex
	entries map[int]*os.File
	next    int
}

// NewTable returns an empty handle table.
func NewTable() *Table {
	return &Table{entries: make(map[int]*os.File)}
}

// Install duplicates f's underlying descriptor and assigns it a fresh
// handle, returning the handle. The table takes ownership of the
// duplicate; f itself is left untouched and still owned by the
// caller.
func (t *Table) Install(f *os.File) (int, error) {
	dupFd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return 0, err
	}
	dup := os.NewFile(uintptr(dupFd), f.Name())

	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	t.entries[h] = dup
	return h, nil
}

// Lookup returns the file installed at handle h, if any.
func (t *Table) Lookup(h int) (*os.File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[h]
	return f, ok
}

// Release closes and removes the file installed at handle h.
func (t *Table) Release(h int) error {
	t.mu.Lock()
	f, ok := t.entries[h]
	delete(t.entries, h)
	t.mu.Unlock()
	if !ok {
		return bus1err.ErrInvalidArgument
	}
	return f.Close()
}

// Reset closes every installed file and empties the table, used by
// Peer.reset() and Peer.disconnect() to zero a peer's handle table
// per spec.md §4.3.
func (t *Table) Reset() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[int]*os.File)
	t.mu.Unlock()
	for _, f := range entries {
		_ = f.Close()
	}
}

// Preallocated is a batch of file handles reserved ahead of a
// dequeue, per the §6 FD pre-allocation protocol: the receiver
// allocates for the front message's n_files via a lock-free peek,
// then re-checks under the lock once the message is actually
// dequeued.
type Preallocated struct {
	files []*os.File
}

// Preallocate reserves n throwaway descriptors (each a separate open
// of the null device) sized to a lock-free peek's reported Handles
// count. Real descriptor content is only known once the message is
// actually dequeued under the lock; pre-allocation exists purely to
// reserve table/resource capacity ahead of time.
func Preallocate(n int) (*Preallocated, error) {
	files := make([]*os.File, 0, n)
	for i := 0; i < n; i++ {
		f, err := reserveSlot()
		if err != nil {
			for _, existing := range files {
				_ = existing.Close()
			}
			return nil, bus1err.ErrOutOfMemory
		}
		files = append(files, f)
	}
	return &Preallocated{files: files}, nil
}

// Release gives back every descriptor in the batch without
// installing them, used on the S5 re-peek-race mismatch path.
func (p *Preallocated) Release() {
	for _, f := range p.files {
		_ = f.Close()
	}
	p.files = nil
}

// Len reports how many descriptors are reserved in the batch.
func (p *Preallocated) Len() int { return len(p.files) }

// reserveSlot opens /dev/null as a placeholder reservation; the real
// bus1 driver reserves kernel-internal slots instead of a concrete
// fd, which this module has no equivalent of, so a cheap, always
// available descriptor stands in for "one reserved slot".
func reserveSlot() (*os.File, error) {
	return os.Open(os.DevNull)
}

// RedeliverFDs installs a duplicate of each descriptor in pre into
// dst and returns the new handles; n contributes only its Handles
// count. It enforces the §6 re-check: if n.Handles differs from the
// batch size it returns ErrInvalidArgument, and the caller must
// release pre and retry with a fresh allocation sized to n.Handles.
func RedeliverFDs(n *node.Node, pre *Preallocated, dst *Table) ([]int, error) {
	if n.Handles != pre.Len() {
		return nil, bus1err.ErrInvalidArgument
	}
	out := make([]int, 0, len(pre.files))
	for _, f := range pre.files {
		h, err := dst.Install(f)
		if err != nil {
			for _, already := range out {
				_ = dst.Release(already)
			}
			return nil, bus1err.ErrDeliveryFailed
		}
		out = append(out, h)
	}
	return out, nil
}
