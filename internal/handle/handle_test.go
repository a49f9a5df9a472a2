//go:build !windows

package handle

import (
	"os"
	"testing"

	"github.com/ipcbus/bus1q/internal/bus1err"
	"github.com/ipcbus/bus1q/internal/node"
)

func TestInstallAndLookup(t *testing.T) {
	tbl := NewTable()
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	h, err := tbl.Install(f)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	got, ok := tbl.Lookup(h)
	if !ok {
		t.Fatal("Lookup did not find installed handle")
	}
	if got.Fd() == f.Fd() {
		t.Fatal("Install should duplicate the descriptor, not alias it")
	}
}

func TestReleaseRemovesHandle(t *testing.T) {
	tbl := NewTable()
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	h, err := tbl.Install(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := tbl.Lookup(h); ok {
		t.Fatal("handle should be gone after Release")
	}
	if err := tbl.Release(h); err != bus1err.ErrInvalidArgument {
		t.Fatalf("double Release = %v, want ErrInvalidArgument", err)
	}
}

func TestResetClosesEverything(t *testing.T) {
	tbl := NewTable()
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := tbl.Install(f); err != nil {
		t.Fatal(err)
	}
	tbl.Reset()
	if len(tbl.entries) != 0 {
		t.Fatal("Reset should empty the handle table")
	}
}

// TestS5FDRePeekRace mirrors spec.md §8 S5: a pre-allocation batch
// sized to a stale peek must be released and retried once the actual
// front message reports a different handle count.
func TestS5FDRePeekRace(t *testing.T) {
	pre, err := Preallocate(3)
	if err != nil {
		t.Fatal(err)
	}
	if pre.Len() != 3 {
		t.Fatalf("Preallocate(3).Len() = %d, want 3", pre.Len())
	}

	front := node.New(node.Sender(1), node.KindData, nil, 5)
	dst := NewTable()
	if _, err := RedeliverFDs(front, pre, dst); err != bus1err.ErrInvalidArgument {
		t.Fatalf("RedeliverFDs with mismatched count = %v, want ErrInvalidArgument", err)
	}

	pre.Release()
	retry, err := Preallocate(front.Handles)
	if err != nil {
		t.Fatal(err)
	}
	handles, err := RedeliverFDs(front, retry, dst)
	if err != nil {
		t.Fatalf("RedeliverFDs after retry: %v", err)
	}
	if len(handles) != 5 {
		t.Fatalf("len(handles) = %d, want 5", len(handles))
	}
}
