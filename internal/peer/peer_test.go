package peer

import (
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/ipcbus/bus1q/internal/bus1err"
	"github.com/ipcbus/bus1q/internal/config"
	"github.com/ipcbus/bus1q/internal/node"
	"github.com/ipcbus/bus1q/internal/quota"
)

func testConfig(name string) *config.Peer {
	return &config.Peer{
		Name:        name,
		UseHeapPool: true,
		Quota: quota.Limits{
			MaxBytes:   1 << 20,
			MaxHandles: 256,
		},
	}
}

func TestConnectTransitionsNewToConnected(t *testing.T) {
	p := New(testConfig("p"))
	if p.State() != StateNew {
		t.Fatalf("initial state = %v, want new", p.State())
	}
	if err := p.Connect(4096); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p.State() != StateConnected {
		t.Fatalf("state after Connect = %v, want connected", p.State())
	}
}

func TestConnectRejectsInvalidPoolSize(t *testing.T) {
	p := New(testConfig("p"))
	if err := p.Connect(0); err != bus1err.ErrInvalidArgument {
		t.Fatalf("Connect(0) = %v, want ErrInvalidArgument", err)
	}
}

func TestDoubleConnectFails(t *testing.T) {
	p := New(testConfig("p"))
	if err := p.Connect(4096); err != nil {
		t.Fatal(err)
	}
	if err := p.Connect(4096); err != bus1err.ErrAlreadyConnected {
		t.Fatalf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestOperationsOnNewPeerFailNotConnected(t *testing.T) {
	p := New(testConfig("p"))
	if _, err := p.Query(); err != bus1err.ErrNotConnected {
		t.Fatalf("Query on new peer = %v, want ErrNotConnected", err)
	}
	if err := p.Reset(); err != bus1err.ErrNotConnected {
		t.Fatalf("Reset on new peer = %v, want ErrNotConnected", err)
	}
	if err := p.Disconnect(); err != bus1err.ErrNotConnected {
		t.Fatalf("Disconnect on new peer = %v, want ErrNotConnected", err)
	}
}

// TestS6ResetPreservesIdentity mirrors spec.md §8 S6.
func TestS6ResetPreservesIdentity(t *testing.T) {
	p := New(testConfig("p"))
	if err := p.Connect(8192); err != nil {
		t.Fatal(err)
	}

	q := p.Queue()
	for i := 0; i < 2; i++ {
		n := node.New(node.Sender(1), node.KindData, []byte("hi"), 0)
		if _, err := q.CommitUnstaged(n); err != nil {
			t.Fatal(err)
		}
	}

	if err := p.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	size, err := p.Query()
	if err != nil {
		t.Fatal(err)
	}
	if size != 8192 {
		t.Fatalf("Query() after reset = %d, want 8192", size)
	}
	if p.Queue().IsReadable() {
		t.Fatal("queue should be empty after reset")
	}
}

// TestDisconnectIsIdempotentUnderConcurrency exercises spec.md §8's
// "disconnect is idempotent" property: of N concurrent callers exactly
// one observes nil, the rest observe ErrShutdown, and none return
// before teardown has completed.
func TestDisconnectIsIdempotentUnderConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(testConfig("p"))
	if err := p.Connect(4096); err != nil {
		t.Fatal(err)
	}

	const n = 16
	results := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = p.Disconnect()
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		switch err {
		case nil:
			successes++
		case bus1err.ErrShutdown:
		default:
			t.Fatalf("unexpected Disconnect result: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("exactly one Disconnect call should succeed, got %d", successes)
	}
	if p.State() != StateShutdown {
		t.Fatalf("state after Disconnect = %v, want shutdown", p.State())
	}
}

func TestQueryAfterDisconnectFails(t *testing.T) {
	p := New(testConfig("p"))
	if err := p.Connect(4096); err != nil {
		t.Fatal(err)
	}
	if err := p.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Query(); err != bus1err.ErrShutdown {
		t.Fatalf("Query after disconnect = %v, want ErrShutdown", err)
	}
}
