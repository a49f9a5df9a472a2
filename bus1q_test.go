package bus1q

import (
	"strings"
	"testing"

	"github.com/ipcbus/bus1q/internal/bus1err"
	"github.com/ipcbus/bus1q/internal/node"
)

// TestS1SimpleUnicastThroughFacade mirrors spec.md §8 S1 end to end
// through the public Bus API.
func TestS1SimpleUnicastThroughFacade(t *testing.T) {
	b := NewBus()
	if _, err := b.Connect("A", ConnectClient, 4096); err != nil {
		t.Fatalf("connect A: %v", err)
	}
	if _, err := b.Connect("B", ConnectClient, 4096); err != nil {
		t.Fatalf("connect B: %v", err)
	}

	if _, err := b.Send(node.Sender(1), []string{"B"}, [][]byte{make([]byte, 8)}, 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	offset, size, _, err := b.Recv("B", 0)
	if err != nil {
		t.Fatalf("first recv: %v", err)
	}
	if offset != 0 || size != 8 {
		t.Fatalf("recv = (offset=%d, size=%d), want (0, 8)", offset, size)
	}

	if _, _, _, err := b.Recv("B", 0); err != bus1err.ErrWouldBlock {
		t.Fatalf("second recv = %v, want ErrWouldBlock", err)
	}
}

func TestRecvPeekReturnsSameSliceUntilDequeue(t *testing.T) {
	b := NewBus()
	if _, err := b.Connect("A", ConnectClient, 4096); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Send(node.Sender(1), []string{"A"}, [][]byte{{1, 2, 3}}, 0); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		offset, size, _, err := b.Recv("A", RecvPeek)
		if err != nil {
			t.Fatalf("peek %d: %v", i, err)
		}
		if offset != 0 || size != 3 {
			t.Fatalf("peek %d = (%d, %d), want (0, 3)", i, offset, size)
		}
	}

	if _, _, _, err := b.Recv("A", 0); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, _, _, err := b.Recv("A", 0); err != bus1err.ErrWouldBlock {
		t.Fatalf("recv after dequeue = %v, want ErrWouldBlock", err)
	}
}

func TestSendRejectsOversizedVecsAndFds(t *testing.T) {
	b := NewBus()
	if _, err := b.Connect("A", ConnectClient, 4096); err != nil {
		t.Fatal(err)
	}
	tooManyVecs := make([][]byte, VecMax+1)
	if _, err := b.Send(node.Sender(1), []string{"A"}, tooManyVecs, 0); err != bus1err.ErrInvalidArgument {
		t.Fatalf("send with too many vecs = %v, want ErrInvalidArgument", err)
	}
	if _, err := b.Send(node.Sender(1), []string{"A"}, [][]byte{{1}}, FDMax+1); err != bus1err.ErrInvalidArgument {
		t.Fatalf("send with too many fds = %v, want ErrInvalidArgument", err)
	}
}

func TestSendToUnknownDestinationFails(t *testing.T) {
	b := NewBus()
	if _, err := b.Send(node.Sender(1), []string{"ghost"}, [][]byte{{1}}, 0); err != bus1err.ErrNotConnected {
		t.Fatalf("send to unknown peer = %v, want ErrNotConnected", err)
	}
}

// TestS5FDRePeekRaceThroughFacade mirrors spec.md §8 S5 end to end:
// a message carrying handles is delivered through Recv, installing
// real descriptors into the receiver's handle table rather than just
// reporting a count.
func TestS5FDRePeekRaceThroughFacade(t *testing.T) {
	b := NewBus()
	if _, err := b.Connect("A", ConnectClient, 4096); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Connect("B", ConnectClient, 4096); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Send(node.Sender(1), []string{"B"}, [][]byte{{1, 2, 3, 4}}, 3); err != nil {
		t.Fatalf("send: %v", err)
	}

	offset, size, handles, err := b.Recv("B", 0)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if size != 4 {
		t.Fatalf("size = %d, want 4", size)
	}
	if handles != 3 {
		t.Fatalf("handles = %d, want 3", handles)
	}

	got, err := b.ReadSlice("B", offset, size)
	if err != nil {
		t.Fatalf("ReadSlice: %v", err)
	}
	if string(got) != "\x01\x02\x03\x04" {
		t.Fatalf("ReadSlice = %v, want the published payload", got)
	}
}

func TestMetricsTextReflectsActivity(t *testing.T) {
	b := NewBus()
	if _, err := b.Connect("A", ConnectClient, 4096); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Send(node.Sender(1), []string{"A"}, [][]byte{{1}}, 0); err != nil {
		t.Fatal(err)
	}
	text, err := b.MetricsText("A")
	if err != nil {
		t.Fatalf("MetricsText: %v", err)
	}
	if !strings.Contains(text, "bus1q_queue_committed_total") {
		t.Fatalf("MetricsText output missing committed counter: %q", text)
	}
}

func TestSliceReleaseOnUnconnectedPeerFails(t *testing.T) {
	b := NewBus()
	if err := b.SliceRelease("ghost", 0); err != bus1err.ErrNotConnected {
		t.Fatalf("SliceRelease on unknown peer = %v, want ErrNotConnected", err)
	}
}
