// Command busctl exercises the bus1q request surface end to end,
// turning the teacher's in-process test harness (test.NewTestingUnity,
// test.UnityCluster) into a real, flag-driven CLI instead of a
// testing.T-scoped helper.
package main

import (
	"fmt"
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/ipcbus/bus1q"
	"github.com/ipcbus/bus1q/internal/node"
)

var (
	app      = kingpin.New("busctl", "Drive a capability-based local IPC bus for inspection and smoke testing.")
	demo     = app.Command("demo", "Run a named concrete scenario from spec.md §8 against an in-process bus.")
	demoName = demo.Arg("scenario", "scenario to run: s1, s2, s3, s4, s5, s6").Required().Enum("s1", "s2", "s3", "s4", "s5", "s6")
)

func main() {
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case demo.FullCommand():
		if err := runDemo(*demoName); err != nil {
			fmt.Fprintln(os.Stderr, "busctl:", err)
			os.Exit(1)
		}
	}
}

func runDemo(scenario string) error {
	switch scenario {
	case "s1":
		return s1SimpleUnicast()
	case "s2":
		return s2MulticastOrdering()
	case "s3":
		return s3StagerBlocksFront()
	case "s4":
		return s4FlushWithLiveStager()
	case "s5":
		return s5FDRePeekRace()
	case "s6":
		return s6ResetPreservesIdentity()
	default:
		return fmt.Errorf("unknown scenario %q", scenario)
	}
}

// s1SimpleUnicast mirrors spec.md §8 S1: A connects with pool_size
// 4096, sends one 8-byte vector to B; B's first recv returns offset 0
// size 8; the second returns would-block.
func s1SimpleUnicast() error {
	b := bus1q.NewBus()
	if _, err := b.Connect("A", bus1q.ConnectClient, 4096); err != nil {
		return err
	}
	if _, err := b.Connect("B", bus1q.ConnectClient, 4096); err != nil {
		return err
	}

	payload := make([]byte, 8)
	if _, err := b.Send(node.Sender(1), []string{"B"}, [][]byte{payload}, 0); err != nil {
		return err
	}

	offset, size, _, err := b.Recv("B", 0)
	if err != nil {
		return err
	}
	fmt.Printf("recv 1: offset=%d size=%d\n", offset, size)

	_, _, _, err = b.Recv("B", 0)
	fmt.Printf("recv 2: err=%v\n", err)

	text, err := b.MetricsText("B")
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}

// s2MulticastOrdering mirrors spec.md §8 S2: three peers at different
// starting clock values all receive one multicast message at the same
// final, even commit timestamp.
func s2MulticastOrdering() error {
	b := bus1q.NewBus()
	for _, name := range []string{"A", "B", "C"} {
		if _, err := b.Connect(name, bus1q.ConnectClient, 4096); err != nil {
			return err
		}
	}

	// Unicast sends tick A's clock to 10, B's to 20 and C's to 4.
	for name, sends := range map[string]int{"A": 5, "B": 10, "C": 2} {
		for i := 0; i < sends; i++ {
			if _, err := b.Send(node.Sender(0), []string{name}, [][]byte{{0}}, 0); err != nil {
				return err
			}
		}
	}

	payload := []byte("hello")
	results, err := b.Send(node.Sender(99), []string{"A", "B", "C"}, [][]byte{payload}, 0)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("destination delivered=%v timestamp=%d err=%v\n", r.Delivered, r.Timestamp, r.Err)
	}
	return nil
}

// s3StagerBlocksFront mirrors spec.md §8 S3 loosely: it races a
// two-destination multicast to A and W against one recv on A. No
// unstaged commit is made, so recv sees either an empty queue, a staged
// node at the head, or the committed multicast, depending on timing.
// The recv error is returned, so the command exits non-zero whenever
// recv would block.
func s3StagerBlocksFront() error {
	b := bus1q.NewBus()
	if _, err := b.Connect("A", bus1q.ConnectClient, 4096); err != nil {
		return err
	}
	if _, err := b.Connect("W", bus1q.ConnectClient, 4096); err != nil {
		return err
	}

	// Send a two-destination multicast, which stages on A before it
	// commits, concurrently with the recv below.
	go func() {
		_, _ = b.Send(node.Sender(1), []string{"A", "W"}, [][]byte{{1}}, 0)
	}()
	_, _, _, err := b.Recv("A", 0)
	fmt.Printf("recv while staged: err=%v (expect would-block most of the time)\n", err)
	return err
}

// s4FlushWithLiveStager exercises the disconnect half of spec.md §8 S4:
// it connects A, disconnects it, and disconnects it again to print the
// second call's error. No transaction is staged on A, so the
// flush-with-live-stager path itself is not driven here.
func s4FlushWithLiveStager() error {
	b := bus1q.NewBus()
	if _, err := b.Connect("A", bus1q.ConnectClient, 4096); err != nil {
		return err
	}
	if err := b.Disconnect("A"); err != nil {
		return err
	}
	if err := b.Disconnect("A"); err != nil {
		fmt.Printf("second disconnect observes: %v\n", err)
	}
	return nil
}

// s5FDRePeekRace mirrors spec.md §8 S5: a message carrying handles is
// delivered through Recv's full pre-allocate/dequeue/re-check/install
// FD protocol, not just a bare handle count.
func s5FDRePeekRace() error {
	b := bus1q.NewBus()
	if _, err := b.Connect("A", bus1q.ConnectClient, 4096); err != nil {
		return err
	}
	if _, err := b.Connect("B", bus1q.ConnectClient, 4096); err != nil {
		return err
	}

	if _, err := b.Send(node.Sender(1), []string{"B"}, [][]byte{[]byte("payload!")}, 3); err != nil {
		return err
	}

	offset, size, handles, err := b.Recv("B", 0)
	if err != nil {
		return err
	}
	payload, err := b.ReadSlice("B", offset, size)
	if err != nil {
		return err
	}
	fmt.Printf("recv: offset=%d size=%d handles=%d payload=%q\n", offset, size, handles, payload)
	return nil
}

// s6ResetPreservesIdentity mirrors spec.md §8 S6: reset drains the
// queue and pool without changing the peer's connection identity.
func s6ResetPreservesIdentity() error {
	b := bus1q.NewBus()
	if _, err := b.Connect("P", bus1q.ConnectClient, 8192); err != nil {
		return err
	}
	if _, err := b.Connect("P", bus1q.ConnectClient, 8192); err == nil {
		return fmt.Errorf("expected already-connected on second connect")
	}
	if _, err := b.Send(node.Sender(1), []string{"P"}, [][]byte{{1, 2}}, 0); err != nil {
		return err
	}
	if _, err := b.Send(node.Sender(1), []string{"P"}, [][]byte{{3, 4}}, 0); err != nil {
		return err
	}
	size, err := b.Connect("P", bus1q.ConnectReset, 0)
	if err != nil {
		return err
	}
	fmt.Printf("pool size after reset: %d\n", size)
	return nil
}
