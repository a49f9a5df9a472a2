package node

import "testing"

func TestNewNodeIsUnlinked(t *testing.T) {
	n := New(Sender(1), KindData, []byte("x"), 0)
	if n.Linked() {
		t.Fatal("new node should be unlinked")
	}
	if n.Timestamp() != 0 {
		t.Fatalf("new node timestamp = %d, want 0", n.Timestamp())
	}
	if n.RefCount() != 1 {
		t.Fatalf("new node refcount = %d, want 1", n.RefCount())
	}
}

func TestStageAtSetsStageBit(t *testing.T) {
	n := New(Sender(1), KindData, nil, 0)
	n.StageAt(10)
	if !n.Staged() {
		t.Fatal("expected Staged() after StageAt(10)")
	}
	if n.Committed() {
		t.Fatal("did not expect Committed() after StageAt")
	}
	if n.Timestamp() != 11 {
		t.Fatalf("Timestamp() = %d, want 11", n.Timestamp())
	}
}

func TestCommitAtRequiresEvenTimestamp(t *testing.T) {
	n := New(Sender(1), KindData, nil, 0)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic committing at an odd timestamp")
		}
	}()
	n.CommitAt(11)
}

func TestUnlinkResetsState(t *testing.T) {
	n := New(Sender(1), KindData, nil, 0)
	n.CommitAt(4)
	n.Unlink()
	if n.Linked() || n.Timestamp() != 0 {
		t.Fatal("Unlink did not reset linkage/timestamp")
	}
}

func TestLessOrdersByTimestampThenSender(t *testing.T) {
	a := New(Sender(1), KindData, nil, 0)
	a.CommitAt(4)
	b := New(Sender(2), KindData, nil, 0)
	b.CommitAt(6)
	if !a.Less(b) {
		t.Fatal("a (ts 4) should sort before b (ts 6)")
	}

	c := New(Sender(1), KindData, nil, 0)
	c.CommitAt(6)
	d := New(Sender(2), KindData, nil, 0)
	d.CommitAt(6)
	if !c.Less(d) {
		t.Fatal("equal timestamps should tie-break on sender ascending")
	}
}

func TestStagedSortsAfterCommittedAtPriorEvenAndBeforeNextEven(t *testing.T) {
	committedAt4 := New(Sender(1), KindData, nil, 0)
	committedAt4.CommitAt(4)
	stagedAt5 := New(Sender(1), KindData, nil, 0)
	stagedAt5.StageAt(4) // stage bit forces this to 5
	committedAt6 := New(Sender(1), KindData, nil, 0)
	committedAt6.CommitAt(6)

	if !committedAt4.Less(stagedAt5) {
		t.Fatal("committed T should sort before staged T (stage bit set)")
	}
	if !stagedAt5.Less(committedAt6) {
		t.Fatal("staged T should sort before committed T+2")
	}
}

func TestRefCounting(t *testing.T) {
	n := New(Sender(1), KindData, nil, 0)
	if got := n.AddRef(); got != 2 {
		t.Fatalf("AddRef = %d, want 2", got)
	}
	if got := n.Release(); got != 1 {
		t.Fatalf("Release = %d, want 1", got)
	}
}
