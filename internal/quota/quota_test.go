package quota

import (
	"testing"

	"github.com/ipcbus/bus1q/internal/bus1err"
)

func TestReserveWithinLimitsSucceeds(t *testing.T) {
	q := New(Limits{MaxBytes: 100, MaxHandles: 4})
	if err := q.Reserve(50, 2); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	bytes, handles := q.Usage()
	if bytes != 50 || handles != 2 {
		t.Fatalf("Usage() = (%d, %d), want (50, 2)", bytes, handles)
	}
}

func TestReserveOverBytesLimitFails(t *testing.T) {
	q := New(Limits{MaxBytes: 100, MaxHandles: 4})
	if err := q.Reserve(101, 0); err != bus1err.ErrOutOfMemory {
		t.Fatalf("Reserve over byte limit = %v, want ErrOutOfMemory", err)
	}
}

func TestReserveOverHandleLimitFails(t *testing.T) {
	q := New(Limits{MaxBytes: 100, MaxHandles: 4})
	if err := q.Reserve(0, 5); err != bus1err.ErrOutOfMemory {
		t.Fatalf("Reserve over handle limit = %v, want ErrOutOfMemory", err)
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	q := New(Limits{MaxBytes: 100, MaxHandles: 4})
	q.Release(10, 1)
	bytes, handles := q.Usage()
	if bytes != 0 || handles != 0 {
		t.Fatalf("Usage() = (%d, %d), want (0, 0)", bytes, handles)
	}
}

func TestResetClearsUsage(t *testing.T) {
	q := New(Limits{MaxBytes: 100, MaxHandles: 4})
	if err := q.Reserve(50, 2); err != nil {
		t.Fatal(err)
	}
	q.Reset()
	bytes, handles := q.Usage()
	if bytes != 0 || handles != 0 {
		t.Fatalf("Usage() after Reset = (%d, %d), want (0, 0)", bytes, handles)
	}
}
