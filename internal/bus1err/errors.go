// Package bus1err is the shared sentinel-error vocabulary used across
// the bus1q implementation, mirroring the dispositions in spec.md §7.
//
// Kept as its own leaf package (rather than living on the root facade)
// so that internal/clock, internal/queue, internal/peer and
// internal/txn can all return these without an import cycle back to
// the root package, the same way the teacher keeps its sentinel
// errors (ErrCommandUnknown, ErrUnsupportedProtocol) next to the code
// that raises them instead of centralizing on a facade type.
package bus1err

import "errors"

var (
	// ErrWouldBlock is returned by peek/recv when the queue has no
	// committed, readable entry — either it is empty or the minimum
	// element is still staged.
	ErrWouldBlock = errors.New("bus1q: would block")

	// ErrNotConnected is returned for operations on a peer still in
	// the new state.
	ErrNotConnected = errors.New("bus1q: not connected")

	// ErrShutdown is returned for operations on a deactivated peer.
	// An in-flight commit that races a shutdown silently becomes a
	// no-op rather than returning this error to the committer.
	ErrShutdown = errors.New("bus1q: shutdown")

	// ErrAlreadyConnected is returned by a second connect attempt.
	ErrAlreadyConnected = errors.New("bus1q: already connected")

	// ErrInvalidArgument is returned for bad flag combinations,
	// misaligned pool sizes, or oversized vector/fd counts.
	ErrInvalidArgument = errors.New("bus1q: invalid argument")

	// ErrOutOfMemory is returned when FD pre-allocation or a slice
	// write fails; the message carrying it is dropped, never
	// re-queued.
	ErrOutOfMemory = errors.New("bus1q: out of memory")

	// ErrFault is returned when a user-space pointer copy fails.
	ErrFault = errors.New("bus1q: fault")

	// ErrInternalInvariant marks a WARN-level assertion failure. The
	// operation that raised it is aborted, leaving structures
	// consistent; callers must not retry blindly.
	ErrInternalInvariant = errors.New("bus1q: internal invariant violated")

	// ErrDeliveryFailed resolves the spec's open question about the
	// source's "XXX: convey error" on FD-install failure: rather
	// than silently dropping the message, callers observe this
	// explicit error.
	ErrDeliveryFailed = errors.New("bus1q: delivery failed")

	// ErrClockOverflow is returned when ticking or syncing a clock
	// would collide with the reserved stage bit.
	ErrClockOverflow = errors.New("bus1q: clock overflow")
)
