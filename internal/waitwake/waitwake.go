// Package waitwake implements spec.md §4.2: a counter-and-wait primitive
// on a 32-bit word in shared memory that can be waited on from a read-only
// mapping.
//
// A counter rather than a flag is used deliberately: the counter tolerates
// multiple commits between two waits, because a waiter that slept through
// several wake calls still makes progress once it re-reads the now-stale
// expected value it captured (spec.md §4.2 "Why a counter rather than a
// flag").
package waitwake

import (
	"context"
	"sync/atomic"
	"time"
)

// Word is the 32-bit shared-memory location waiters block on. It points
// into a file mapped by internal/shm, so the same four bytes are visible
// to every process mapping the file, writable or not.
type Word struct {
	addr *uint32
}

// NewWord wraps a pointer into shared memory as a Word. Callers obtain the
// pointer from a mapped byte slice via unsafe (internal/header's
// SyncCounterWord), so this package does no pointer arithmetic itself.
func NewWord(addr *uint32) Word {
	return Word{addr: addr}
}

// Load reads the current counter value with acquire semantics.
func (w Word) Load() uint32 {
	return atomic.LoadUint32(w.addr)
}

// Increment adds 1 to the counter with release semantics and returns the
// new value. Callers that need to publish other shared-memory writes
// before bumping the counter must do so before calling Increment: the
// store here is the release half of the release-acquire pair spec.md §4.2
// requires.
func (w Word) Increment() uint32 {
	return atomic.AddUint32(w.addr, 1)
}

// WaitUntilChanged blocks until the word differs from expected, the
// deadline (if non-zero) elapses, or ctx is done. It returns the new
// observed value and true, or the stale expected value and false on
// deadline/context expiry.
//
// A zero deadline means wait indefinitely (bounded only by ctx).
func WaitUntilChanged(ctx context.Context, w Word, expected uint32, deadline time.Time) (uint32, bool) {
	if v := w.Load(); v != expected {
		return v, true
	}

	return waitUntilChangedPlatform(ctx, w, expected, deadline)
}

// WakeAll wakes every waiter currently parked on w's address. It does not
// itself change the counter; callers call Increment first (the store
// preceding wake must happen-before any waiter observes the new value).
func WakeAll(w Word) {
	wakeAllPlatform(w)
}
