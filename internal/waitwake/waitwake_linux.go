//go:build linux

package waitwake

import (
	"context"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// waitUntilChangedPlatform parks on the Linux futex(2) syscall, the
// "natural implementation" named by spec.md §9 design notes: FUTEX_WAIT
// atomically checks the word still equals expected and sleeps if so,
// avoiding the lost-wakeup race between the check and the sleep.
func waitUntilChangedPlatform(ctx context.Context, w Word, expected uint32, deadline time.Time) (uint32, bool) {
	for {
		if v := w.Load(); v != expected {
			return v, true
		}

		wait := time.Duration(-1)
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return w.Load(), false
			}
			wait = remaining
		}

		if ctx.Err() != nil {
			return w.Load(), false
		}

		// futex(2) FUTEX_WAIT takes a relative timeout. A cancellable ctx
		// caps each park at ctxPollInterval so cancellation is noticed.
		if ctx.Done() != nil && (wait < 0 || wait > ctxPollInterval) {
			wait = ctxPollInterval
		}
		var ts *unix.Timespec
		if wait >= 0 {
			spec := unix.NsecToTimespec(wait.Nanoseconds())
			ts = &spec
		}

		_, _, errno := unix.Syscall6(
			unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(w.addr)),
			uintptr(futexWait),
			uintptr(expected),
			uintptr(unsafe.Pointer(ts)),
			0, 0,
		)

		switch errno {
		case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
			// 0: woken by a futex_wake. EAGAIN: the word already changed
			// before the kernel parked us. EINTR: a signal interrupted the
			// wait. ETIMEDOUT: the deadline or the ctx poll cap elapsed.
			// In every case, loop and re-check the word/deadline/ctx.
		default:
			// Unexpected error (e.g. ENOSYS on a kernel without futex
			// support): fall back to polling so callers still make
			// progress.
			return pollUntilChanged(ctx, w, expected, deadline)
		}
	}
}

func wakeAllPlatform(w Word) {
	unix.Syscall(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(w.addr)),
		uintptr(futexWake),
		uintptr(^uint32(0)>>1), // wake up to INT_MAX waiters
	)
}

const (
	// Plain (non-private) futex operations: this word lives in a file
	// mapped by separate OS processes (spec.md §3 "typically separate OS
	// processes"), and FUTEX_WAIT_PRIVATE/FUTEX_WAKE_PRIVATE key on
	// (mm, vaddr) rather than the underlying page, which futex(2)
	// documents as unreliable across address spaces. Only threads
	// sharing one address space may use the private variants.
	futexWait = 0
	futexWake = 1
)

// ctxPollInterval bounds a single futex park when ctx can be canceled.
const ctxPollInterval = 10 * time.Millisecond
