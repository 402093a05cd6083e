package waitwake

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// pollUntilChanged is the portable degradation path named by spec.md §9:
// "On platforms lacking a read-only-friendly kernel wait primitive,
// implement by polling with exponential backoff bounded by the deadline."
//
// It backs both the non-Linux build (waitwake_other.go) and the Linux
// build's defensive fallback if the futex syscall itself is unavailable
// (e.g. a sandboxed kernel returning ENOSYS).
func pollUntilChanged(ctx context.Context, w Word, expected uint32, deadline time.Time) (uint32, bool) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 5 * time.Millisecond

	for {
		if v := w.Load(); v != expected {
			return v, true
		}

		if ctx.Err() != nil {
			return w.Load(), false
		}

		wait := b.NextBackOff()

		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return w.Load(), false
			}
			if wait > remaining {
				wait = remaining
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return w.Load(), false
		}
	}
}
