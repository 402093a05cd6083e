//go:build !linux

package waitwake

import (
	"context"
	"time"
)

// waitUntilChangedPlatform falls back to bounded exponential-backoff
// polling on platforms without a read-only-friendly kernel wait primitive,
// exactly the degradation spec.md §9 documents.
func waitUntilChangedPlatform(ctx context.Context, w Word, expected uint32, deadline time.Time) (uint32, bool) {
	return pollUntilChanged(ctx, w, expected, deadline)
}

// wakeAllPlatform is a no-op beyond the counter increment already performed
// by the caller: polling waiters discover the new value on their next
// scheduled check, there is nothing to actively wake.
func wakeAllPlatform(w Word) {}
