package waitwake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWakeAllWakesParkedWaiter(t *testing.T) {
	var counter uint32
	w := NewWord(&counter)

	expected := w.Load()

	var wg sync.WaitGroup
	wg.Add(1)

	var observed uint32
	var ok bool

	go func() {
		defer wg.Done()
		observed, ok = WaitUntilChanged(context.Background(), w, expected, time.Now().Add(2*time.Second))
	}()

	time.Sleep(20 * time.Millisecond)
	w.Increment()
	WakeAll(w)

	wg.Wait()

	require.True(t, ok)
	require.Equal(t, expected+1, observed)
}

func TestWaitUntilChangedReturnsImmediatelyIfAlreadyDifferent(t *testing.T) {
	var counter uint32 = 5
	w := NewWord(&counter)

	v, ok := WaitUntilChanged(context.Background(), w, 4, time.Now().Add(time.Second))
	require.True(t, ok)
	require.Equal(t, uint32(5), v)
}

func TestWaitUntilChangedDeadlineExpires(t *testing.T) {
	var counter uint32
	w := NewWord(&counter)

	start := time.Now()
	_, ok := WaitUntilChanged(context.Background(), w, 0, start.Add(30*time.Millisecond))
	elapsed := time.Since(start)

	require.False(t, ok)
	require.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
}

func TestWaitUntilChangedContextCanceled(t *testing.T) {
	var counter uint32
	w := NewWord(&counter)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, ok := WaitUntilChanged(ctx, w, 0, time.Time{})
	require.False(t, ok)
}

func TestToleratesMultipleCommitsBetweenWaits(t *testing.T) {
	// A waiter that captures an expected value, then observes several
	// increments before it ever calls WaitUntilChanged, must not block:
	// the counter already differs from its stale expectation.
	var counter uint32
	w := NewWord(&counter)

	expected := w.Load()
	w.Increment()
	w.Increment()
	w.Increment()

	v, ok := WaitUntilChanged(context.Background(), w, expected, time.Now().Add(time.Second))
	require.True(t, ok)
	require.Equal(t, uint32(3), v)
}
