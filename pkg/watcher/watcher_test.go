package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mxlflow/mxl/internal/header"
	"github.com/mxlflow/mxl/internal/rational"
)

func newHeader(t *testing.T) header.Header {
	t.Helper()
	buf := make([]byte, header.Size)
	h, err := header.Init(buf, header.CommonConfig{
		ID:   uuid.New(),
		Rate: rational.Rational{Numerator: 30, Denominator: 1},
	}, header.KindDiscrete, header.DiscreteConfig{GrainCount: 1, SliceCount: 1, SliceLengths: []uint32{16}}, header.ContinuousConfig{}, 1)
	require.NoError(t, err)
	return h
}

func TestTickUpdatesLastReadOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	accessPath := filepath.Join(dir, "access")
	require.NoError(t, os.WriteFile(accessPath, nil, 0o644))

	hdr := newHeader(t)
	w := New(time.Hour)
	id := uuid.New()
	w.Register(id, accessPath, hdr)

	before := hdr.LastReadNs()
	w.tick()
	require.Equal(t, before, hdr.LastReadNs()) // no mtime change yet

	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(accessPath, future, future))
	w.tick()
	require.Greater(t, hdr.LastReadNs(), before)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	w := New(time.Hour)
	id := uuid.New()
	w.Unregister(id) // never registered
	w.Register(id, "/nonexistent", newHeader(t))
	w.Unregister(id)
	w.Unregister(id)
	require.Empty(t, w.byID)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w := New(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
