package discrete

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mxlflow/mxl/internal/header"
	"github.com/mxlflow/mxl/internal/layout"
	"github.com/mxlflow/mxl/internal/rational"
	"github.com/mxlflow/mxl/internal/status"
	"github.com/mxlflow/mxl/pkg/manager"
)

func newTestFlow(t *testing.T, grainCount uint32) (*manager.Manager, uuid.UUID) {
	t.Helper()
	m, err := manager.New(layout.NewDomain(t.TempDir()))
	require.NoError(t, err)

	id := uuid.New()
	rate := rational.Rational{Numerator: 30000, Denominator: 1001}
	_, fd, err := m.CreateOrOpenDiscreteFlow(id, []byte(`{}`), 1, grainCount, rate, 16, 2, []uint32{8, 8}, manager.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	return m, id
}

// attachWriter attaches a second writer handle to an already-created
// flow, exercising the "attach, no initialization" branch of spec.md
// §4.4 step 1.
func attachWriter(t *testing.T, m *manager.Manager, id uuid.UUID, grainCount uint32) *manager.FlowData {
	t.Helper()
	rate := rational.Rational{Numerator: 30000, Denominator: 1001}
	_, fd, err := m.CreateOrOpenDiscreteFlow(id, []byte(`{}`), 1, grainCount, rate, 16, 2, []uint32{8, 8}, manager.CreateOptions{})
	require.NoError(t, err)
	return fd
}

func TestWriteThenReadBackGrain(t *testing.T) {
	m, id := newTestFlow(t, 3)

	wfd := attachWriter(t, m, id, 3)
	defer wfd.Close()
	w := NewWriter(wfd)

	payload, err := w.OpenGrain(0)
	require.NoError(t, err)
	copy(payload, []byte("abcdefgh12345678"))
	require.NoError(t, w.CommitGrain(CommitInfo{CommittedSlices: 2, OriginTimestampNs: 100}))

	rfd, err := m.OpenReader(id, header.KindDiscrete)
	require.NoError(t, err)
	defer rfd.Close()
	r, err := NewReader(rfd)
	require.NoError(t, err)

	g, err := r.GetGrain(context.Background(), 0, 2, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, uint64(0), g.Header.Index())
	require.Equal(t, "abcdefgh12345678", string(g.Payload[:16]))
}

func TestGetGrainNonBlockingFailsWhenNotWritten(t *testing.T) {
	m, id := newTestFlow(t, 2)
	rfd, err := m.OpenReader(id, header.KindDiscrete)
	require.NoError(t, err)
	defer rfd.Close()
	r, err := NewReader(rfd)
	require.NoError(t, err)

	_, err = r.GetGrainNonBlocking(0, 1)
	require.Error(t, err)
	require.True(t, status.Is(err, status.TooEarly))
}

func TestGetGrainBlocksThenWakesOnCommit(t *testing.T) {
	m, id := newTestFlow(t, 2)

	wfd := attachWriter(t, m, id, 2)
	defer wfd.Close()
	w := NewWriter(wfd)

	rfd, err := m.OpenReader(id, header.KindDiscrete)
	require.NoError(t, err)
	defer rfd.Close()
	r, err := NewReader(rfd)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.GetGrain(context.Background(), 0, 1, time.Now().Add(2*time.Second))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	payload, err := w.OpenGrain(0)
	require.NoError(t, err)
	copy(payload, []byte("x"))
	require.NoError(t, w.CommitGrain(CommitInfo{CommittedSlices: 1}))

	require.NoError(t, <-done)
}

func TestOpenGrainRejectsSecondOpenWithoutCommit(t *testing.T) {
	m, id := newTestFlow(t, 2)
	wfd := attachWriter(t, m, id, 2)
	defer wfd.Close()
	w := NewWriter(wfd)

	_, err := w.OpenGrain(0)
	require.NoError(t, err)
	_, err = w.OpenGrain(1)
	require.Error(t, err)
}

func TestCommitGrainRejectsDecreasingCommittedSlices(t *testing.T) {
	m, id := newTestFlow(t, 2)
	wfd := attachWriter(t, m, id, 2)
	defer wfd.Close()
	w := NewWriter(wfd)

	_, err := w.OpenGrain(0)
	require.NoError(t, err)
	require.NoError(t, w.CommitGrain(CommitInfo{CommittedSlices: 1}))

	err = w.CommitGrain(CommitInfo{CommittedSlices: 0})
	require.Error(t, err)

	// The rejected commit leaves the grain open for a valid one.
	require.NoError(t, w.CommitGrain(CommitInfo{CommittedSlices: 2}))
}

func TestGetGrainTooLateAfterOverwrite(t *testing.T) {
	m, id := newTestFlow(t, 2)
	wfd := attachWriter(t, m, id, 2)
	defer wfd.Close()
	w := NewWriter(wfd)

	for i := uint64(0); i < 3; i++ {
		payload, err := w.OpenGrain(i)
		require.NoError(t, err)
		copy(payload, []byte("x"))
		require.NoError(t, w.CommitGrain(CommitInfo{CommittedSlices: 2}))
	}

	rfd, err := m.OpenReader(id, header.KindDiscrete)
	require.NoError(t, err)
	defer rfd.Close()
	r, err := NewReader(rfd)
	require.NoError(t, err)

	_, err = r.GetGrainNonBlocking(0, 0)
	require.True(t, status.Is(err, status.TooLate))
}
