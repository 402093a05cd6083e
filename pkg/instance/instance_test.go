package instance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mxlflow/mxl/internal/header"
	"github.com/mxlflow/mxl/internal/layout"
	"github.com/mxlflow/mxl/pkg/discrete"
	"github.com/mxlflow/mxl/pkg/domaincfg"
	"github.com/mxlflow/mxl/pkg/manager"
)

func discreteDescriptor(id uuid.UUID) []byte {
	blob, _ := json.Marshal(map[string]any{
		"id":   id.String(),
		"kind": "discrete",
		"rate": map[string]int64{"numerator": 30, "denominator": 1},
		"discrete": map[string]any{
			"grainCount":   3,
			"payloadSize":  16,
			"sliceLengths": []int{16},
		},
	})
	return blob
}

func TestCreateFlowWriterThenGetReaderRoundTrips(t *testing.T) {
	inst, err := New(layout.NewDomain(t.TempDir()), domaincfg.DefaultConfig())
	require.NoError(t, err)

	id := uuid.New()
	created, wh, err := inst.CreateFlowWriter(discreteDescriptor(id), manager.CreateOptions{})
	require.NoError(t, err)
	require.True(t, created)

	w := wh.Discrete()
	payload, err := w.OpenGrain(0)
	require.NoError(t, err)
	copy(payload, []byte("hi"))
	require.NoError(t, w.CommitGrain(discrete.CommitInfo{CommittedSlices: 1}))
}

func TestReleaseWriterDecrementsRefcount(t *testing.T) {
	inst, err := New(layout.NewDomain(t.TempDir()), domaincfg.DefaultConfig())
	require.NoError(t, err)

	id := uuid.New()
	_, wh1, err := inst.CreateFlowWriter(discreteDescriptor(id), manager.CreateOptions{})
	require.NoError(t, err)
	_, wh2, err := inst.CreateFlowWriter(discreteDescriptor(id), manager.CreateOptions{})
	require.NoError(t, err)
	require.Same(t, wh1, wh2)

	require.NoError(t, inst.ReleaseWriter(wh2))
	active, err := inst.IsFlowActive(id)
	require.NoError(t, err)
	require.True(t, active) // wh1 still holds it

	require.NoError(t, inst.ReleaseWriter(wh1))
	active, err = inst.IsFlowActive(id)
	require.NoError(t, err)
	require.False(t, active)
}

func TestGetFlowReaderSharesMapping(t *testing.T) {
	inst, err := New(layout.NewDomain(t.TempDir()), domaincfg.DefaultConfig())
	require.NoError(t, err)

	id := uuid.New()
	_, wh, err := inst.CreateFlowWriter(discreteDescriptor(id), manager.CreateOptions{})
	require.NoError(t, err)
	defer inst.ReleaseWriter(wh)

	r1, err := inst.GetFlowReader(id, header.KindDiscrete)
	require.NoError(t, err)
	r2, err := inst.GetFlowReader(id, header.KindDiscrete)
	require.NoError(t, err)
	require.Same(t, r1.Data, r2.Data)

	require.NoError(t, inst.ReleaseReader(r1))
	require.NoError(t, inst.ReleaseReader(r2))
}

func TestCreateFlowWriterRejectsOverConfiguredMappingSize(t *testing.T) {
	cfg := domaincfg.DefaultConfig()
	cfg.Defaults.MaxMappingSize = 1 * datasize.KB

	inst, err := New(layout.NewDomain(t.TempDir()), cfg)
	require.NoError(t, err)

	id := uuid.New()
	_, _, err = inst.CreateFlowWriter(discreteDescriptor(id), manager.CreateOptions{})
	require.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	inst, err := New(layout.NewDomain(t.TempDir()), domaincfg.DefaultConfig(), WithGCInterval(5*time.Millisecond), WithWatchCadence(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inst.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
