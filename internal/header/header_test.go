package header

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mxlflow/mxl/internal/rational"
	"github.com/mxlflow/mxl/internal/status"
)

func TestInitAndReadBackDiscrete(t *testing.T) {
	buf := make([]byte, Size)
	id := uuid.MustParse("3fa85f64-5717-4562-b3fc-2c963f66afa6")

	common := CommonConfig{
		ID:              id,
		FormatTag:       1,
		Rate:            rational.Rational{Numerator: 30000, Denominator: 1001},
		CommitHint:      1,
		SyncHint:        1,
		PayloadLocation: PayloadInline,
		DeviceIndex:     0,
		MiscFlags:       0,
	}
	discrete := DiscreteConfig{GrainCount: 6, SliceCount: 2, SliceLengths: []uint32{4096, 4096}}

	h, err := Init(buf, common, KindDiscrete, discrete, ContinuousConfig{}, 424242)
	require.NoError(t, err)
	require.NoError(t, h.CheckVersion())

	got := h.Common()
	require.Equal(t, id, got.ID)
	require.Equal(t, common.Rate, got.Rate)
	require.Equal(t, uint32(1), got.CommitHint)

	gotDiscrete := h.Discrete()
	require.Equal(t, uint32(6), gotDiscrete.GrainCount)
	require.Equal(t, []uint32{4096, 4096}, gotDiscrete.SliceLengths)

	require.Equal(t, uint64(424242), h.Inode())
	require.Equal(t, uint64(0), h.HeadIndex())
}

func TestInitAndReadBackContinuous(t *testing.T) {
	buf := make([]byte, Size)
	id := uuid.New()

	common := CommonConfig{ID: id, Rate: rational.Rational{Numerator: 48000, Denominator: 1}}
	continuous := ContinuousConfig{ChannelCount: 2, SampleWordSize: 4, BufferLength: 96000}

	h, err := Init(buf, common, KindContinuous, DiscreteConfig{}, continuous, 7)
	require.NoError(t, err)

	got := h.Continuous()
	require.Equal(t, continuous, got)
}

func TestCheckVersionRejectsCorruptHeader(t *testing.T) {
	buf := make([]byte, Size)
	h, err := View(buf)
	require.NoError(t, err)

	err = h.CheckVersion()
	require.Error(t, err)
	require.True(t, status.Is(err, status.VersionMismatch))
}

func TestHeadIndexNeverMovesBackward(t *testing.T) {
	buf := make([]byte, Size)
	h, err := Init(buf, CommonConfig{ID: uuid.New()}, KindContinuous, DiscreteConfig{}, ContinuousConfig{}, 1)
	require.NoError(t, err)

	h.StoreHeadIndexIfGreater(10)
	require.Equal(t, uint64(10), h.HeadIndex())

	h.StoreHeadIndexIfGreater(4)
	require.Equal(t, uint64(10), h.HeadIndex())

	h.StoreHeadIndexIfGreater(20)
	require.Equal(t, uint64(20), h.HeadIndex())
}

func TestSyncCounterIncrementIsObservableThroughWord(t *testing.T) {
	buf := make([]byte, Size)
	h, err := Init(buf, CommonConfig{ID: uuid.New()}, KindDiscrete, DiscreteConfig{GrainCount: 1}, ContinuousConfig{}, 1)
	require.NoError(t, err)

	require.Equal(t, uint32(0), h.LoadSyncCounter())
	h.IncrementSyncCounter()
	h.IncrementSyncCounter()
	require.Equal(t, uint32(2), h.LoadSyncCounter())
}

func TestInitRejectsTooSmallBuffer(t *testing.T) {
	_, err := View(make([]byte, 100))
	require.Error(t, err)
}
