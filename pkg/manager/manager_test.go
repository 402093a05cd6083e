package manager

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mxlflow/mxl/internal/header"
	"github.com/mxlflow/mxl/internal/layout"
	"github.com/mxlflow/mxl/internal/rational"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(layout.NewDomain(t.TempDir()))
	require.NoError(t, err)
	return m
}

func TestCreateDiscreteFlowThenAttachReturnsExisting(t *testing.T) {
	m := newManager(t)
	id := uuid.New()
	rate := rational.Rational{Numerator: 30000, Denominator: 1001}

	created, fd, err := m.CreateOrOpenDiscreteFlow(id, []byte(`{"id":"x"}`), 1, 3, rate, 4096, 1, []uint32{4096}, CreateOptions{})
	require.NoError(t, err)
	require.True(t, created)
	require.Len(t, fd.Grains, 3)
	require.NoError(t, fd.Close())

	created2, fd2, err := m.CreateOrOpenDiscreteFlow(id, []byte(`{"id":"x"}`), 1, 3, rate, 4096, 1, []uint32{4096}, CreateOptions{})
	require.NoError(t, err)
	require.False(t, created2)
	require.Len(t, fd2.Grains, 3)
	require.NoError(t, fd2.Close())
}

func TestCreateContinuousFlow(t *testing.T) {
	m := newManager(t)
	id := uuid.New()
	rate := rational.Rational{Numerator: 48000, Denominator: 1}

	created, fd, err := m.CreateOrOpenContinuousFlow(id, []byte(`{}`), 1, rate, 2, 4, 96000, CreateOptions{})
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, fd.Channel)
	require.Equal(t, int64(2*96000*4), fd.Channel.Size())
	require.NoError(t, fd.Close())
}

func TestOpenReaderForMissingFlow(t *testing.T) {
	m := newManager(t)
	_, err := m.OpenReader(uuid.New(), header.KindDiscrete)
	require.Error(t, err)
}

func TestEnumerateFindsCreatedFlows(t *testing.T) {
	m := newManager(t)
	id := uuid.New()
	rate := rational.Rational{Numerator: 25, Denominator: 1}

	_, fd, err := m.CreateOrOpenDiscreteFlow(id, []byte(`{}`), 1, 1, rate, 1024, 1, []uint32{1024}, CreateOptions{})
	require.NoError(t, err)
	defer fd.Close()

	ids, err := m.Enumerate()
	require.NoError(t, err)
	require.Contains(t, ids, id)
}

func TestDeleteFailsWhileLockHeld(t *testing.T) {
	m := newManager(t)
	id := uuid.New()
	rate := rational.Rational{Numerator: 25, Denominator: 1}

	_, fd, err := m.CreateOrOpenDiscreteFlow(id, []byte(`{}`), 1, 1, rate, 1024, 1, []uint32{1024}, CreateOptions{})
	require.NoError(t, err)
	defer fd.Close()

	deleted, err := m.Delete(id)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestDeleteSucceedsAfterClose(t *testing.T) {
	m := newManager(t)
	id := uuid.New()
	rate := rational.Rational{Numerator: 25, Denominator: 1}

	_, fd, err := m.CreateOrOpenDiscreteFlow(id, []byte(`{}`), 1, 1, rate, 1024, 1, []uint32{1024}, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	deleted, err := m.Delete(id)
	require.NoError(t, err)
	require.True(t, deleted)

	ids, err := m.Enumerate()
	require.NoError(t, err)
	require.NotContains(t, ids, id)
}

func TestCreateDiscreteFlowRejectsOverMaxMappingSize(t *testing.T) {
	m := newManager(t)
	id := uuid.New()
	rate := rational.Rational{Numerator: 30000, Denominator: 1001}

	_, _, err := m.CreateOrOpenDiscreteFlow(id, []byte(`{}`), 1, 3, rate, 4096, 1, []uint32{4096},
		CreateOptions{MaxMappingSize: 1 * datasize.KB})
	require.Error(t, err)
}

func TestIsActiveReflectsOpenMapping(t *testing.T) {
	m := newManager(t)
	id := uuid.New()
	rate := rational.Rational{Numerator: 25, Denominator: 1}

	_, fd, err := m.CreateOrOpenDiscreteFlow(id, []byte(`{}`), 1, 1, rate, 1024, 1, []uint32{1024}, CreateOptions{})
	require.NoError(t, err)

	active, err := m.IsActive(id)
	require.NoError(t, err)
	require.True(t, active)

	require.NoError(t, fd.Close())

	active, err = m.IsActive(id)
	require.NoError(t, err)
	require.False(t, active)
}
