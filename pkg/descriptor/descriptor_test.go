package descriptor

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mxlflow/mxl/common/go/xerror"
)

const discreteJSON = `{
	"id": "3fa85f64-5717-4562-b3fc-2c963f66afa6",
	"kind": "discrete",
	"formatTag": 1,
	"rate": {"numerator": 30000, "denominator": 1001},
	"discrete": {
		"grainCount": 6,
		"payloadSize": 8294400,
		"sliceLengths": [1080]
	}
}`

func TestParseDiscreteDescriptor(t *testing.T) {
	d, err := Parse([]byte(discreteJSON))
	require.NoError(t, err)

	require.Equal(t, xerror.Unwrap(uuid.Parse("3fa85f64-5717-4562-b3fc-2c963f66afa6")), d.ID)
	require.Equal(t, KindDiscrete, d.Kind)
	require.Equal(t, uint32(6), d.Discrete.GrainCount)
	require.True(t, d.RationalRate().Valid())
	require.Equal(t, []byte(discreteJSON), d.Raw())
}

func TestParseRejectsMissingID(t *testing.T) {
	_, err := Parse([]byte(`{"kind":"discrete","rate":{"numerator":1,"denominator":1}}`))
	require.Error(t, err)
}

func TestParseRejectsInvalidRate(t *testing.T) {
	_, err := Parse([]byte(`{"id":"3fa85f64-5717-4562-b3fc-2c963f66afa6","kind":"discrete","rate":{"numerator":0,"denominator":1}}`))
	require.Error(t, err)
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := Parse([]byte(`{"id":"3fa85f64-5717-4562-b3fc-2c963f66afa6","kind":"bogus","rate":{"numerator":1,"denominator":1}}`))
	require.Error(t, err)
}

func TestParseContinuousDescriptor(t *testing.T) {
	blob := []byte(`{
		"id": "5a5c5f64-5717-4562-b3fc-2c963f66afa6",
		"kind": "continuous",
		"rate": {"numerator": 48000, "denominator": 1},
		"continuous": {"channelCount": 2, "sampleWordSize": 4, "bufferLength": 96000}
	}`)
	d, err := Parse(blob)
	require.NoError(t, err)
	require.Equal(t, KindContinuous, d.Kind)
	require.Equal(t, uint32(2), d.Continuous.ChannelCount)
}
