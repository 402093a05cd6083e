package rational

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTimestampToIndexInvalidRate(t *testing.T) {
	require.Equal(t, IndexInvalid, TimestampToIndex(Rational{0, 1}, 1000))
	require.Equal(t, IndexInvalid, TimestampToIndex(Rational{1, 0}, 1000))
	require.Equal(t, IndexInvalid, TimestampToIndex(Rational{1, 48000}, -1))
}

func TestRoundTripWithinHalfFramePeriod(t *testing.T) {
	rates := []Rational{
		{30000, 1001},
		{48000, 1},
		{25, 1},
		{1, 1},
		{60000, 1001},
	}

	timestamps := []int64{0, 1, 1_000_000, 33_366_700, 1 << 40}

	for _, rate := range rates {
		framePeriodNs := new2QuoRem(rate)
		for _, ts := range timestamps {
			idx := TimestampToIndex(rate, ts)
			require.NotEqual(t, IndexInvalid, idx, "rate=%v ts=%d", rate, ts)

			back := IndexToTimestamp(rate, idx)
			require.NotEqual(t, IndexInvalid, back)

			diff := back - ts
			if diff < 0 {
				diff = -diff
			}
			require.LessOrEqual(t, diff, framePeriodNs/2+1, "rate=%v ts=%d idx=%d back=%d", rate, ts, idx, back)
		}
	}
}

// new2QuoRem returns an upper bound on the nanosecond frame period for the
// given rate, used only to size the round-trip tolerance in the test above.
func new2QuoRem(rate Rational) int64 {
	num, den := normalize(rate)
	if num == 0 {
		return 0
	}
	return den * nsPerSecond / num
}

func TestIndexToTimestampZero(t *testing.T) {
	rate := Rational{30000, 1001}
	require.Equal(t, int64(0), IndexToTimestamp(rate, 0))
}

func TestClampedTimestampArithmetic(t *testing.T) {
	ts := TimestampFromNanos(5)
	require.Equal(t, int64(0), ts.Add(-10).Nanos())
	require.Equal(t, int64(15), ts.Add(10).Nanos())
}

func TestSourceClockTAIAddsLeapSeconds(t *testing.T) {
	clock := NewSourceClock(37)
	realtime := clock.Now(Realtime)
	tai := clock.Now(TAI)

	diff := tai.Sub(realtime)
	require.InDelta(t, 37*nsPerSecond, int64(diff), float64(2*nsPerSecond))
}
