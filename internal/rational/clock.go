package rational

import "time"

// Clock selects which time base Now reports in.
type Clock int

const (
	// Monotonic is a monotonic-like clock with no relation to wall time.
	Monotonic Clock = iota
	// Realtime is wall-clock (UTC) time.
	Realtime
	// TAI is International Atomic Time: realtime plus a fixed leap-second
	// offset, since Go's runtime has no native TAI clock source.
	TAI
)

// DefaultTAILeapSeconds is the TAI-UTC offset assumed when no override is
// configured (spec.md §9 Open Question, resolved in SPEC_FULL.md/DESIGN.md:
// 37 seconds, the offset introduced by the 2016-12-31 leap second and
// still current as of this writing since no further leap second has been
// scheduled).
const DefaultTAILeapSeconds = 37

// Timestamp is a nanosecond-resolution, TAI-based monotonic-like instant.
type Timestamp struct {
	ns int64
}

// TimestampFromNanos constructs a Timestamp directly from a nanosecond
// count, clamping negative inputs to zero.
func TimestampFromNanos(ns int64) Timestamp {
	if ns < 0 {
		ns = 0
	}
	return Timestamp{ns: ns}
}

// Nanos returns the timestamp's nanosecond count.
func (t Timestamp) Nanos() int64 {
	return t.ns
}

// Duration is a signed nanosecond duration between two Timestamps.
type Duration int64

// Add returns t advanced by d, clamping at zero if the result would be
// negative (spec.md §4.1 edge cases).
func (t Timestamp) Add(d Duration) Timestamp {
	sum := t.ns + int64(d)
	if sum < 0 {
		sum = 0
	}
	return Timestamp{ns: sum}
}

// Sub returns the signed duration from other to t (t - other); adding two
// durations preserves sign, only Timestamp arithmetic clamps.
func (t Timestamp) Sub(other Timestamp) Duration {
	return Duration(t.ns - other.ns)
}

// Before reports whether t happens before other.
func (t Timestamp) Before(other Timestamp) bool {
	return t.ns < other.ns
}

// SourceClock reads the current time from one of Go's runtime clocks,
// approximating TAI by adding leapSeconds to wall-clock time on platforms
// without a native TAI source (i.e. all of them, via the standard
// library).
type SourceClock struct {
	LeapSeconds int64
}

// NewSourceClock builds a SourceClock using the given TAI-UTC leap-second
// offset; pass DefaultTAILeapSeconds for the implementation default.
func NewSourceClock(leapSeconds int64) SourceClock {
	return SourceClock{LeapSeconds: leapSeconds}
}

// Now returns the current Timestamp for the requested Clock.
func (c SourceClock) Now(clock Clock) Timestamp {
	switch clock {
	case Monotonic:
		return TimestampFromNanos(monotonicNanos())
	case Realtime:
		return TimestampFromNanos(time.Now().UnixNano())
	case TAI:
		return TimestampFromNanos(time.Now().UnixNano() + c.LeapSeconds*nsPerSecond)
	default:
		return TimestampFromNanos(time.Now().UnixNano())
	}
}

var monotonicEpoch = time.Now()

// monotonicNanos returns nanoseconds elapsed since process-local epoch,
// using time.Since which reads the runtime's monotonic clock reading
// embedded in time.Time.
func monotonicNanos() int64 {
	return int64(time.Since(monotonicEpoch))
}
