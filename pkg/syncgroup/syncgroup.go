// Package syncgroup implements the synchronization group, spec.md §4.7:
// a set of readers that can be asked to wait, collectively, for data at
// a given origin time.
//
// The group is a flat slice of entries rather than the teacher's
// registry.Registry map-of-channels (intentional: spec.md §4.7 calls for
// strictly sequential waits, so there is no fan-in/fan-out to arbitrate
// and a map keyed by a registration id would add bookkeeping this
// doesn't need). The "max observed source delay" counter per entry is
// the same kind of per-member drift bookkeeping the teacher's registry
// keeps per registered module, just against wall-clock gap instead of
// heartbeat lag.
package syncgroup

import (
	"context"
	"fmt"
	"time"

	"github.com/mxlflow/mxl/internal/rational"
	"github.com/mxlflow/mxl/internal/status"
	"github.com/mxlflow/mxl/pkg/continuous"
	"github.com/mxlflow/mxl/pkg/discrete"
)

// entry is one member of a Group: something that can be asked to wait
// for data at a target index and report back the origin time it
// actually observed there.
type entry interface {
	waitAt(ctx context.Context, targetIndex uint64, deadline time.Time) (observedTimestampNs int64, err error)
	rate() rational.Rational
	framePeriodNs() int64
}

// Group is spec.md §4.7's synchronization group: an ordered set of
// reader entries, each tracking its own maximum observed source delay.
type Group struct {
	entries []*member
}

type member struct {
	entry
	maxObservedDelayNs int64
}

// New returns an empty synchronization group.
func New() *Group {
	return &Group{}
}

// discreteEntry adapts a discrete.Reader to the entry interface.
type discreteEntry struct {
	reader         *discrete.Reader
	rateValue      rational.Rational
	minValidSlices uint32
}

func (e *discreteEntry) rate() rational.Rational { return e.rateValue }

func (e *discreteEntry) framePeriodNs() int64 {
	return rational.IndexToTimestamp(e.rateValue, 1)
}

func (e *discreteEntry) waitAt(ctx context.Context, targetIndex uint64, deadline time.Time) (int64, error) {
	g, err := e.reader.GetGrain(ctx, targetIndex, e.minValidSlices, deadline)
	if err != nil {
		return 0, err
	}
	return g.Header.OriginTimestampNs(), nil
}

// continuousEntry adapts a continuous.Reader to the entry interface.
// Continuous samples carry no per-index origin timestamp (spec.md §4.6
// has none), so the flow header's last-write timestamp stands in as the
// observed timing signal for step 4 of waitForDataAt.
type continuousEntry struct {
	reader      *continuous.Reader
	rateValue   rational.Rational
	count       uint64
	lastWriteNs func() int64
}

func (e *continuousEntry) rate() rational.Rational { return e.rateValue }

func (e *continuousEntry) framePeriodNs() int64 {
	return rational.IndexToTimestamp(e.rateValue, 1)
}

func (e *continuousEntry) waitAt(ctx context.Context, targetIndex uint64, deadline time.Time) (int64, error) {
	if _, err := e.reader.GetSamples(ctx, targetIndex, e.count, deadline); err != nil {
		return 0, err
	}
	return e.lastWriteNs(), nil
}

// AddDiscreteReader registers a discrete reader, spec.md §4.7
// "addReader(discreteReader, minValidSlices)".
func (g *Group) AddDiscreteReader(r *discrete.Reader, rate rational.Rational, minValidSlices uint32) {
	g.entries = append(g.entries, &member{entry: &discreteEntry{reader: r, rateValue: rate, minValidSlices: minValidSlices}})
}

// AddContinuousReader registers a continuous reader, spec.md §4.7
// "addReader(continuousReader)". count is the per-wait sample span this
// member checks readiness for.
func (g *Group) AddContinuousReader(r *continuous.Reader, rate rational.Rational, count uint64, lastWriteNs func() int64) {
	g.entries = append(g.entries, &member{entry: &continuousEntry{
		reader: r, rateValue: rate, count: count, lastWriteNs: lastWriteNs,
	}})
}

// WaitForDataAt implements spec.md §4.7 waitForDataAt: sequentially wait
// on every member for data at originTimeNs, updating each member's
// maxObservedSourceDelay as it resolves. The first member whose wait
// fails with anything other than TooEarly stops the group immediately;
// a TooEarly failure (deadline expiry) is returned as-is once reached.
func (g *Group) WaitForDataAt(ctx context.Context, originTimeNs int64, deadline time.Time) error {
	for _, m := range g.entries {
		rate := m.rate()
		framePeriod := m.framePeriodNs()

		base := rational.TimestampToIndex(rate, originTimeNs)
		if base == rational.IndexInvalid {
			return status.New(status.InvalidArgument, "syncgroup.WaitForDataAt", fmt.Errorf("invalid rate or negative origin time"))
		}

		var delayIndexes int64
		if framePeriod > 0 {
			delayIndexes = m.maxObservedDelayNs / framePeriod
		}
		targetIndex := uint64(base + delayIndexes)

		observedNs, err := m.waitAt(ctx, targetIndex, deadline)
		if err != nil {
			return err
		}

		if gap := observedNs - originTimeNs; gap > m.maxObservedDelayNs {
			m.maxObservedDelayNs = gap
		}
	}
	return nil
}
