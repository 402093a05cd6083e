// Package discrete implements grain-indexed discrete flow I/O, spec.md
// §4.5.
//
// The reader's observe/wait/retry loop is grounded on
// other_examples/a64145ea_calvinalkan-agent-task__pkg-slotcache-slotcache.go.go's
// seqlock-guarded read pattern (snapshot a generation counter, read data,
// retry if the counter moved) combined with internal/waitwake for the
// actual suspension, rather than a busy-spin retry.
package discrete

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mxlflow/mxl/internal/grain"
	"github.com/mxlflow/mxl/internal/status"
	"github.com/mxlflow/mxl/internal/waitwake"
	"github.com/mxlflow/mxl/pkg/manager"
)

// Flow bundles the mapped state a discrete writer or reader operates on.
type Flow struct {
	Data       *manager.FlowData
	GrainCount uint32
}

func newFlow(fd *manager.FlowData) Flow {
	return Flow{Data: fd, GrainCount: fd.Header.Discrete().GrainCount}
}

func (f Flow) grainHeader(slot uint32) (grain.Header, error) {
	return grain.View(f.Data.Grains[slot].Bytes())
}

func (f Flow) payload(slot uint32) []byte {
	b := f.Data.Grains[slot].Bytes()
	return b[grain.PayloadOffset:]
}

// Writer is the single-writer handle for a discrete flow, spec.md §4.5
// "the writer may have at most one grain open at a time".
type Writer struct {
	flow     Flow
	isOpen   bool
	openSlot uint32
	openIdx  uint64
}

// NewWriter wraps fd (from manager.CreateOrOpenDiscreteFlow) as a
// discrete Writer.
func NewWriter(fd *manager.FlowData) *Writer {
	return &Writer{flow: newFlow(fd)}
}

// OpenGrain implements spec.md §4.5 openGrain: computes the ring slot,
// rejects reopening an index the ring has already moved past, resets the
// slot's committed-slice count, and returns the payload for writing.
func (w *Writer) OpenGrain(index uint64) ([]byte, error) {
	if w.isOpen {
		return nil, status.New(status.InvalidArgument, "discrete.OpenGrain", fmt.Errorf("grain %d still open", w.openIdx))
	}

	slot := uint32(index % uint64(w.flow.GrainCount))
	gh, err := w.flow.grainHeader(slot)
	if err != nil {
		return nil, status.New(status.Io, "discrete.OpenGrain", err)
	}

	recorded := gh.Index()
	if recorded != grain.NeverWritten && recorded != index && recorded >= index {
		return nil, status.New(status.TooEarly, "discrete.OpenGrain", fmt.Errorf("slot %d already holds index %d >= requested %d", slot, recorded, index))
	}

	gh.SetIndex(index)
	gh.SetCommittedSlices(0)
	gh.SetFlags(0)

	w.isOpen = true
	w.openSlot = slot
	w.openIdx = index

	return w.flow.payload(slot), nil
}

// CommitInfo carries the fields commitGrain publishes into the grain
// header, spec.md §4.5 commitGrain.
type CommitInfo struct {
	CommittedSlices   uint32
	Flags             grain.Flags
	OriginTimestampNs int64
}

// CommitGrain implements spec.md §4.5 commitGrain: publishes the
// writer-supplied fields, advances headIndex if this grain is newer,
// bumps the sync counter, and wakes waiters.
func (w *Writer) CommitGrain(info CommitInfo) error {
	if !w.isOpen {
		return status.New(status.InvalidArgument, "discrete.CommitGrain", fmt.Errorf("no grain open"))
	}

	gh, err := w.flow.grainHeader(w.openSlot)
	if err != nil {
		return status.New(status.Io, "discrete.CommitGrain", err)
	}

	total := gh.TotalSlices()
	if info.CommittedSlices > total {
		return status.New(status.InvalidArgument, "discrete.CommitGrain", fmt.Errorf("committedSlices %d exceeds totalSlices %d", info.CommittedSlices, total))
	}
	if info.CommittedSlices < gh.CommittedSlices() {
		return status.New(status.InvalidArgument, "discrete.CommitGrain", fmt.Errorf("committedSlices must not decrease"))
	}

	gh.SetOriginTimestampNs(info.OriginTimestampNs)
	gh.SetFlags(info.Flags)
	gh.SetCommittedSlices(info.CommittedSlices)

	w.flow.Data.Header.StoreHeadIndexIfGreater(w.openIdx)
	w.flow.Data.Header.SetLastWriteNs(time.Now().UnixNano())

	w.flow.Data.Header.IncrementSyncCounter()
	waitwake.WakeAll(waitwake.NewWord(w.flow.Data.Header.SyncCounterWord()))

	if info.CommittedSlices == total {
		w.isOpen = false
	}

	return nil
}

// CancelGrain implements spec.md §4.5 cancelGrain: release the slot
// without advancing headIndex or the sync counter.
func (w *Writer) CancelGrain() {
	w.isOpen = false
}

// Reader is a discrete flow reader handle.
type Reader struct {
	flow  Flow
	inode uint64
}

// NewReader wraps fd (from manager.OpenReader) as a discrete Reader.
func NewReader(fd *manager.FlowData) (*Reader, error) {
	inode, err := fd.DataFile.Inode()
	if err != nil {
		return nil, status.New(status.Io, "discrete.NewReader", err)
	}
	return &Reader{flow: newFlow(fd), inode: inode}, nil
}

// Grain is a consistent snapshot of a grain's metadata plus a read-only
// view of its payload.
type Grain struct {
	Header  grain.Header
	Payload []byte
}

// GetGrain implements spec.md §4.5 getGrain, blocking variant: waits on
// the flow's sync counter until the requested grain is readable, the
// deadline elapses, or the slot has been overwritten.
func (r *Reader) GetGrain(ctx context.Context, index uint64, minValidSlices uint32, deadline time.Time) (Grain, error) {
	for {
		g, ready, err := r.tryGetGrain(index, minValidSlices)
		if err != nil {
			return Grain{}, err
		}
		if ready {
			r.touchAccess()
			return g, nil
		}

		counter := r.flow.Data.Header.LoadSyncCounter()
		if _, woke := waitwake.WaitUntilChanged(ctx, waitwake.NewWord(r.flow.Data.Header.SyncCounterWord()), counter, deadline); !woke {
			return Grain{}, status.New(status.TooEarly, "discrete.GetGrain", fmt.Errorf("deadline expired waiting for grain %d", index))
		}
	}
}

// GetGrainNonBlocking implements spec.md §4.5's non-blocking variant:
// identical to GetGrain but never suspends.
func (r *Reader) GetGrainNonBlocking(index uint64, minValidSlices uint32) (Grain, error) {
	g, ready, err := r.tryGetGrain(index, minValidSlices)
	if err != nil {
		return Grain{}, err
	}
	if !ready {
		return Grain{}, status.New(status.TooEarly, "discrete.GetGrainNonBlocking", fmt.Errorf("grain %d not yet written", index))
	}
	r.touchAccess()
	return g, nil
}

func (r *Reader) tryGetGrain(index uint64, minValidSlices uint32) (Grain, bool, error) {
	inode, err := r.flow.Data.DataFile.Inode()
	if err != nil {
		return Grain{}, false, status.New(status.Io, "discrete.tryGetGrain", err)
	}
	if inode != r.inode {
		return Grain{}, false, status.New(status.Invalid, "discrete.tryGetGrain", fmt.Errorf("flow was recreated: inode changed"))
	}

	head := r.flow.Data.Header.HeadIndex()
	if index+uint64(r.flow.GrainCount) <= head {
		return Grain{}, false, status.New(status.TooLate, "discrete.tryGetGrain", fmt.Errorf("grain %d overwritten, head is %d", index, head))
	}

	slot := uint32(index % uint64(r.flow.GrainCount))
	gh, err := r.flow.grainHeader(slot)
	if err != nil {
		return Grain{}, false, status.New(status.Io, "discrete.tryGetGrain", err)
	}

	if gh.Index() == index && gh.CommittedSlices() >= minValidSlices {
		return Grain{Header: gh, Payload: r.flow.payload(slot)}, true, nil
	}

	return Grain{}, false, nil
}

func (r *Reader) touchAccess() {
	now := time.Now()
	_ = os.Chtimes(r.flow.Data.Path.AccessPath(), now, now)
}
