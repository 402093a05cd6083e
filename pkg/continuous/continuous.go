// Package continuous implements sample-indexed continuous flow I/O,
// spec.md §4.6.
//
// The channel file is laid out channel-major: each channel occupies a
// contiguous bufferLength*sampleWordSize run, so a request that wraps
// the ring returns (at most) two byte spans per channel at identical
// split positions — the same dual-span-over-a-mapped-file shape
// other_examples/46ad67e4_paultag-go-diskring__ring.go.go uses for its
// disk-backed ring, restated here without that example's
// double-mmap-mirror trick: geometry §4.6 fixes count <= bufferLength/2,
// so a plain slice-of-the-mapping split is enough and no mirror mapping
// is needed.
package continuous

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/mxlflow/mxl/common/go/xiter"
	"github.com/mxlflow/mxl/internal/status"
	"github.com/mxlflow/mxl/internal/waitwake"
	"github.com/mxlflow/mxl/pkg/manager"
)

// Span is one channel's view of a sample range. Second is empty unless
// the range wraps past the end of the ring.
type Span struct {
	First  []byte
	Second []byte
}

// Samples is the per-channel result of openSamples/getSamples, one Span
// per channel in channel order.
type Samples struct {
	Channels []Span
}

type flow struct {
	data           *manager.FlowData
	channelCount   uint32
	sampleWordSize uint32
	bufferLength   uint64
	stride         uint64 // bytes per channel's buffer run
}

func newFlow(fd *manager.FlowData) flow {
	cfg := fd.Header.Continuous()
	return flow{
		data:           fd,
		channelCount:   cfg.ChannelCount,
		sampleWordSize: cfg.SampleWordSize,
		bufferLength:   cfg.BufferLength,
		stride:         cfg.BufferLength * uint64(cfg.SampleWordSize),
	}
}

// half returns bufferLength/2, the geometry limit spec.md §4.6 places on
// every request's count.
func (f flow) half() uint64 {
	return f.bufferLength / 2
}

// spans slices out the (possibly wrapping) byte range [index, index+count)
// for every channel.
func (f flow) spans(index uint64, count uint64) Samples {
	slot := index % f.bufferLength
	byteCount := count * uint64(f.sampleWordSize)
	byteSlot := slot * uint64(f.sampleWordSize)

	b := f.data.Channel.Bytes()
	out := make([]Span, f.channelCount)
	for i, base := range xiter.Enumerate(slices.Values(channelBases(f))) {
		buf := b[base : base+f.stride]
		if byteSlot+byteCount <= f.stride {
			out[i] = Span{First: buf[byteSlot : byteSlot+byteCount]}
			continue
		}
		firstLen := f.stride - byteSlot
		out[i] = Span{
			First:  buf[byteSlot:f.stride],
			Second: buf[0 : byteCount-firstLen],
		}
	}
	return Samples{Channels: out}
}

func channelBases(f flow) []uint64 {
	bases := make([]uint64, f.channelCount)
	for i := range bases {
		bases[i] = uint64(i) * f.stride
	}
	return bases
}

// Writer is the single-writer handle for a continuous flow, spec.md
// §4.6 "at most one open range".
type Writer struct {
	flow      flow
	isOpen    bool
	openStart uint64
	openCount uint64
}

// NewWriter wraps fd (from manager.CreateOrOpenContinuousFlow) as a
// continuous Writer.
func NewWriter(fd *manager.FlowData) *Writer {
	return &Writer{flow: newFlow(fd)}
}

// OpenSamples implements spec.md §4.6 openSamples: validates the
// geometry limit, then returns a (possibly two-fragment) mutable span
// per channel covering [index, index+count).
func (w *Writer) OpenSamples(index uint64, count uint64) (Samples, error) {
	if w.isOpen {
		return Samples{}, status.New(status.InvalidArgument, "continuous.OpenSamples", fmt.Errorf("range [%d,%d) still open", w.openStart, w.openStart+w.openCount))
	}
	if count > w.flow.half() {
		return Samples{}, status.New(status.InvalidArgument, "continuous.OpenSamples", fmt.Errorf("count %d exceeds bufferLength/2 (%d)", count, w.flow.half()))
	}

	w.isOpen = true
	w.openStart = index
	w.openCount = count

	return w.flow.spans(index, count), nil
}

// CommitSamples implements spec.md §4.6 commitSamples: publishes the new
// head index, bumps the sync counter, and wakes waiters.
func (w *Writer) CommitSamples() error {
	if !w.isOpen {
		return status.New(status.InvalidArgument, "continuous.CommitSamples", fmt.Errorf("no range open"))
	}

	w.flow.data.Header.StoreHeadIndexIfGreater(w.openStart + w.openCount)
	w.flow.data.Header.SetLastWriteNs(time.Now().UnixNano())
	w.flow.data.Header.IncrementSyncCounter()
	waitwake.WakeAll(waitwake.NewWord(w.flow.data.Header.SyncCounterWord()))

	w.isOpen = false
	return nil
}

// CancelSamples implements spec.md §4.6 cancelSamples: discard the open
// range without publishing anything.
func (w *Writer) CancelSamples() {
	w.isOpen = false
}

// Reader is a continuous flow reader handle.
type Reader struct {
	flow  flow
	inode uint64
}

// NewReader wraps fd (from manager.OpenReader) as a continuous Reader.
func NewReader(fd *manager.FlowData) (*Reader, error) {
	inode, err := fd.DataFile.Inode()
	if err != nil {
		return nil, status.New(status.Io, "continuous.NewReader", err)
	}
	return &Reader{flow: newFlow(fd), inode: inode}, nil
}

// GetSamples implements spec.md §4.6 getSamples, blocking variant.
func (r *Reader) GetSamples(ctx context.Context, index uint64, count uint64, deadline time.Time) (Samples, error) {
	for {
		s, ready, err := r.tryGetSamples(index, count)
		if err != nil {
			return Samples{}, err
		}
		if ready {
			return s, nil
		}

		counter := r.flow.data.Header.LoadSyncCounter()
		if _, woke := waitwake.WaitUntilChanged(ctx, waitwake.NewWord(r.flow.data.Header.SyncCounterWord()), counter, deadline); !woke {
			return Samples{}, status.New(status.TooEarly, "continuous.GetSamples", fmt.Errorf("deadline expired waiting for samples at %d", index))
		}
	}
}

// GetSamplesNonBlocking implements spec.md §4.6's non-blocking variant.
func (r *Reader) GetSamplesNonBlocking(index uint64, count uint64) (Samples, error) {
	s, ready, err := r.tryGetSamples(index, count)
	if err != nil {
		return Samples{}, err
	}
	if !ready {
		return Samples{}, status.New(status.TooEarly, "continuous.GetSamplesNonBlocking", fmt.Errorf("samples at %d not yet committed", index))
	}
	return s, nil
}

func (r *Reader) tryGetSamples(index uint64, count uint64) (Samples, bool, error) {
	if count > r.flow.half() {
		return Samples{}, false, status.New(status.InvalidArgument, "continuous.tryGetSamples", fmt.Errorf("count %d exceeds bufferLength/2 (%d)", count, r.flow.half()))
	}

	inode, err := r.flow.data.DataFile.Inode()
	if err != nil {
		return Samples{}, false, status.New(status.Io, "continuous.tryGetSamples", err)
	}
	if inode != r.inode {
		return Samples{}, false, status.New(status.Invalid, "continuous.tryGetSamples", fmt.Errorf("flow was recreated: inode changed"))
	}

	head := r.flow.data.Header.HeadIndex()

	var tail uint64
	if head >= r.flow.half() {
		tail = head - r.flow.half() + 1
	}
	if index+count <= tail {
		return Samples{}, false, status.New(status.TooLate, "continuous.tryGetSamples", fmt.Errorf("samples at %d overwritten, tail is %d", index, tail))
	}

	if index+count <= head+1 {
		return r.flow.spans(index, count), true, nil
	}

	return Samples{}, false, nil
}
