// Package header implements the flow header binary layout, spec.md §3 and
// §6: a fixed 2048-byte structure living at offset 0 of a flow's "data"
// file, split into an immutable configuration region, a mutable runtime
// region, and an internal state area.
//
// Field access follows the same handle-and-slice discipline as
// internal/shm: a Header is a thin view over a caller-owned []byte, never
// a copy, so writes are visible to every other mapping of the same file.
// Fixed-width fields are read/written with encoding/binary for the
// immutable configuration (written once, no concurrent access), and via
// unsafe-pointer-cast atomics for the runtime fields that the wait/wake
// primitive and concurrent readers touch — the same pattern the retrieval
// pack's io_uring-style ring-buffer code uses for shared-memory words
// (e.g. cloudwego/gopkg's internal/iouring casts mapped-file offsets to
// *uint32 for lock-free head/tail access).
package header

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"

	"github.com/mxlflow/mxl/internal/rational"
	"github.com/mxlflow/mxl/internal/status"
)

// Size is the fixed total size of the header structure, spec.md I1:
// "Header size field equals the fixed 2048 bytes; otherwise attachers
// fail with VersionMismatch."
const Size = 2048

// Version is the only binary layout version this implementation produces
// or accepts.
const Version uint32 = 1

// Byte offsets within the header, spec.md §6's bit-exact table.
const (
	offVersion    = 0x000
	offStructSize = 0x004
	offCommon     = 0x008
	commonSize    = 128
	offTypeConfig = 0x088
	typeConfigSz  = 64
	offRuntime    = 0x0C8
	runtimeSize   = 64
	offInternal   = 0x108
)

// Offsets within the 128-byte common configuration block.
const (
	cOffID              = 0  // 16 bytes
	cOffFormatTag       = 16 // 4 bytes
	cOffRateNumerator   = 24 // 8 bytes
	cOffRateDenominator = 32 // 8 bytes
	cOffCommitHint      = 40 // 4 bytes
	cOffSyncHint        = 44 // 4 bytes
	cOffPayloadLocation = 48 // 1 byte
	cOffDeviceIndex     = 52 // 4 bytes
	cOffMiscFlags       = 56 // 4 bytes
)

// Offsets within the 64-byte discrete-specific configuration block.
const (
	dOffGrainCount   = 0 // 4 bytes
	dOffSliceCount   = 4 // 4 bytes
	dOffSliceLengths = 8 // up to maxPlanes * 4 bytes
	maxPlanes        = 8
)

// Offsets within the 64-byte continuous-specific configuration block.
const (
	ctOffChannelCount    = 0  // 4 bytes
	ctOffSampleWordSize  = 4  // 4 bytes
	ctOffBufferLength    = 8  // 8 bytes
)

// Offsets within the 64-byte runtime block.
const (
	rOffHead          = 0  // 8 bytes, atomic
	rOffLastWriteNs   = 8  // 8 bytes, atomic
	rOffLastReadNs    = 16 // 8 bytes, atomic
)

// Offsets within the internal state area (from offInternal to Size).
const (
	iOffInode       = 0 // 8 bytes
	iOffSyncCounter = 8 // 4 bytes, atomic, the wait/wake word
)

// PayloadLocation selects where payload bytes physically live relative to
// the flow's files. Only Inline (payload alongside the header/channel
// file, the only layout spec.md §6 describes) is currently defined.
type PayloadLocation uint8

const (
	PayloadInline PayloadLocation = iota
)

// FlowKind distinguishes the tagged union of type-specific configuration,
// spec.md §3: "a tagged union of discrete-specific fields ... or
// continuous-specific fields".
type FlowKind uint8

const (
	KindDiscrete FlowKind = iota
	KindContinuous
)

// CommonConfig is the immutable, flow-type-independent configuration
// portion of a header, spec.md §3.
type CommonConfig struct {
	ID              uuid.UUID
	FormatTag       uint32
	Rate            rational.Rational
	CommitHint      uint32
	SyncHint        uint32
	PayloadLocation PayloadLocation
	DeviceIndex     uint32
	MiscFlags       uint32
}

// DiscreteConfig is the immutable discrete-specific configuration.
type DiscreteConfig struct {
	GrainCount    uint32
	SliceCount    uint32
	SliceLengths  []uint32 // per-plane slice byte size, len <= maxPlanes
}

// ContinuousConfig is the immutable continuous-specific configuration.
type ContinuousConfig struct {
	ChannelCount   uint32
	SampleWordSize uint32
	BufferLength   uint64
}

// Header is a view over a 2048-byte region of a mapped "data" file.
type Header struct {
	b []byte
}

// View wraps an existing byte slice as a Header without modifying it.
// b must be at least Size bytes.
func View(b []byte) (Header, error) {
	if len(b) < Size {
		return Header{}, fmt.Errorf("header: region is %d bytes, need %d", len(b), Size)
	}
	return Header{b: b[:Size]}, nil
}

// Init zero-value-places the structure and writes the immutable
// configuration, spec.md §4.3: "on creation, additionally performs a
// zero-initializing placement of the structure ... and records the inode
// in the structure." kind selects which type-specific block is written.
func Init(b []byte, common CommonConfig, kind FlowKind, discrete DiscreteConfig, continuous ContinuousConfig, inode uint64) (Header, error) {
	h, err := View(b)
	if err != nil {
		return Header{}, err
	}
	for i := range h.b {
		h.b[i] = 0
	}

	binary.LittleEndian.PutUint32(h.b[offVersion:], Version)
	binary.LittleEndian.PutUint32(h.b[offStructSize:], Size)

	h.writeCommon(common)

	switch kind {
	case KindDiscrete:
		h.writeDiscrete(discrete)
	case KindContinuous:
		h.writeContinuous(continuous)
	default:
		return Header{}, status.New(status.InvalidArgument, "header.Init", fmt.Errorf("unknown flow kind %d", kind))
	}

	binary.LittleEndian.PutUint64(h.b[offInternal+iOffInode:], inode)

	return h, nil
}

func (h Header) writeCommon(c CommonConfig) {
	block := h.b[offCommon : offCommon+commonSize]
	idBytes, _ := c.ID.MarshalBinary()
	copy(block[cOffID:cOffID+16], idBytes)
	binary.LittleEndian.PutUint32(block[cOffFormatTag:], c.FormatTag)
	binary.LittleEndian.PutUint64(block[cOffRateNumerator:], uint64(c.Rate.Numerator))
	binary.LittleEndian.PutUint64(block[cOffRateDenominator:], uint64(c.Rate.Denominator))
	binary.LittleEndian.PutUint32(block[cOffCommitHint:], c.CommitHint)
	binary.LittleEndian.PutUint32(block[cOffSyncHint:], c.SyncHint)
	block[cOffPayloadLocation] = byte(c.PayloadLocation)
	binary.LittleEndian.PutUint32(block[cOffDeviceIndex:], c.DeviceIndex)
	binary.LittleEndian.PutUint32(block[cOffMiscFlags:], c.MiscFlags)
}

func (h Header) writeDiscrete(d DiscreteConfig) {
	block := h.b[offTypeConfig : offTypeConfig+typeConfigSz]
	binary.LittleEndian.PutUint32(block[dOffGrainCount:], d.GrainCount)
	binary.LittleEndian.PutUint32(block[dOffSliceCount:], d.SliceCount)
	for i, l := range d.SliceLengths {
		if i >= maxPlanes {
			break
		}
		binary.LittleEndian.PutUint32(block[dOffSliceLengths+4*i:], l)
	}
}

func (h Header) writeContinuous(c ContinuousConfig) {
	block := h.b[offTypeConfig : offTypeConfig+typeConfigSz]
	binary.LittleEndian.PutUint32(block[ctOffChannelCount:], c.ChannelCount)
	binary.LittleEndian.PutUint32(block[ctOffSampleWordSize:], c.SampleWordSize)
	binary.LittleEndian.PutUint64(block[ctOffBufferLength:], c.BufferLength)
}

// CheckVersion validates the version and struct-size fields, spec.md I1.
func (h Header) CheckVersion() error {
	v := binary.LittleEndian.Uint32(h.b[offVersion:])
	sz := binary.LittleEndian.Uint32(h.b[offStructSize:])
	if v != Version || sz != Size {
		return status.New(status.VersionMismatch, "header.CheckVersion",
			fmt.Errorf("on-disk version=%d size=%d, expected version=%d size=%d", v, sz, Version, Size))
	}
	return nil
}

// Common reads back the immutable common configuration.
func (h Header) Common() CommonConfig {
	block := h.b[offCommon : offCommon+commonSize]
	var c CommonConfig
	_ = c.ID.UnmarshalBinary(block[cOffID : cOffID+16])
	c.FormatTag = binary.LittleEndian.Uint32(block[cOffFormatTag:])
	c.Rate = rational.Rational{
		Numerator:   int64(binary.LittleEndian.Uint64(block[cOffRateNumerator:])),
		Denominator: int64(binary.LittleEndian.Uint64(block[cOffRateDenominator:])),
	}
	c.CommitHint = binary.LittleEndian.Uint32(block[cOffCommitHint:])
	c.SyncHint = binary.LittleEndian.Uint32(block[cOffSyncHint:])
	c.PayloadLocation = PayloadLocation(block[cOffPayloadLocation])
	c.DeviceIndex = binary.LittleEndian.Uint32(block[cOffDeviceIndex:])
	c.MiscFlags = binary.LittleEndian.Uint32(block[cOffMiscFlags:])
	return c
}

// Discrete reads back the discrete-specific configuration.
func (h Header) Discrete() DiscreteConfig {
	block := h.b[offTypeConfig : offTypeConfig+typeConfigSz]
	d := DiscreteConfig{
		GrainCount: binary.LittleEndian.Uint32(block[dOffGrainCount:]),
		SliceCount: binary.LittleEndian.Uint32(block[dOffSliceCount:]),
	}
	for i := uint32(0); i < d.SliceCount && i < maxPlanes; i++ {
		d.SliceLengths = append(d.SliceLengths, binary.LittleEndian.Uint32(block[dOffSliceLengths+4*i:]))
	}
	return d
}

// Continuous reads back the continuous-specific configuration.
func (h Header) Continuous() ContinuousConfig {
	block := h.b[offTypeConfig : offTypeConfig+typeConfigSz]
	return ContinuousConfig{
		ChannelCount:   binary.LittleEndian.Uint32(block[ctOffChannelCount:]),
		SampleWordSize: binary.LittleEndian.Uint32(block[ctOffSampleWordSize:]),
		BufferLength:   binary.LittleEndian.Uint64(block[ctOffBufferLength:]),
	}
}

// Inode returns the inode captured at creation time, spec.md I6.
func (h Header) Inode() uint64 {
	return binary.LittleEndian.Uint64(h.b[offInternal+iOffInode:])
}

func (h Header) atomicWord(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&h.b[off]))
}

func (h Header) atomicDword(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&h.b[off]))
}

// HeadIndex atomically loads the runtime head index, spec.md §5:
// "headIndex monotonically increases (visible to readers after the
// commit that updated it)."
func (h Header) HeadIndex() uint64 {
	return atomic.LoadUint64(h.atomicDword(offRuntime + rOffHead))
}

// StoreHeadIndexIfGreater atomically advances the head index, never
// moving it backward, spec.md §4.6: "headIndex := max(headIndex,
// openStart + openCount)".
func (h Header) StoreHeadIndexIfGreater(v uint64) {
	p := h.atomicDword(offRuntime + rOffHead)
	for {
		cur := atomic.LoadUint64(p)
		if v <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(p, cur, v) {
			return
		}
	}
}

func (h Header) LastWriteNs() int64 {
	return int64(atomic.LoadUint64(h.atomicDword(offRuntime + rOffLastWriteNs)))
}

func (h Header) SetLastWriteNs(ns int64) {
	atomic.StoreUint64(h.atomicDword(offRuntime+rOffLastWriteNs), uint64(ns))
}

func (h Header) LastReadNs() int64 {
	return int64(atomic.LoadUint64(h.atomicDword(offRuntime + rOffLastReadNs)))
}

// SetLastReadNs is called by the domain watcher, spec.md §4.9: "updates
// the flow header's last-read timestamp to the current time."
func (h Header) SetLastReadNs(ns int64) {
	atomic.StoreUint64(h.atomicDword(offRuntime+rOffLastReadNs), uint64(ns))
}

// SyncCounterWord returns a pointer suitable for internal/waitwake,
// spec.md §4.2: "a 32-bit word used by the wait/wake primitive".
func (h Header) SyncCounterWord() *uint32 {
	return h.atomicWord(offInternal + iOffSyncCounter)
}

// IncrementSyncCounter bumps the sync counter with release semantics,
// spec.md §4.5: "Increment the sync counter by 1 with release semantics."
func (h Header) IncrementSyncCounter() {
	atomic.AddUint32(h.SyncCounterWord(), 1)
}

// LoadSyncCounter reads the current sync counter value (acquire).
func (h Header) LoadSyncCounter() uint32 {
	return atomic.LoadUint32(h.SyncCounterWord())
}
