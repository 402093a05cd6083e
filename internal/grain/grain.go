// Package grain implements the discrete-flow grain header binary layout,
// spec.md §3, §6: "Each grain has a fixed header of 8192 bytes containing:
// absolute grain index, payload size, flag bits, total-slice count,
// committed-slice count, origin timestamp." Payload follows at the same
// 8192-byte page-aligned offset.
package grain

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// HeaderSize is the fixed grain header size, spec.md §6.
const HeaderSize = 8192

// NeverWritten is the sentinel grain index recorded in a freshly created
// (never yet opened) slot, spec.md §4.4 step 6: "an initialized grain
// header whose recorded index is the sentinel 'never written'."
const NeverWritten uint64 = ^uint64(0)

// Byte offsets within the 8192-byte grain header.
const (
	offIndex            = 0  // 8 bytes, atomic
	offPayloadSize       = 8  // 8 bytes
	offFlags            = 16 // 4 bytes, atomic
	offTotalSlices      = 20 // 4 bytes
	offCommittedSlices   = 24 // 4 bytes, atomic
	offOriginTimestampNs = 32 // 8 bytes, atomic
)

// Flags bits, private to this core unless noted by the spec.
type Flags uint32

// Header is a view over an 8192-byte region holding one grain's metadata;
// the payload follows immediately at the same page-aligned offset within
// the enclosing grain file.
type Header struct {
	b []byte
}

// View wraps b (must be at least HeaderSize bytes) as a grain Header.
func View(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("grain: region is %d bytes, need %d", len(b), HeaderSize)
	}
	return Header{b: b[:HeaderSize]}, nil
}

// InitEmpty zero-initializes a grain header and writes the
// never-written sentinel and the fixed total-slice/payload-size
// configuration, spec.md §4.4 step 6.
func InitEmpty(b []byte, totalSlices uint32, payloadSize uint64) (Header, error) {
	h, err := View(b)
	if err != nil {
		return Header{}, err
	}
	for i := range h.b {
		h.b[i] = 0
	}
	binary.LittleEndian.PutUint64(h.b[offPayloadSize:], payloadSize)
	binary.LittleEndian.PutUint32(h.b[offTotalSlices:], totalSlices)
	atomic.StoreUint64(h.dword(offIndex), NeverWritten)
	return h, nil
}

func (h Header) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&h.b[off]))
}

func (h Header) dword(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&h.b[off]))
}

// Index atomically loads the grain's recorded absolute index.
func (h Header) Index() uint64 {
	return atomic.LoadUint64(h.dword(offIndex))
}

// SetIndex atomically stores the recorded absolute index, spec.md §4.5
// openGrain: "Write the grain header's index field to index."
func (h Header) SetIndex(index uint64) {
	atomic.StoreUint64(h.dword(offIndex), index)
}

// PayloadSize returns the fixed per-slot payload byte size (immutable
// after creation).
func (h Header) PayloadSize() uint64 {
	return binary.LittleEndian.Uint64(h.b[offPayloadSize:])
}

// TotalSlices returns the fixed configured slice count.
func (h Header) TotalSlices() uint32 {
	return binary.LittleEndian.Uint32(h.b[offTotalSlices:])
}

// CommittedSlices atomically loads the committed-slice count.
func (h Header) CommittedSlices() uint32 {
	return atomic.LoadUint32(h.word(offCommittedSlices))
}

// SetCommittedSlices atomically stores the committed-slice count,
// spec.md §4.5 commitGrain: "committedSlices must not decrease and must
// not exceed totalSlices" — enforced by the caller (pkg/discrete), not
// here; this is the mechanical store.
func (h Header) SetCommittedSlices(n uint32) {
	atomic.StoreUint32(h.word(offCommittedSlices), n)
}

// Flags atomically loads the flag bits.
func (h Header) Flags() Flags {
	return Flags(atomic.LoadUint32(h.word(offFlags)))
}

// SetFlags atomically stores the flag bits.
func (h Header) SetFlags(f Flags) {
	atomic.StoreUint32(h.word(offFlags), uint32(f))
}

// OriginTimestampNs atomically loads the grain's origin timestamp in
// nanoseconds.
func (h Header) OriginTimestampNs() int64 {
	return int64(atomic.LoadUint64(h.dword(offOriginTimestampNs)))
}

// SetOriginTimestampNs atomically stores the grain's origin timestamp.
func (h Header) SetOriginTimestampNs(ns int64) {
	atomic.StoreUint64(h.dword(offOriginTimestampNs), uint64(ns))
}

// PayloadOffset is the fixed offset of the payload within the grain file:
// immediately after the header, spec.md §6: "Payload follows the header
// at a 8192-byte page-aligned offset."
const PayloadOffset = HeaderSize

// FileSize returns the total size of a grain file holding a payload of
// the given size, spec.md §4.4 step 6: "payload files sized
// 8192 + payloadSize".
func FileSize(payloadSize uint64) int64 {
	return int64(HeaderSize) + int64(payloadSize)
}
