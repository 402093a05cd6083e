// Package manager implements the flow manager, spec.md §4.4: deterministic
// creation, opening, deletion, and enumeration of flow directories within
// a domain.
//
// The descriptor-write step (create-temp-file, fsync, rename) is grounded
// on the retrieval pack's slotcache package
// (other_examples/1d851c96_calvinalkan-agent-task__pkg-slotcache-open.go.go
// createNewCache), restated with golang.org/x/sys/unix for consistency
// with internal/shm.
package manager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/mxlflow/mxl/common/go/numa"
	"github.com/mxlflow/mxl/internal/grain"
	"github.com/mxlflow/mxl/internal/header"
	"github.com/mxlflow/mxl/internal/layout"
	"github.com/mxlflow/mxl/internal/rational"
	"github.com/mxlflow/mxl/internal/shm"
	"github.com/mxlflow/mxl/internal/status"
)

// flowGlob recognizes flow directories during enumeration and garbage
// collection, spec.md §4.4 "filter by the known suffix", expanded per
// SPEC_FULL.md 4.4a to a compiled glob so the same matcher could later
// scope a GC pass to an operator-supplied pattern.
var flowGlob = glob.MustCompile(layout.FlowGlob)

// CreateOptions carries the per-flow creation hints spec.md §6 lists as
// "Configuration inputs", plus the NUMA placement hint from SPEC_FULL.md
// 4.4b.
type CreateOptions struct {
	CommitHint      uint32
	SyncHint        uint32
	PayloadLocation header.PayloadLocation
	DeviceIndex     uint32
	PreferredNUMA   numa.NUMAMap

	// MaxMappingSize caps the total mapped size (header plus payload
	// region) a single CreateOrOpen call will allocate, zero meaning
	// unbounded. Grounded on the teacher's own
	// controlplane/ffi.SharedMemory.AgentAttach(name, idx, size
	// datasize.ByteSize) signature for sizing a shared-memory region.
	MaxMappingSize datasize.ByteSize
}

func (o CreateOptions) checkMappingSize(totalBytes uint64) error {
	if o.MaxMappingSize == 0 {
		return nil
	}
	if totalBytes > uint64(o.MaxMappingSize) {
		return status.New(status.InvalidArgument, "manager.checkMappingSize",
			fmt.Errorf("mapping size %s exceeds limit %s",
				datasize.ByteSize(totalBytes).String(), o.MaxMappingSize.String()))
	}
	return nil
}

func (o CreateOptions) normalized() CreateOptions {
	if o.CommitHint == 0 {
		o.CommitHint = 1
	}
	if o.SyncHint == 0 {
		o.SyncHint = 1
	}
	return o
}

// miscFlags packs the NUMA preference into the header's misc-flags word:
// the low 32 bits mirror numa.NUMAMap's own bitmap representation, so a
// higher-level orchestrator can recover the hint via
// FlowData.Header.Common().MiscFlags without a dedicated header field
// (SPEC_FULL.md 4.4b).
func (o CreateOptions) miscFlags() uint32 {
	return uint32(o.PreferredNUMA)
}

// FlowData is the open, mapped state of a single flow: its header mapping
// plus type-specific payload mappings. Exactly one of Grains or Channel is
// populated, selected by the flow kind the FlowData was created or opened
// as (the header itself records no kind tag).
type FlowData struct {
	Path       layout.Flow
	DataFile   *shm.File
	Header     header.Header
	Descriptor []byte

	Grains  []*shm.File // discrete only, len == grainCount
	Channel *shm.File   // continuous only
}

// Close releases every mapping owned by fd.
func (fd *FlowData) Close() error {
	var firstErr error
	for _, g := range fd.Grains {
		if err := g.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if fd.Channel != nil {
		if err := fd.Channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := fd.DataFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Manager creates, opens, deletes, and enumerates flows within one
// domain.
type Manager struct {
	Domain layout.Domain
}

// New returns a Manager rooted at domain, creating the domain directory
// if it does not already exist.
func New(domain layout.Domain) (*Manager, error) {
	if err := os.MkdirAll(domain.Root, 0o755); err != nil {
		return nil, status.New(status.Io, "manager.New", err)
	}
	return &Manager{Domain: domain}, nil
}

// CreateOrOpenDiscreteFlow implements spec.md §4.4's discrete creation
// algorithm. created reports whether this call initialized a new flow
// (true) or attached to an existing one (false, per Open Question OQ2:
// the existing configuration is authoritative).
func (m *Manager) CreateOrOpenDiscreteFlow(
	id uuid.UUID,
	descriptorJSON []byte,
	formatTag uint32,
	grainCount uint32,
	rate rational.Rational,
	payloadSize uint64,
	sliceCount uint32,
	sliceLengths []uint32,
	opts CreateOptions,
) (created bool, fd *FlowData, err error) {
	opts = opts.normalized()
	flow := m.Domain.FlowPath(id)

	totalSize := uint64(header.Size) + uint64(grainCount)*uint64(grain.FileSize(payloadSize))
	if err := opts.checkMappingSize(totalSize); err != nil {
		return false, nil, err
	}

	if err := os.Mkdir(flow.Dir, 0o755); err != nil {
		if os.IsExist(err) {
			fd, err := m.openDiscrete(flow)
			return false, fd, err
		}
		return false, nil, status.New(status.Io, "manager.CreateOrOpenDiscreteFlow", err)
	}

	if err := writeDescriptorAtomically(flow.DescriptorPath(), descriptorJSON); err != nil {
		return false, nil, err
	}

	dataFile, err := shm.CreateExclusive(flow.DataPath(), header.Size, shm.LockExclusive)
	if err != nil {
		return false, nil, status.New(status.Io, "manager.CreateOrOpenDiscreteFlow", err)
	}

	inode, err := dataFile.Inode()
	if err != nil {
		dataFile.Close()
		return false, nil, status.New(status.Io, "manager.CreateOrOpenDiscreteFlow", err)
	}

	common := header.CommonConfig{
		ID:              id,
		FormatTag:       formatTag,
		Rate:            rate,
		CommitHint:      opts.CommitHint,
		SyncHint:        opts.SyncHint,
		PayloadLocation: opts.PayloadLocation,
		DeviceIndex:     opts.DeviceIndex,
		MiscFlags:       opts.miscFlags(),
	}
	discreteCfg := header.DiscreteConfig{
		GrainCount:   grainCount,
		SliceCount:   sliceCount,
		SliceLengths: sliceLengths,
	}

	hdr, err := header.Init(dataFile.Bytes(), common, header.KindDiscrete, discreteCfg, header.ContinuousConfig{}, inode)
	if err != nil {
		dataFile.Close()
		return false, nil, err
	}

	if err := os.WriteFile(flow.AccessPath(), nil, 0o644); err != nil {
		dataFile.Close()
		return false, nil, status.New(status.Io, "manager.CreateOrOpenDiscreteFlow", err)
	}

	if err := os.Mkdir(flow.GrainsDirPath(), 0o755); err != nil {
		dataFile.Close()
		return false, nil, status.New(status.Io, "manager.CreateOrOpenDiscreteFlow", err)
	}

	grains := make([]*shm.File, grainCount)
	for i := uint32(0); i < grainCount; i++ {
		gf, err := shm.CreateExclusive(flow.GrainPath(int(i)), grain.FileSize(payloadSize), shm.LockShared)
		if err != nil {
			dataFile.Close()
			closeAll(grains[:i])
			return false, nil, status.New(status.Io, "manager.CreateOrOpenDiscreteFlow", err)
		}
		if _, err := grain.InitEmpty(gf.Bytes()[:grain.HeaderSize], sliceCount, payloadSize); err != nil {
			dataFile.Close()
			closeAll(grains[:i])
			gf.Close()
			return false, nil, err
		}
		grains[i] = gf
	}

	if err := dataFile.Downgrade(); err != nil {
		dataFile.Close()
		closeAll(grains)
		return false, nil, status.New(status.Io, "manager.CreateOrOpenDiscreteFlow", err)
	}

	return true, &FlowData{
		Path:       flow,
		DataFile:   dataFile,
		Header:     hdr,
		Descriptor: descriptorJSON,
		Grains:     grains,
	}, nil
}

func (m *Manager) openDiscrete(flow layout.Flow) (*FlowData, error) {
	dataFile, err := shm.Open(flow.DataPath(), shm.ReadWrite, shm.LockShared, header.Size)
	if err != nil {
		return nil, status.New(status.Io, "manager.openDiscrete", err)
	}

	hdr, err := header.View(dataFile.Bytes())
	if err != nil {
		dataFile.Close()
		return nil, err
	}
	if err := hdr.CheckVersion(); err != nil {
		dataFile.Close()
		return nil, err
	}

	grainCount := hdr.Discrete().GrainCount

	grains := make([]*shm.File, grainCount)
	for i := uint32(0); i < grainCount; i++ {
		gf, err := shm.Open(flow.GrainPath(int(i)), shm.ReadWrite, shm.LockShared, grain.HeaderSize)
		if err != nil {
			dataFile.Close()
			closeAll(grains[:i])
			return nil, status.New(status.Io, "manager.openDiscrete", err)
		}
		grains[i] = gf
	}

	descriptorJSON, _ := os.ReadFile(flow.DescriptorPath())

	return &FlowData{
		Path:       flow,
		DataFile:   dataFile,
		Header:     hdr,
		Descriptor: descriptorJSON,
		Grains:     grains,
	}, nil
}

// CreateOrOpenContinuousFlow implements spec.md §4.4's continuous
// creation algorithm.
func (m *Manager) CreateOrOpenContinuousFlow(
	id uuid.UUID,
	descriptorJSON []byte,
	formatTag uint32,
	rate rational.Rational,
	channelCount uint32,
	sampleWordSize uint32,
	bufferLength uint64,
	opts CreateOptions,
) (created bool, fd *FlowData, err error) {
	opts = opts.normalized()
	flow := m.Domain.FlowPath(id)

	totalSize := uint64(header.Size) + uint64(channelCount)*bufferLength*uint64(sampleWordSize)
	if err := opts.checkMappingSize(totalSize); err != nil {
		return false, nil, err
	}

	if err := os.Mkdir(flow.Dir, 0o755); err != nil {
		if os.IsExist(err) {
			fd, err := m.openContinuous(flow)
			return false, fd, err
		}
		return false, nil, status.New(status.Io, "manager.CreateOrOpenContinuousFlow", err)
	}

	if err := writeDescriptorAtomically(flow.DescriptorPath(), descriptorJSON); err != nil {
		return false, nil, err
	}

	dataFile, err := shm.CreateExclusive(flow.DataPath(), header.Size, shm.LockExclusive)
	if err != nil {
		return false, nil, status.New(status.Io, "manager.CreateOrOpenContinuousFlow", err)
	}

	inode, err := dataFile.Inode()
	if err != nil {
		dataFile.Close()
		return false, nil, status.New(status.Io, "manager.CreateOrOpenContinuousFlow", err)
	}

	common := header.CommonConfig{
		ID:              id,
		FormatTag:       formatTag,
		Rate:            rate,
		CommitHint:      opts.CommitHint,
		SyncHint:        opts.SyncHint,
		PayloadLocation: opts.PayloadLocation,
		DeviceIndex:     opts.DeviceIndex,
		MiscFlags:       opts.miscFlags(),
	}
	continuousCfg := header.ContinuousConfig{
		ChannelCount:   channelCount,
		SampleWordSize: sampleWordSize,
		BufferLength:   bufferLength,
	}

	hdr, err := header.Init(dataFile.Bytes(), common, header.KindContinuous, header.DiscreteConfig{}, continuousCfg, inode)
	if err != nil {
		dataFile.Close()
		return false, nil, err
	}

	if err := os.WriteFile(flow.AccessPath(), nil, 0o644); err != nil {
		dataFile.Close()
		return false, nil, status.New(status.Io, "manager.CreateOrOpenContinuousFlow", err)
	}

	channelSize := int64(channelCount) * int64(bufferLength) * int64(sampleWordSize)
	channelFile, err := shm.CreateExclusive(flow.ChannelsPath(), channelSize, shm.LockShared)
	if err != nil {
		dataFile.Close()
		return false, nil, status.New(status.Io, "manager.CreateOrOpenContinuousFlow", err)
	}

	if err := dataFile.Downgrade(); err != nil {
		dataFile.Close()
		channelFile.Close()
		return false, nil, status.New(status.Io, "manager.CreateOrOpenContinuousFlow", err)
	}

	return true, &FlowData{
		Path:       flow,
		DataFile:   dataFile,
		Header:     hdr,
		Descriptor: descriptorJSON,
		Channel:    channelFile,
	}, nil
}

func (m *Manager) openContinuous(flow layout.Flow) (*FlowData, error) {
	dataFile, err := shm.Open(flow.DataPath(), shm.ReadWrite, shm.LockShared, header.Size)
	if err != nil {
		return nil, status.New(status.Io, "manager.openContinuous", err)
	}

	hdr, err := header.View(dataFile.Bytes())
	if err != nil {
		dataFile.Close()
		return nil, err
	}
	if err := hdr.CheckVersion(); err != nil {
		dataFile.Close()
		return nil, err
	}

	channelFile, err := shm.Open(flow.ChannelsPath(), shm.ReadWrite, shm.LockShared, 0)
	if err != nil {
		dataFile.Close()
		return nil, status.New(status.Io, "manager.openContinuous", err)
	}

	descriptorJSON, _ := os.ReadFile(flow.DescriptorPath())

	return &FlowData{
		Path:       flow,
		DataFile:   dataFile,
		Header:     hdr,
		Descriptor: descriptorJSON,
		Channel:    channelFile,
	}, nil
}

// OpenReader opens an existing flow read-only, spec.md §4.4 "Open
// (reader) algorithm". kind must match the flow's on-disk configuration.
func (m *Manager) OpenReader(id uuid.UUID, kind header.FlowKind) (*FlowData, error) {
	flow := m.Domain.FlowPath(id)

	dataFile, err := shm.Open(flow.DataPath(), shm.ReadOnly, shm.LockNone, header.Size)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.New(status.NotFound, "manager.OpenReader", err)
		}
		return nil, status.New(status.Io, "manager.OpenReader", err)
	}

	hdr, err := header.View(dataFile.Bytes())
	if err != nil {
		dataFile.Close()
		return nil, err
	}
	if err := hdr.CheckVersion(); err != nil {
		dataFile.Close()
		return nil, err
	}

	descriptorJSON, _ := os.ReadFile(flow.DescriptorPath())
	fd := &FlowData{Path: flow, DataFile: dataFile, Header: hdr, Descriptor: descriptorJSON}

	switch kind {
	case header.KindDiscrete:
		discreteCfg := hdr.Discrete()
		fd.Grains = make([]*shm.File, discreteCfg.GrainCount)
		for i := uint32(0); i < discreteCfg.GrainCount; i++ {
			gf, err := shm.Open(flow.GrainPath(int(i)), shm.ReadOnly, shm.LockNone, grain.HeaderSize)
			if err != nil {
				dataFile.Close()
				closeAll(fd.Grains[:i])
				return nil, status.New(status.Io, "manager.OpenReader", err)
			}
			fd.Grains[i] = gf
		}
	case header.KindContinuous:
		cf, err := shm.Open(flow.ChannelsPath(), shm.ReadOnly, shm.LockNone, 0)
		if err != nil {
			dataFile.Close()
			return nil, status.New(status.Io, "manager.OpenReader", err)
		}
		fd.Channel = cf
	}

	return fd, nil
}

// Delete implements spec.md §4.4's delete algorithm: attempt a
// non-blocking exclusive lock on "data"; only remove the directory if it
// is granted (i.e. no writer or reader mapping holds any lock).
func (m *Manager) Delete(id uuid.UUID) (deleted bool, err error) {
	flow := m.Domain.FlowPath(id)

	fd, err := unix.Open(flow.DataPath(), unix.O_RDWR, 0)
	if err != nil {
		if err == unix.ENOENT {
			return false, nil
		}
		return false, status.New(status.Io, "manager.Delete", err)
	}
	defer unix.Close(fd)

	if !shm.TryLockExclusiveNonBlocking(fd) {
		return false, nil
	}

	if err := os.RemoveAll(flow.Dir); err != nil {
		return false, status.New(status.Io, "manager.Delete", err)
	}
	return true, nil
}

// IsActive reports whether any process still holds a lock on id's "data"
// file, spec.md §4.8 "isFlowActive".
func (m *Manager) IsActive(id uuid.UUID) (bool, error) {
	flow := m.Domain.FlowPath(id)

	fd, err := unix.Open(flow.DataPath(), unix.O_RDWR, 0)
	if err != nil {
		if err == unix.ENOENT {
			return false, nil
		}
		return false, status.New(status.Io, "manager.IsActive", err)
	}
	defer unix.Close(fd)

	return !shm.TryLockExclusiveNonBlocking(fd), nil
}

// Enumerate lists every flow directory in the domain, spec.md §4.4
// "Enumeration": scan, filter by suffix, parse the stem as a UUID.
// Directories that fail to parse are silently skipped (e.g. leftover
// temp artifacts), matching "idempotent with respect to missing files".
func (m *Manager) Enumerate() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(m.Domain.Root)
	if err != nil {
		return nil, status.New(status.Io, "manager.Enumerate", err)
	}

	var ids []uuid.UUID
	for _, e := range entries {
		if !e.IsDir() || !flowGlob.Match(e.Name()) {
			continue
		}
		stem, ok := layout.StemFromFlowDirName(e.Name())
		if !ok {
			continue
		}
		id, err := layout.ParseID(stem)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GarbageCollect implements spec.md §4.8 "garbageCollect": scan the
// domain, attempt a non-blocking exclusive lock on each flow's data file,
// and remove the directory on success. Returns the set of removed ids.
func (m *Manager) GarbageCollect() ([]uuid.UUID, error) {
	ids, err := m.Enumerate()
	if err != nil {
		return nil, err
	}

	var removed []uuid.UUID
	for _, id := range ids {
		deleted, err := m.Delete(id)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func closeAll(files []*shm.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// writeDescriptorAtomically implements spec.md §4.4 step 2: "Write the
// descriptor JSON to the descriptor file atomically (write to a temporary
// then rename), fsync the directory."
func writeDescriptorAtomically(path string, blob []byte) error {
	var randBytes [8]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return status.New(status.Io, "manager.writeDescriptorAtomically", err)
	}
	tmpPath := fmt.Sprintf("%s.tmp.%s", path, hex.EncodeToString(randBytes[:]))

	fd, err := unix.Open(tmpPath, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o644)
	if err != nil {
		return status.New(status.Io, "manager.writeDescriptorAtomically", err)
	}

	if _, err := unix.Write(fd, blob); err != nil {
		unix.Close(fd)
		unix.Unlink(tmpPath)
		return status.New(status.Io, "manager.writeDescriptorAtomically", err)
	}
	if err := unix.Fsync(fd); err != nil {
		unix.Close(fd)
		unix.Unlink(tmpPath)
		return status.New(status.Io, "manager.writeDescriptorAtomically", err)
	}
	unix.Close(fd)

	if err := unix.Rename(tmpPath, path); err != nil {
		unix.Unlink(tmpPath)
		return status.New(status.Io, "manager.writeDescriptorAtomically", err)
	}

	dirFd, err := unix.Open(filepath.Dir(path), unix.O_RDONLY, 0)
	if err == nil {
		unix.Fsync(dirFd)
		unix.Close(dirFd)
	}

	return nil
}
