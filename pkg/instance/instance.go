// Package instance implements the root Instance handle, spec.md §4.8:
// reference-counted reader/writer factories over a pkg/manager.Manager,
// garbage collection on construction and on request, and the domain
// watcher's background lifecycle.
//
// Construction follows the teacher's functional-options shape
// (controlplane/pkg/yncp.NewDirector(cfg, yncp.WithLog(log), ...)):
// an unexported options struct defaulted by newOptions, mutated by
// Option values, consumed once inside New.
package instance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mxlflow/mxl/internal/header"
	"github.com/mxlflow/mxl/internal/layout"
	"github.com/mxlflow/mxl/internal/status"
	"github.com/mxlflow/mxl/pkg/continuous"
	"github.com/mxlflow/mxl/pkg/descriptor"
	"github.com/mxlflow/mxl/pkg/discrete"
	"github.com/mxlflow/mxl/pkg/domaincfg"
	"github.com/mxlflow/mxl/pkg/manager"
	"github.com/mxlflow/mxl/pkg/watcher"
)

type options struct {
	Log          *zap.SugaredLogger
	LogLevel     *zap.AtomicLevel
	GCInterval   time.Duration
	WatchCadence time.Duration
}

func newOptions() *options {
	return &options{
		Log:          zap.NewNop().Sugar(),
		GCInterval:   30 * time.Second,
		WatchCadence: time.Second,
	}
}

// Option configures an Instance at construction.
type Option func(*options)

// WithLog sets the instance's logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

// WithAtomicLogLevel sets the instance's runtime-adjustable log level.
func WithAtomicLogLevel(level *zap.AtomicLevel) Option {
	return func(o *options) { o.LogLevel = level }
}

// WithGCInterval overrides the periodic garbage-collection cadence,
// spec.md §4.8's "Periodic maintenance" (no background thread is
// required by the contract, but cmd/mxl-gc runs one via Run).
func WithGCInterval(d time.Duration) Option {
	return func(o *options) { o.GCInterval = d }
}

// WithWatchCadence overrides the domain watcher's poll interval,
// spec.md §4.9.
func WithWatchCadence(d time.Duration) Option {
	return func(o *options) { o.WatchCadence = d }
}

// WriterHandle is a reference-counted wrapper around a created flow's
// writer-side state, spec.md §4.8 "wrap in a reference-counted writer
// handle".
type WriterHandle struct {
	ID   uuid.UUID
	Data *manager.FlowData

	inst *Instance
	refs int
}

// Discrete adapts the handle's mapped state as a discrete writer. The
// caller must have created the flow with CreateFlowWriter(kind=discrete).
func (h *WriterHandle) Discrete() *discrete.Writer {
	return discrete.NewWriter(h.Data)
}

// Continuous adapts the handle's mapped state as a continuous writer.
func (h *WriterHandle) Continuous() *continuous.Writer {
	return continuous.NewWriter(h.Data)
}

// ReaderHandle is a reference-counted wrapper around an opened flow's
// reader-side state. Multiple ReaderHandles for the same flow id may
// share the underlying mapping, spec.md §4.8 "may share the underlying
// mapping".
type ReaderHandle struct {
	ID   uuid.UUID
	Data *manager.FlowData

	inst *Instance
	refs int
}

func (h *ReaderHandle) Discrete() (*discrete.Reader, error) {
	return discrete.NewReader(h.Data)
}

func (h *ReaderHandle) Continuous() (*continuous.Reader, error) {
	return continuous.NewReader(h.Data)
}

// Instance is the root handle over one domain: the flow manager, the
// shared mapping cache backing reference-counted handles, and the
// background domain watcher.
type Instance struct {
	manager *manager.Manager
	cfg     *domaincfg.Config
	log     *zap.SugaredLogger
	watcher *watcher.Watcher

	opts options

	mu      sync.Mutex
	writers map[uuid.UUID]*WriterHandle
	readers map[uuid.UUID]*ReaderHandle
}

// New constructs an Instance over domain, running garbage collection
// once before returning, spec.md §4.8 "the instance runs garbage
// collection on construction".
func New(domain layout.Domain, cfg *domaincfg.Config, opts ...Option) (*Instance, error) {
	o := newOptions()
	if cfg != nil {
		o.GCInterval = cfg.GarbageCollection.Interval
	}
	for _, apply := range opts {
		apply(o)
	}

	m, err := manager.New(domain)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		manager: m,
		cfg:     cfg,
		log:     o.Log,
		watcher: watcher.New(o.WatchCadence),
		opts:    *o,
		writers: make(map[uuid.UUID]*WriterHandle),
		readers: make(map[uuid.UUID]*ReaderHandle),
	}

	if _, err := inst.GarbageCollect(); err != nil {
		o.Log.Warnw("initial garbage collection failed", "error", err)
	}

	return inst, nil
}

// CreateFlowWriter implements spec.md §4.8
// "createFlowWriter(descriptorJson, options)": parse the descriptor for
// UUID, format, rate, and geometry, delegate to the manager's discrete
// or continuous creation path per the descriptor's kind, and wrap the
// result in a reference-counted writer handle.
func (inst *Instance) CreateFlowWriter(descriptorJSON []byte, opts manager.CreateOptions) (created bool, handle *WriterHandle, err error) {
	d, err := descriptor.Parse(descriptorJSON)
	if err != nil {
		return false, nil, err
	}

	if opts.MaxMappingSize == 0 && inst.cfg != nil {
		opts.MaxMappingSize = inst.cfg.Defaults.MaxMappingSize
	}

	var fd *manager.FlowData
	switch d.Kind {
	case descriptor.KindDiscrete:
		created, fd, err = inst.manager.CreateOrOpenDiscreteFlow(
			d.ID, descriptorJSON, d.FormatTag, d.Discrete.GrainCount, d.RationalRate(),
			d.Discrete.PayloadSize, uint32(len(d.Discrete.SliceLengths)), d.Discrete.SliceLengths, opts)
	case descriptor.KindContinuous:
		created, fd, err = inst.manager.CreateOrOpenContinuousFlow(
			d.ID, descriptorJSON, d.FormatTag, d.RationalRate(),
			d.Continuous.ChannelCount, d.Continuous.SampleWordSize, d.Continuous.BufferLength, opts)
	default:
		return false, nil, status.New(status.InvalidArgument, "instance.CreateFlowWriter", nil)
	}
	if err != nil {
		return false, nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if h, ok := inst.writers[d.ID]; ok {
		h.refs++
		fd.Close()
		return created, h, nil
	}

	h := &WriterHandle{ID: d.ID, Data: fd, inst: inst, refs: 1}
	inst.writers[d.ID] = h
	inst.watcher.Register(d.ID, fd.Path.AccessPath(), fd.Header)
	return created, h, nil
}

// GetFlowReader implements spec.md §4.8 "getFlowReader(flowId, options)":
// delegate to the manager, wrap in a reference-counted reader handle.
// Distinct calls for the same id return distinct handles sharing the
// manager's mapping only if one is already open; otherwise a fresh
// mapping is opened.
func (inst *Instance) GetFlowReader(id uuid.UUID, kind header.FlowKind) (*ReaderHandle, error) {
	inst.mu.Lock()
	if existing, ok := inst.readers[id]; ok {
		existing.refs++
		inst.mu.Unlock()
		return &ReaderHandle{ID: id, Data: existing.Data, inst: inst}, nil
	}
	inst.mu.Unlock()

	fd, err := inst.manager.OpenReader(id, kind)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	h := &ReaderHandle{ID: id, Data: fd, inst: inst, refs: 1}
	inst.readers[id] = h
	return h, nil
}

// ReleaseWriter implements spec.md §4.8 "releaseWriter: decrement
// refcount; destroy mapping at zero".
func (inst *Instance) ReleaseWriter(h *WriterHandle) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	tracked, ok := inst.writers[h.ID]
	if !ok || tracked != h {
		return status.New(status.InvalidArgument, "instance.ReleaseWriter", nil)
	}
	tracked.refs--
	if tracked.refs > 0 {
		return nil
	}

	delete(inst.writers, h.ID)
	inst.watcher.Unregister(h.ID)
	return tracked.Data.Close()
}

// ReleaseReader implements spec.md §4.8 "releaseReader: decrement
// refcount; destroy mapping at zero".
func (inst *Instance) ReleaseReader(h *ReaderHandle) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	tracked, ok := inst.readers[h.ID]
	if !ok {
		return status.New(status.InvalidArgument, "instance.ReleaseReader", nil)
	}
	tracked.refs--
	if tracked.refs > 0 {
		return nil
	}

	delete(inst.readers, h.ID)
	return tracked.Data.Close()
}

// GarbageCollect implements spec.md §4.8 "garbageCollect: scan domain;
// for each flow directory, attempt a non-blocking exclusive lock on its
// data file; on success, remove the directory."
func (inst *Instance) GarbageCollect() ([]uuid.UUID, error) {
	return inst.manager.GarbageCollect()
}

// IsFlowActive implements spec.md §4.8 "isFlowActive".
func (inst *Instance) IsFlowActive(id uuid.UUID) (bool, error) {
	return inst.manager.IsActive(id)
}

// Run starts the periodic garbage-collection loop and the domain
// watcher, spec.md §4.9 "Runs as a single background task per
// instance"; GC itself runs as a second background task per
// "Periodic maintenance" since cmd/mxl-gc chooses to schedule it rather
// than rely solely on construction-time and explicit-request GC.
func (inst *Instance) Run(ctx context.Context) error {
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return inst.watcher.Run(ctx)
	})

	wg.Go(func() error {
		ticker := time.NewTicker(inst.opts.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if _, err := inst.GarbageCollect(); err != nil {
				inst.log.Warnw("periodic garbage collection failed", "error", err)
			}
		}
	})

	return wg.Wait()
}
