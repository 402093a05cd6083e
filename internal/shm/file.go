// Package shm implements spec.md §4.3: RAII wrappers for opening/creating a
// file, sizing it, mapping it read-only or read-write, and acquiring an
// advisory file-range lock.
//
// The open/truncate/mmap sequencing is grounded on the reference
// shared-memory ring buffer pattern (mmap a file opened O_RDWR, sized with
// Truncate, mapped MAP_SHARED), restated here with golang.org/x/sys/unix
// instead of the raw syscall package to match this repo's Linux-only
// teacher's own preference for x/sys/unix. New files are created in place
// with O_CREAT|O_EXCL; the temp-file-then-rename step is used only for the
// descriptor file, in pkg/manager.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mode selects how a File maps its underlying region.
type Mode int

const (
	// ReadOnly maps the region PROT_READ; no writes are possible even if
	// the caller holds a write lock.
	ReadOnly Mode = iota
	// ReadWrite maps the region PROT_READ|PROT_WRITE. spec.md §4.3: never
	// PROT_WRITE alone.
	ReadWrite
)

// LockMode selects the advisory file-range lock acquired on open/create.
type LockMode int

const (
	// LockNone acquires no lock.
	LockNone LockMode = iota
	// LockShared acquires a shared (read) lock; spec.md §3 I8: writers
	// hold at least a shared lock for their lifetime.
	LockShared
	// LockExclusive acquires an exclusive (write) lock; granted only when
	// no other holder exists.
	LockExclusive
)

// File is an owned, mmap'd, advisory-locked file. It implements the
// handle-and-slice pattern spec.md §9 recommends in place of raw pointers:
// callers obtain lifetime-bound byte-slice views via Bytes(), never a bare
// pointer that could outlive the mapping.
type File struct {
	fd   int
	path string
	size int64
	data []byte
	mode Mode
	lock LockMode
}

// CreateExclusive creates a new file at path sized to size bytes, failing
// with os.ErrExist if a file is already present (spec.md §4.3
// "AlreadyExists if creation is requested but a file is present").
func CreateExclusive(path string, size int64, lock LockMode) (*File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o644)
	if err != nil {
		if err == unix.EEXIST {
			return nil, os.ErrExist
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	f := &File{fd: fd, path: path, size: size}

	if err := unix.Ftruncate(fd, size); err != nil {
		f.closeFD()
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("ftruncate %s: %w", path, err)
	}

	if err := f.mmap(ReadWrite); err != nil {
		f.closeFD()
		_ = unix.Unlink(path)
		return nil, err
	}

	if lock != LockNone {
		if err := f.acquireLock(lock, true); err != nil {
			f.Close()
			_ = unix.Unlink(path)
			return nil, err
		}
	}

	return f, nil
}

// Open opens an existing file at path with the given mapping mode and
// lock mode. If minSize is positive, Open rejects files smaller than
// minSize (spec.md §4.3: "reject mappings whose size is smaller than the
// declared structure size").
func Open(path string, mode Mode, lock LockMode, minSize int64) (*File, error) {
	flags := unix.O_RDONLY
	if mode == ReadWrite {
		flags = unix.O_RDWR
	}

	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fstat %s: %w", path, err)
	}

	if minSize > 0 && st.Size < minSize {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: %s is %d bytes, need at least %d", path, st.Size, minSize)
	}

	f := &File{fd: fd, path: path, size: st.Size}

	if err := f.mmap(mode); err != nil {
		f.closeFD()
		return nil, err
	}

	if lock != LockNone {
		if err := f.acquireLock(lock, false); err != nil {
			f.Close()
			return nil, err
		}
	}

	return f, nil
}

func (f *File) mmap(mode Mode) error {
	prot := unix.PROT_READ
	if mode == ReadWrite {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(f.fd, 0, int(f.size), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", f.path, err)
	}

	f.data = data
	f.mode = mode
	return nil
}

// acquireLock takes an advisory file-range lock covering the whole file.
// blocking selects F_OFD_SETLKW (used only at creation time, when we know
// we are the sole owner of a brand-new inode) vs F_OFD_SETLK (never
// blocks, used everywhere else per spec.md §4.3 "try_make_exclusive ...
// never blocks").
//
// OFD (open-file-description) locks are used instead of classic POSIX
// record locks: record locks are keyed by (process, inode) and silently
// merge/replace across multiple fds held by the same process, which would
// make a writer's own exclusive-lock probe against its own shared lock
// always succeed. spec.md §9 calls this out explicitly as the fix for
// "platforms where locks are released only at last-close-in-process".
func (f *File) acquireLock(mode LockMode, blocking bool) error {
	lk := unix.Flock_t{
		Type:   lockType(mode),
		Whence: int16(unix.SEEK_SET),
		Start:  0,
		Len:    0, // 0 means "to end of file"
	}

	cmd := unix.F_OFD_SETLK
	if blocking {
		cmd = unix.F_OFD_SETLKW
	}

	if err := unix.FcntlFlock(uintptr(f.fd), cmd, &lk); err != nil {
		return fmt.Errorf("flock %s: %w", f.path, err)
	}

	f.lock = mode
	return nil
}

func lockType(mode LockMode) int16 {
	switch mode {
	case LockExclusive:
		return unix.F_WRLCK
	case LockShared:
		return unix.F_RDLCK
	default:
		return unix.F_UNLCK
	}
}

// TryMakeExclusive attempts to convert the file's lock to exclusive,
// non-blocking. Returns true on success. Never blocks (spec.md §4.3).
func (f *File) TryMakeExclusive() bool {
	if f.lock == LockExclusive {
		return true
	}

	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(unix.SEEK_SET),
	}

	if err := unix.FcntlFlock(uintptr(f.fd), unix.F_OFD_SETLK, &lk); err != nil {
		return false
	}

	f.lock = LockExclusive
	return true
}

// Downgrade converts the file's lock from exclusive to shared, non-
// blocking. spec.md §4.4 step 7: "downgrade to a shared lock (optional)
// once the creating writer no longer needs exclusivity", so a second
// writer's attach (shm.Open with LockShared, non-blocking F_OFD_SETLK)
// can succeed per I8 rather than contend with the creator's still-held
// exclusive OFD lock.
func (f *File) Downgrade() error {
	if f.lock == LockShared {
		return nil
	}

	lk := unix.Flock_t{
		Type:   unix.F_RDLCK,
		Whence: int16(unix.SEEK_SET),
	}

	if err := unix.FcntlFlock(uintptr(f.fd), unix.F_OFD_SETLK, &lk); err != nil {
		return fmt.Errorf("flock %s: %w", f.path, err)
	}

	f.lock = LockShared
	return nil
}

// TryLockExclusiveNonBlocking attempts to acquire a brand-new exclusive
// lock on an fd that currently holds no lock from this process, without
// blocking. Used by garbage collection to probe liveness (spec.md §4.8,
// §8 P9): if another process holds any lock on the file, this fails.
func TryLockExclusiveNonBlocking(fd int) bool {
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(unix.SEEK_SET),
	}
	return unix.FcntlFlock(uintptr(fd), unix.F_OFD_SETLK, &lk) == nil
}

// Bytes returns the full mapped region. The returned slice must not be
// retained beyond the File's Close call.
func (f *File) Bytes() []byte {
	return f.data
}

// Size returns the mapped region's length in bytes.
func (f *File) Size() int64 {
	return f.size
}

// Fd returns the underlying file descriptor, e.g. for Fstat-based
// stale-detection (spec.md I6) or for GC's non-blocking lock probes.
func (f *File) Fd() int {
	return f.fd
}

// Path returns the filesystem path this File was opened from.
func (f *File) Path() string {
	return f.path
}

// Inode returns the current inode number of the underlying file, used for
// stale-mapping detection (spec.md I6).
func (f *File) Inode() (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0, fmt.Errorf("fstat %s: %w", f.path, err)
	}
	return st.Ino, nil
}

// Sync flushes the mapped region's dirty pages to disk.
func (f *File) Sync() error {
	if f.data == nil {
		return nil
	}
	return unix.Msync(f.data, unix.MS_SYNC)
}

func (f *File) closeFD() {
	if f.fd >= 0 {
		unix.Close(f.fd)
		f.fd = -1
	}
}

// Close unmaps the region and closes (and implicitly unlocks, per spec.md
// §4.3 "release lock implicitly on descriptor close") the file descriptor.
func (f *File) Close() error {
	var firstErr error

	if f.data != nil {
		if err := unix.Munmap(f.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap %s: %w", f.path, err)
		}
		f.data = nil
	}

	if f.fd >= 0 {
		if err := unix.Close(f.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", f.path, err)
		}
		f.fd = -1
	}

	return firstErr
}
