package shm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateExclusiveRejectsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")

	f, err := CreateExclusive(path, 4096, LockShared)
	require.NoError(t, err)
	defer f.Close()

	_, err = CreateExclusive(path, 4096, LockShared)
	require.ErrorIs(t, err, os.ErrExist)
}

func TestCreateAndReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")

	writer, err := CreateExclusive(path, 4096, LockShared)
	require.NoError(t, err)
	defer writer.Close()

	copy(writer.Bytes(), []byte("hello shared memory"))

	reader, err := Open(path, ReadOnly, LockNone, 4096)
	require.NoError(t, err)
	defer reader.Close()

	require.Equal(t, "hello shared memory", string(reader.Bytes()[:len("hello shared memory")]))
}

func TestOpenRejectsTooSmallFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")

	f, err := CreateExclusive(path, 64, LockNone)
	require.NoError(t, err)
	f.Close()

	_, err = Open(path, ReadOnly, LockNone, 2048)
	require.Error(t, err)
}

func TestOpenMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(filepath.Join(dir, "missing"), ReadOnly, LockNone, 0)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestTryMakeExclusiveFailsWhileAnotherHoldsShared(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")

	writer, err := CreateExclusive(path, 4096, LockShared)
	require.NoError(t, err)
	defer writer.Close()

	other, err := Open(path, ReadWrite, LockShared, 0)
	require.NoError(t, err)
	defer other.Close()

	require.False(t, writer.TryMakeExclusive())
}

func TestInodeMatchesAcrossMappings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")

	writer, err := CreateExclusive(path, 4096, LockShared)
	require.NoError(t, err)
	defer writer.Close()

	reader, err := Open(path, ReadOnly, LockNone, 0)
	require.NoError(t, err)
	defer reader.Close()

	writerInode, err := writer.Inode()
	require.NoError(t, err)

	readerInode, err := reader.Inode()
	require.NoError(t, err)

	require.Equal(t, writerInode, readerInode)
}
