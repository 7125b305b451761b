package manager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_AcquireRelease(t *testing.T) {
	dir := t.TempDir()
	l := newLock(dir)

	require.NoError(t, l.acquire())
	assert.True(t, l.isHeld())
	assert.FileExists(t, filepath.Join(dir, LockFileName))

	require.NoError(t, l.release())
	assert.False(t, l.isHeld())

	_, err := os.Stat(filepath.Join(dir, LockFileName))
	assert.True(t, os.IsNotExist(err), "lock file should be removed on clean release")
}

func TestLock_ContendedByAnotherInstance(t *testing.T) {
	dir := t.TempDir()
	l1 := newLock(dir)
	require.NoError(t, l1.acquire())
	defer l1.release()

	l2 := newLock(dir)
	err := l2.acquire()
	assert.Error(t, err)
}

func TestLock_ReleaseWithoutAcquireIsNoOp(t *testing.T) {
	dir := t.TempDir()
	l := newLock(dir)
	assert.NoError(t, l.release())
}
