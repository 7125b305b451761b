package manager

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/kolide/selfupdate/internal/engineerrors"
)

// LockFileName is the conventional name of the cross-process lock file
// living directly under the working directory.
const LockFileName = "update.lock"

// lock wraps a cross-process advisory file lock.
type lock struct {
	path  string
	flock *flock.Flock
	held  bool
}

func newLock(workingDir string) *lock {
	path := filepath.Join(workingDir, LockFileName)
	return &lock{path: path, flock: flock.New(path)}
}

// acquire takes the lock, failing with engineerrors.LockContended if another
// holder has it.
func (l *lock) acquire() error {
	const op = "manager.lock.acquire"

	ok, err := l.flock.TryLock()
	if err != nil {
		return engineerrors.New(engineerrors.Misconfigured, op, err)
	}
	if !ok {
		return engineerrors.Newf(engineerrors.LockContended, op, "working directory lock is held by another process")
	}
	l.held = true
	return nil
}

// release yields the lock and deletes the lock file. It is a no-op if the
// lock isn't held.
func (l *lock) release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := l.flock.Unlock(); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *lock) isHeld() bool {
	return l.held
}
