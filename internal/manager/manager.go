// Package manager owns the install working directory's lifecycle:
// launching, applying, pruning, and unlinking version directories.
package manager

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/kolide/selfupdate/internal/engineerrors"
	"github.com/kolide/selfupdate/internal/sentinel"
	"github.com/kolide/selfupdate/internal/version"
)

// CurrentDirName is the conventional name of the directory holding the
// presently-running installation.
const CurrentDirName = "current"

// Manager owns the working directory's lifecycle: the lock, the current
// directory's sentinel, and the move/rename operations that apply updates.
type Manager struct {
	logger        log.Logger
	workingDir    string
	versionPrefix string
	retained      []string
	killTimeout   time.Duration

	lock *lock
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithRetainedPaths declares relative paths that survive updates.
func WithRetainedPaths(paths []string) Option {
	return func(m *Manager) { m.retained = paths }
}

// WithVersionPrefix sets the literal prefix version directory names and
// sentinels carry, e.g. "v".
func WithVersionPrefix(prefix string) Option {
	return func(m *Manager) { m.versionPrefix = prefix }
}

// WithKillTimeout bounds how long apply_latest/unlink wait for processes to
// exit before failing ProcessesLingering. Defaults to 10s.
func WithKillTimeout(d time.Duration) Option {
	return func(m *Manager) { m.killTimeout = d }
}

// WithLogger sets the Manager's logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New constructs a Manager rooted at workingDir and acquires its lock.
// Acquisition failure (another holder exists) is returned as
// engineerrors.LockContended.
func New(workingDir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		logger:      log.NewNopLogger(),
		workingDir:  workingDir,
		killTimeout: 10 * time.Second,
		lock:        newLock(workingDir),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = log.With(m.logger, "component", "manager.Manager")

	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating working directory %s: %w", workingDir, err)
	}

	if err := m.lock.acquire(); err != nil {
		return nil, err
	}

	m.selfHeal()

	return m, nil
}

// AcquireLock takes the working-directory lock on demand, e.g. to take it
// back after ReleaseLock.
func (m *Manager) AcquireLock() error {
	return m.lock.acquire()
}

// ReleaseLock yields the working-directory lock, typically before
// delegating control to a child launcher process.
func (m *Manager) ReleaseLock() error {
	return m.lock.release()
}

// HasLock reports whether this Manager currently holds the lock.
func (m *Manager) HasLock() bool {
	return m.lock.isHeld()
}

// WorkingDir returns the root directory this Manager was constructed with.
func (m *Manager) WorkingDir() string {
	return m.workingDir
}

func (m *Manager) currentDir() string {
	return filepath.Join(m.workingDir, CurrentDirName)
}

// selfHeal rewrites the current directory's sentinel with the version it
// already records, if the running executable lives under the current
// directory. It does not create a sentinel: when the current sentinel is
// missing or unparseable, nothing is written.
func (m *Manager) selfHeal() {
	ancestor, ok := executingUnder(m.workingDir)
	if !ok || ancestor != CurrentDirName {
		return
	}

	v, ok, err := sentinel.Read(m.currentDir(), m.versionPrefix)
	if err != nil || !ok {
		return
	}

	if err := sentinel.Write(m.currentDir(), v); err != nil {
		level.Debug(m.logger).Log("msg", "self-healing current sentinel failed", "err", err)
	}
}

// CurrentVersion returns the version recorded in the current directory's
// sentinel, if any.
func (m *Manager) CurrentVersion() (version.Number, bool, error) {
	return sentinel.Read(m.currentDir(), m.versionPrefix)
}

// LatestAvailableUpdate scans the working directory for the greatest valid
// version directory, excluding the current directory.
func (m *Manager) LatestAvailableUpdate() (sentinel.VersionDir, bool, error) {
	skip := map[string]bool{CurrentDirName: true, LockFileName: true, ".tmp": true}
	return sentinel.EnumerateVersions(m.workingDir, m.versionPrefix, skip)
}

// Unlink removes every child of the working directory except the lock
// file and the ancestor of the currently-executing process, signaling
// processes under each removed directory to exit first.
func (m *Manager) Unlink(ctx context.Context) error {
	keep := map[string]bool{LockFileName: true}
	if ancestor, ok := executingUnder(m.workingDir); ok {
		keep[ancestor] = true
	}

	entries, err := os.ReadDir(m.workingDir)
	if err != nil {
		return fmt.Errorf("reading working directory: %w", err)
	}

	for _, e := range entries {
		if keep[e.Name()] {
			continue
		}
		childPath := filepath.Join(m.workingDir, e.Name())

		if e.IsDir() {
			pids, err := processesUnder(ctx, childPath)
			if err != nil {
				level.Debug(m.logger).Log("msg", "enumerating processes under directory", "dir", childPath, "err", err)
			}
			if err := terminateAndWait(ctx, m.logger, pids, m.killTimeout); err != nil {
				return err
			}
		}

		if err := os.RemoveAll(childPath); err != nil {
			return fmt.Errorf("removing %s: %w", childPath, err)
		}
	}

	return nil
}

// Prune removes every child of the working directory except the lock, the
// current directory, the directory naming the current version, the
// directory naming the latest available update, and the ancestor of the
// current process.
func (m *Manager) Prune() error {
	keep := map[string]bool{LockFileName: true, CurrentDirName: true}

	if v, ok, err := m.CurrentVersion(); err == nil && ok {
		keep[m.versionPrefix+v.String()] = true
	}
	if vd, ok, err := m.LatestAvailableUpdate(); err == nil && ok {
		keep[filepath.Base(vd.Path)] = true
	}
	if ancestor, ok := executingUnder(m.workingDir); ok {
		keep[ancestor] = true
	}

	entries, err := os.ReadDir(m.workingDir)
	if err != nil {
		return fmt.Errorf("reading working directory: %w", err)
	}

	for _, e := range entries {
		if keep[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.workingDir, e.Name())); err != nil {
			return fmt.Errorf("pruning %s: %w", e.Name(), err)
		}
	}

	return nil
}

// LaunchLatest stages the launcher binary (and its declared dependent
// libraries) into a fresh .tmp subdirectory, releases the lock, and starts
// the staged launcher detached with launcherArgs, if a newer version is
// available.
func (m *Manager) LaunchLatest(launcherBinary string, dependentLibs []string, launcherArgs []string) (bool, error) {
	const op = "manager.Manager.LaunchLatest"

	newer, err := m.newerVersionAvailable()
	if err != nil {
		return false, err
	}
	if !newer {
		return false, nil
	}

	stageDir := filepath.Join(m.workingDir, ".tmp", uuid.NewString())
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return false, engineerrors.New(engineerrors.LayoutInconsistent, op, err)
	}

	stagedLauncher, err := stageFile(launcherBinary, stageDir)
	if err != nil {
		return false, engineerrors.New(engineerrors.LayoutInconsistent, op, err)
	}
	for _, lib := range dependentLibs {
		if _, err := stageFile(lib, stageDir); err != nil {
			return false, engineerrors.New(engineerrors.LayoutInconsistent, op, err)
		}
	}

	if err := m.ReleaseLock(); err != nil {
		return false, err
	}

	if err := startDetached(stagedLauncher, launcherArgs); err != nil {
		return false, engineerrors.New(engineerrors.Misconfigured, op, err)
	}

	return true, nil
}

// newerVersionAvailable reports whether either the latest available update
// outranks the current version, or the current directory's sentinel itself
// has been self-healed to a newer version than the running process (and the
// running process doesn't live inside the current directory).
func (m *Manager) newerVersionAvailable() (bool, error) {
	current, hasCurrent, err := m.CurrentVersion()
	if err != nil {
		return false, err
	}

	if latest, ok, err := m.LatestAvailableUpdate(); err != nil {
		return false, err
	} else if ok && (!hasCurrent || latest.Version.Compare(current) > 0) {
		return true, nil
	}

	if _, runningInCurrent := executingUnder(m.workingDir); runningInCurrent {
		return false, nil
	}
	if hasCurrent {
		v, ok, err := sentinel.Read(m.currentDir(), m.versionPrefix)
		if err == nil && ok && v.Compare(current) > 0 {
			return true, nil
		}
	}

	return false, nil
}

// ApplyLatest commits the latest available update into the current
// directory. Called from the launcher process.
func (m *Manager) ApplyLatest(ctx context.Context, killProcesses bool) (version.Number, bool, error) {
	const op = "manager.Manager.ApplyLatest"

	currentVersion, hasCurrent, err := m.CurrentVersion()
	if err != nil {
		return version.Number{}, false, err
	}

	update, ok, err := m.LatestAvailableUpdate()
	if err != nil {
		return version.Number{}, false, err
	}
	if !ok || (hasCurrent && update.Version.Compare(currentVersion) <= 0) {
		return version.Number{}, false, nil
	}

	if killProcesses {
		var pids []int32
		for _, dir := range []string{m.currentDir(), update.Path} {
			found, err := processesUnder(ctx, dir)
			if err != nil {
				level.Debug(m.logger).Log("msg", "enumerating processes", "dir", dir, "err", err)
				continue
			}
			pids = append(pids, found...)
		}
		if err := terminateAndWait(ctx, m.logger, pids, m.killTimeout); err != nil {
			return version.Number{}, false, err
		}
	}

	if hasCurrent {
		if err := moveRetainedFiles(m.currentDir(), update.Path, m.retained); err != nil {
			return version.Number{}, false, err
		}
		if err := os.RemoveAll(m.currentDir()); err != nil {
			return version.Number{}, false, engineerrors.New(engineerrors.LayoutInconsistent, op, err)
		}
	}

	if err := os.Rename(update.Path, m.currentDir()); err != nil {
		return version.Number{}, false, engineerrors.New(engineerrors.LayoutInconsistent, op, err)
	}

	return update.Version, true, nil
}

// StartLatest launches mainExecutableRelative (a path relative to the
// current directory) detached with args, and releases the lock. Absolute
// paths are rejected as Misconfigured.
func (m *Manager) StartLatest(mainExecutableRelative string, args []string) error {
	const op = "manager.Manager.StartLatest"

	if filepath.IsAbs(mainExecutableRelative) {
		return engineerrors.Newf(engineerrors.Misconfigured, op, "main executable path %q must be relative", mainExecutableRelative)
	}

	exePath := filepath.Join(m.currentDir(), mainExecutableRelative)

	if err := m.ReleaseLock(); err != nil {
		return err
	}

	if err := startDetached(exePath, args); err != nil {
		return engineerrors.New(engineerrors.Misconfigured, op, err)
	}
	return nil
}

func stageFile(src, stageDir string) (string, error) {
	dst := filepath.Join(stageDir, filepath.Base(src))

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("opening %s to stage: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return "", fmt.Errorf("creating %s to stage: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return "", fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}

	return dst, nil
}

func startDetached(executable string, args []string) error {
	cmd := exec.Command(executable, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Start()
}
