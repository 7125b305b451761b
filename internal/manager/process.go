package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/selfupdate/internal/engineerrors"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/sync/errgroup"
)

// processesUnder returns the pids of running processes whose executable
// path lies under dir.
func processesUnder(ctx context.Context, dir string) ([]int32, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var matched []int32
	for _, pid := range pids {
		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		exe, err := proc.ExeWithContext(ctx)
		if err != nil {
			continue
		}
		if exe == absDir || strings.HasPrefix(exe, absDir+string(filepath.Separator)) {
			matched = append(matched, pid)
		}
	}
	return matched, nil
}

// terminateAndWait signals SIGTERM (or the OS equivalent) to every pid, then
// waits concurrently for each to exit or for timeout to elapse, returning
// engineerrors.ProcessesLingering if any remain.
func terminateAndWait(ctx context.Context, logger log.Logger, pids []int32, timeout time.Duration) error {
	const op = "manager.terminateAndWait"

	if len(pids) == 0 {
		return nil
	}

	for _, pid := range pids {
		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		if err := proc.TerminateWithContext(ctx); err != nil {
			level.Debug(logger).Log("msg", "terminating process", "pid", pid, "err", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(waitCtx)
	for _, pid := range pids {
		pid := pid
		g.Go(func() error {
			return waitForExit(gctx, pid)
		})
	}

	if err := g.Wait(); err != nil {
		return engineerrors.New(engineerrors.ProcessesLingering, op, err)
	}
	return nil
}

// waitForExit polls until pid no longer exists or ctx is done.
func waitForExit(ctx context.Context, pid int32) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		exists, err := process.PidExistsWithContext(ctx, pid)
		if err == nil && !exists {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// executingUnder reports whether the current process's own executable
// lives under dir, and if so the immediate child of dir that is its
// ancestor.
func executingUnder(workingDir string) (ancestor string, ok bool) {
	exe, err := os.Executable()
	if err != nil {
		return "", false
	}
	absWorking, err := filepath.Abs(workingDir)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absWorking, exe)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	return parts[0], true
}
