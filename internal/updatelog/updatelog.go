// Package updatelog holds the single piece of process-wide state the engine
// needs: an advisory logger used only by the "ignore failure" wrapper to
// report errors it has chosen to swallow. There is no implicit
// initialization; the default is a no-op logger.
package updatelog

import (
	"sync/atomic"

	"github.com/go-kit/kit/log"
)

var current atomic.Value // holds log.Logger

func init() {
	current.Store(log.NewNopLogger())
}

// Set installs the process-wide logger used by IgnoreFailure. Safe to call
// concurrently with Get.
func Set(logger log.Logger) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	current.Store(logger)
}

// Get returns the process-wide logger, defaulting to a no-op.
func Get() log.Logger {
	return current.Load().(log.Logger)
}

// IgnoreFailure runs op, logging (rather than propagating) any error it
// returns. This is the engine's explicit escape hatch for content and
// post-update operations a caller wants to treat as advisory.
func IgnoreFailure(component, stage string, op func() error) {
	if err := op(); err != nil {
		Get().Log("component", component, "stage", stage, "msg", "ignoring failed operation", "err", err)
	}
}
