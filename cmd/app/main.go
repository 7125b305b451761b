// Command app is the long-running main process: it polls the configured
// release source, pulls down newer versions through the update pipeline,
// and hands off to the companion launcher binary once one is staged.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/selfupdate/internal/audit"
	"github.com/kolide/selfupdate/internal/download"
	"github.com/kolide/selfupdate/internal/manager"
	"github.com/kolide/selfupdate/internal/pipeline"
	"github.com/kolide/selfupdate/internal/source"
	"github.com/kolide/selfupdate/internal/updatelog"
	"github.com/peterbourgon/ff/v3"
)

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(opts.debug)
	updatelog.Set(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		level.Error(logger).Log("msg", "app exiting", "err", err)
		os.Exit(1)
	}
}

type options struct {
	rootDirectory   string
	versionPrefix   string
	indexURL        string
	filenamePattern string
	urlPattern      string
	checkInterval   time.Duration
	launcherBinary  string
	launcherArgs    string
	killTimeout     time.Duration
	debug           bool
}

func parseOptions(args []string) (*options, error) {
	fs := flag.NewFlagSet("app", flag.ContinueOnError)

	flRootDirectory := fs.String("root_directory", "", "working directory the engine manages (required)")
	flVersionPrefix := fs.String("version_prefix", "v", "literal prefix shared by tags, directory names, and sentinels")
	flIndexURL := fs.String("index_url", "", "release index URL (required)")
	flFilenamePattern := fs.String("filename_pattern", "", "regex the asset filename must match (required)")
	flURLPattern := fs.String("url_pattern", "", "regex the full asset URL must match")
	flCheckInterval := fs.Duration("check_interval", 15*time.Minute, "how often to poll the release index")
	flLauncherBinary := fs.String("launcher_binary", "", "path to the companion launcher binary (required)")
	flLauncherArgs := fs.String("launcher_args", "", "space-separated arguments passed through to the launcher")
	flKillTimeout := fs.Duration("kill_timeout", 10*time.Second, "how long to wait for lingering processes to exit")
	flDebug := fs.Bool("debug", false, "enable debug logging")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("SELFUPDATE_APP")); err != nil {
		return nil, err
	}

	opts := &options{
		rootDirectory:   *flRootDirectory,
		versionPrefix:   *flVersionPrefix,
		indexURL:        *flIndexURL,
		filenamePattern: *flFilenamePattern,
		urlPattern:      *flURLPattern,
		checkInterval:   *flCheckInterval,
		launcherBinary:  *flLauncherBinary,
		launcherArgs:    *flLauncherArgs,
		killTimeout:     *flKillTimeout,
		debug:           *flDebug,
	}

	if opts.rootDirectory == "" || opts.indexURL == "" || opts.filenamePattern == "" || opts.launcherBinary == "" {
		return nil, fmt.Errorf("root_directory, index_url, filename_pattern, and launcher_binary are all required")
	}

	return opts, nil
}

func run(ctx context.Context, opts *options, logger log.Logger) error {
	m, err := manager.New(opts.rootDirectory,
		manager.WithVersionPrefix(opts.versionPrefix),
		manager.WithKillTimeout(opts.killTimeout),
		manager.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("constructing manager: %w", err)
	}

	d, err := download.New(logger)
	if err != nil {
		return fmt.Errorf("constructing downloader: %w", err)
	}
	defer d.Close()

	ledger, err := audit.Open(filepath.Join(opts.rootDirectory, "update-history.db"), logger)
	if err != nil {
		level.Info(logger).Log("msg", "opening update-history ledger failed, continuing without one", "err", err)
		ledger = nil
	} else {
		defer ledger.Close()
	}

	filenameRegex, err := regexp.Compile(opts.filenamePattern)
	if err != nil {
		return fmt.Errorf("compiling filename_pattern: %w", err)
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithSource(&source.ReleaseIndexSource{
			IndexURL:      opts.indexURL,
			VersionPrefix: opts.versionPrefix,
		}),
		pipeline.WithDownloadFilenamePattern(filenameRegex),
		pipeline.WithFilenameContainsVersion(true),
	}
	if opts.urlPattern != "" {
		urlRegex, err := regexp.Compile(opts.urlPattern)
		if err != nil {
			return fmt.Errorf("compiling url_pattern: %w", err)
		}
		pipelineOpts = append(pipelineOpts, pipeline.WithDownloadURLPattern(urlRegex))
	}
	if ledger != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithLedger(ledger))
	}

	p, err := pipeline.New(m, d, opts.versionPrefix, logger, pipelineOpts...)
	if err != nil {
		return fmt.Errorf("constructing pipeline: %w", err)
	}

	ticker := time.NewTicker(opts.checkInterval)
	defer ticker.Stop()

	if exited, err := checkAndLaunch(ctx, p, m, opts, logger); err != nil {
		level.Error(logger).Log("msg", "initial update check failed", "err", err)
	} else if exited {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			exited, err := checkAndLaunch(ctx, p, m, opts, logger)
			if err != nil {
				level.Error(logger).Log("msg", "update check failed", "err", err)
				continue
			}
			if exited {
				return nil
			}
		}
	}
}

// checkAndLaunch resolves the latest release, fetches it if newer, and
// hands off to the companion launcher when one is ready to apply. It
// returns true when the launcher has been started and this process should
// exit.
func checkAndLaunch(ctx context.Context, p *pipeline.Pipeline, m *manager.Manager, opts *options, logger log.Logger) (bool, error) {
	result, err := p.GetLatest(ctx)
	if err != nil {
		return false, fmt.Errorf("get_latest: %w", err)
	}

	switch result.Outcome {
	case pipeline.NewVersionAvailable:
		level.Info(logger).Log("msg", "new version available", "version", result.Version.String())
		if _, err := p.Update(ctx, result.Version, result.URL); err != nil {
			return false, fmt.Errorf("update: %w", err)
		}
	case pipeline.UpToDate, pipeline.LatestIsOlder:
		return false, nil
	}

	launched, err := m.LaunchLatest(opts.launcherBinary, nil, splitArgs(opts.launcherArgs))
	if err != nil {
		return false, fmt.Errorf("launch_latest: %w", err)
	}
	if launched {
		level.Info(logger).Log("msg", "launcher started, exiting")
	}
	return launched, nil
}

func splitArgs(s string) []string {
	if s == "" {
		return nil
	}
	var args []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if i > start {
				args = append(args, s[start:i])
			}
			start = i + 1
		}
	}
	return args
}

func newLogger(debug bool) log.Logger {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	if !debug {
		logger = level.NewFilter(logger, level.AllowInfo())
	} else {
		logger = level.NewFilter(logger, level.AllowDebug())
	}
	return logger
}
