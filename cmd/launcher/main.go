// Command launcher is the small companion binary staged by the main
// process: it applies a staged update into the current directory and
// starts the resulting executable, then exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/selfupdate/internal/manager"
	"github.com/kolide/selfupdate/internal/updatelog"
	"github.com/peterbourgon/ff/v3"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(opts.logFile, opts.debug)
	updatelog.Set(logger)

	if err := run(opts, logger); err != nil {
		level.Error(logger).Log("msg", "launcher exiting", "err", err)
		os.Exit(1)
	}
}

type options struct {
	rootDirectory  string
	versionPrefix  string
	mainExecutable string
	mainArgs       string
	killProcesses  bool
	killTimeout    time.Duration
	logFile        string
	debug          bool
}

func parseOptions(args []string) (*options, error) {
	fs := flag.NewFlagSet("launcher", flag.ContinueOnError)

	flRootDirectory := fs.String("root_directory", "", "working directory the engine manages (required)")
	flVersionPrefix := fs.String("version_prefix", "v", "literal prefix shared by tags, directory names, and sentinels")
	flMainExecutable := fs.String("main_executable", "", "path of the application's main executable, relative to the current directory (required)")
	flMainArgs := fs.String("main_args", "", "space-separated arguments passed through to the main executable")
	flKillProcesses := fs.Bool("kill_processes", true, "terminate processes still running under the current or update directory before applying")
	flKillTimeout := fs.Duration("kill_timeout", 10*time.Second, "how long to wait for lingering processes to exit")
	flLogFile := fs.String("log_file", "", "rotating log file path (default: stderr only)")
	flDebug := fs.Bool("debug", false, "enable debug logging")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("SELFUPDATE_LAUNCHER")); err != nil {
		return nil, err
	}

	opts := &options{
		rootDirectory:  *flRootDirectory,
		versionPrefix:  *flVersionPrefix,
		mainExecutable: *flMainExecutable,
		mainArgs:       *flMainArgs,
		killProcesses:  *flKillProcesses,
		killTimeout:    *flKillTimeout,
		logFile:        *flLogFile,
		debug:          *flDebug,
	}

	if opts.rootDirectory == "" || opts.mainExecutable == "" {
		return nil, fmt.Errorf("root_directory and main_executable are both required")
	}

	return opts, nil
}

func run(opts *options, logger log.Logger) error {
	m, err := manager.New(opts.rootDirectory,
		manager.WithVersionPrefix(opts.versionPrefix),
		manager.WithKillTimeout(opts.killTimeout),
		manager.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("constructing manager: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.killTimeout+30*time.Second)
	defer cancel()

	applied, ok, err := m.ApplyLatest(ctx, opts.killProcesses)
	if err != nil {
		return fmt.Errorf("apply_latest: %w", err)
	}
	if ok {
		level.Info(logger).Log("msg", "applied update", "version", applied.String())
	} else {
		level.Info(logger).Log("msg", "no newer update to apply")
	}

	if err := m.StartLatest(opts.mainExecutable, splitArgs(opts.mainArgs)); err != nil {
		return fmt.Errorf("start_latest: %w", err)
	}

	return nil
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

func newLogger(logFile string, debug bool) log.Logger {
	var w log.Logger
	if logFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		}
		w = log.NewJSONLogger(log.NewSyncWriter(rotating))
	} else {
		w = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	}

	w = log.With(w, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	if debug {
		return level.NewFilter(w, level.AllowDebug())
	}
	return level.NewFilter(w, level.AllowInfo())
}
