// Package pipeline composes source resolution, verified download,
// extraction, and atomic commit into the working directory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/kolide/selfupdate/internal/archive"
	"github.com/kolide/selfupdate/internal/audit"
	"github.com/kolide/selfupdate/internal/download"
	"github.com/kolide/selfupdate/internal/engineerrors"
	"github.com/kolide/selfupdate/internal/fileurl"
	"github.com/kolide/selfupdate/internal/manager"
	"github.com/kolide/selfupdate/internal/sentinel"
	"github.com/kolide/selfupdate/internal/source"
	"github.com/kolide/selfupdate/internal/updatelog"
	"github.com/kolide/selfupdate/internal/version"
)

// Outcome is the result of GetLatest.
type Outcome int

const (
	// UpToDate means the resolved version equals the current version.
	UpToDate Outcome = iota
	// UpdateAlreadyInstalled means the latest available update directory
	// already holds the resolved version.
	UpdateAlreadyInstalled
	// NewVersionAvailable means none of the other outcomes applies: the
	// resolved version differs from any already-staged update and is newer
	// than current (or there is no current version). It is not compared
	// for order against the staged update.
	NewVersionAvailable
	// LatestIsOlder means the resolved version is older than current.
	LatestIsOlder
)

func (o Outcome) String() string {
	switch o {
	case UpToDate:
		return "UpToDate"
	case UpdateAlreadyInstalled:
		return "UpdateAlreadyInstalled"
	case NewVersionAvailable:
		return "NewVersionAvailable"
	case LatestIsOlder:
		return "LatestIsOlder"
	default:
		return "Unknown"
	}
}

// GetLatestResult is the outcome of resolving the configured Source,
// together with the version and asset location it resolved to.
type GetLatestResult struct {
	Outcome Outcome
	Version version.Number
	URL     string
}

// Pipeline composes a release Source, a Downloader, an extractor, and an
// install Manager into the end-to-end update flow.
type Pipeline struct {
	logger log.Logger

	manager    *manager.Manager
	downloader *download.Downloader
	source     source.Source
	extractor  archive.Extractor

	versionPrefix   string
	filenamePattern *regexp.Regexp
	urlPattern      *regexp.Regexp

	filenameContainsVersionSet bool
	filenameContainsVersion    bool

	contentOperations    []ContentOperation
	postUpdateOperations []PostUpdateOperation
	fileURLOverrides     []fileURLOverride

	ledger *audit.Ledger
}

// New constructs a Pipeline bound to the given Manager and Downloader.
// versionPrefix is the literal prefix shared by sentinels and resolved
// version strings (e.g. "v").
func New(m *manager.Manager, d *download.Downloader, versionPrefix string, logger log.Logger, opts ...Option) (*Pipeline, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	p := &Pipeline{
		logger:        log.With(logger, "component", "pipeline.Pipeline"),
		manager:       m,
		downloader:    d,
		versionPrefix: versionPrefix,
		extractor:     archive.Unarchive,
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	if err := p.validate(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Pipeline) validate() error {
	const op = "pipeline.Pipeline.validate"

	if p.source == nil {
		return engineerrors.Newf(engineerrors.Misconfigured, op, "no source configured")
	}
	if p.filenamePattern == nil {
		return engineerrors.Newf(engineerrors.Misconfigured, op, "no download filename pattern configured")
	}
	if !p.filenameContainsVersionSet {
		return engineerrors.Newf(engineerrors.Misconfigured, op, "filename_contains_version must be set explicitly")
	}
	return nil
}

// resolve fetches the source and validates the result against the
// filename pattern, URL pattern, and (if enabled) the version-in-filename
// rule.
func (p *Pipeline) resolve(ctx context.Context) (version.Number, string, error) {
	const op = "pipeline.Pipeline.resolve"

	v, fu, err := p.source.Resolve(ctx, p.filenamePattern)
	if err != nil {
		return version.Number{}, "", err
	}

	if p.urlPattern != nil && !p.urlPattern.MatchString(fu.String()) {
		return version.Number{}, "", engineerrors.Newf(engineerrors.TransportError, op, "resolved url %q does not match configured url pattern", fu.String())
	}

	if p.filenameContainsVersion {
		if !ContainsVersionWithBoundary(fu.Filename, v.String()) {
			return version.Number{}, "", engineerrors.Newf(engineerrors.VerificationFailed, op, "asset filename %q does not contain resolved version %q", fu.Filename, v.String())
		}
	}

	return v, fu.String(), nil
}

// GetLatest resolves the configured Source and classifies the result
// against the current and any already-staged version.
func (p *Pipeline) GetLatest(ctx context.Context) (GetLatestResult, error) {
	resolved, url, err := p.resolve(ctx)
	if err != nil {
		return GetLatestResult{}, err
	}

	current, hasCurrent, err := p.manager.CurrentVersion()
	if err != nil {
		return GetLatestResult{}, err
	}

	if update, ok, err := p.manager.LatestAvailableUpdate(); err != nil {
		return GetLatestResult{}, err
	} else if ok && update.Version.Equal(resolved) {
		return GetLatestResult{Outcome: UpdateAlreadyInstalled, Version: resolved, URL: url}, nil
	}

	switch {
	case hasCurrent && resolved.Equal(current):
		return GetLatestResult{Outcome: UpToDate, Version: resolved, URL: url}, nil
	case hasCurrent && resolved.Less(current):
		return GetLatestResult{Outcome: LatestIsOlder, Version: resolved, URL: url}, nil
	default:
		return GetLatestResult{Outcome: NewVersionAvailable, Version: resolved, URL: url}, nil
	}
}

// Update fetches, verifies, extracts, runs content and post-update
// operations, and atomically commits the result as <working_dir>/<version>.
func (p *Pipeline) Update(ctx context.Context, resolved version.Number, url string) (committedDir string, err error) {
	const op = "pipeline.Pipeline.Update"

	if p.ledger != nil {
		defer func() {
			rec := audit.Record{Time: time.Now(), Version: resolved.String()}
			if err != nil {
				rec.Outcome = "failed"
				var engErr *engineerrors.Error
				if errors.As(err, &engErr) {
					rec.ErrorKind = string(engErr.Kind)
				}
			} else {
				rec.Outcome = "committed"
			}
			updatelog.IgnoreFailure("pipeline.Pipeline", "ledger append", func() error {
				return p.ledger.Append(rec)
			})
		}()
	}

	fu, err := fileurl.Parse(url)
	if err != nil {
		return "", engineerrors.New(engineerrors.Misconfigured, op, err)
	}

	if p.urlPattern != nil && !p.urlPattern.MatchString(url) {
		return "", engineerrors.Newf(engineerrors.TransportError, op, "url %q does not match configured url pattern", url)
	}
	if p.filenameContainsVersion && !ContainsVersionWithBoundary(fu.Filename, resolved.String()) {
		return "", engineerrors.Newf(engineerrors.VerificationFailed, op, "asset filename %q does not contain resolved version %q", fu.Filename, resolved.String())
	}

	if err := p.downloader.BaseURL(fu.BaseURL); err != nil {
		return "", err
	}
	for _, o := range p.fileURLOverrides {
		p.downloader.OverrideFileURL(o.filename, o.url(resolved.String()))
	}

	downloaded, err := p.downloader.Get(ctx, fu.Filename)
	if err != nil {
		return "", err
	}

	scratchDir, err := os.MkdirTemp("", "selfupdate-update-")
	if err != nil {
		return "", engineerrors.New(engineerrors.Misconfigured, op, err)
	}
	cleanupScratch := true
	defer func() {
		if cleanupScratch {
			os.RemoveAll(scratchDir)
		}
	}()

	if err := p.extractor(downloaded.Path, scratchDir); err != nil {
		return "", err
	}

	for _, op := range p.contentOperations {
		if err := op(scratchDir); err != nil {
			return "", engineerrors.New(engineerrors.ExtractionError, "pipeline.Pipeline.Update.contentOperation", err)
		}
	}

	workingDir := p.manager.WorkingDir()
	committedDir = filepath.Join(workingDir, p.versionPrefix+resolved.String())

	if _, err := os.Stat(committedDir); err == nil {
		if err := os.RemoveAll(committedDir); err != nil {
			return "", engineerrors.New(engineerrors.LayoutInconsistent, op, err)
		}
	}

	if err := os.Rename(scratchDir, committedDir); err != nil {
		return "", engineerrors.New(engineerrors.LayoutInconsistent, op, fmt.Errorf("committing update directory: %w", err))
	}
	cleanupScratch = false

	for _, post := range p.postUpdateOperations {
		if err := post(ctx, committedDir); err != nil {
			os.RemoveAll(committedDir)
			return "", engineerrors.New(engineerrors.Misconfigured, "pipeline.Pipeline.Update.postUpdateOperation", err)
		}
	}

	if err := sentinel.Write(committedDir, resolved); err != nil {
		os.RemoveAll(committedDir)
		return "", engineerrors.New(engineerrors.LayoutInconsistent, op, err)
	}

	return committedDir, nil
}
