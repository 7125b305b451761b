package pipeline

import (
	"context"
	"regexp"

	"github.com/kolide/selfupdate/internal/archive"
	"github.com/kolide/selfupdate/internal/audit"
	"github.com/kolide/selfupdate/internal/download"
	"github.com/kolide/selfupdate/internal/source"
)

// ContentOperation runs against the extracted directory before it is
// committed into the working directory.
type ContentOperation func(dir string) error

// PostUpdateOperation runs after the update directory is committed.
type PostUpdateOperation func(ctx context.Context, committedDir string) error

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithSource sets the release Source and, if no URL pattern has been
// configured yet, seeds it from the source's own.
func WithSource(s source.Source) Option {
	return func(p *Pipeline) error {
		p.source = s
		if p.urlPattern == nil {
			p.urlPattern = s.URLPattern()
		}
		return nil
	}
}

// WithArchiveType selects the extractor. Any archive.Extractor is accepted;
// archive.Unarchive is the default and the only one this module provides.
func WithArchiveType(extract archive.Extractor) Option {
	return func(p *Pipeline) error {
		p.extractor = extract
		return nil
	}
}

// WithDownloadFilenamePattern sets the regex the asset filename must
// match.
func WithDownloadFilenamePattern(pattern *regexp.Regexp) Option {
	return func(p *Pipeline) error {
		p.filenamePattern = pattern
		return nil
	}
}

// WithDownloadURLPattern sets the regex the full asset URL must match,
// overriding any pattern seeded from WithSource.
func WithDownloadURLPattern(pattern *regexp.Regexp) Option {
	return func(p *Pipeline) error {
		p.urlPattern = pattern
		return nil
	}
}

// WithFilenameContainsVersion must be set explicitly; there is no default.
// When enabled, the asset filename must contain the resolved version
// string with word-like boundaries.
func WithFilenameContainsVersion(enabled bool) Option {
	return func(p *Pipeline) error {
		p.filenameContainsVersionSet = true
		p.filenameContainsVersion = enabled
		return nil
	}
}

// WithUpdateVerification registers a verifier with the Downloader.
func WithUpdateVerification(v download.Verifier) Option {
	return func(p *Pipeline) error {
		p.downloader.AddVerification(v)
		return nil
	}
}

// WithContentOperation appends a content operation, applied in
// registration order to the extracted directory before it is committed.
func WithContentOperation(op ContentOperation) Option {
	return func(p *Pipeline) error {
		p.contentOperations = append(p.contentOperations, op)
		return nil
	}
}

// WithPostUpdateOperation appends a post-update operation, applied in
// registration order after the update directory is committed. Failure
// aborts and surfaces up, removing the committed directory.
func WithPostUpdateOperation(op PostUpdateOperation) Option {
	return func(p *Pipeline) error {
		p.postUpdateOperations = append(p.postUpdateOperations, op)
		return nil
	}
}

// WithOverrideFileURL pins filename to an absolute URL, invoked with the
// resolved version so callers can template per-version CDN paths.
func WithOverrideFileURL(filename string, url func(v string) string) Option {
	return func(p *Pipeline) error {
		p.fileURLOverrides = append(p.fileURLOverrides, fileURLOverride{filename: filename, url: url})
		return nil
	}
}

// WithCancel delegates cancellation to the Pipeline's Downloader.
func WithCancel(cancel bool) Option {
	return func(p *Pipeline) error {
		p.downloader.Cancel(cancel)
		return nil
	}
}

// WithLedger records every Update call's outcome to l, a purely additive
// observability hook. A nil Ledger (the default) is a no-op.
func WithLedger(l *audit.Ledger) Option {
	return func(p *Pipeline) error {
		p.ledger = l
		return nil
	}
}

type fileURLOverride struct {
	filename string
	url      func(v string) string
}
