// Package source resolves a remote release index to a version and a
// download URL.
package source

import (
	"context"
	"regexp"

	"github.com/kolide/selfupdate/internal/fileurl"
	"github.com/kolide/selfupdate/internal/version"
)

// Source resolves the latest published release matching filenameRegex. The
// returned url_pattern is an immutable constraint callers use to reject
// downloads that don't live on the expected origin.
type Source interface {
	// Resolve fetches the release index and returns the version and
	// download URL of the first asset whose name matches filenameRegex.
	Resolve(ctx context.Context, filenameRegex *regexp.Regexp) (version.Number, fileurl.FileURL, error)

	// URLPattern is the regex every asset URL this Source can resolve must
	// match.
	URLPattern() *regexp.Regexp
}
