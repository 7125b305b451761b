// Package fileurl implements the engine's file_url type: an absolute HTTPS
// URL decomposed into a base_url and a filename such that
// base_url + filename == url byte-for-byte.
package fileurl

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// FileURL is an absolute URL split at the last "/" of its path.
type FileURL struct {
	BaseURL  string
	Filename string
}

// Parse decomposes an absolute URL into its BaseURL and Filename. The
// caller's scheme policy (HTTPS-only, HTTP opt-in for tests) is enforced by
// download.Downloader.BaseURL, not here: Parse only handles decomposition.
func Parse(rawurl string) (FileURL, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return FileURL{}, errors.Wrapf(err, "parsing url %q", rawurl)
	}
	if !u.IsAbs() {
		return FileURL{}, errors.Errorf("url %q is not absolute", rawurl)
	}

	idx := strings.LastIndex(rawurl, "/")
	if idx < 0 {
		return FileURL{}, errors.Errorf("url %q has no path separator", rawurl)
	}

	f := FileURL{
		BaseURL:  rawurl[:idx+1],
		Filename: rawurl[idx+1:],
	}
	if f.BaseURL+f.Filename != rawurl {
		return FileURL{}, errors.Errorf("url %q did not round-trip through base+filename decomposition", rawurl)
	}
	return f, nil
}

// String reassembles the original URL.
func (f FileURL) String() string {
	return f.BaseURL + f.Filename
}

// Join builds the URL for another filename living at the same base.
func (f FileURL) Join(filename string) string {
	return f.BaseURL + filename
}

// TrimTrailingSlashes normalizes a base URL so that trailing slashes beyond
// the first are removed from the path, while the root "/" is preserved.
// E.g. "https://example.com/a///" -> "https://example.com/a/", and
// "https://example.com///" -> "https://example.com/".
func TrimTrailingSlashes(base string) string {
	if base == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/"
}
