package source

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	jsoniter "github.com/json-iterator/go"
	"github.com/kolide/selfupdate/internal/engineerrors"
	"github.com/kolide/selfupdate/internal/fileurl"
	"github.com/kolide/selfupdate/internal/version"
)

// releaseIndex is the wire shape of a single JSON release index document:
// a tag name and a list of downloadable assets.
type releaseIndex struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

type asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// ReleaseIndexSource resolves releases published as a single JSON document
// over HTTP, in the shape GitHub's "latest release" API uses.
type ReleaseIndexSource struct {
	// IndexURL is the absolute URL of the release index document.
	IndexURL string
	// VersionPrefix is stripped from the tag name before it is parsed as a
	// version, e.g. "v" for tags like "v1.2.3".
	VersionPrefix string
	// HTTPClient is used to fetch the index; defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Pattern constrains which asset URLs this Source will resolve to.
	// When nil, asset URLs are not constrained.
	Pattern *regexp.Regexp
}

var _ Source = (*ReleaseIndexSource)(nil)

// URLPattern implements Source.
func (s *ReleaseIndexSource) URLPattern() *regexp.Regexp {
	return s.Pattern
}

func (s *ReleaseIndexSource) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

// Resolve implements Source.
func (s *ReleaseIndexSource) Resolve(ctx context.Context, filenameRegex *regexp.Regexp) (version.Number, fileurl.FileURL, error) {
	const op = "source.ReleaseIndexSource.Resolve"

	if s.IndexURL == "" {
		return version.Number{}, fileurl.FileURL{}, engineerrors.Newf(engineerrors.Misconfigured, op, "IndexURL not set")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.IndexURL, nil)
	if err != nil {
		return version.Number{}, fileurl.FileURL{}, engineerrors.New(engineerrors.TransportError, op, err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return version.Number{}, fileurl.FileURL{}, engineerrors.New(engineerrors.TransportError, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return version.Number{}, fileurl.FileURL{}, engineerrors.Newf(engineerrors.TransportError, op, "fetching release index: unexpected status %s", resp.Status)
	}

	var idx releaseIndex
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return version.Number{}, fileurl.FileURL{}, engineerrors.New(engineerrors.TransportError, op, fmt.Errorf("decoding release index: %w", err))
	}

	if idx.TagName == "" {
		return version.Number{}, fileurl.FileURL{}, engineerrors.Newf(engineerrors.TransportError, op, "release index is missing tag_name")
	}

	v, err := version.Parse(s.VersionPrefix, idx.TagName)
	if err != nil {
		return version.Number{}, fileurl.FileURL{}, engineerrors.New(engineerrors.TransportError, op, fmt.Errorf("parsing tag %q: %w", idx.TagName, err))
	}

	for _, a := range idx.Assets {
		if filenameRegex == nil || !filenameRegex.MatchString(a.Name) {
			continue
		}

		if s.Pattern != nil && !s.Pattern.MatchString(a.BrowserDownloadURL) {
			return version.Number{}, fileurl.FileURL{}, engineerrors.Newf(engineerrors.TransportError, op, "asset URL %q does not match configured url pattern", a.BrowserDownloadURL)
		}

		fu, err := fileurl.Parse(a.BrowserDownloadURL)
		if err != nil {
			return version.Number{}, fileurl.FileURL{}, engineerrors.New(engineerrors.TransportError, op, err)
		}
		return v, fu, nil
	}

	return version.Number{}, fileurl.FileURL{}, engineerrors.Newf(engineerrors.TransportError, op, "no asset in release %q matched %s", idx.TagName, filenameRegex)
}
