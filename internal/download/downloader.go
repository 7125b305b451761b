// Package download implements a cancellable, single-attempt fetcher that
// enforces every artifact is authenticated and integrity-checked before
// being handed to callers.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/selfupdate/internal/engineerrors"
	"github.com/kolide/selfupdate/internal/fileurl"
)

// File is a downloaded file: an absolute path on local disk plus access to
// its contents.
type File struct {
	Path string
}

// Open returns a readable stream over the downloaded file.
func (f File) Open() (*os.File, error) {
	return os.Open(f.Path)
}

// Downloader fetches a primary artifact and its auxiliary files from a
// single HTTPS origin, verifying all of them before returning the primary.
type Downloader struct {
	logger     log.Logger
	httpClient *http.Client

	mu         sync.Mutex
	baseURL    string
	allowHTTP  bool
	verifiers  []Verifier
	overrides  map[string]string // filename -> absolute URL override
	scratchDir string
	downloaded map[string]File // filename -> cached downloaded file
	destroyed  bool
	cancelFlag atomic.Bool
}

// New creates a Downloader with its own scratch directory. Call Close to
// remove scratch files; there is no implicit cleanup on garbage collection
// or at process exit.
func New(logger log.Logger) (*Downloader, error) {
	scratch, err := os.MkdirTemp("", "selfupdate-download-")
	if err != nil {
		return nil, fmt.Errorf("creating downloader scratch directory: %w", err)
	}

	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Downloader{
		logger:     log.With(logger, "component", "download.Downloader"),
		httpClient: http.DefaultClient,
		overrides:  make(map[string]string),
		downloaded: make(map[string]File),
		scratchDir: scratch,
	}, nil
}

// Close removes the Downloader's scratch directory. There is no implicit
// cleanup: files stay on disk until Close is called, even after the process
// exits.
func (d *Downloader) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return nil
	}
	d.destroyed = true
	return os.RemoveAll(d.scratchDir)
}

// WithHTTPClient overrides the transport used for fetches. Intended for
// tests.
func (d *Downloader) WithHTTPClient(client *http.Client) *Downloader {
	d.httpClient = client
	return d
}

// AllowHTTP opts a Downloader into plain HTTP origins, for tests only.
func (d *Downloader) AllowHTTP(allow bool) *Downloader {
	d.allowHTTP = allow
	return d
}

// BaseURL sets the origin files are fetched relative to. It must be HTTPS
// unless AllowHTTP(true) was called. Trailing slashes beyond the first are
// trimmed from the path; the root "/" is preserved.
func (d *Downloader) BaseURL(base string) error {
	const op = "download.Downloader.BaseURL"

	u, err := url.Parse(base)
	if err != nil {
		return engineerrors.New(engineerrors.Misconfigured, op, err)
	}
	if u.Scheme != "https" && !(d.allowHTTP && u.Scheme == "http") {
		return engineerrors.Newf(engineerrors.Misconfigured, op, "base url %q must be https", base)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseURL = fileurl.TrimTrailingSlashes(base)
	return nil
}

// AddVerification registers a verifier. Verifiers run, in registration
// order, after every fetch has completed.
func (d *Downloader) AddVerification(v Verifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.verifiers = append(d.verifiers, v)
}

// OverrideFileURL pins a specific auxiliary filename to an absolute URL on
// a different host than BaseURL.
func (d *Downloader) OverrideFileURL(name, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overrides[name] = url
}

// Cancel sets or clears the cancel flag. Cancel and Cancelled are the
// operations safe to call from another goroutine while Get is in flight.
func (d *Downloader) Cancel(cancel bool) {
	d.cancelFlag.Store(cancel)
}

// Cancelled reports whether the cancel flag is currently set.
func (d *Downloader) Cancelled() bool {
	return d.cancelFlag.Load()
}

// Get fetches and verifies the primary artifact named by primaryFilename
// (interpreted as a filename relative to BaseURL). Auxiliary files required by the
// registered verifiers are fetched first; verifiers then run, in
// registration order, over the complete downloaded set.
func (d *Downloader) Get(ctx context.Context, primaryFilename string) (File, error) {
	const op = "download.Downloader.Get"

	d.mu.Lock()
	baseURL := d.baseURL
	verifiers := append([]Verifier(nil), d.verifiers...)
	d.mu.Unlock()

	if baseURL == "" {
		return File{}, engineerrors.Newf(engineerrors.Misconfigured, op, "BaseURL was never set")
	}

	auxFilenames := map[string]bool{}
	for _, v := range verifiers {
		for _, name := range v.RequiredFilenames() {
			auxFilenames[name] = true
		}
	}
	delete(auxFilenames, primaryFilename)

	// Auxiliary files first: they are small, so failing fast on a missing
	// manifest avoids wasting bandwidth on the (likely large) primary
	// artifact.
	for name := range auxFilenames {
		if _, err := d.fetchOne(ctx, name); err != nil {
			return File{}, err
		}
	}

	primary, err := d.fetchOne(ctx, primaryFilename)
	if err != nil {
		return File{}, err
	}

	d.mu.Lock()
	files := make(map[string]string, len(d.downloaded))
	for name, f := range d.downloaded {
		files[name] = f.Path
	}
	d.mu.Unlock()

	for _, v := range verifiers {
		if err := v.Verify(primaryFilename, files); err != nil {
			level.Info(d.logger).Log("msg", "verification failed", "primary", primaryFilename, "err", err)
			return File{}, err
		}
	}

	return primary, nil
}

// fetchOne fetches name if it hasn't already been fetched by this
// Downloader instance, caching the result by filename.
func (d *Downloader) fetchOne(ctx context.Context, name string) (File, error) {
	const op = "download.Downloader.fetchOne"

	d.mu.Lock()
	if cached, ok := d.downloaded[name]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	url := d.overrides[name]
	if url == "" {
		url = d.baseURL + name
	}
	d.mu.Unlock()

	if d.Cancelled() {
		return File{}, engineerrors.Newf(engineerrors.Cancelled, op, "cancelled before fetching %q", name)
	}

	path, err := d.download(ctx, url, name)
	if err != nil {
		return File{}, err
	}

	f := File{Path: path}
	d.mu.Lock()
	d.downloaded[name] = f
	d.mu.Unlock()

	return f, nil
}

func (d *Downloader) download(ctx context.Context, rawurl, name string) (string, error) {
	const op = "download.Downloader.download"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return "", engineerrors.New(engineerrors.TransportError, op, err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", engineerrors.New(engineerrors.TransportError, op, err)
	}
	defer resp.Body.Close()

	if d.Cancelled() {
		return "", engineerrors.Newf(engineerrors.Cancelled, op, "cancelled at response start for %q", name)
	}

	if resp.StatusCode != http.StatusOK {
		return "", engineerrors.Newf(engineerrors.TransportError, op, "unexpected status %s fetching %s", resp.Status, rawurl)
	}

	dest := filepath.Join(d.scratchDir, sanitizeFilename(name))
	out, err := os.Create(dest)
	if err != nil {
		return "", engineerrors.New(engineerrors.TransportError, op, err)
	}
	defer out.Close()

	level.Debug(d.logger).Log("msg", "downloading", "url", rawurl, "dest", dest)

	if err := copyWithCancel(out, resp.Body, d); err != nil {
		os.Remove(dest)
		return "", err
	}

	return dest, nil
}

// copyWithCancel streams resp.Body to dst in chunks, sampling the cancel
// flag before every chunk write.
func copyWithCancel(dst io.Writer, src io.Reader, d *Downloader) error {
	const op = "download.Downloader.copyWithCancel"
	const chunkSize = 32 * 1024

	buf := make([]byte, chunkSize)
	for {
		if d.Cancelled() {
			return engineerrors.Newf(engineerrors.Cancelled, op, "cancelled mid-transfer")
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return engineerrors.New(engineerrors.TransportError, op, writeErr)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return engineerrors.New(engineerrors.TransportError, op, readErr)
		}
	}
}

func sanitizeFilename(name string) string {
	// Auxiliary filenames are untrusted only insofar as they come from
	// caller configuration, not from the network; still strip any path
	// separators so a crafted override can't escape the scratch directory.
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
