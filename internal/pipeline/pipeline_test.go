package pipeline

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/kolide/selfupdate/internal/archive"
	"github.com/kolide/selfupdate/internal/audit"
	"github.com/kolide/selfupdate/internal/download"
	"github.com/kolide/selfupdate/internal/fileurl"
	"github.com/kolide/selfupdate/internal/manager"
	"github.com/kolide/selfupdate/internal/sentinel"
	"github.com/kolide/selfupdate/internal/source"
	"github.com/kolide/selfupdate/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a test-only source.Source returning a fixed resolution.
type fakeSource struct {
	version version.Number
	url     string
	pattern *regexp.Regexp
}

var _ source.Source = fakeSource{}

func (f fakeSource) Resolve(ctx context.Context, filenameRegex *regexp.Regexp) (version.Number, fileurl.FileURL, error) {
	fu, err := fileurl.Parse(f.url)
	if err != nil {
		return version.Number{}, fileurl.FileURL{}, err
	}
	if filenameRegex != nil && !filenameRegex.MatchString(fu.Filename) {
		return version.Number{}, fileurl.FileURL{}, fmt.Errorf("filename %q does not match pattern", fu.Filename)
	}
	return f.version, fu, nil
}

func (f fakeSource) URLPattern() *regexp.Regexp { return f.pattern }

// writeZip creates a zip archive at path containing the given files, each
// nested under rootDir (simulating a typical release archive with a single
// top-level directory).
func writeZip(t *testing.T, path, rootDir string, files map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for name, contents := range files {
		entry, err := w.Create(filepath.ToSlash(filepath.Join(rootDir, name)))
		require.NoError(t, err)
		_, err = entry.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func newTestManager(t *testing.T, workingDir string) *manager.Manager {
	t.Helper()
	m, err := manager.New(workingDir)
	require.NoError(t, err)
	t.Cleanup(func() { m.ReleaseLock() })
	return m
}

func newTestDownloaderForPipeline(t *testing.T) *download.Downloader {
	t.Helper()
	d, err := download.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	d.AllowHTTP(true)
	return d
}

func TestPipeline_GetLatest_NewVersionAvailable(t *testing.T) {
	workingDir := t.TempDir()
	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	src := fakeSource{version: version.MustParse("", "2.0.0"), url: "https://example.com/releases/app-2.0.0.zip"}
	p, err := New(m, d, "", nil,
		WithSource(src),
		WithDownloadFilenamePattern(regexp.MustCompile(`^app-.*\.zip$`)),
		WithFilenameContainsVersion(true),
	)
	require.NoError(t, err)

	result, err := p.GetLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NewVersionAvailable, result.Outcome)
	assert.Equal(t, "2.0.0", result.Version.String())
}

func TestPipeline_GetLatest_UpToDate(t *testing.T) {
	workingDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workingDir, manager.CurrentDirName), 0o755))
	require.NoError(t, sentinel.Write(filepath.Join(workingDir, manager.CurrentDirName), version.MustParse("", "1.0.0")))

	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	src := fakeSource{version: version.MustParse("", "1.0.0"), url: "https://example.com/releases/app-1.0.0.zip"}
	p, err := New(m, d, "", nil,
		WithSource(src),
		WithDownloadFilenamePattern(regexp.MustCompile(`^app-.*\.zip$`)),
		WithFilenameContainsVersion(true),
	)
	require.NoError(t, err)

	result, err := p.GetLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UpToDate, result.Outcome)
}

func TestPipeline_GetLatest_LatestIsOlder(t *testing.T) {
	workingDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workingDir, manager.CurrentDirName), 0o755))
	require.NoError(t, sentinel.Write(filepath.Join(workingDir, manager.CurrentDirName), version.MustParse("", "2.0.0")))

	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	src := fakeSource{version: version.MustParse("", "1.0.0"), url: "https://example.com/releases/app-1.0.0.zip"}
	p, err := New(m, d, "", nil,
		WithSource(src),
		WithDownloadFilenamePattern(regexp.MustCompile(`^app-.*\.zip$`)),
		WithFilenameContainsVersion(true),
	)
	require.NoError(t, err)

	result, err := p.GetLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LatestIsOlder, result.Outcome)
}

func TestPipeline_GetLatest_UpdateAlreadyInstalled(t *testing.T) {
	workingDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workingDir, manager.CurrentDirName), 0o755))
	require.NoError(t, sentinel.Write(filepath.Join(workingDir, manager.CurrentDirName), version.MustParse("", "1.0.0")))
	require.NoError(t, os.MkdirAll(filepath.Join(workingDir, "2.0.0"), 0o755))
	require.NoError(t, sentinel.Write(filepath.Join(workingDir, "2.0.0"), version.MustParse("", "2.0.0")))

	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	src := fakeSource{version: version.MustParse("", "2.0.0"), url: "https://example.com/releases/app-2.0.0.zip"}
	p, err := New(m, d, "", nil,
		WithSource(src),
		WithDownloadFilenamePattern(regexp.MustCompile(`^app-.*\.zip$`)),
		WithFilenameContainsVersion(true),
	)
	require.NoError(t, err)

	result, err := p.GetLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UpdateAlreadyInstalled, result.Outcome)
}

func TestPipeline_New_RequiresFilenameContainsVersionSetExplicitly(t *testing.T) {
	workingDir := t.TempDir()
	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	_, err := New(m, d, "", nil,
		WithSource(fakeSource{version: version.MustParse("", "1.0.0"), url: "https://example.com/app-1.0.0.zip"}),
		WithDownloadFilenamePattern(regexp.MustCompile(`.*`)),
	)
	assert.Error(t, err)
}

func TestPipeline_Update_BasicFlow(t *testing.T) {
	workingDir := t.TempDir()
	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	archiveDir := t.TempDir()
	archivePath := filepath.Join(archiveDir, "app-1.2.3.zip")
	writeZip(t, archivePath, "", map[string]string{"bin/app": "binary contents"})

	server := httptest.NewServer(http.FileServer(http.Dir(archiveDir)))
	defer server.Close()

	p, err := New(m, d, "", nil,
		WithSource(fakeSource{}),
		WithDownloadFilenamePattern(regexp.MustCompile(`^app-.*\.zip$`)),
		WithFilenameContainsVersion(true),
	)
	require.NoError(t, err)

	resolved := version.MustParse("", "1.2.3")
	committedDir, err := p.Update(context.Background(), resolved, server.URL+"/app-1.2.3.zip")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(workingDir, "1.2.3"), committedDir)
	assert.FileExists(t, filepath.Join(committedDir, "bin", "app"))

	v, ok, err := sentinel.Read(committedDir, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", v.String())
}

func TestPipeline_Update_FlattenRootDirectory(t *testing.T) {
	workingDir := t.TempDir()
	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	archiveDir := t.TempDir()
	archivePath := filepath.Join(archiveDir, "app-1.0.0.zip")
	writeZip(t, archivePath, "app-1.0.0", map[string]string{"bin/app": "binary contents"})

	server := httptest.NewServer(http.FileServer(http.Dir(archiveDir)))
	defer server.Close()

	p, err := New(m, d, "", nil,
		WithSource(fakeSource{}),
		WithDownloadFilenamePattern(regexp.MustCompile(`^app-.*\.zip$`)),
		WithFilenameContainsVersion(true),
		WithContentOperation(archive.FlattenRootDirectory(true)),
	)
	require.NoError(t, err)

	resolved := version.MustParse("", "1.0.0")
	committedDir, err := p.Update(context.Background(), resolved, server.URL+"/app-1.0.0.zip")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(committedDir, "bin", "app"))
	_, statErr := os.Stat(filepath.Join(committedDir, "app-1.0.0"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPipeline_Update_DowngradeAttackMitigation(t *testing.T) {
	workingDir := t.TempDir()
	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	p, err := New(m, d, "", nil,
		WithSource(fakeSource{}),
		WithDownloadFilenamePattern(regexp.MustCompile(`.*`)),
		WithFilenameContainsVersion(true),
	)
	require.NoError(t, err)

	// The asset at this URL is named for 9.9.9 but the caller claims
	// resolved version 1.0.0 (e.g. a compromised index entry); the
	// filename-contains-version check must reject it before any fetch.
	resolved := version.MustParse("", "1.0.0")
	_, err = p.Update(context.Background(), resolved, "https://example.com/app-9.9.9.zip")
	assert.Error(t, err)
}

func TestPipeline_Update_RejectsURLNotMatchingPattern(t *testing.T) {
	workingDir := t.TempDir()
	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	p, err := New(m, d, "", nil,
		WithSource(fakeSource{}),
		WithDownloadFilenamePattern(regexp.MustCompile(`.*`)),
		WithDownloadURLPattern(regexp.MustCompile(`^https://cdn\.example\.com/`)),
		WithFilenameContainsVersion(false),
	)
	require.NoError(t, err)

	resolved := version.MustParse("", "1.0.0")
	_, err = p.Update(context.Background(), resolved, "https://attacker.example.com/app-1.0.0.zip")
	assert.Error(t, err)
}

func TestPipeline_Update_ContentOperationFailureAborts(t *testing.T) {
	workingDir := t.TempDir()
	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	archiveDir := t.TempDir()
	archivePath := filepath.Join(archiveDir, "app-1.0.0.zip")
	writeZip(t, archivePath, "", map[string]string{"bin/app": "binary contents"})

	server := httptest.NewServer(http.FileServer(http.Dir(archiveDir)))
	defer server.Close()

	failingOp := func(dir string) error {
		return fmt.Errorf("simulated content operation failure")
	}

	p, err := New(m, d, "", nil,
		WithSource(fakeSource{}),
		WithDownloadFilenamePattern(regexp.MustCompile(`^app-.*\.zip$`)),
		WithFilenameContainsVersion(true),
		WithContentOperation(failingOp),
	)
	require.NoError(t, err)

	resolved := version.MustParse("", "1.0.0")
	_, err = p.Update(context.Background(), resolved, server.URL+"/app-1.0.0.zip")
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(workingDir, "1.0.0"))
	assert.True(t, os.IsNotExist(statErr), "failed content operation must not leave a committed directory")
}

func TestPipeline_Update_PostUpdateOperationFailureRemovesCommittedDir(t *testing.T) {
	workingDir := t.TempDir()
	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	archiveDir := t.TempDir()
	archivePath := filepath.Join(archiveDir, "app-1.0.0.zip")
	writeZip(t, archivePath, "", map[string]string{"bin/app": "binary contents"})

	server := httptest.NewServer(http.FileServer(http.Dir(archiveDir)))
	defer server.Close()

	failingOp := func(ctx context.Context, committedDir string) error {
		return fmt.Errorf("simulated post-update operation failure")
	}

	p, err := New(m, d, "", nil,
		WithSource(fakeSource{}),
		WithDownloadFilenamePattern(regexp.MustCompile(`^app-.*\.zip$`)),
		WithFilenameContainsVersion(true),
		WithPostUpdateOperation(failingOp),
	)
	require.NoError(t, err)

	resolved := version.MustParse("", "1.0.0")
	_, err = p.Update(context.Background(), resolved, server.URL+"/app-1.0.0.zip")
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(workingDir, "1.0.0"))
	assert.True(t, os.IsNotExist(statErr), "failed post-update operation must remove the committed directory")
}

func TestPipeline_Update_ReplacesExistingStaleCommittedDir(t *testing.T) {
	workingDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workingDir, "1.0.0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workingDir, "1.0.0", "stale.txt"), []byte("stale"), 0o644))

	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	archiveDir := t.TempDir()
	archivePath := filepath.Join(archiveDir, "app-1.0.0.zip")
	writeZip(t, archivePath, "", map[string]string{"bin/app": "binary contents"})

	server := httptest.NewServer(http.FileServer(http.Dir(archiveDir)))
	defer server.Close()

	p, err := New(m, d, "", nil,
		WithSource(fakeSource{}),
		WithDownloadFilenamePattern(regexp.MustCompile(`^app-.*\.zip$`)),
		WithFilenameContainsVersion(true),
	)
	require.NoError(t, err)

	resolved := version.MustParse("", "1.0.0")
	committedDir, err := p.Update(context.Background(), resolved, server.URL+"/app-1.0.0.zip")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(committedDir, "bin", "app"))
	_, statErr := os.Stat(filepath.Join(committedDir, "stale.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPipeline_Update_OverrideFileURL_ManifestOnSeparateHost(t *testing.T) {
	workingDir := t.TempDir()
	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	archiveDir := t.TempDir()
	archivePath := filepath.Join(archiveDir, "app-1.0.0.zip")
	writeZip(t, archivePath, "", map[string]string{"bin/app": "binary contents"})

	sum, err := sha256sumFile(archivePath)
	require.NoError(t, err)

	cdnDir := t.TempDir()
	manifest := fmt.Sprintf("%s *app-1.0.0.zip\n", sum)
	require.NoError(t, os.WriteFile(filepath.Join(cdnDir, "SHA256SUMS"), []byte(manifest), 0o644))

	server := httptest.NewServer(http.FileServer(http.Dir(archiveDir)))
	defer server.Close()
	cdnServer := httptest.NewServer(http.FileServer(http.Dir(cdnDir)))
	defer cdnServer.Close()

	p, err := New(m, d, "", nil,
		WithSource(fakeSource{}),
		WithDownloadFilenamePattern(regexp.MustCompile(`^app-.*\.zip$`)),
		WithFilenameContainsVersion(true),
		WithUpdateVerification(&download.ManifestVerifier{}),
		WithOverrideFileURL("SHA256SUMS", func(v string) string { return cdnServer.URL + "/SHA256SUMS" }),
	)
	require.NoError(t, err)

	resolved := version.MustParse("", "1.0.0")
	committedDir, err := p.Update(context.Background(), resolved, server.URL+"/app-1.0.0.zip")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(committedDir, "bin", "app"))
}

func TestPipeline_Update_RecordsLedgerEntries(t *testing.T) {
	workingDir := t.TempDir()
	m := newTestManager(t, workingDir)
	d := newTestDownloaderForPipeline(t)

	archiveDir := t.TempDir()
	writeZip(t, filepath.Join(archiveDir, "app-1.0.0.zip"), "", map[string]string{"bin/app": "binary contents"})

	server := httptest.NewServer(http.FileServer(http.Dir(archiveDir)))
	defer server.Close()

	ledger, err := audit.Open(filepath.Join(t.TempDir(), "updates.db"), nil)
	require.NoError(t, err)
	defer ledger.Close()

	p, err := New(m, d, "", nil,
		WithSource(fakeSource{}),
		WithDownloadFilenamePattern(regexp.MustCompile(`^app-.*\.zip$`)),
		WithFilenameContainsVersion(true),
		WithLedger(ledger),
	)
	require.NoError(t, err)

	resolved := version.MustParse("", "1.0.0")
	_, err = p.Update(context.Background(), resolved, server.URL+"/app-1.0.0.zip")
	require.NoError(t, err)

	_, err = p.Update(context.Background(), resolved, server.URL+"/missing.zip")
	require.Error(t, err)

	recs, err := ledger.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "failed", recs[0].Outcome)
	assert.Equal(t, "committed", recs[1].Outcome)
}

func sha256sumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
