package download

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kolide/selfupdate/internal/engineerrors"
)

// ManifestFilename is the conventional name of the sha256sum-format
// integrity manifest this verifier expects to find among the auxiliary
// files.
const ManifestFilename = "SHA256SUMS"

// manifestEntry is one (hash, path) pair parsed out of a sha256sums file.
type manifestEntry struct {
	hash string // lowercase hex, 64 chars
	path string // native separators
}

// ManifestVerifier checks the primary file's SHA-256 digest against a
// signed checksum manifest in the sha256sum format.
type ManifestVerifier struct {
	// ManifestName is the auxiliary filename holding the manifest, e.g.
	// "SHA256SUMS". Defaults to ManifestFilename if empty.
	ManifestName string
}

var _ Verifier = (*ManifestVerifier)(nil)

func (m *ManifestVerifier) manifestName() string {
	if m.ManifestName != "" {
		return m.ManifestName
	}
	return ManifestFilename
}

// RequiredFilenames implements Verifier.
func (m *ManifestVerifier) RequiredFilenames() []string {
	return []string{m.manifestName()}
}

// Verify implements Verifier. The primary's on-disk SHA-256 must match the
// hash recorded for it in the manifest; a missing lookup is a verification
// failure, not an absence.
func (m *ManifestVerifier) Verify(primaryFilename string, files map[string]string) error {
	const op = "download.ManifestVerifier.Verify"

	manifestPath, ok := files[m.manifestName()]
	if !ok {
		return engineerrors.Newf(engineerrors.Misconfigured, op, "manifest file %q was not fetched", m.manifestName())
	}
	primaryPath, ok := files[primaryFilename]
	if !ok {
		return engineerrors.Newf(engineerrors.Misconfigured, op, "primary file %q was not fetched", primaryFilename)
	}

	entries, err := parseSha256Sums(manifestPath)
	if err != nil {
		return engineerrors.New(engineerrors.Misconfigured, op, err)
	}

	// The manifest's own directory is the base for resolving its relative
	// entries, matching the reference implementation's lookup-by-absolute-
	// path-equality rule.
	manifestDir := filepath.Dir(manifestPath)

	primaryAbs, err := filepath.Abs(primaryPath)
	if err != nil {
		return engineerrors.New(engineerrors.Misconfigured, op, err)
	}

	var want string
	found := false
	for _, e := range entries {
		entryPath := e.path
		if !filepath.IsAbs(entryPath) {
			entryPath = filepath.Join(manifestDir, entryPath)
		}
		entryAbs, err := filepath.Abs(entryPath)
		if err != nil {
			continue
		}
		if entryAbs == primaryAbs {
			want = e.hash
			found = true
			break
		}
	}
	if !found {
		return engineerrors.Newf(engineerrors.VerificationFailed, op, "no manifest entry found for %q", primaryFilename)
	}

	got, err := sha256File(primaryPath)
	if err != nil {
		return engineerrors.New(engineerrors.VerificationFailed, op, err)
	}

	if !strings.EqualFold(got, want) {
		return engineerrors.Newf(engineerrors.VerificationFailed, op, "sha256 mismatch for %q: manifest says %s, computed %s", primaryFilename, want, got)
	}

	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// parseSha256Sums parses the sha256sum line format:
//
//	hex64 SP "*" path (LF | CRLF)
//
// Non-blank, non-CR-only lines are required to match; "/" separators in
// path are normalized to the local separator. This scanner emits the final
// entry even when the file lacks a trailing newline.
func parseSha256Sums(path string) ([]manifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest %s: %w", path, err)
	}
	defer f.Close()

	var entries []manifestEntry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		entry, err := parseSha256SumsLine(line)
		if err != nil {
			return nil, fmt.Errorf("manifest %s line %d: %w", path, lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	return entries, nil
}

func parseSha256SumsLine(line string) (manifestEntry, error) {
	// "<64-hex-lower> SP \"*\" <path>"
	if len(line) < 64+2 {
		return manifestEntry{}, fmt.Errorf("line too short: %q", line)
	}
	hash := line[:64]
	if !isHex64(hash) {
		return manifestEntry{}, fmt.Errorf("not a 64-char hex hash: %q", hash)
	}
	rest := line[64:]
	if len(rest) < 2 || rest[0] != ' ' || rest[1] != '*' {
		return manifestEntry{}, fmt.Errorf("expected \" *\" after hash: %q", line)
	}
	path := rest[2:]
	if path == "" {
		return manifestEntry{}, fmt.Errorf("empty path: %q", line)
	}
	path = filepath.FromSlash(path)

	return manifestEntry{hash: strings.ToLower(hash), path: path}, nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
