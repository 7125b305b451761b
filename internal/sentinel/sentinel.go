// Package sentinel reads and writes the per-directory .sentinel file, and
// enumerates version directories under the working directory.
package sentinel

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kolide/selfupdate/internal/version"
)

// FileName is the constant name of the sentinel file living at the root of
// a version directory.
const FileName = ".sentinel"

// Write persists "version=<string>" into <dir>/.sentinel. The write is done
// to a temp file in the same directory followed by a rename, so a reader
// never observes a partially written sentinel.
func Write(dir string, v version.Number) error {
	path := filepath.Join(dir, FileName)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("version=%s\n", v.String())), 0644); err != nil {
		return fmt.Errorf("writing sentinel temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming sentinel temp file into place at %s: %w", path, err)
	}
	return nil
}

// Read parses <dir>/.sentinel and returns its version, and whether one was
// found. Read never returns an error for absence: a missing file, an
// unparseable file, or a file lacking the version key are all reported as
// (zero, false, nil).
func Read(dir, prefix string) (version.Number, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return version.Number{}, false, nil
		}
		return version.Number{}, false, fmt.Errorf("reading sentinel in %s: %w", dir, err)
	}

	values, err := parse(data)
	if err != nil {
		return version.Number{}, false, nil
	}

	raw, ok := values["version"]
	if !ok {
		return version.Number{}, false, nil
	}

	v, err := version.Parse(prefix, raw)
	if err != nil {
		return version.Number{}, false, nil
	}

	return v, true, nil
}

// parse implements the sentinel grammar:
//
//	line = key "=" value (LF | CRLF | EOF)
//	key  = [A-Za-z_][A-Za-z0-9_]*
//	value = any chars up to line terminator
//
// Unknown keys are returned (and ignored by callers that don't need them).
func parse(data []byte) (map[string]string, error) {
	values := make(map[string]string)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		if !isValidKey(key) {
			continue
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning sentinel contents: %w", err)
	}

	return values, nil
}

func isValidKey(key string) bool {
	if key == "" {
		return false
	}
	for i, r := range key {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r == '_':
			// valid in any position
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// VersionDir pairs a resolved version with the directory that claims it.
type VersionDir struct {
	Version version.Number
	Path    string
}

// EnumerateVersions scans the direct children of dir. A child is a
// candidate when its name parses as a version, its sentinel exists, and the
// sentinel's version equals the parsed directory name. It returns the
// candidate with the greatest version, or (zero, false) if there are none.
// If two distinct children represent equal versions (e.g. "2.1" and
// "2.1.0"), the layout is inconsistent and EnumerateVersions returns
// (zero, false).
func EnumerateVersions(dir, prefix string, skip map[string]bool) (VersionDir, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return VersionDir{}, false, nil
		}
		return VersionDir{}, false, fmt.Errorf("reading working directory %s: %w", dir, err)
	}

	candidates := make([]VersionDir, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if skip[name] {
			continue
		}

		dirVersion, err := version.Parse(prefix, name)
		if err != nil {
			continue
		}

		childPath := filepath.Join(dir, name)
		sentinelVersion, ok, err := Read(childPath, prefix)
		if err != nil {
			return VersionDir{}, false, err
		}
		if !ok || !sentinelVersion.Equal(dirVersion) {
			continue
		}

		candidates = append(candidates, VersionDir{Version: dirVersion, Path: childPath})
	}

	if len(candidates) == 0 {
		return VersionDir{}, false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Version.Less(candidates[j].Version)
	})

	for i := 1; i < len(candidates); i++ {
		if candidates[i-1].Version.Equal(candidates[i].Version) {
			// Layout inconsistent: two directories collapse to the same version.
			return VersionDir{}, false, nil
		}
	}

	return candidates[len(candidates)-1], true, nil
}
