// Package archive implements the extraction contract: a function that
// unpacks an archive into a directory, preserving relative paths and
// rejecting entries that would escape it.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kolide/selfupdate/internal/engineerrors"
	"github.com/mholt/archiver/v3"
)

// Extractor unpacks archivePath into outDir, which must already exist.
type Extractor func(archivePath, outDir string) error

// Unarchive is the default Extractor, backed by mholt/archiver's format
// selection by file extension; an archive whose name carries no recognized
// extension is not extracted.
func Unarchive(archivePath, outDir string) error {
	const op = "archive.Unarchive"

	if err := archiver.Unarchive(archivePath, outDir); err != nil {
		return engineerrors.New(engineerrors.ExtractionError, op, err)
	}

	return rejectEscapingEntries(outDir)
}

// rejectEscapingEntries walks the extracted tree and fails if any entry's
// resolved path lies outside outDir, guarding against archives crafted with
// ".." path segments or absolute symlink targets.
func rejectEscapingEntries(outDir string) error {
	const op = "archive.rejectEscapingEntries"

	root, err := filepath.Abs(outDir)
	if err != nil {
		return engineerrors.New(engineerrors.ExtractionError, op, err)
	}

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		resolved := path
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return engineerrors.New(engineerrors.ExtractionError, op, err)
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(path), target)
			}
			resolved = target
		}

		abs, err := filepath.Abs(resolved)
		if err != nil {
			return engineerrors.New(engineerrors.ExtractionError, op, err)
		}
		if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return engineerrors.Newf(engineerrors.ExtractionError, op, "archive entry %q escapes extraction directory", path)
		}
		return nil
	})
}

// FlattenRootDirectory is the default content operation: iff dir contains
// exactly one entry and that entry is a directory, its contents are moved
// up into dir and the now-empty child is removed.
// When requireSingleRoot is false, a dir that doesn't match this shape is a
// no-op rather than a failure.
func FlattenRootDirectory(requireSingleRoot bool) func(dir string) error {
	return func(dir string) error {
		const op = "archive.FlattenRootDirectory"

		entries, err := os.ReadDir(dir)
		if err != nil {
			return engineerrors.New(engineerrors.ExtractionError, op, err)
		}

		if len(entries) != 1 || !entries[0].IsDir() {
			if requireSingleRoot {
				return engineerrors.Newf(engineerrors.ExtractionError, op, "expected exactly one top-level directory in %q, found %d entries", dir, len(entries))
			}
			return nil
		}

		root := filepath.Join(dir, entries[0].Name())
		children, err := os.ReadDir(root)
		if err != nil {
			return engineerrors.New(engineerrors.ExtractionError, op, err)
		}

		for _, child := range children {
			src := filepath.Join(root, child.Name())
			dst := filepath.Join(dir, child.Name())
			if err := os.Rename(src, dst); err != nil {
				return engineerrors.New(engineerrors.ExtractionError, op, fmt.Errorf("moving %q up: %w", src, err))
			}
		}

		if err := os.Remove(root); err != nil {
			return engineerrors.New(engineerrors.ExtractionError, op, err)
		}
		return nil
	}
}
