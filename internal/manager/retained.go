package manager

import (
	"os"
	"path/filepath"

	"github.com/kolide/selfupdate/internal/engineerrors"
)

// moveRetainedFiles implements retained-file carryover: for each relative
// path present in currentDir but absent in updateDir, move
// it into updateDir, preserving relative location. If the path already
// exists in updateDir, the retained copy is discarded (update wins).
func moveRetainedFiles(currentDir, updateDir string, retained []string) error {
	const op = "manager.moveRetainedFiles"

	for _, rel := range retained {
		if filepath.IsAbs(rel) {
			return engineerrors.Newf(engineerrors.Misconfigured, op, "retained path %q must be relative", rel)
		}

		src := filepath.Join(currentDir, rel)
		dst := filepath.Join(updateDir, rel)

		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return engineerrors.New(engineerrors.LayoutInconsistent, op, err)
		}

		if _, err := os.Stat(dst); err == nil {
			// Update wins: the retained copy is discarded.
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return engineerrors.New(engineerrors.LayoutInconsistent, op, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return engineerrors.New(engineerrors.LayoutInconsistent, op, err)
		}
	}

	return nil
}
