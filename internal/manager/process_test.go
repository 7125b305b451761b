package manager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutingUnder_NotUnderWorkingDir(t *testing.T) {
	dir := t.TempDir()
	_, ok := executingUnder(dir)
	assert.False(t, ok)
}

func TestExecutingUnder_IdentifiesImmediateAncestor(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	fakeWorkingDir := filepath.Dir(filepath.Dir(exe))
	ancestor, ok := executingUnder(fakeWorkingDir)
	if !ok {
		t.Skip("test binary is not nested two levels deep in this environment")
	}
	assert.Equal(t, filepath.Base(filepath.Dir(exe)), ancestor)
}
