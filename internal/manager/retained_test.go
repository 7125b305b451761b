package manager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveRetainedFiles_MovesPresentAbsent(t *testing.T) {
	current := t.TempDir()
	update := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(current, "config.yaml"), []byte("cfg"), 0o644))

	require.NoError(t, moveRetainedFiles(current, update, []string{"config.yaml"}))

	assert.FileExists(t, filepath.Join(update, "config.yaml"))
	_, err := os.Stat(filepath.Join(current, "config.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestMoveRetainedFiles_SkipsMissingSource(t *testing.T) {
	current := t.TempDir()
	update := t.TempDir()

	require.NoError(t, moveRetainedFiles(current, update, []string{"missing.txt"}))
	_, err := os.Stat(filepath.Join(update, "missing.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestMoveRetainedFiles_UpdateWinsWhenPresentInBoth(t *testing.T) {
	current := t.TempDir()
	update := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(current, "data.db"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(update, "data.db"), []byte("new"), 0o644))

	require.NoError(t, moveRetainedFiles(current, update, []string{"data.db"}))

	got, err := os.ReadFile(filepath.Join(update, "data.db"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestMoveRetainedFiles_NestedPath(t *testing.T) {
	current := t.TempDir()
	update := t.TempDir()

	nested := filepath.Join(current, "plugins", "extra")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "plugin.so"), []byte("x"), 0o644))

	require.NoError(t, moveRetainedFiles(current, update, []string{"plugins/extra/plugin.so"}))

	assert.FileExists(t, filepath.Join(update, "plugins", "extra", "plugin.so"))
}

func TestMoveRetainedFiles_RejectsAbsolutePath(t *testing.T) {
	current := t.TempDir()
	update := t.TempDir()

	err := moveRetainedFiles(current, update, []string{"/etc/passwd"})
	assert.Error(t, err)
}
