package atomicfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	require.NoError(t, WriteFile(path, []byte(`{"a":1}`), 0o644))
	require.NoError(t, WriteFile(path, []byte(`{"a":2}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, `{"a":2}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestWriteFileRemovesTempOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prediction_head_0_config.json")
	require.NoError(t, os.Mkdir(path, 0o755))

	// Renaming a file over a directory fails.
	require.Error(t, WriteFile(path, []byte("{}"), 0o644))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriteFileMissingDir(t *testing.T) {
	err := WriteFile(filepath.Join(t.TempDir(), "nope", "x.bin"), []byte("x"), 0o644)
	require.Error(t, err)
}
