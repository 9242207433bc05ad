package fetcher

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZIP(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for name, content := range entries {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

func TestExtractZIPSingle(t *testing.T) {
	zipPath := writeZIP(t, map[string]string{
		"hts_export.csv": "7326.90.86,2.9%\n7308.90.95,Free\n",
	})

	destDir := t.TempDir()
	extracted, err := ExtractZIPSingle(zipPath, destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "hts_export.csv"), extracted)

	data, err := os.ReadFile(extracted)
	require.NoError(t, err)
	assert.Equal(t, "7326.90.86,2.9%\n7308.90.95,Free\n", string(data))
}

func TestExtractZIPSingleNestedEntry(t *testing.T) {
	zipPath := writeZIP(t, map[string]string{
		"export/2026/hts.csv": "7326.90.86,2.9%\n",
	})

	destDir := t.TempDir()
	extracted, err := ExtractZIPSingle(zipPath, destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "export", "2026", "hts.csv"), extracted)
}

func TestExtractZIPSingleMultipleFiles(t *testing.T) {
	zipPath := writeZIP(t, map[string]string{
		"hts.csv":    "7326.90.86,2.9%\n",
		"readme.txt": "notes",
	})

	_, err := ExtractZIPSingle(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected exactly 1 file, got 2")
}

func TestExtractZIPSingleEmptyArchive(t *testing.T) {
	zipPath := writeZIP(t, map[string]string{})

	_, err := ExtractZIPSingle(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected exactly 1 file, got 0")
}

func TestExtractZIPSingleNotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	_, err := ExtractZIPSingle(path, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip: open archive")
}

func TestExtractZIPSingleZipSlip(t *testing.T) {
	zipPath := writeZIP(t, map[string]string{
		"../escape.csv": "7326.90.86,2.9%\n",
	})

	_, err := ExtractZIPSingle(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}
