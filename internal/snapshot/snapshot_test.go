package snapshot

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArchive(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()
	writer := zip.NewWriter(file)
	for name, contents := range entries {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
}

func TestListSortsNewestFirst(t *testing.T) {
	projectDir := t.TempDir()
	catalog := NewCatalog(projectDir, "board")

	writeArchive(t, catalog.ArchivePath("2024-01-01_000000"), map[string]string{"board.kicad_pcb": "old"})
	writeArchive(t, catalog.ArchivePath("2024-06-01_120000"), map[string]string{"board.kicad_pcb": "new"})
	writeArchive(t, filepath.Join(catalog.Dir(), "manual-copy.zip"), map[string]string{"x": "y"})
	require.NoError(t, os.WriteFile(filepath.Join(catalog.Dir(), "board-2023-01-01_000000.txt"), []byte("not an archive"), 0o644))

	ids, err := catalog.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-06-01_120000", "2024-01-01_000000"}, ids)
}

func TestListWithoutBackupsDirectory(t *testing.T) {
	ids, err := NewCatalog(t.TempDir(), "board").List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestOpenReadsEntry(t *testing.T) {
	catalog := NewCatalog(t.TempDir(), "board")
	writeArchive(t, catalog.ArchivePath("2024-01-01_000000"), map[string]string{
		"board.kicad_pcb":     "(kicad_pcb)",
		"sub/power.kicad_sch": "(kicad_sch)",
	})

	reader, err := catalog.Open("2024-01-01_000000", filepath.Join("sub", "power.kicad_sch"))
	require.NoError(t, err)
	contents, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	assert.Equal(t, "(kicad_sch)", string(contents))
}

func TestOpenReportsMissingArchiveAndEntry(t *testing.T) {
	catalog := NewCatalog(t.TempDir(), "board")
	_, err := catalog.Open("2024-01-01_000000", "board.kicad_pcb")
	assert.ErrorIs(t, err, ErrNotFound, "missing archive")

	writeArchive(t, catalog.ArchivePath("2024-01-01_000000"), map[string]string{"board.kicad_pcb": "x"})
	_, err = catalog.Open("2024-01-01_000000", "board.kicad_sch")
	assert.ErrorIs(t, err, ErrNotFound, "missing entry")
}
