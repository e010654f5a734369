// Package snapshot reads the timestamped backup archives KiCad keeps next to a project.
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/version"
)

// ErrNotFound reports a missing archive or archive entry.
var ErrNotFound = errors.New("snapshot: not found")

const archiveExt = ".zip"

// Catalog locates archives in <projectDir>/<stem>-backups.
type Catalog struct {
	dir  string
	stem string
}

// NewCatalog returns the catalog for the project with the given stem.
func NewCatalog(projectDir, projectStem string) *Catalog {
	return &Catalog{
		dir:  filepath.Join(projectDir, projectStem+"-backups"),
		stem: projectStem,
	}
}

// Dir returns the backups directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// ArchivePath returns the archive expected for id.
func (c *Catalog) ArchivePath(id string) string {
	return filepath.Join(c.dir, c.stem+"-"+id+archiveExt)
}

// List returns the snapshot ids found in the backups directory, newest first.
// Files whose names carry no timestamp are skipped; a missing directory yields
// an empty list.
func (c *Catalog) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backups dir: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != archiveExt {
			continue
		}
		id := version.SnapshotPattern.FindString(strings.TrimSuffix(entry.Name(), archiveExt))
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// Open returns a reader for entry inside the archive of snapshot id. The
// caller must close it.
func (c *Catalog) Open(id, entry string) (io.ReadCloser, error) {
	archivePath := c.ArchivePath(id)
	archive, err := zip.OpenReader(archivePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: archive %s", ErrNotFound, archivePath)
	}
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", archivePath, err)
	}

	name := filepath.ToSlash(entry)
	for _, file := range archive.File {
		if file.Name != name {
			continue
		}
		reader, err := file.Open()
		if err != nil {
			archive.Close()
			return nil, fmt.Errorf("open %s in %s: %w", name, archivePath, err)
		}
		return &entryReader{ReadCloser: reader, archive: archive}, nil
	}
	archive.Close()
	return nil, fmt.Errorf("%w: %s in archive %s", ErrNotFound, name, archivePath)
}

type entryReader struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (r *entryReader) Close() error {
	entryErr := r.ReadCloser.Close()
	archiveErr := r.archive.Close()
	return errors.Join(entryErr, archiveErr)
}
