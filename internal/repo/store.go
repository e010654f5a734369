// Package repo materializes project files as they existed at a given version.
package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/metrics"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/snapshot"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/version"
	"go.uber.org/zap"
)

var (
	// ErrNotFound reports a file, archive or archive entry that does not exist.
	ErrNotFound = errors.New("repo: not found")
	// ErrNoHistoryRoot reports a revision lookup for a project outside any git repository.
	ErrNoHistoryRoot = errors.New("repo: project is not inside a git repository")
)

const gitMarkerDir = ".git"

// HistoryBackend returns file contents as of a revision.
type HistoryBackend interface {
	Show(ctx context.Context, ref, relPath string) ([]byte, error)
}

// SnapshotSource opens entries of snapshot archives.
type SnapshotSource interface {
	Open(id, entry string) (io.ReadCloser, error)
}

// Config describes the sources a Store dispatches to.
type Config struct {
	ProjectDir  string
	HistoryRoot string
	History     HistoryBackend
	Snapshots   SnapshotSource
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Store extracts files from the working copy, snapshots and git history.
type Store struct {
	projectDir  string
	historyRoot string
	history     HistoryBackend
	snapshots   SnapshotSource
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// New constructs a Store.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		projectDir:  cfg.ProjectDir,
		historyRoot: cfg.HistoryRoot,
		history:     cfg.History,
		snapshots:   cfg.Snapshots,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

// FindHistoryRoot walks up from start to the first directory holding a .git
// directory. It reports false when the filesystem root is reached first.
func FindHistoryRoot(start string) (string, bool) {
	current := filepath.Clean(start)
	for {
		info, err := os.Stat(filepath.Join(current, gitMarkerDir))
		if err == nil && info.IsDir() {
			return current, true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		current = parent
	}
}

// Extract writes name as of v to dst. An existing dst is left untouched and
// no source is consulted, which makes repeated and racing calls for the same
// destination safe.
func (s *Store) Extract(ctx context.Context, v version.Version, name, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		s.metrics.ObserveExtraction(v.Kind().String(), metrics.OutcomeHit)
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", dst, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}

	s.logger.Debug("extract file",
		zap.String("version", v.String()),
		zap.String("kind", v.Kind().String()),
		zap.String("file", name),
		zap.String("dst", dst))

	var err error
	switch v.Kind() {
	case version.KindCurrent:
		err = s.extractWorkingCopy(name, dst)
	case version.KindSnapshot:
		err = s.extractSnapshot(v.ID(), name, dst)
	default:
		err = s.extractRevision(ctx, v.ID(), name, dst)
	}
	if err != nil {
		s.metrics.ObserveExtraction(v.Kind().String(), metrics.OutcomeError)
		return err
	}
	s.metrics.ObserveExtraction(v.Kind().String(), metrics.OutcomeMiss)
	return nil
}

func (s *Store) extractWorkingCopy(name, dst string) error {
	source, err := os.Open(filepath.Join(s.projectDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: working copy file %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("open working copy file: %w", err)
	}
	defer source.Close()
	return writeAtomically(dst, source)
}

func (s *Store) extractSnapshot(id, name, dst string) error {
	if s.snapshots == nil {
		return fmt.Errorf("%w: no snapshot source configured", ErrNotFound)
	}
	entry, err := s.snapshots.Open(id, name)
	if errors.Is(err, snapshot.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", id, err)
	}
	defer entry.Close()
	return writeAtomically(dst, entry)
}

func (s *Store) extractRevision(ctx context.Context, ref, name, dst string) error {
	if s.historyRoot == "" || s.history == nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrNoHistoryRoot, ref)
	}
	relPath, err := filepath.Rel(s.historyRoot, filepath.Join(s.projectDir, name))
	if err != nil {
		return fmt.Errorf("relative path of %s: %w", name, err)
	}
	contents, err := s.history.Show(ctx, ref, relPath)
	if err != nil {
		return fmt.Errorf("show %s at %s: %w", relPath, ref, err)
	}
	return writeAtomically(dst, bytes.NewReader(contents))
}

// writeAtomically streams source into a sibling temp file and renames it onto
// dst so readers never observe a partial entry.
func writeAtomically(dst string, source io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, source); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("copy into %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", dst, err)
	}
	return nil
}
