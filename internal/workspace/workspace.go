// Package workspace owns the process-scoped scratch tree holding extracted
// files and rendered SVGs.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/version"
	"go.uber.org/zap"
)

const dirPrefix = "kidivis"

// Workspace is a temporary directory removed by Close.
type Workspace struct {
	root       string
	generation atomic.Uint64
	logger     *zap.Logger
}

// New creates a fresh workspace below baseDir, or below the OS temp dir
// when baseDir is empty.
func New(baseDir string, logger *zap.Logger) (*Workspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace base dir: %w", err)
		}
	}
	root, err := os.MkdirTemp(baseDir, dirPrefix)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	logger.Info("workspace created", zap.String("path", root))
	return &Workspace{root: root, logger: logger}, nil
}

// Root returns the workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// Generation returns the current working-copy generation.
func (w *Workspace) Generation() uint64 {
	return w.generation.Load()
}

// Bump starts a new working-copy generation so later extractions of the
// working copy land in a fresh directory.
func (w *Workspace) Bump() uint64 {
	return w.generation.Add(1)
}

// VersionDir returns the directory holding files extracted for v.
func (w *Workspace) VersionDir(v version.Version) string {
	return filepath.Join(w.root, filepath.FromSlash(v.CacheDir(w.Generation())))
}

// Path joins elem onto the workspace root.
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.root}, elem...)...)
}

// Close removes the workspace tree.
func (w *Workspace) Close() error {
	if err := os.RemoveAll(w.root); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	w.logger.Info("workspace removed", zap.String("path", w.root))
	return nil
}
