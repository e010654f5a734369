package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/metrics"
	"go.uber.org/zap"
)

var designExtensions = map[string]bool{
	".kicad_pcb": true,
	".kicad_sch": true,
	".kicad_pro": true,
}

const designChangeOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// ProjectWatcher bumps the working-copy generation when a design file in the
// project directory changes, and reports moves of the git HEAD.
type ProjectWatcher struct {
	projectDir string
	gitDir     string
	workspace  *Workspace
	dispatcher *ChangeDispatcher
	metrics    *metrics.Metrics
	watcher    *fsnotify.Watcher
	logger     *zap.Logger
}

type WatcherConfig struct {
	ProjectDir string
	// GitDir is the .git directory of the enclosing repository, if any.
	GitDir     string
	Workspace  *Workspace
	Dispatcher *ChangeDispatcher
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

func NewProjectWatcher(cfg WatcherConfig) (*ProjectWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProjectWatcher{
		projectDir: cfg.ProjectDir,
		gitDir:     cfg.GitDir,
		workspace:  cfg.Workspace,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		watcher:    watcher,
		logger:     logger,
	}, nil
}

// Start registers the watches and processes events until ctx is done or the
// watcher is closed.
func (w *ProjectWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.projectDir); err != nil {
		return err
	}
	if w.gitDir != "" {
		for _, path := range []string{filepath.Join(w.gitDir, "HEAD"), filepath.Join(w.gitDir, "refs", "heads")} {
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := w.watcher.Add(path); err != nil {
				w.logger.Debug("failed to watch git path", zap.String("path", path), zap.Error(err))
			}
		}
	}
	w.logger.Info("watching working copy", zap.String("project_dir", w.projectDir))

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("working copy watcher error", zap.Error(err))
		case <-ctx.Done():
			w.logger.Debug("working copy watcher stopping")
			return nil
		}
	}
}

func (w *ProjectWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&designChangeOps == 0 {
		return
	}

	if w.isGitPath(event.Name) {
		w.logger.Info("git refs changed", zap.String("path", event.Name))
		w.publish(ChangeEventHistory, event.Name, w.workspace.Generation())
		return
	}

	if filepath.Dir(event.Name) != filepath.Clean(w.projectDir) || !designExtensions[filepath.Ext(event.Name)] {
		return
	}
	generation := w.workspace.Bump()
	w.metrics.ObserveWorkingCopyChange()
	w.logger.Info("working copy changed",
		zap.String("file", event.Name),
		zap.String("op", event.Op.String()),
		zap.Uint64("generation", generation))
	w.publish(ChangeEventWorkingCopy, filepath.Base(event.Name), generation)
}

func (w *ProjectWatcher) isGitPath(path string) bool {
	if w.gitDir == "" {
		return false
	}
	rel, err := filepath.Rel(w.gitDir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *ProjectWatcher) publish(eventType, file string, generation uint64) {
	if w.dispatcher == nil {
		return
	}
	w.dispatcher.Publish(ChangeMessage{
		EventType:  eventType,
		Files:      []string{file},
		Generation: generation,
		Timestamp:  time.Now().UTC(),
	})
}

func (w *ProjectWatcher) Close() error {
	return w.watcher.Close()
}
