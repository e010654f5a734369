package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/auth"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/config"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/database"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/diff"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/history"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/journal"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/logging"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/metrics"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/overlay"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/project"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/render"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/repo"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/server"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/snapshot"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/workspace"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	journalFileName = "journal.db"
	shutdownTimeout = 10 * time.Second
)

// sources are the version sources of one discovered project.
type sources struct {
	project     project.Project
	historyRoot string
	// backend is nil outside a git repository.
	backend history.Backend
	catalog *snapshot.Catalog
}

func discoverSources(appConfig config.AppConfig, inputs []string, logger *zap.Logger) (sources, error) {
	proj, err := project.Discover(inputs)
	if err != nil {
		return sources{}, err
	}
	result := sources{
		project: proj,
		catalog: snapshot.NewCatalog(proj.Dir, proj.Stem),
	}

	root, ok := repo.FindHistoryRoot(proj.Dir)
	if !ok {
		logger.Warn("project is not inside a git repository; revisions are unavailable", zap.String("project_dir", proj.Dir))
		return result, nil
	}
	result.historyRoot = root
	switch appConfig.HistoryBackend {
	case config.HistoryBackendCLI:
		result.backend = history.NewCLIBackend(root, "", logger)
	default:
		result.backend = history.NewGoGitBackend(root)
	}
	return result, nil
}

func (s sources) historyReader(logger *zap.Logger) *history.Reader {
	if s.backend == nil {
		return nil
	}
	return history.NewReader(s.backend, logger)
}

func runServer(ctx context.Context, inputs []string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	found, err := discoverSources(appConfig, inputs, logger)
	if err != nil {
		logger.Error("failed to discover project", zap.Strings("inputs", inputs), zap.Error(err))
		return err
	}
	logger.Info("kicad project",
		zap.String("project_dir", found.project.Dir),
		zap.String("board", found.project.BoardPath),
		zap.String("schematic", found.project.SchematicPath),
		zap.String("history_root", found.historyRoot))

	ws, err := workspace.New(appConfig.WorkspaceBaseDir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Warn("failed to remove workspace", zap.String("root", ws.Root()), zap.Error(err))
		}
	}()
	logger.Info("temporary directory", zap.String("root", ws.Root()))

	registry := metrics.New()

	databasePath := appConfig.DatabasePath
	if databasePath == "" {
		databasePath = ws.Path(journalFileName)
	}
	db, err := database.OpenSQLite(databasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	journalService, err := journal.NewService(journal.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: journal.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	storeConfig := repo.Config{
		ProjectDir:  found.project.Dir,
		HistoryRoot: found.historyRoot,
		Snapshots:   found.catalog,
		Metrics:     registry,
		Logger:      logger,
	}
	if found.backend != nil {
		storeConfig.History = found.backend
	}

	diffConfig := diff.Config{
		Project:   found.project,
		Layers:    appConfig.Layers,
		Workspace: ws,
		Files:     repo.New(storeConfig),
		Renderer:  render.NewKiCadCLI(appConfig.KiCadCLI, logger),
		Overlayer: overlay.NewGenerator(logger),
		Snapshots: found.catalog,
		Journal:   journalService,
		Metrics:   registry,
		Logger:    logger,
	}
	if reader := found.historyReader(logger); reader != nil {
		diffConfig.History = reader
	}
	orchestrator, err := diff.New(diffConfig)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := workspace.NewChangeDispatcher()
	if appConfig.WatchWorkingCopy {
		gitDir := ""
		if found.historyRoot != "" {
			gitDir = filepath.Join(found.historyRoot, ".git")
		}
		watcher, err := workspace.NewProjectWatcher(workspace.WatcherConfig{
			ProjectDir: found.project.Dir,
			GitDir:     gitDir,
			Workspace:  ws,
			Dispatcher: dispatcher,
			Metrics:    registry,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer watcher.Close()
		go func() {
			if err := watcher.Start(signalCtx); err != nil {
				logger.Warn("working copy watcher stopped", zap.Error(err))
			}
		}()
	}

	deps := server.Dependencies{
		Diff:           orchestrator,
		Journal:        journalService,
		Changes:        dispatcher,
		Metrics:        registry,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	}
	if appConfig.AuthEnabled() {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
		})
		if err != nil {
			return err
		}
		deps.Sessions = validator
		logger.Info("access tokens required; mint one with `kidivis token`")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress(),
		Handler:           handler,
		ReadTimeout:       appConfig.ReadTimeout,
		ReadHeaderTimeout: appConfig.ReadTimeout,
		IdleTimeout:       appConfig.IdleTimeout,
		// Event streams end with the signal context so Shutdown can drain.
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress()),
			zap.String("url", accessURL(appConfig)))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func accessURL(appConfig config.AppConfig) string {
	host := appConfig.ServerHost
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	copied := appConfig
	copied.ServerHost = host
	return "http://" + copied.HTTPAddress() + "/"
}
