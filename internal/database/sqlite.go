package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/journal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// busyTimeoutPragma lets concurrent render goroutines wait for the journal
// lock instead of failing with SQLITE_BUSY.
const busyTimeoutPragma = "_pragma=busy_timeout(5000)"

var errMissingPath = errors.New("database: journal path is required")

// OpenSQLite opens the render journal at path, creating its directory, and
// brings the schema up to date.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errMissingPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("database: create journal dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(journalDSN(path)), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}
	pool, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: connection pool: %w", err)
	}
	// A single writer keeps sqlite from interleaving journal inserts.
	pool.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		_ = pool.Close()
		return nil, err
	}
	logger.Info("render journal ready", zap.String("path", path))
	return db, nil
}

// Migrate creates the journal tables and runs any migration not yet recorded.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&journal.RenderRecord{}, &migrationRecord{}); err != nil {
		return fmt.Errorf("database: auto migrate: %w", err)
	}
	return applyMigrations(db, logger)
}

func journalDSN(path string) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + busyTimeoutPragma
}
