package database

import (
	"fmt"
	"time"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/journal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migration struct {
	name  string
	apply func(*gorm.DB) error
}

// journalMigrations run in order; names are never reused.
var journalMigrations = []migration{
	{name: "2025-04-01_index_render_record_lookups", apply: indexRenderLookups},
	{name: "2025-04-12_normalize_render_outcome_case", apply: normalizeOutcomeCase},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	var appliedNames []string
	if err := db.Model(&migrationRecord{}).Pluck("name", &appliedNames).Error; err != nil {
		return fmt.Errorf("database: list migrations: %w", err)
	}
	applied := make(map[string]bool, len(appliedNames))
	for _, name := range appliedNames {
		applied[name] = true
	}

	for _, pending := range journalMigrations {
		if applied[pending.name] {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := pending.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: pending.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("database: migration %s: %w", pending.name, err)
		}
		logger.Info("journal migration applied", zap.String("migration", pending.name))
	}
	return nil
}

func indexRenderLookups(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS idx_render_records_version_object ON render_records (version, object)").Error
}

// normalizeOutcomeCase folds outcomes written by early builds ("OK", "Failed").
func normalizeOutcomeCase(db *gorm.DB) error {
	return db.Model(&journal.RenderRecord{}).
		Where("outcome <> lower(outcome)").
		Update("outcome", gorm.Expr("lower(outcome)")).Error
}
