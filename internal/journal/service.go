// Package journal persists a record of every renderer invocation.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "journal.service.new"
	opRecord     = "journal.record"
	opRecent     = "journal.recent"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Record stores entry.
func (s *Service) Record(ctx context.Context, entry Entry) error {
	if s.idProvider == nil {
		return newServiceError(opRecord, "missing_id_provider", errMissingIDProvider)
	}
	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRecord, "id_generation_failed", err)
		return newServiceError(opRecord, "id_generation_failed", err)
	}

	record := RenderRecord{
		RecordID:         recordID,
		RequestID:        entry.RequestID,
		Version:          entry.Version,
		Object:           entry.Object,
		Mode:             entry.Mode,
		FitBoard:         entry.FitBoard,
		DurationMillis:   entry.Duration.Milliseconds(),
		Outcome:          OutcomeOK,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if entry.Err != nil {
		record.Outcome = OutcomeFailed
		record.ErrorMessage = entry.Err.Error()
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opRecord, "insert_failed", err,
			zap.String("version", entry.Version),
			zap.String("object", entry.Object))
		return newServiceError(opRecord, "insert_failed", err)
	}
	return nil
}

// Recent returns up to limit records, newest first. Non-positive limits
// select DefaultRecentLimit; limits above MaxRecentLimit are clamped.
func (s *Service) Recent(ctx context.Context, limit int) ([]RenderRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	var records []RenderRecord
	if err := s.db.WithContext(ctx).
		Order("created_at_s DESC").
		Order("record_id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opRecent, "query_failed", err)
		return nil, newServiceError(opRecent, "query_failed", err)
	}
	return records, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("journal service error", attrs...)
}
