// Package store persists access decisions to Postgres so the admin console
// can list recent security events per tenant.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/asimihsan/routegate/pkg/gate"
)

// ReasonSystemError marks rows written by LogSystemError.
const ReasonSystemError = "system_error"

// DefaultRecentLimit caps Recent when limit is not positive.
const DefaultRecentLimit = 50

var errDBUnavailable = errors.New("audit store: database unavailable")

// AccessDecision is one audited verdict.
type AccessDecision struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	Route          string `gorm:"not null"`
	Outcome        string `gorm:"not null"`
	Reason         string `gorm:"index"`
	Redirect       string
	UserID         string `gorm:"index"`
	TenantID       string `gorm:"index"`
	Role           string
	Engine         string
	PolicyID       string
	ConfigID       string
	DurationMicros int64
	Error          string
	DecidedAt      time.Time `gorm:"index;not null"`
}

func (AccessDecision) TableName() string {
	return "access_decisions"
}

// Store implements gate.AuditLogger on top of gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ gate.AuditLogger = (*Store)(nil)

// Open connects to Postgres at dsn.
func Open(dsn string) (*Store, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(gdb), nil
}

// New wraps an existing connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AutoMigrate creates or updates the access_decisions table.
func (s *Store) AutoMigrate(ctx context.Context) error {
	if s.db == nil {
		return errDBUnavailable
	}
	return s.db.WithContext(ctx).AutoMigrate(&AccessDecision{})
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LogDecision implements gate.AuditLogger.
func (s *Store) LogDecision(ctx context.Context, record gate.DecisionRecord) error {
	if s.db == nil {
		return errDBUnavailable
	}
	row := AccessDecision{
		ID:             record.ID,
		Route:          record.Route,
		Outcome:        record.Verdict.Phase().String(),
		Reason:         string(record.Verdict.Reason),
		Redirect:       record.Verdict.Redirect,
		UserID:         record.UserID,
		TenantID:       record.TenantID,
		Role:           record.Role,
		Engine:         record.Engine,
		PolicyID:       record.PolicyID,
		ConfigID:       record.ConfigID,
		DurationMicros: record.EvalDuration.Microseconds(),
		DecidedAt:      record.At.UTC(),
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if record.At.IsZero() {
		row.DecidedAt = s.now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert access decision: %w", err)
	}
	return nil
}

// LogSystemError implements gate.AuditLogger.
func (s *Store) LogSystemError(ctx context.Context, systemError error, route, policyID, configID string) error {
	if s.db == nil {
		return errDBUnavailable
	}
	row := AccessDecision{
		ID:        uuid.NewString(),
		Route:     route,
		Outcome:   gate.PhaseDenied.String(),
		Reason:    ReasonSystemError,
		PolicyID:  policyID,
		ConfigID:  configID,
		DecidedAt: s.now().UTC(),
	}
	if systemError != nil {
		row.Error = systemError.Error()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert system error: %w", err)
	}
	return nil
}

// Recent lists the newest decisions for tenantID, newest first.
func (s *Store) Recent(ctx context.Context, tenantID string, limit int) ([]AccessDecision, error) {
	if s.db == nil {
		return nil, errDBUnavailable
	}
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	var rows []AccessDecision
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("decided_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list access decisions: %w", err)
	}
	return rows, nil
}
