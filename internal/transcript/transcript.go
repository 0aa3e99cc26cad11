// Package transcript records finished turns to a sqlite database for
// later inspection. It is a diagnostic log; sessions are never restored
// from it.
package transcript

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Turn outcomes.
const (
	OutcomeComplete  = "complete"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Turn captures one agent invocation and what came back.
type Turn struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string    `gorm:"size:64;index" json:"session_id"`
	Model          string    `gorm:"size:64" json:"model"`
	Prompt         string    `gorm:"type:text" json:"prompt"`
	Content        string    `gorm:"type:text" json:"content"`
	Outcome        string    `gorm:"size:16" json:"outcome"`
	ExitCode       int       `json:"exit_code"`
	ContinuationID string    `gorm:"size:128" json:"continuation_id,omitempty"`
	Error          string    `gorm:"type:text" json:"error,omitempty"`
	LatencyMs      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store writes and reads turns.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the turns table.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Turn{}); err != nil {
		return nil, fmt.Errorf("transcript: auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordTurn inserts t.
func (s *Store) RecordTurn(ctx context.Context, t Turn) error {
	if err := s.db.WithContext(ctx).Create(&t).Error; err != nil {
		return fmt.Errorf("transcript: record turn for session %s: %w", t.SessionID, err)
	}
	return nil
}

// ListBySession returns a session's turns, oldest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]Turn, error) {
	var turns []Turn
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("transcript: list session %s: %w", sessionID, err)
	}
	return turns, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("transcript: close: %w", err)
	}
	return sqlDB.Close()
}
