// Package audit persists the override audit trail.
package audit

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bitvelo/tradesync/pkg/models"
)

// Store writes and reads audit records through gorm. It satisfies the
// override service's AuditLog.
type Store struct {
	db *gorm.DB
}

// NewStore migrates the audit table and returns the store.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&models.AuditRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit records: %w", err)
	}
	return &Store{db: db}, nil
}

// Write appends one audit record.
func (s *Store) Write(rec models.AuditRecord) error {
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

// ForTrade returns every audit record for a trade, oldest first.
func (s *Store) ForTrade(tradeID uuid.UUID) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	err := s.db.Where("trade_id = ?", tradeID).Order("created_at asc").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load audit records: %w", err)
	}
	return out, nil
}

// Recent returns the n newest audit records, newest first.
func (s *Store) Recent(n int) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	err := s.db.Order("created_at desc").Limit(n).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load audit records: %w", err)
	}
	return out, nil
}
