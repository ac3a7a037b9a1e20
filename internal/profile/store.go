// Package profile persists user profiles and ledger balance snapshots so
// the engine can restore state across restarts.
package profile

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bitvelo/tradesync/internal/bus"
	"github.com/bitvelo/tradesync/internal/ledger"
	"github.com/bitvelo/tradesync/internal/transport"
	"github.com/bitvelo/tradesync/pkg/models"
)

// ErrProfileNotFound is returned for an unknown user.
var ErrProfileNotFound = errors.New("profile not found")

// Store is the gorm-backed persistence collaborator. It also satisfies
// the override service's Authorizer via the is_admin flag.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewStore migrates the profile and balance tables and returns the store.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&models.UserProfile{}, &models.BalanceSnapshot{}); err != nil {
		return nil, fmt.Errorf("failed to migrate profile tables: %w", err)
	}
	return &Store{logger: logger, db: db}, nil
}

// Create inserts a new profile.
func (s *Store) Create(p models.UserProfile) (models.UserProfile, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if err := s.db.Create(&p).Error; err != nil {
		return models.UserProfile{}, fmt.Errorf("failed to create profile: %w", err)
	}
	return p, nil
}

// Get loads a profile by ID.
func (s *Store) Get(id uuid.UUID) (models.UserProfile, error) {
	var p models.UserProfile
	err := s.db.First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.UserProfile{}, ErrProfileNotFound
	}
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("failed to load profile: %w", err)
	}
	return p, nil
}

// GetByEmail loads a profile by email.
func (s *Store) GetByEmail(email string) (models.UserProfile, error) {
	var p models.UserProfile
	err := s.db.First(&p, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.UserProfile{}, ErrProfileNotFound
	}
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("failed to load profile: %w", err)
	}
	return p, nil
}

// SetKYCStatus updates a profile's KYC status.
func (s *Store) SetKYCStatus(id uuid.UUID, status string) error {
	res := s.db.Model(&models.UserProfile{}).Where("id = ?", id).
		Updates(map[string]interface{}{"kyc_status": status, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to update kyc status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// SetAdmin flips a profile's admin flag.
func (s *Store) SetAdmin(id uuid.UUID, isAdmin bool) error {
	res := s.db.Model(&models.UserProfile{}).Where("id = ?", id).
		Updates(map[string]interface{}{"is_admin": isAdmin, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to update admin flag: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// IsAdmin implements the override Authorizer: the acting ID must be a
// known profile with the admin flag set.
func (s *Store) IsAdmin(adminID string) bool {
	id, err := uuid.Parse(adminID)
	if err != nil {
		return false
	}
	p, err := s.Get(id)
	if err != nil {
		return false
	}
	return p.IsAdmin
}

// SaveBalances upserts a snapshot of every (bucket, asset) balance the
// ledger holds.
func (s *Store) SaveBalances(l *ledger.Ledger) error {
	for _, bucket := range []models.AccountBucket{models.AccountTrading, models.AccountFunding} {
		for asset, bal := range l.Snapshot(bucket) {
			row := models.BalanceSnapshot{
				Bucket:    string(bucket),
				Asset:     asset,
				Balance:   bal.Balance,
				Available: bal.Available,
				UpdatedAt: time.Now(),
			}
			err := s.db.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "bucket"}, {Name: "asset"}},
				DoUpdates: clause.AssignmentColumns([]string{"balance", "available", "updated_at"}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("failed to save balance %s/%s: %w", bucket, asset, err)
			}
		}
	}
	return nil
}

// LoadBalances seeds the ledger from the persisted snapshots. Rows that
// fail the ledger's invariants are skipped and logged, never restored.
func (s *Store) LoadBalances(l *ledger.Ledger) error {
	var rows []models.BalanceSnapshot
	if err := s.db.Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load balance snapshots: %w", err)
	}
	for _, row := range rows {
		bal := models.AssetBalance{
			Asset:     row.Asset,
			Balance:   row.Balance,
			Available: row.Available,
			UpdatedAt: row.UpdatedAt,
		}
		if err := l.Restore(models.AccountBucket(row.Bucket), bal); err != nil {
			s.logger.Warn("skipping invalid balance snapshot",
				zap.String("bucket", row.Bucket),
				zap.String("asset", row.Asset),
				zap.Error(err))
		}
	}
	return nil
}

// Attach subscribes the store to the server events that touch profiles:
// new registrations and KYC status changes.
func (s *Store) Attach(b *bus.Bus) {
	b.On(transport.TypeUserRegistered, func(evt bus.Event) {
		p, ok := evt.Payload.(transport.UserRegisteredPayload)
		if !ok {
			return
		}
		if _, err := s.Create(models.UserProfile{ID: p.UserID, Email: p.Email, KYCStatus: "pending"}); err != nil {
			s.logger.Warn("failed to persist registration",
				zap.String("user_id", p.UserID.String()),
				zap.Error(err))
		}
	})
	b.On(transport.TypeKYCStatusUpdate, func(evt bus.Event) {
		p, ok := evt.Payload.(transport.KYCStatusPayload)
		if !ok {
			return
		}
		if err := s.SetKYCStatus(p.UserID, p.Status); err != nil {
			s.logger.Warn("failed to persist kyc status",
				zap.String("user_id", p.UserID.String()),
				zap.Error(err))
		}
	})
}
