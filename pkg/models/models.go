// Package models contains the shared domain types for the ledger and
// settlement engine.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountBucket identifies one of the two logical balance buckets.
type AccountBucket string

const (
	// AccountTrading holds balances available for trade execution.
	AccountTrading AccountBucket = "trading"
	// AccountFunding holds balances staged for deposit and withdrawal.
	AccountFunding AccountBucket = "funding"
)

// Valid reports whether the bucket is one of the two known buckets.
func (b AccountBucket) Valid() bool {
	return b == AccountTrading || b == AccountFunding
}

// AssetBalance is the per-asset balance held inside a bucket.
// Invariant: 0 <= Available <= Balance.
type AssetBalance struct {
	Asset     string          `json:"asset" validate:"required"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TradeKind discriminates the trade request variants.
type TradeKind string

const (
	TradeSpot            TradeKind = "spot"
	TradeFutures         TradeKind = "futures"
	TradeAccountTransfer TradeKind = "account_transfer"
	TradeUserTransfer    TradeKind = "user_transfer"
)

// TradeAction is the direction of a spot or futures trade.
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// TradeRequest is a single-use request consumed by the settlement engine.
// It is never mutated after creation.
type TradeRequest struct {
	ID         uuid.UUID       `json:"id"`
	Kind       TradeKind       `json:"kind" validate:"required,oneof=spot futures account_transfer user_transfer"`
	Action     TradeAction     `json:"action" validate:"omitempty,oneof=buy sell"`
	Symbol     string          `json:"symbol"`
	Amount     decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Price      decimal.Decimal `json:"price"`
	Leverage   int             `json:"leverage,omitempty" validate:"omitempty,min=1"`
	FromBucket AccountBucket   `json:"from_bucket,omitempty"`
	ToBucket   AccountBucket   `json:"to_bucket,omitempty"`
	Recipient  string          `json:"recipient,omitempty"`
}

// TradeResult is the outcome of a settlement. At most one of Profit/Loss
// is set, and only when Success is true.
type TradeResult struct {
	Success bool             `json:"success"`
	Profit  *decimal.Decimal `json:"profit,omitempty"`
	Loss    *decimal.Decimal `json:"loss,omitempty"`
	Message string           `json:"message,omitempty"`
}

// TradeState is the lifecycle state of a trade tracked by the engine.
type TradeState string

const (
	TradePending   TradeState = "pending"
	TradeRunning   TradeState = "running"
	TradeCompleted TradeState = "completed"
	TradeCancelled TradeState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s TradeState) Terminal() bool {
	return s == TradeCompleted || s == TradeCancelled
}

// TradeRecord is the engine's view of a trade across its lifecycle.
// It backs the trade-history export.
type TradeRecord struct {
	ID        uuid.UUID       `json:"id"`
	Kind      TradeKind       `json:"kind"`
	Action    TradeAction     `json:"action"`
	Symbol    string          `json:"symbol"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	State     TradeState      `json:"state"`
	Result    *TradeResult    `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ActivityRecord is one immutable entry in the activity log.
type ActivityRecord struct {
	ID          uuid.UUID        `json:"id"`
	Type        string           `json:"type" validate:"required"`
	Description string           `json:"description"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Icon        string           `json:"icon,omitempty"`
}

// MarketPrice is a price tick from the price-feed collaborator.
type MarketPrice struct {
	Symbol    string          `json:"symbol" validate:"required"`
	Price     decimal.Decimal `json:"price" validate:"required"`
	Change    decimal.Decimal `json:"change"`
	Volume    decimal.Decimal `json:"volume"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AuditRecord is written whenever an admin forces a trade outcome.
type AuditRecord struct {
	ID            uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	TradeID       uuid.UUID `json:"trade_id" gorm:"type:uuid;index"`
	PreviousState string    `json:"previous_state"`
	NewState      string    `json:"new_state"`
	ActingAdminID string    `json:"acting_admin_id" gorm:"index"`
	CreatedAt     time.Time `json:"created_at"`
}

// UserProfile is the persistence collaborator's view of a user.
type UserProfile struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Email     string    `json:"email" gorm:"uniqueIndex"`
	IsAdmin   bool      `json:"is_admin"`
	KYCStatus string    `json:"kyc_status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BalanceSnapshot is one persisted (bucket, asset) balance row.
type BalanceSnapshot struct {
	ID        uint            `json:"id" gorm:"primaryKey;autoIncrement"`
	Bucket    string          `json:"bucket" gorm:"uniqueIndex:idx_bucket_asset"`
	Asset     string          `json:"asset" gorm:"uniqueIndex:idx_bucket_asset"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:numeric"`
	Available decimal.Decimal `json:"available" gorm:"type:numeric"`
	UpdatedAt time.Time       `json:"updated_at"`
}
