package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bitvelo/tradesync/pkg/models"
)

// Wire message types. Every inbound message carries one of these in its
// mandatory "type" field.
const (
	TypeAuth            = "auth"
	TypeTrade           = "trade"
	TypeWalletUpdate    = "wallet_update"
	TypeChatMessage     = "chat_message"
	TypePriceUpdate     = "price_update"
	TypeAdminAction     = "admin_action"
	TypeKYCStatusUpdate = "kyc_status_update"
	TypeUserRegistered  = "user_registered"
	TypeTradeCompleted  = "trade_completed"
)

// Local lifecycle events emitted by the transport. These never cross the
// wire.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// ErrUnknownMessageType marks an inbound type outside the known set.
var ErrUnknownMessageType = errors.New("unknown message type")

// AuthPayload carries a session authentication result.
type AuthPayload struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// TradePayload is a trade request arriving over the wire.
type TradePayload struct {
	models.TradeRequest
}

// WalletUpdatePayload mutates one (bucket, asset) balance.
type WalletUpdatePayload struct {
	Bucket models.AccountBucket `json:"bucket"`
	Asset  string               `json:"asset"`
	Amount decimal.Decimal      `json:"amount"`
	Op     string               `json:"op"`
	Ref    string               `json:"ref,omitempty"`
}

// ChatMessagePayload is a support-chat message.
type ChatMessagePayload struct {
	From   string    `json:"from"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// PriceUpdatePayload is a market tick.
type PriceUpdatePayload struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Change decimal.Decimal `json:"change"`
	Volume decimal.Decimal `json:"volume"`
}

// AdminActionPayload carries a server-initiated admin action, including
// forced trade outcomes.
type AdminActionPayload struct {
	Action  string          `json:"action"`
	TradeID uuid.UUID       `json:"trade_id"`
	AdminID string          `json:"admin_id"`
	Win     bool            `json:"win"`
	Payout  decimal.Decimal `json:"payout"`
}

// KYCStatusPayload updates a user's KYC status.
type KYCStatusPayload struct {
	UserID uuid.UUID `json:"user_id"`
	Status string    `json:"status"`
}

// UserRegisteredPayload announces a new registration.
type UserRegisteredPayload struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
}

// TradeCompletedPayload is the server's settlement acknowledgment.
type TradeCompletedPayload struct {
	TradeID uuid.UUID          `json:"trade_id"`
	Result  models.TradeResult `json:"result"`
}

// DisconnectedEvent is the payload of the local "disconnected" event.
// Exhausted is true once the reconnect budget is spent and no further
// attempts will be made.
type DisconnectedEvent struct {
	Exhausted bool
	Attempts  int
}

// decodeMessage validates an inbound envelope and decodes its payload
// into the typed struct for its "type". Unknown or malformed messages are
// rejected here, at the boundary, and never reach the bus.
func decodeMessage(raw []byte) (string, interface{}, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("envelope missing type field")
	}

	switch env.Type {
	case TypeAuth:
		var p AuthPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return env.Type, nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return env.Type, p, nil
	case TypeTrade:
		var p TradePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return env.Type, nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		if p.Amount.Sign() <= 0 {
			return env.Type, nil, fmt.Errorf("trade payload amount must be positive")
		}
		return env.Type, p, nil
	case TypeWalletUpdate:
		var p WalletUpdatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return env.Type, nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		if !p.Bucket.Valid() {
			return env.Type, nil, fmt.Errorf("wallet update for unknown bucket %q", p.Bucket)
		}
		return env.Type, p, nil
	case TypeChatMessage:
		var p ChatMessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return env.Type, nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return env.Type, p, nil
	case TypePriceUpdate:
		var p PriceUpdatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return env.Type, nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		if p.Symbol == "" {
			return env.Type, nil, fmt.Errorf("price update missing symbol")
		}
		return env.Type, p, nil
	case TypeAdminAction:
		var p AdminActionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return env.Type, nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return env.Type, p, nil
	case TypeKYCStatusUpdate:
		var p KYCStatusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return env.Type, nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return env.Type, p, nil
	case TypeUserRegistered:
		var p UserRegisteredPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return env.Type, nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return env.Type, p, nil
	case TypeTradeCompleted:
		var p TradeCompletedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return env.Type, nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return env.Type, p, nil
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}
