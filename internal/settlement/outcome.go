package settlement

import (
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/bitvelo/tradesync/pkg/models"
)

// OutcomeStrategy decides the result of a futures position at resolution
// time. The engine consults it only when no forced outcome is attached to
// the trade.
type OutcomeStrategy interface {
	Decide(rec models.TradeRecord, margin decimal.Decimal) models.TradeResult
}

// PayoutStrategy is the default strategy: a coin flip weighted by WinRate,
// paying PayoutRatio of the margin on a win and forfeiting the margin on a
// loss.
type PayoutStrategy struct {
	WinRate     float64
	PayoutRatio decimal.Decimal

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPayoutStrategy creates the default strategy with the given win rate
// in [0, 1] and payout ratio applied to the staked margin.
func NewPayoutStrategy(winRate float64, payoutRatio decimal.Decimal, seed int64) *PayoutStrategy {
	return &PayoutStrategy{
		WinRate:     winRate,
		PayoutRatio: payoutRatio,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Decide implements OutcomeStrategy.
func (s *PayoutStrategy) Decide(rec models.TradeRecord, margin decimal.Decimal) models.TradeResult {
	s.mu.Lock()
	win := s.rng.Float64() < s.WinRate
	s.mu.Unlock()

	if win {
		profit := margin.Mul(s.PayoutRatio)
		return models.TradeResult{Success: true, Profit: &profit, Message: "position closed in profit"}
	}
	loss := margin
	return models.TradeResult{Success: true, Loss: &loss, Message: "position closed at a loss"}
}
