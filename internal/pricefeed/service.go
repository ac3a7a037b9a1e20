// Package pricefeed caches the latest market tick per symbol and values
// ledger holdings in USD terms.
package pricefeed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bitvelo/tradesync/internal/bus"
	"github.com/bitvelo/tradesync/internal/ledger"
	"github.com/bitvelo/tradesync/internal/transport"
	"github.com/bitvelo/tradesync/pkg/models"
)

// stableAssets are valued 1:1 with USD without a tick.
var stableAssets = map[string]bool{"USD": true, "USDT": true, "USDC": true, "BUSD": true}

// Service holds the most recent tick per symbol. Ticks arrive over the
// bus; readers always see the latest complete tick.
type Service struct {
	logger *zap.Logger

	mu     sync.RWMutex
	prices map[string]models.MarketPrice
}

// NewService creates an empty price cache.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		logger: logger,
		prices: make(map[string]models.MarketPrice),
	}
}

// Attach subscribes the cache to inbound price ticks.
func (s *Service) Attach(b *bus.Bus) {
	b.On(transport.TypePriceUpdate, func(evt bus.Event) {
		p, ok := evt.Payload.(transport.PriceUpdatePayload)
		if !ok {
			return
		}
		s.Update(models.MarketPrice{
			Symbol:    p.Symbol,
			Price:     p.Price,
			Change:    p.Change,
			Volume:    p.Volume,
			UpdatedAt: evt.Timestamp,
		})
	})
}

// Update stores a tick, replacing any previous tick for the symbol.
func (s *Service) Update(p models.MarketPrice) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.prices[p.Symbol] = p
	s.mu.Unlock()
}

// Get returns the latest tick for a symbol.
func (s *Service) Get(symbol string) (models.MarketPrice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	return p, ok
}

// Prices returns a copy of every cached tick.
func (s *Service) Prices() map[string]models.MarketPrice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.MarketPrice, len(s.prices))
	for sym, p := range s.prices {
		out[sym] = p
	}
	return out
}

// ValueUSD values a bucket's holdings in USD using the cached ticks.
// Stablecoins count at par; assets with no tick are skipped.
func (s *Service) ValueUSD(l *ledger.Ledger, bucket models.AccountBucket) decimal.Decimal {
	total := decimal.Zero
	for asset, bal := range l.Snapshot(bucket) {
		if stableAssets[asset] {
			total = total.Add(bal.Balance)
			continue
		}
		tick, ok := s.Get(asset + "USDT")
		if !ok {
			s.logger.Debug("no tick for asset, skipping valuation",
				zap.String("asset", asset),
				zap.String("bucket", string(bucket)))
			continue
		}
		total = total.Add(bal.Balance.Mul(tick.Price))
	}
	return total
}
