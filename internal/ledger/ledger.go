// Package ledger holds per-asset balances for the trading and funding
// buckets and is the single mutation path for all of them.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bitvelo/tradesync/pkg/metrics"
	"github.com/bitvelo/tradesync/pkg/models"
)

// Op selects the direction of a mutation.
type Op string

const (
	OpAdd      Op = "add"
	OpSubtract Op = "subtract"
)

// InsufficientBalanceError is returned when a subtract exceeds the
// available balance. The mutation is not applied.
type InsufficientBalanceError struct {
	Bucket    models.AccountBucket
	Asset     string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s/%s: requested=%s available=%s",
		e.Bucket, e.Asset, e.Requested.String(), e.Available.String())
}

// entry guards a single (bucket, asset) pair. Holding its mutex is the
// serialization guarantee: mutations on the same pair are applied in
// issue order, mutations on different pairs proceed independently.
type entry struct {
	mu  sync.Mutex
	bal models.AssetBalance
}

// Ledger owns the balances of both buckets. Asset entries are created
// lazily on first use and never deleted; a zero balance is valid, not
// absent.
type Ledger struct {
	logger *zap.Logger

	mu      sync.RWMutex
	buckets map[models.AccountBucket]map[string]*entry
}

// New creates an empty ledger.
func New(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		logger: logger,
		buckets: map[models.AccountBucket]map[string]*entry{
			models.AccountTrading: make(map[string]*entry),
			models.AccountFunding: make(map[string]*entry),
		},
	}
}

// Mutate applies a single add or subtract to one (bucket, asset) pair and
// returns the resulting balance. Subtract fails with
// *InsufficientBalanceError and no mutation when delta exceeds the
// available balance.
func (l *Ledger) Mutate(bucket models.AccountBucket, asset string, delta decimal.Decimal, op Op) (models.AssetBalance, error) {
	if !bucket.Valid() {
		return models.AssetBalance{}, fmt.Errorf("unknown bucket %q", bucket)
	}
	if asset == "" {
		return models.AssetBalance{}, fmt.Errorf("asset is required")
	}
	if delta.IsNegative() {
		return models.AssetBalance{}, fmt.Errorf("delta must not be negative, got %s", delta.String())
	}

	e := l.entryFor(bucket, asset)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch op {
	case OpAdd:
		e.bal.Balance = e.bal.Balance.Add(delta)
		e.bal.Available = e.bal.Available.Add(delta)
	case OpSubtract:
		if delta.GreaterThan(e.bal.Available) {
			metrics.LedgerMutations.WithLabelValues(string(bucket), "insufficient").Inc()
			return models.AssetBalance{}, &InsufficientBalanceError{
				Bucket:    bucket,
				Asset:     asset,
				Requested: delta,
				Available: e.bal.Available,
			}
		}
		e.bal.Balance = e.bal.Balance.Sub(delta)
		e.bal.Available = e.bal.Available.Sub(delta)
	default:
		return models.AssetBalance{}, fmt.Errorf("unknown op %q", op)
	}

	e.bal.UpdatedAt = time.Now()
	metrics.LedgerMutations.WithLabelValues(string(bucket), "applied").Inc()
	l.logger.Debug("ledger mutation applied",
		zap.String("bucket", string(bucket)),
		zap.String("asset", asset),
		zap.String("op", string(op)),
		zap.String("delta", delta.String()),
		zap.String("balance", e.bal.Balance.String()))

	return e.bal, nil
}

// Get returns the balance for a (bucket, asset) pair. Assets never
// credited report a zero balance.
func (l *Ledger) Get(bucket models.AccountBucket, asset string) models.AssetBalance {
	l.mu.RLock()
	e, ok := l.buckets[bucket][asset]
	l.mu.RUnlock()
	if !ok {
		return models.AssetBalance{Asset: asset}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bal
}

// Snapshot returns a copy of all asset balances in a bucket.
func (l *Ledger) Snapshot(bucket models.AccountBucket) map[string]models.AssetBalance {
	l.mu.RLock()
	assets := make([]string, 0, len(l.buckets[bucket]))
	for asset := range l.buckets[bucket] {
		assets = append(assets, asset)
	}
	l.mu.RUnlock()

	out := make(map[string]models.AssetBalance, len(assets))
	for _, asset := range assets {
		out[asset] = l.Get(bucket, asset)
	}
	return out
}

// Restore seeds a (bucket, asset) pair from a persisted snapshot. It is
// meant for startup only and overwrites whatever the entry holds.
func (l *Ledger) Restore(bucket models.AccountBucket, bal models.AssetBalance) error {
	if !bucket.Valid() {
		return fmt.Errorf("unknown bucket %q", bucket)
	}
	if bal.Available.IsNegative() || bal.Available.GreaterThan(bal.Balance) {
		return fmt.Errorf("invalid snapshot for %s/%s: available=%s balance=%s",
			bucket, bal.Asset, bal.Available.String(), bal.Balance.String())
	}
	e := l.entryFor(bucket, bal.Asset)
	e.mu.Lock()
	e.bal = bal
	e.mu.Unlock()
	return nil
}

func (l *Ledger) entryFor(bucket models.AccountBucket, asset string) *entry {
	l.mu.RLock()
	e, ok := l.buckets[bucket][asset]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.buckets[bucket][asset]; ok {
		return e
	}
	e = &entry{bal: models.AssetBalance{Asset: asset}}
	l.buckets[bucket][asset] = e
	return e
}
