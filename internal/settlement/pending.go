package settlement

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bitvelo/tradesync/internal/ledger"
	"github.com/bitvelo/tradesync/pkg/models"
)

// pendingMutation is one optimistic ledger mutation awaiting the server's
// acknowledgment. Rolling it back applies the inverse op.
type pendingMutation struct {
	Bucket models.AccountBucket
	Asset  string
	Amount decimal.Decimal
	Op     ledger.Op
}

func (m pendingMutation) inverse() pendingMutation {
	inv := m
	if m.Op == ledger.OpSubtract {
		inv.Op = ledger.OpAdd
	} else {
		inv.Op = ledger.OpSubtract
	}
	return inv
}

// reconciler tracks optimistic mutations until the server confirms the
// trade that caused them. When the transport gives up reconnecting the
// unconfirmed mutations are rolled back, so local balances never drift
// ahead of a server that never heard about them.
type reconciler struct {
	logger *zap.Logger
	ledger LedgerAPI

	mu      sync.Mutex
	pending map[uuid.UUID][]pendingMutation
}

func newReconciler(l LedgerAPI, logger *zap.Logger) *reconciler {
	return &reconciler{
		logger:  logger,
		ledger:  l,
		pending: make(map[uuid.UUID][]pendingMutation),
	}
}

// track records mutations already applied for a trade that still awaits a
// server acknowledgment.
func (r *reconciler) track(id uuid.UUID, muts ...pendingMutation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = append(r.pending[id], muts...)
}

// ack drops the tracked mutations for a confirmed trade and reports
// whether anything was pending.
func (r *reconciler) ack(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	delete(r.pending, id)
	return ok
}

// forget removes a trade's tracked mutations without applying inverses.
// Used when the caller has already reversed them.
func (r *reconciler) forget(id uuid.UUID) []pendingMutation {
	r.mu.Lock()
	defer r.mu.Unlock()
	muts := r.pending[id]
	delete(r.pending, id)
	return muts
}

// rollbackAll reverses every unconfirmed mutation and clears the tracker.
// It returns the trade IDs that were rolled back.
func (r *reconciler) rollbackAll() []uuid.UUID {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uuid.UUID][]pendingMutation)
	r.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(pending))
	for id, muts := range pending {
		ids = append(ids, id)
		// Reverse in LIFO order so a debit+credit pair unwinds cleanly.
		for i := len(muts) - 1; i >= 0; i-- {
			inv := muts[i].inverse()
			if _, err := r.ledger.Mutate(inv.Bucket, inv.Asset, inv.Amount, inv.Op); err != nil {
				r.logger.Error("failed to roll back unconfirmed mutation",
					zap.String("trade_id", id.String()),
					zap.String("bucket", string(inv.Bucket)),
					zap.String("asset", inv.Asset),
					zap.Error(err))
			}
		}
		r.logger.Warn("rolled back unconfirmed trade",
			zap.String("trade_id", id.String()),
			zap.Int("mutations", len(muts)))
	}
	return ids
}
