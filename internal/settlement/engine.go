// Package settlement validates trade requests against the ledger, applies
// their balance effects atomically, and tracks each trade's lifecycle
// until a terminal outcome.
package settlement

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bitvelo/tradesync/internal/bus"
	"github.com/bitvelo/tradesync/internal/ledger"
	"github.com/bitvelo/tradesync/internal/transport"
	"github.com/bitvelo/tradesync/pkg/metrics"
	"github.com/bitvelo/tradesync/pkg/models"
)

// EventSettlement is emitted once per settled trade, carrying a
// SettlementEvent payload.
const EventSettlement = "settlement"

// EventTradeSettled carries the activity entry for a settled trade. It is
// a local event, distinct from the trade_completed wire type so activity
// subscribers never see raw wire payloads.
const EventTradeSettled = "trade_settled"

// MsgInsufficientBalance is the user-facing message for a trade rejected
// on funds.
const MsgInsufficientBalance = "Insufficient Balance"

// SettlementEvent is the payload of EventSettlement. The embedded record
// carries the trade's final result.
type SettlementEvent struct {
	Trade models.TradeRecord
}

// LedgerAPI is the slice of the ledger the engine mutates through.
// *ledger.Ledger satisfies it; tests substitute failing fakes.
type LedgerAPI interface {
	Mutate(bucket models.AccountBucket, asset string, delta decimal.Decimal, op ledger.Op) (models.AssetBalance, error)
	Get(bucket models.AccountBucket, asset string) models.AssetBalance
}

// ErrTradeNotFound is returned for an unknown trade ID.
var ErrTradeNotFound = errors.New("trade not found")

// InvalidStateError is returned when an operation targets a trade whose
// lifecycle state does not admit it.
type InvalidStateError struct {
	TradeID uuid.UUID
	State   models.TradeState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("trade %s is %s", e.TradeID, e.State)
}

// tradeEntry is the engine's bookkeeping for one trade. margin and quote
// are only set for futures positions. settling is raised under the engine
// mutex by the resolver that claims the trade, so Cancel and a concurrent
// resolver cannot touch it while its ledger effects are being applied.
type tradeEntry struct {
	rec      models.TradeRecord
	margin   decimal.Decimal
	quote    string
	settling bool
}

// Engine is the trade settlement engine. All ledger effects go through
// LedgerAPI so the debit and credit legs of a settlement can be validated
// and, on a failed credit, rolled back as a unit.
type Engine struct {
	logger   *zap.Logger
	bus      *bus.Bus
	ledger   LedgerAPI
	strategy OutcomeStrategy
	recon    *reconciler

	mu     sync.RWMutex
	trades map[uuid.UUID]*tradeEntry
	forced map[uuid.UUID]models.TradeResult
}

// New creates an engine settling against the given ledger and announcing
// outcomes on the bus.
func New(l LedgerAPI, b *bus.Bus, strategy OutcomeStrategy, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strategy == nil {
		strategy = NewPayoutStrategy(0.5, decimal.NewFromFloat(0.8), time.Now().UnixNano())
	}
	return &Engine{
		logger:   logger,
		bus:      b,
		ledger:   l,
		strategy: strategy,
		recon:    newReconciler(l, logger),
		trades:   make(map[uuid.UUID]*tradeEntry),
		forced:   make(map[uuid.UUID]models.TradeResult),
	}
}

// Attach subscribes the engine to the transport events it reconciles
// against: server settlement acknowledgments, server-forced outcomes, and
// terminal disconnects.
func (e *Engine) Attach(b *bus.Bus) {
	b.On(transport.TypeTradeCompleted, func(evt bus.Event) {
		p, ok := evt.Payload.(transport.TradeCompletedPayload)
		if !ok {
			return
		}
		e.confirm(p.TradeID, p.Result)
	})
	b.On(transport.TypeAdminAction, func(evt bus.Event) {
		p, ok := evt.Payload.(transport.AdminActionPayload)
		if !ok || p.Action != "force_outcome" {
			return
		}
		e.SetForcedOutcome(p.TradeID, forcedResult(p.Win, p.Payout))
	})
	b.On(transport.EventDisconnected, func(evt bus.Event) {
		p, ok := evt.Payload.(transport.DisconnectedEvent)
		if !ok || !p.Exhausted {
			return
		}
		e.rollbackUnconfirmed()
	})
}

// SetForcedOutcome attaches a result that overrides the outcome strategy
// the next time the trade resolves.
func (e *Engine) SetForcedOutcome(id uuid.UUID, res models.TradeResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forced[id] = res
}

// Execute validates and settles a trade request. Insufficient funds are
// reported in the returned result, not as an error; errors indicate a
// malformed request.
func (e *Engine) Execute(req models.TradeRequest) (models.TradeResult, error) {
	if req.Amount.Sign() <= 0 {
		return models.TradeResult{}, fmt.Errorf("trade amount must be positive, got %s", req.Amount.String())
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	entry := &tradeEntry{rec: models.TradeRecord{
		ID:        req.ID,
		Kind:      req.Kind,
		Action:    req.Action,
		Symbol:    req.Symbol,
		Amount:    req.Amount,
		Price:     req.Price,
		State:     models.TradePending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}}

	e.mu.Lock()
	if _, exists := e.trades[req.ID]; exists {
		e.mu.Unlock()
		return models.TradeResult{}, fmt.Errorf("trade %s already exists", req.ID)
	}
	e.trades[req.ID] = entry
	e.mu.Unlock()

	var (
		res models.TradeResult
		err error
	)
	switch req.Kind {
	case models.TradeSpot:
		res, err = e.executeSpot(entry, req)
	case models.TradeFutures:
		res, err = e.executeFutures(entry, req)
	case models.TradeAccountTransfer:
		res, err = e.executeAccountTransfer(entry, req)
	case models.TradeUserTransfer:
		res, err = e.executeUserTransfer(entry, req)
	default:
		err = fmt.Errorf("unknown trade kind %q", req.Kind)
	}

	if err != nil {
		e.mu.Lock()
		delete(e.trades, req.ID)
		e.mu.Unlock()
		return models.TradeResult{}, err
	}
	return res, nil
}

// executeSpot swaps quote for base (buy) or base for quote (sell) inside
// the trading bucket and completes immediately.
func (e *Engine) executeSpot(entry *tradeEntry, req models.TradeRequest) (models.TradeResult, error) {
	base, quote, err := splitSymbol(req.Symbol)
	if err != nil {
		return models.TradeResult{}, err
	}
	if req.Price.Sign() <= 0 {
		return models.TradeResult{}, fmt.Errorf("spot trade price must be positive, got %s", req.Price.String())
	}
	cost := req.Amount.Mul(req.Price)

	var xferErr error
	switch req.Action {
	case models.ActionBuy:
		xferErr = e.transfer(models.AccountTrading, quote, models.AccountTrading, base, cost, req.Amount)
	case models.ActionSell:
		xferErr = e.transfer(models.AccountTrading, base, models.AccountTrading, quote, req.Amount, cost)
	default:
		return models.TradeResult{}, fmt.Errorf("spot trade requires a buy or sell action, got %q", req.Action)
	}

	if xferErr != nil {
		var insErr *ledger.InsufficientBalanceError
		if errors.As(xferErr, &insErr) {
			return e.reject(entry), nil
		}
		return models.TradeResult{}, xferErr
	}

	res := models.TradeResult{Success: true, Message: "trade executed"}
	e.complete(entry, res)
	return res, nil
}

// executeFutures stakes the position's margin and leaves the trade
// Running until Resolve or an admin override closes it.
func (e *Engine) executeFutures(entry *tradeEntry, req models.TradeRequest) (models.TradeResult, error) {
	_, quote, err := splitSymbol(req.Symbol)
	if err != nil {
		return models.TradeResult{}, err
	}
	if req.Price.Sign() <= 0 {
		return models.TradeResult{}, fmt.Errorf("futures trade price must be positive, got %s", req.Price.String())
	}
	if req.Action != models.ActionBuy && req.Action != models.ActionSell {
		return models.TradeResult{}, fmt.Errorf("futures trade requires a buy or sell action, got %q", req.Action)
	}
	leverage := req.Leverage
	if leverage < 1 {
		leverage = 1
	}
	margin := req.Amount.Mul(req.Price).Div(decimal.NewFromInt(int64(leverage)))

	if _, err := e.ledger.Mutate(models.AccountTrading, quote, margin, ledger.OpSubtract); err != nil {
		var insErr *ledger.InsufficientBalanceError
		if errors.As(err, &insErr) {
			return e.reject(entry), nil
		}
		return models.TradeResult{}, err
	}

	e.mu.Lock()
	entry.margin = margin
	entry.quote = quote
	entry.rec.State = models.TradeRunning
	entry.rec.UpdatedAt = time.Now()
	e.mu.Unlock()

	e.logger.Info("futures position opened",
		zap.String("trade_id", entry.rec.ID.String()),
		zap.String("symbol", req.Symbol),
		zap.String("margin", margin.String()),
		zap.Int("leverage", leverage))
	return models.TradeResult{Success: true, Message: "position opened"}, nil
}

// executeAccountTransfer moves an asset between the trading and funding
// buckets.
func (e *Engine) executeAccountTransfer(entry *tradeEntry, req models.TradeRequest) (models.TradeResult, error) {
	asset := req.Symbol
	if asset == "" {
		return models.TradeResult{}, fmt.Errorf("account transfer requires an asset")
	}
	if !req.FromBucket.Valid() || !req.ToBucket.Valid() {
		return models.TradeResult{}, fmt.Errorf("account transfer requires valid buckets, got %q -> %q", req.FromBucket, req.ToBucket)
	}
	if req.FromBucket == req.ToBucket {
		return models.TradeResult{}, fmt.Errorf("account transfer buckets must differ")
	}

	if err := e.transfer(req.FromBucket, asset, req.ToBucket, asset, req.Amount, req.Amount); err != nil {
		var insErr *ledger.InsufficientBalanceError
		if errors.As(err, &insErr) {
			return e.reject(entry), nil
		}
		return models.TradeResult{}, err
	}

	res := models.TradeResult{Success: true, Message: "transfer completed"}
	e.complete(entry, res)
	return res, nil
}

// executeUserTransfer debits the sender's side of a transfer to another
// user. The credit happens on the server; the debit stays tracked until
// the server acknowledges the trade, and is rolled back if the connection
// is lost for good.
func (e *Engine) executeUserTransfer(entry *tradeEntry, req models.TradeRequest) (models.TradeResult, error) {
	asset := req.Symbol
	if asset == "" {
		return models.TradeResult{}, fmt.Errorf("user transfer requires an asset")
	}
	if req.Recipient == "" {
		return models.TradeResult{}, fmt.Errorf("user transfer requires a recipient")
	}
	bucket := req.FromBucket
	if bucket == "" {
		bucket = models.AccountFunding
	}
	if !bucket.Valid() {
		return models.TradeResult{}, fmt.Errorf("unknown bucket %q", bucket)
	}

	if _, err := e.ledger.Mutate(bucket, asset, req.Amount, ledger.OpSubtract); err != nil {
		var insErr *ledger.InsufficientBalanceError
		if errors.As(err, &insErr) {
			return e.reject(entry), nil
		}
		return models.TradeResult{}, err
	}

	e.recon.track(req.ID, pendingMutation{Bucket: bucket, Asset: asset, Amount: req.Amount, Op: ledger.OpSubtract})

	e.mu.Lock()
	entry.rec.State = models.TradeRunning
	entry.rec.UpdatedAt = time.Now()
	e.mu.Unlock()

	amount := req.Amount
	e.bus.Emit("transfer", models.ActivityRecord{
		Type:        "transfer",
		Description: fmt.Sprintf("Sent %s %s to %s", req.Amount.String(), asset, req.Recipient),
		Amount:      &amount,
	})
	return models.TradeResult{Success: true, Message: "transfer submitted"}, nil
}

// Resolve closes a Running futures position, using the forced outcome
// attached to the trade if any, otherwise the outcome strategy.
func (e *Engine) Resolve(id uuid.UUID) (models.TradeResult, error) {
	e.mu.Lock()
	entry, ok := e.trades[id]
	if !ok {
		e.mu.Unlock()
		return models.TradeResult{}, ErrTradeNotFound
	}
	if entry.rec.Kind != models.TradeFutures || entry.rec.State != models.TradeRunning || entry.settling {
		st := entry.rec.State
		e.mu.Unlock()
		return models.TradeResult{}, &InvalidStateError{TradeID: id, State: st}
	}
	entry.settling = true
	res, forced := e.forced[id]
	delete(e.forced, id)
	rec := entry.rec
	margin := entry.margin
	e.mu.Unlock()

	if !forced {
		res = e.strategy.Decide(rec, margin)
	}
	out, err := e.settleFutures(entry, res)
	if err != nil {
		e.release(entry)
	}
	return out, err
}

// release lowers a trade's settling claim after a failed settlement so it
// can be resolved or cancelled again.
func (e *Engine) release(entry *tradeEntry) {
	e.mu.Lock()
	entry.settling = false
	e.mu.Unlock()
}

// settleFutures applies a futures outcome: the staked margin plus profit
// comes back on a win, the margin net of the loss (never below zero) on a
// loss.
func (e *Engine) settleFutures(entry *tradeEntry, res models.TradeResult) (models.TradeResult, error) {
	e.mu.RLock()
	margin := entry.margin
	quote := entry.quote
	e.mu.RUnlock()

	payback := margin
	if res.Profit != nil {
		payback = payback.Add(*res.Profit)
	} else if res.Loss != nil {
		loss := *res.Loss
		if loss.GreaterThan(margin) {
			loss = margin
			res.Loss = &loss
		}
		payback = payback.Sub(loss)
	}

	if payback.Sign() > 0 {
		if _, err := e.ledger.Mutate(models.AccountTrading, quote, payback, ledger.OpAdd); err != nil {
			return models.TradeResult{}, fmt.Errorf("failed to settle position %s: %w", entry.rec.ID, err)
		}
	}

	e.complete(entry, res)
	return res, nil
}

// Cancel moves a Pending or Running trade to Cancelled and undoes any
// balance effect it had, leaving the ledger as if the trade never ran.
func (e *Engine) Cancel(id uuid.UUID) error {
	e.mu.Lock()
	entry, ok := e.trades[id]
	if !ok {
		e.mu.Unlock()
		return ErrTradeNotFound
	}
	if entry.rec.State.Terminal() || entry.settling {
		st := entry.rec.State
		e.mu.Unlock()
		return &InvalidStateError{TradeID: id, State: st}
	}
	entry.rec.State = models.TradeCancelled
	entry.rec.UpdatedAt = time.Now()
	margin := entry.margin
	quote := entry.quote
	kind := entry.rec.Kind
	e.mu.Unlock()

	switch kind {
	case models.TradeFutures:
		if margin.Sign() > 0 {
			if _, err := e.ledger.Mutate(models.AccountTrading, quote, margin, ledger.OpAdd); err != nil {
				return fmt.Errorf("failed to refund margin for %s: %w", id, err)
			}
		}
	case models.TradeUserTransfer:
		for _, mut := range e.recon.forget(id) {
			inv := mut.inverse()
			if _, err := e.ledger.Mutate(inv.Bucket, inv.Asset, inv.Amount, inv.Op); err != nil {
				return fmt.Errorf("failed to reverse transfer %s: %w", id, err)
			}
		}
	}

	e.bus.Emit("reversal", models.ActivityRecord{
		Type:        "reversal",
		Description: fmt.Sprintf("Trade %s cancelled", id),
	})
	e.logger.Info("trade cancelled", zap.String("trade_id", id.String()))
	return nil
}

// ForceResolve drives a Pending or Running trade straight to Completed
// with the given outcome. It returns the trade's state before the
// override. Terminal trades are rejected with *InvalidStateError.
func (e *Engine) ForceResolve(id uuid.UUID, res models.TradeResult) (models.TradeResult, models.TradeState, error) {
	e.mu.Lock()
	entry, ok := e.trades[id]
	if !ok {
		e.mu.Unlock()
		return models.TradeResult{}, "", ErrTradeNotFound
	}
	prev := entry.rec.State
	if prev.Terminal() || entry.settling {
		e.mu.Unlock()
		return models.TradeResult{}, prev, &InvalidStateError{TradeID: id, State: prev}
	}
	entry.settling = true
	delete(e.forced, id)
	kind := entry.rec.Kind
	e.mu.Unlock()

	if kind == models.TradeFutures {
		out, err := e.settleFutures(entry, res)
		if err != nil {
			e.release(entry)
		}
		return out, prev, err
	}

	e.recon.ack(id)
	e.complete(entry, res)
	return res, prev, nil
}

// State returns a trade's lifecycle state.
func (e *Engine) State(id uuid.UUID) (models.TradeState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.trades[id]
	if !ok {
		return "", ErrTradeNotFound
	}
	return entry.rec.State, nil
}

// Trade returns a copy of a trade's record.
func (e *Engine) Trade(id uuid.UUID) (models.TradeRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.trades[id]
	if !ok {
		return models.TradeRecord{}, false
	}
	return entry.rec, true
}

// ListOpen returns the trades still awaiting a terminal state.
func (e *Engine) ListOpen() []models.TradeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []models.TradeRecord
	for _, entry := range e.trades {
		if !entry.rec.State.Terminal() {
			out = append(out, entry.rec)
		}
	}
	return out
}

// Trades returns a copy of every tracked trade, for the history export.
func (e *Engine) Trades() []models.TradeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.TradeRecord, 0, len(e.trades))
	for _, entry := range e.trades {
		out = append(out, entry.rec)
	}
	return out
}

// confirm handles the server's settlement acknowledgment for a trade this
// engine submitted.
func (e *Engine) confirm(id uuid.UUID, res models.TradeResult) {
	if !e.recon.ack(id) {
		return
	}
	e.mu.Lock()
	entry, ok := e.trades[id]
	if !ok || entry.rec.State.Terminal() {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.complete(entry, res)
}

// rollbackUnconfirmed reverses every mutation still awaiting a server
// acknowledgment and cancels the trades that produced them. Called when
// the transport exhausts its reconnect budget.
func (e *Engine) rollbackUnconfirmed() {
	for _, id := range e.recon.rollbackAll() {
		e.mu.Lock()
		if entry, ok := e.trades[id]; ok && !entry.rec.State.Terminal() {
			entry.rec.State = models.TradeCancelled
			entry.rec.UpdatedAt = time.Now()
		}
		e.mu.Unlock()
		e.bus.Emit("reversal", models.ActivityRecord{
			Type:        "reversal",
			Description: fmt.Sprintf("Transfer %s reversed: connection lost", id),
		})
	}
}

// transfer applies a debit and a credit as a unit. The credit leg is
// validated before the debit commits; if the credit still fails, the
// debit is rolled back so neither leg is visible.
func (e *Engine) transfer(fromBucket models.AccountBucket, fromAsset string, toBucket models.AccountBucket, toAsset string, debit, credit decimal.Decimal) error {
	if !toBucket.Valid() {
		return fmt.Errorf("unknown destination bucket %q", toBucket)
	}
	if toAsset == "" {
		return fmt.Errorf("destination asset is required")
	}

	if _, err := e.ledger.Mutate(fromBucket, fromAsset, debit, ledger.OpSubtract); err != nil {
		return fmt.Errorf("debit leg: %w", err)
	}
	if _, err := e.ledger.Mutate(toBucket, toAsset, credit, ledger.OpAdd); err != nil {
		if _, rbErr := e.ledger.Mutate(fromBucket, fromAsset, debit, ledger.OpAdd); rbErr != nil {
			e.logger.Error("failed to roll back debit after credit failure",
				zap.String("bucket", string(fromBucket)),
				zap.String("asset", fromAsset),
				zap.Error(rbErr))
		}
		return fmt.Errorf("credit leg: %w", err)
	}
	return nil
}

// reject marks a trade rejected on funds with no ledger effect.
func (e *Engine) reject(entry *tradeEntry) models.TradeResult {
	res := models.TradeResult{Success: false, Message: MsgInsufficientBalance}
	e.mu.Lock()
	entry.rec.State = models.TradeCompleted
	entry.rec.Result = &res
	entry.rec.UpdatedAt = time.Now()
	rec := entry.rec
	e.mu.Unlock()

	metrics.SettlementsProcessed.WithLabelValues(string(rec.Kind), "rejected").Inc()
	e.logger.Info("trade rejected",
		zap.String("trade_id", rec.ID.String()),
		zap.String("kind", string(rec.Kind)),
		zap.String("reason", res.Message))
	return res
}

// complete marks a trade Completed, emits the settlement event and the
// activity entry downstream consumers record. Terminal states are never
// overwritten: a trade settles at most once.
func (e *Engine) complete(entry *tradeEntry, res models.TradeResult) {
	e.mu.Lock()
	if entry.rec.State.Terminal() {
		st := entry.rec.State
		e.mu.Unlock()
		e.logger.Warn("dropping settlement for terminal trade",
			zap.String("trade_id", entry.rec.ID.String()),
			zap.String("state", string(st)))
		return
	}
	entry.rec.State = models.TradeCompleted
	entry.rec.Result = &res
	entry.rec.UpdatedAt = time.Now()
	rec := entry.rec
	e.mu.Unlock()

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	metrics.SettlementsProcessed.WithLabelValues(string(rec.Kind), outcome).Inc()

	e.bus.Emit(EventSettlement, SettlementEvent{Trade: rec})
	e.bus.Emit(EventTradeSettled, activityFor(rec, res))
	e.logger.Info("trade settled",
		zap.String("trade_id", rec.ID.String()),
		zap.String("kind", string(rec.Kind)),
		zap.Bool("success", res.Success))
}

// activityFor derives the activity-log entry for a settled trade.
func activityFor(rec models.TradeRecord, res models.TradeResult) models.ActivityRecord {
	desc := strings.TrimSpace(fmt.Sprintf("%s %s %s", rec.Action, rec.Amount.String(), rec.Symbol))
	if res.Message != "" {
		desc = fmt.Sprintf("%s: %s", desc, res.Message)
	}
	var amount *decimal.Decimal
	switch {
	case res.Profit != nil:
		amount = res.Profit
	case res.Loss != nil:
		amount = res.Loss
	default:
		a := rec.Amount
		amount = &a
	}
	return models.ActivityRecord{
		Type:        "trade",
		Description: desc,
		Amount:      amount,
	}
}

// forcedResult translates a server admin action into a trade result.
func forcedResult(win bool, payout decimal.Decimal) models.TradeResult {
	if win {
		return models.TradeResult{Success: true, Profit: &payout, Message: "position closed in profit"}
	}
	return models.TradeResult{Success: true, Loss: &payout, Message: "position closed at a loss"}
}

// quoteAssets lists the recognized quote suffixes of a trading symbol,
// longest first so USDT matches before USD.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"}

// splitSymbol decomposes a symbol like BTCUSDT into its base and quote
// assets.
func splitSymbol(symbol string) (string, string, error) {
	for _, quote := range quoteAssets {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote), quote, nil
		}
	}
	return "", "", fmt.Errorf("unrecognized symbol %q", symbol)
}
