package admin

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitvelo/tradesync/internal/bus"
	"github.com/bitvelo/tradesync/internal/ledger"
	"github.com/bitvelo/tradesync/internal/settlement"
	"github.com/bitvelo/tradesync/pkg/models"
)

type memoryAudit struct {
	records []models.AuditRecord
	fail    error
}

func (m *memoryAudit) Write(rec models.AuditRecord) error {
	if m.fail != nil {
		return m.fail
	}
	m.records = append(m.records, rec)
	return nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// openFutures opens a Running futures position staking 500 USDT margin.
func openFutures(t *testing.T, e *settlement.Engine, l *ledger.Ledger) uuid.UUID {
	t.Helper()
	_, err := l.Mutate(models.AccountTrading, "USDT", dec("1000"), ledger.OpAdd)
	require.NoError(t, err)

	id := uuid.New()
	_, err = e.Execute(models.TradeRequest{
		ID:     id,
		Kind:   models.TradeFutures,
		Action: models.ActionBuy,
		Symbol: "BTCUSDT",
		Amount: dec("0.01"),
		Price:  dec("50000"),
	})
	require.NoError(t, err)
	return id
}

func TestOverrideForcesRunningTrade(t *testing.T) {
	l := ledger.New(nil)
	b := bus.New(nil)
	e := settlement.New(l, b, nil, nil)
	audit := &memoryAudit{}
	svc := NewService(e, StaticAuthorizer{"admin-1": true}, audit, nil)

	var settlements []settlement.SettlementEvent
	b.On(settlement.EventSettlement, func(evt bus.Event) {
		settlements = append(settlements, evt.Payload.(settlement.SettlementEvent))
	})

	id := openFutures(t, e, l)
	profit := dec("400")
	res, err := svc.Override(id, models.TradeResult{Success: true, Profit: &profit}, "admin-1")
	require.NoError(t, err)
	require.NotNil(t, res.Profit)
	assert.True(t, res.Profit.Equal(dec("400")))

	// Margin (500) plus forced profit came back.
	assert.True(t, l.Get(models.AccountTrading, "USDT").Balance.Equal(dec("1400")))

	st, err := e.State(id)
	require.NoError(t, err)
	assert.Equal(t, models.TradeCompleted, st)

	// The settlement event is indistinguishable from a natural one.
	require.Len(t, settlements, 1)
	assert.Equal(t, id, settlements[0].Trade.ID)

	require.Len(t, audit.records, 1)
	rec := audit.records[0]
	assert.Equal(t, id, rec.TradeID)
	assert.Equal(t, "running", rec.PreviousState)
	assert.Equal(t, "completed", rec.NewState)
	assert.Equal(t, "admin-1", rec.ActingAdminID)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestOverrideRejectsUnauthorizedCaller(t *testing.T) {
	l := ledger.New(nil)
	b := bus.New(nil)
	e := settlement.New(l, b, nil, nil)
	audit := &memoryAudit{}
	svc := NewService(e, StaticAuthorizer{"admin-1": true}, audit, nil)

	id := openFutures(t, e, l)
	_, err := svc.Override(id, models.TradeResult{Success: true}, "intruder")
	assert.True(t, errors.Is(err, ErrUnauthorized))

	// Nothing moved, nothing audited.
	st, _ := e.State(id)
	assert.Equal(t, models.TradeRunning, st)
	assert.True(t, l.Get(models.AccountTrading, "USDT").Balance.Equal(dec("500")))
	assert.Empty(t, audit.records)
}

func TestOverrideRejectsCompletedTrade(t *testing.T) {
	l := ledger.New(nil)
	b := bus.New(nil)
	e := settlement.New(l, b, nil, nil)
	audit := &memoryAudit{}
	svc := NewService(e, StaticAuthorizer{"admin-1": true}, audit, nil)

	var settlements int
	b.On(settlement.EventSettlement, func(bus.Event) { settlements++ })

	id := openFutures(t, e, l)
	_, err := e.Resolve(id)
	require.NoError(t, err)
	settledAt := settlements

	_, err = svc.Override(id, models.TradeResult{Success: true}, "admin-1")
	var stErr *settlement.InvalidStateError
	require.True(t, errors.As(err, &stErr))
	assert.Equal(t, models.TradeCompleted, stErr.State)

	// No audit record and no extra settlement event.
	assert.Empty(t, audit.records)
	assert.Equal(t, settledAt, settlements)
}

func TestOverrideUnknownTrade(t *testing.T) {
	e := settlement.New(ledger.New(nil), bus.New(nil), nil, nil)
	svc := NewService(e, StaticAuthorizer{"admin-1": true}, &memoryAudit{}, nil)

	_, err := svc.Override(uuid.New(), models.TradeResult{Success: true}, "admin-1")
	assert.True(t, errors.Is(err, settlement.ErrTradeNotFound))
}

func TestOverrideSurfacesAuditFailure(t *testing.T) {
	l := ledger.New(nil)
	e := settlement.New(l, bus.New(nil), nil, nil)
	audit := &memoryAudit{fail: errors.New("disk full")}
	svc := NewService(e, StaticAuthorizer{"admin-1": true}, audit, nil)

	id := openFutures(t, e, l)
	res, err := svc.Override(id, models.TradeResult{Success: true}, "admin-1")
	require.Error(t, err)
	assert.True(t, res.Success)

	// The override itself stands.
	st, _ := e.State(id)
	assert.Equal(t, models.TradeCompleted, st)
}
