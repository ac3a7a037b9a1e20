package activity

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitvelo/tradesync/internal/bus"
	"github.com/bitvelo/tradesync/pkg/models"
)

func TestBoundedEviction(t *testing.T) {
	r := NewRecorder(nil, 50)
	for i := 1; i <= 51; i++ {
		r.Record(models.ActivityRecord{Type: "deposit", Description: fmt.Sprintf("entry %d", i)})
	}

	assert.Equal(t, 50, r.Len())

	newest := r.Recent(1)
	require.Len(t, newest, 1)
	assert.Equal(t, "entry 51", newest[0].Description)

	// The first entry must have been evicted.
	all := r.Recent(50)
	require.Len(t, all, 50)
	for _, rec := range all {
		assert.NotEqual(t, "entry 1", rec.Description)
	}
	assert.Equal(t, "entry 2", all[49].Description)
}

func TestRecentNewestFirst(t *testing.T) {
	r := NewRecorder(nil, 10)
	for i := 1; i <= 3; i++ {
		r.Record(models.ActivityRecord{Type: "trade", Description: fmt.Sprintf("t%d", i)})
	}

	recent := r.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "t3", recent[0].Description)
	assert.Equal(t, "t2", recent[1].Description)
	assert.Equal(t, "t1", recent[2].Description)
}

func TestRecentMoreThanHeld(t *testing.T) {
	r := NewRecorder(nil, 10)
	r.Record(models.ActivityRecord{Type: "trade"})
	assert.Len(t, r.Recent(100), 1)
	assert.Nil(t, r.Recent(0))
}

func TestAttachRecordsBusEvents(t *testing.T) {
	b := bus.New(nil)
	r := NewRecorder(nil, 10)
	r.Attach(b)

	amount := decimal.NewFromInt(500)
	b.Emit("wallet_applied", models.ActivityRecord{Description: "deposit", Amount: &amount})
	b.Emit("wallet_applied", "not a record")

	require.Equal(t, 1, r.Len())
	rec := r.Recent(1)[0]
	assert.Equal(t, "wallet_applied", rec.Type)
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())

	// Wire message names are not activity events; the recorder never
	// subscribes to them.
	b.Emit("trade_completed", models.ActivityRecord{Description: "wire"})
	b.Emit("wallet_update", models.ActivityRecord{Description: "wire"})
	assert.Equal(t, 1, r.Len())
}

func TestWriteTradeHistoryColumnOrder(t *testing.T) {
	profit := decimal.NewFromInt(120)
	trades := []models.TradeRecord{
		{
			ID:        uuid.New(),
			Kind:      models.TradeSpot,
			Action:    models.ActionBuy,
			Symbol:    "BTCUSDT",
			Amount:    decimal.NewFromFloat(0.1),
			Price:     decimal.NewFromInt(45000),
			State:     models.TradeCompleted,
			Result:    &models.TradeResult{Success: true, Profit: &profit},
			CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTradeHistory(&buf, trades))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "ID,Type,Action,Symbol,Amount,Price,Profit,Loss,Status,Date", lines[0])

	fields := strings.Split(lines[1], ",")
	require.Len(t, fields, 10)
	assert.Equal(t, "spot", fields[1])
	assert.Equal(t, "buy", fields[2])
	assert.Equal(t, "120", fields[6])
	assert.Equal(t, "", fields[7])
	assert.Equal(t, "completed", fields[8])
	assert.Equal(t, "2025-03-01 12:00:00", fields[9])
}
