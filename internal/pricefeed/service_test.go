package pricefeed

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitvelo/tradesync/internal/bus"
	"github.com/bitvelo/tradesync/internal/ledger"
	"github.com/bitvelo/tradesync/internal/transport"
	"github.com/bitvelo/tradesync/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestLatestTickWins(t *testing.T) {
	s := NewService(nil)
	b := bus.New(nil)
	s.Attach(b)

	b.Emit(transport.TypePriceUpdate, transport.PriceUpdatePayload{Symbol: "BTCUSDT", Price: dec("45000")})
	b.Emit(transport.TypePriceUpdate, transport.PriceUpdatePayload{Symbol: "BTCUSDT", Price: dec("46000")})

	p, ok := s.Get("BTCUSDT")
	require.True(t, ok)
	assert.True(t, p.Price.Equal(dec("46000")))

	_, ok = s.Get("ETHUSDT")
	assert.False(t, ok)
	assert.Len(t, s.Prices(), 1)
}

func TestValueUSD(t *testing.T) {
	s := NewService(nil)
	s.Update(models.MarketPrice{Symbol: "BTCUSDT", Price: dec("50000")})

	l := ledger.New(nil)
	_, err := l.Mutate(models.AccountTrading, "BTC", dec("0.1"), ledger.OpAdd)
	require.NoError(t, err)
	_, err = l.Mutate(models.AccountTrading, "USDT", dec("250"), ledger.OpAdd)
	require.NoError(t, err)
	// No tick for this one, so it contributes nothing.
	_, err = l.Mutate(models.AccountTrading, "XMR", dec("10"), ledger.OpAdd)
	require.NoError(t, err)

	total := s.ValueUSD(l, models.AccountTrading)
	assert.True(t, total.Equal(dec("5250")), "got %s", total)

	assert.True(t, s.ValueUSD(l, models.AccountFunding).IsZero())
}
