package ledger

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitvelo/tradesync/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestAddIncreasesBalanceAndAvailable(t *testing.T) {
	l := New(nil)
	_, err := l.Mutate(models.AccountFunding, "USDT", dec("1000.00"), OpAdd)
	require.NoError(t, err)

	bal, err := l.Mutate(models.AccountFunding, "USDT", dec("500"), OpAdd)
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(dec("1500.00")), "balance got %s", bal.Balance)
	assert.True(t, bal.Available.Equal(dec("1500.00")), "available got %s", bal.Available)
}

func TestSubtractBeyondAvailableFailsWithoutMutation(t *testing.T) {
	l := New(nil)
	_, err := l.Mutate(models.AccountTrading, "USDT", dec("100"), OpAdd)
	require.NoError(t, err)

	_, err = l.Mutate(models.AccountTrading, "USDT", dec("100.01"), OpSubtract)
	var insufficient *InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.True(t, insufficient.Requested.Equal(dec("100.01")))
	assert.True(t, insufficient.Available.Equal(dec("100")))

	bal := l.Get(models.AccountTrading, "USDT")
	assert.True(t, bal.Balance.Equal(dec("100")), "balance changed after rejected subtract")
}

func TestSubtractOnUnknownAssetFails(t *testing.T) {
	l := New(nil)
	_, err := l.Mutate(models.AccountTrading, "BTC", dec("0.1"), OpSubtract)
	var insufficient *InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.True(t, insufficient.Available.IsZero())
}

func TestGetUnknownAssetReturnsZeroNotAbsent(t *testing.T) {
	l := New(nil)
	bal := l.Get(models.AccountFunding, "ETH")
	assert.Equal(t, "ETH", bal.Asset)
	assert.True(t, bal.Balance.IsZero())
	assert.True(t, bal.Available.IsZero())
}

func TestBalanceConservationUnderConcurrentMutations(t *testing.T) {
	l := New(nil)
	_, err := l.Mutate(models.AccountTrading, "USDT", dec("10000"), OpAdd)
	require.NoError(t, err)

	var wg sync.WaitGroup
	n := 200
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.Mutate(models.AccountTrading, "USDT", dec("10"), OpAdd)
			if err != nil {
				t.Errorf("add failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_, err := l.Mutate(models.AccountTrading, "USDT", dec("10"), OpSubtract)
			var insufficient *InsufficientBalanceError
			if err != nil && !errors.As(err, &insufficient) {
				t.Errorf("subtract failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// Every add applied; every subtract either applied or contributed zero.
	bal := l.Get(models.AccountTrading, "USDT")
	assert.False(t, bal.Available.IsNegative(), "available went negative: %s", bal.Available)
	assert.True(t, bal.Balance.GreaterThanOrEqual(dec("10000")), "balance below seeded amount: %s", bal.Balance)
	assert.True(t, bal.Balance.Equal(bal.Available))
}

func TestSnapshotCopiesState(t *testing.T) {
	l := New(nil)
	_, err := l.Mutate(models.AccountFunding, "USDT", dec("42"), OpAdd)
	require.NoError(t, err)

	snap := l.Snapshot(models.AccountFunding)
	require.Len(t, snap, 1)
	assert.True(t, snap["USDT"].Balance.Equal(dec("42")))

	// Mutating the snapshot must not touch the ledger.
	entry := snap["USDT"]
	entry.Balance = dec("0")
	snap["USDT"] = entry
	assert.True(t, l.Get(models.AccountFunding, "USDT").Balance.Equal(dec("42")))
}

func TestRestoreRejectsTornState(t *testing.T) {
	l := New(nil)
	err := l.Restore(models.AccountTrading, models.AssetBalance{
		Asset:     "USDT",
		Balance:   dec("10"),
		Available: dec("20"),
	})
	assert.Error(t, err)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "0.10000000", FormatCrypto(dec("0.1")))
	assert.Equal(t, "$4500.00", FormatUSD(dec("4500")))
	assert.Equal(t, "$0.50", FormatUSD(dec("0.5")))
}
