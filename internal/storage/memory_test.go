package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenmeter/internal/models"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestMemoryStore_CreateWalletIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	w1, err := s.CreateWallet(ctx, "wallet-a")
	require.NoError(t, err)
	assert.True(t, w1.CurrentBalance.IsZero())

	_, err = s.ApplyDeposit(ctx, "wallet-a", dec("5"), "tx-1")
	require.NoError(t, err)

	// Creating again must not reset the balance.
	w2, err := s.CreateWallet(ctx, "wallet-a")
	require.NoError(t, err)
	assert.True(t, w2.CurrentBalance.Equal(dec("5")))
}

func TestMemoryStore_DepositDedup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateWallet(ctx, "wallet-a")
	require.NoError(t, err)
	_, err = s.CreateWallet(ctx, "wallet-b")
	require.NoError(t, err)

	_, err = s.ApplyDeposit(ctx, "wallet-a", dec("10"), "tx-1")
	require.NoError(t, err)

	// Same hash, same wallet.
	_, err = s.ApplyDeposit(ctx, "wallet-a", dec("10"), "tx-1")
	assert.True(t, errors.Is(err, ErrDuplicateTxHash))

	// Same hash, different wallet: the dedup scope is global.
	_, err = s.ApplyDeposit(ctx, "wallet-b", dec("10"), "tx-1")
	assert.True(t, errors.Is(err, ErrDuplicateTxHash))

	seen, err := s.DepositTxSeen(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryStore_ApplyUsage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateWallet(ctx, "wallet-a")
	require.NoError(t, err)
	_, err = s.ApplyDeposit(ctx, "wallet-a", dec("1"), "tx-1")
	require.NoError(t, err)

	rec := &models.UsageRecord{
		WalletAddress: "wallet-a",
		RequestType:   models.RequestChat,
		USDCost:       dec("0.02"),
		TokenPrice:    dec("0.10"),
		TokensBurned:  dec("0.2"),
	}
	w, err := s.ApplyUsage(ctx, "wallet-a", dec("0.2"), rec)
	require.NoError(t, err)
	assert.True(t, w.CurrentBalance.Equal(dec("0.8")))
	assert.True(t, w.Consistent())

	// Overdraw fails and leaves the balance untouched.
	_, err = s.ApplyUsage(ctx, "wallet-a", dec("100"), rec)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	w2, err := s.GetWallet(ctx, "wallet-a")
	require.NoError(t, err)
	assert.True(t, w2.CurrentBalance.Equal(dec("0.8")))

	// The usage entry was appended with a negative amount.
	entries, err := s.WalletEntries(ctx, "wallet-a", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.EntryUsage, entries[0].Type)
	assert.True(t, entries[0].Amount.IsNegative())
}

func TestMemoryStore_MarkSettledIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateWallet(ctx, "wallet-a")
	require.NoError(t, err)
	_, err = s.ApplyDeposit(ctx, "wallet-a", dec("10"), "tx-1")
	require.NoError(t, err)

	var recs []*models.UsageRecord
	for i := 0; i < 3; i++ {
		rec := &models.UsageRecord{
			WalletAddress: "wallet-a",
			RequestType:   models.RequestChat,
			USDCost:       dec("0.10"),
			TokenPrice:    dec("1"),
			TokensBurned:  dec("0.10"),
		}
		_, err = s.ApplyUsage(ctx, "wallet-a", dec("0.10"), rec)
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	unsettled, err := s.UnsettledRecords(ctx, 100)
	require.NoError(t, err)
	require.Len(t, unsettled, 3)

	sum, err := s.SumUnsettled(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Equal(dec("0.30")))

	ids := make([]uuid.UUID, 0, len(unsettled))
	for _, rec := range unsettled {
		ids = append(ids, rec.ID)
	}

	n, err := s.MarkSettled(ctx, ids, "settle-tx")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	// Second mark is a no-op, not an error.
	n, err = s.MarkSettled(ctx, ids, "settle-tx")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	sum, err = s.SumUnsettled(ctx)
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
}

func TestMemoryStore_Aggregates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, addr := range []string{"wallet-a", "wallet-b"} {
		_, err := s.CreateWallet(ctx, addr)
		require.NoError(t, err)
		_, err = s.ApplyDeposit(ctx, addr, dec("10"), "tx-"+addr)
		require.NoError(t, err)
	}

	stats, err := s.Aggregates(ctx)
	require.NoError(t, err)
	assert.True(t, stats.TotalDeposited.Equal(dec("20")))
	assert.True(t, stats.TotalConsumed.IsZero())
	assert.EqualValues(t, 2, stats.TotalUsers)
}
