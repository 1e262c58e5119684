package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenmeter/internal/models"
	"tokenmeter/internal/storage"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// stubOracle serves a fixed TWAP with the standard clamp band.
type stubOracle struct {
	twap decimal.Decimal
	err  error
}

func (s *stubOracle) TWAPPrice() (decimal.Decimal, error) {
	if s.err != nil {
		return decimal.Zero, s.err
	}
	return s.twap, nil
}

func (s *stubOracle) CalculateTokenBurn(usdCost decimal.Decimal) (decimal.Decimal, error) {
	twap, err := s.TWAPPrice()
	if err != nil {
		return decimal.Zero, err
	}
	raw := usdCost.Div(twap)
	floor, ceiling := dec("0.05"), dec("50")
	if raw.LessThan(floor) {
		return floor, nil
	}
	if raw.GreaterThan(ceiling) {
		return ceiling, nil
	}
	return raw, nil
}

func newTestLedger(twap string) (*Ledger, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	l := New(store, &stubOracle{twap: dec(twap)}, nil, nil)
	return l, store
}

func TestGetBalance_LazyCreate(t *testing.T) {
	l, _ := newTestLedger("1")
	ctx := context.Background()

	w, err := l.GetBalance(ctx, "wallet-a")
	require.NoError(t, err)
	assert.True(t, w.CurrentBalance.IsZero())
	assert.True(t, w.DepositedAmount.IsZero())
	assert.True(t, w.ConsumedAmount.IsZero())
	assert.Empty(t, w.Transactions)
}

func TestRecordDeposit_DuplicateCreditsOnce(t *testing.T) {
	l, _ := newTestLedger("1")
	ctx := context.Background()

	w, err := l.RecordDeposit(ctx, "wallet-a", dec("10"), "T1")
	require.NoError(t, err)
	assert.True(t, w.CurrentBalance.Equal(dec("10")))

	_, err = l.RecordDeposit(ctx, "wallet-a", dec("10"), "T1")
	assert.True(t, errors.Is(err, ErrDuplicateTransaction))

	w2, err := l.GetBalance(ctx, "wallet-a")
	require.NoError(t, err)
	assert.True(t, w2.CurrentBalance.Equal(dec("10")), "replay must not credit twice")
	assert.True(t, w2.Consistent())
}

func TestRecordDeposit_InvalidAmount(t *testing.T) {
	l, _ := newTestLedger("1")
	ctx := context.Background()

	_, err := l.RecordDeposit(ctx, "wallet-a", dec("0"), "T1")
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	_, err = l.RecordDeposit(ctx, "wallet-a", dec("-5"), "T2")
	assert.True(t, errors.Is(err, ErrInvalidAmount))
}

func TestDeductTokens_InvariantHolds(t *testing.T) {
	l, _ := newTestLedger("0.50")
	ctx := context.Background()

	_, err := l.RecordDeposit(ctx, "wallet-a", dec("10"), "T1")
	require.NoError(t, err)

	w, err := l.DeductTokens(ctx, "wallet-a", dec("0.2"), models.RequestChat, dec("0.10"))
	require.NoError(t, err)
	assert.True(t, w.CurrentBalance.Equal(dec("9.8")))
	assert.True(t, w.Consistent())

	// The unsettled record froze the TWAP at debit time.
	recs, err := l.UnsettledRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].TokenPrice.Equal(dec("0.50")))
	assert.True(t, recs[0].TokensBurned.Equal(dec("0.2")))
	assert.False(t, recs[0].Settled)
}

func TestDeductTokens_InsufficientBalance(t *testing.T) {
	l, _ := newTestLedger("1")
	ctx := context.Background()

	_, err := l.RecordDeposit(ctx, "wallet-a", dec("1"), "T1")
	require.NoError(t, err)

	_, err = l.DeductTokens(ctx, "wallet-a", dec("1.5"), models.RequestChat, dec("1.5"))
	assert.True(t, errors.Is(err, ErrInsufficientBalance))

	w, err := l.GetBalance(ctx, "wallet-a")
	require.NoError(t, err)
	assert.True(t, w.CurrentBalance.Equal(dec("1")), "failed debit must not move the balance")
}

func TestDeductTokens_FailsWithoutPriceData(t *testing.T) {
	store := storage.NewMemoryStore()
	l := New(store, &stubOracle{err: errors.New("no price data")}, nil, nil)
	ctx := context.Background()

	_, err := l.RecordDeposit(ctx, "wallet-a", dec("10"), "T1")
	require.NoError(t, err)

	_, err = l.DeductTokens(ctx, "wallet-a", dec("1"), models.RequestChat, dec("1"))
	assert.Error(t, err, "cannot debit without a price to freeze")
}

func TestDeductTokens_ConcurrentNeverOverdraws(t *testing.T) {
	l, _ := newTestLedger("1")
	ctx := context.Background()

	// 10 tokens, 20 workers each trying to take 1: exactly 10 fit.
	_, err := l.RecordDeposit(ctx, "wallet-a", dec("10"), "T1")
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	failures := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.DeductTokens(ctx, "wallet-a", dec("1"), models.RequestChat, dec("1"))
			failures <- err
		}()
	}
	wg.Wait()
	close(failures)

	var ok, insufficient int
	for err := range failures {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, insufficient)

	w, err := l.GetBalance(ctx, "wallet-a")
	require.NoError(t, err)
	assert.True(t, w.CurrentBalance.IsZero())
	assert.True(t, w.Consistent())
}

func TestDebitUsage_ClampsToFloor(t *testing.T) {
	l, _ := newTestLedger("1.00")
	ctx := context.Background()

	_, err := l.RecordDeposit(ctx, "wallet-a", dec("10"), "T1")
	require.NoError(t, err)

	// $0.02 at $1.00 is 0.02 tokens raw, clamped up to the 0.05 floor.
	w, err := l.DebitUsage(ctx, "wallet-a", models.RequestChat, dec("0.02"))
	require.NoError(t, err)
	assert.True(t, w.CurrentBalance.Equal(dec("9.95")), "got %s", w.CurrentBalance)
}

func TestHasSufficientBalance(t *testing.T) {
	l, _ := newTestLedger("1")
	ctx := context.Background()

	ok, err := l.HasSufficientBalance(ctx, "wallet-a", dec("0.01"))
	require.NoError(t, err)
	assert.False(t, ok, "a fresh wallet affords nothing")

	_, err = l.RecordDeposit(ctx, "wallet-a", dec("5"), "T1")
	require.NoError(t, err)

	ok, err = l.HasSufficientBalance(ctx, "wallet-a", dec("5"))
	require.NoError(t, err)
	assert.True(t, ok, "exactly affordable counts as sufficient")

	ok, err = l.HasSufficientBalance(ctx, "wallet-a", dec("5.01"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedger_EndToEndScenario(t *testing.T) {
	// Deposit, floor-clamped debit, replay rejection: the full wallet
	// lifecycle short of settlement.
	l, _ := newTestLedger("1.00")
	ctx := context.Background()

	w, err := l.RecordDeposit(ctx, "W", dec("10"), "T1")
	require.NoError(t, err)
	assert.True(t, w.CurrentBalance.Equal(dec("10")))

	w, err = l.DebitUsage(ctx, "W", models.RequestChat, dec("0.02"))
	require.NoError(t, err)
	assert.True(t, w.CurrentBalance.Equal(dec("9.95")))

	_, err = l.RecordDeposit(ctx, "W", dec("10"), "T1")
	assert.True(t, errors.Is(err, ErrDuplicateTransaction))

	recs, err := l.UnsettledRecords(ctx, 100)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].TokensBurned.Equal(dec("0.05")))

	sum, err := l.SumUnsettled(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Equal(dec("0.05")))

	stats, err := l.TotalStats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.TotalDeposited.Equal(dec("10")))
	assert.True(t, stats.TotalConsumed.Equal(dec("0.05")))
	assert.EqualValues(t, 1, stats.TotalUsers)

	hist, err := l.UsageHistory(ctx, "W", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}
