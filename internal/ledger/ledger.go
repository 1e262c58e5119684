package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tokenmeter/internal/models"
	"tokenmeter/internal/storage"
	"tokenmeter/internal/utils"
)

// entryLogLimit caps how much of the append-only entry log is loaded
// into a WalletBalance on read.
const entryLogLimit = 100

// lockStripes is the number of per-wallet mutex stripes. Mutations on
// the same wallet serialize; unrelated wallets proceed concurrently.
const lockStripes = 64

// Store is the persistence contract the ledger depends on. Implemented
// by storage.Store (Postgres) and storage.MemoryStore.
type Store interface {
	GetWallet(ctx context.Context, addr string) (*models.WalletBalance, error)
	CreateWallet(ctx context.Context, addr string) (*models.WalletBalance, error)
	WalletEntries(ctx context.Context, addr string, limit int) ([]models.LedgerEntry, error)
	DepositTxSeen(ctx context.Context, txHash string) (bool, error)
	ApplyDeposit(ctx context.Context, addr string, amount decimal.Decimal, txHash string) (*models.WalletBalance, error)
	ApplyUsage(ctx context.Context, addr string, amount decimal.Decimal, rec *models.UsageRecord) (*models.WalletBalance, error)
	UnsettledRecords(ctx context.Context, limit int) ([]models.UsageRecord, error)
	MarkSettled(ctx context.Context, ids []uuid.UUID, txHash string) (int64, error)
	SumUnsettled(ctx context.Context) (decimal.Decimal, error)
	UsageHistory(ctx context.Context, addr string, limit int) ([]models.UsageRecord, error)
	Aggregates(ctx context.Context) (models.TotalStats, error)
}

// Oracle is the slice of the price oracle the ledger needs
type Oracle interface {
	TWAPPrice() (decimal.Decimal, error)
	CalculateTokenBurn(usdCost decimal.Decimal) (decimal.Decimal, error)
}

// StatsSink receives balance movements for cheap aggregate reads.
// May be nil; the ledger then answers stats from the store directly.
type StatsSink interface {
	AddDeposited(ctx context.Context, amount decimal.Decimal)
	AddConsumed(ctx context.Context, amount decimal.Decimal)
	Totals(ctx context.Context) (models.TotalStats, error)
}

// Ledger is the only component permitted to mutate wallet balances.
// Every mutation preserves current = deposited - consumed >= 0.
type Ledger struct {
	store  Store
	oracle Oracle
	stats  StatsSink
	log    *utils.Logger

	locks [lockStripes]sync.Mutex
}

// New creates a balance ledger. stats may be nil.
func New(store Store, oracle Oracle, stats StatsSink, log *utils.Logger) *Ledger {
	if log == nil {
		log = utils.NewLogger("ledger")
	}
	return &Ledger{
		store:  store,
		oracle: oracle,
		stats:  stats,
		log:    log,
	}
}

func (l *Ledger) lockFor(wallet string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(wallet))
	return &l.locks[h.Sum32()%lockStripes]
}

// GetBalance returns the wallet's balance record, lazily creating a
// zeroed one on first sight. The recent entry log rides along.
func (l *Ledger) GetBalance(ctx context.Context, wallet string) (*models.WalletBalance, error) {
	w, err := l.store.GetWallet(ctx, wallet)
	if errors.Is(err, storage.ErrWalletNotFound) {
		w, err = l.store.CreateWallet(ctx, wallet)
	}
	if err != nil {
		return nil, err
	}

	entries, err := l.store.WalletEntries(ctx, wallet, entryLogLimit)
	if err != nil {
		return nil, err
	}
	w.Transactions = entries
	return w, nil
}

// RecordDeposit credits a verified deposit. The same txHash can only
// ever credit once, across all wallets; a replay fails with
// ErrDuplicateTransaction and changes nothing.
func (l *Ledger) RecordDeposit(ctx context.Context, wallet string, amount decimal.Decimal, txHash string) (*models.WalletBalance, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	mu := l.lockFor(wallet)
	mu.Lock()
	defer mu.Unlock()

	seen, err := l.store.DepositTxSeen(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, ErrDuplicateTransaction
	}

	if _, err := l.store.CreateWallet(ctx, wallet); err != nil {
		return nil, err
	}

	w, err := l.store.ApplyDeposit(ctx, wallet, amount, txHash)
	if errors.Is(err, storage.ErrDuplicateTxHash) {
		// Lost the race against another instance; same outcome.
		return nil, ErrDuplicateTransaction
	}
	if err != nil {
		return nil, err
	}

	if l.stats != nil {
		l.stats.AddDeposited(ctx, amount)
	}
	l.log.Info("Deposit recorded", "wallet", wallet, "amount", amount, "tx", txHash)
	return w, nil
}

// HasSufficientBalance reports whether the wallet can afford required tokens
func (l *Ledger) HasSufficientBalance(ctx context.Context, wallet string, required decimal.Decimal) (bool, error) {
	w, err := l.GetBalance(ctx, wallet)
	if err != nil {
		return false, err
	}
	return !w.CurrentBalance.LessThan(required), nil
}

// DeductTokens debits a usage charge and creates the unsettled usage
// record, freezing the TWAP price at this instant for audit. The
// balance check and the debit are atomic with respect to other
// mutations on the same wallet.
func (l *Ledger) DeductTokens(ctx context.Context, wallet string, amount decimal.Decimal, requestType models.RequestType, usdCost decimal.Decimal) (*models.WalletBalance, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	twap, err := l.oracle.TWAPPrice()
	if err != nil {
		return nil, fmt.Errorf("cannot freeze token price: %w", err)
	}

	mu := l.lockFor(wallet)
	mu.Lock()
	defer mu.Unlock()

	rec := &models.UsageRecord{
		WalletAddress: wallet,
		RequestType:   requestType,
		USDCost:       usdCost,
		TokenPrice:    twap,
		TokensBurned:  amount,
	}

	w, err := l.store.ApplyUsage(ctx, wallet, amount, rec)
	if errors.Is(err, storage.ErrInsufficientFunds) {
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, err
	}

	if l.stats != nil {
		l.stats.AddConsumed(ctx, amount)
	}
	l.log.Info("Usage debited",
		"wallet", wallet, "tokens", amount, "type", requestType, "usd", usdCost)
	return w, nil
}

// DebitUsage prices a billable action through the oracle and deducts
// the clamped burn amount in one step.
func (l *Ledger) DebitUsage(ctx context.Context, wallet string, requestType models.RequestType, usdCost decimal.Decimal) (*models.WalletBalance, error) {
	burn, err := l.oracle.CalculateTokenBurn(usdCost)
	if err != nil {
		return nil, err
	}
	return l.DeductTokens(ctx, wallet, burn, requestType, usdCost)
}

// UnsettledRecords returns up to limit unsettled usage records, oldest first
func (l *Ledger) UnsettledRecords(ctx context.Context, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.UnsettledRecords(ctx, limit)
}

// MarkSettled bulk-marks usage records settled with the settlement
// transaction id. Already-settled ids are skipped, not errors.
func (l *Ledger) MarkSettled(ctx context.Context, ids []uuid.UUID, txHash string) error {
	n, err := l.store.MarkSettled(ctx, ids, txHash)
	if err != nil {
		return err
	}
	l.log.Info("Usage records settled", "count", n, "tx", txHash)
	return nil
}

// SumUnsettled returns the total tokens awaiting settlement
func (l *Ledger) SumUnsettled(ctx context.Context) (decimal.Decimal, error) {
	return l.store.SumUnsettled(ctx)
}

// UsageHistory returns the most recent usage records for a wallet
func (l *Ledger) UsageHistory(ctx context.Context, wallet string, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.UsageHistory(ctx, wallet, limit)
}

// TotalStats aggregates deposits and consumption across all wallets,
// preferring the cheap counter path when a stats sink is wired.
func (l *Ledger) TotalStats(ctx context.Context) (models.TotalStats, error) {
	if l.stats != nil {
		return l.stats.Totals(ctx)
	}
	return l.store.Aggregates(ctx)
}
