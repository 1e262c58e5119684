package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tokenmeter/internal/models"
)

// MemoryStore is an in-memory implementation of the store contract.
// It backs unit tests and standalone development runs where no
// Postgres instance is available; data is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*models.WalletBalance
	entries map[string][]models.LedgerEntry
	usage   []*models.UsageRecord
	seenTx  map[string]struct{}
	nextID  int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*models.WalletBalance),
		entries: make(map[string][]models.LedgerEntry),
		seenTx:  make(map[string]struct{}),
	}
}

// GetWallet fetches a wallet balance record by address
func (s *MemoryStore) GetWallet(ctx context.Context, addr string) (*models.WalletBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[addr]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

// CreateWallet inserts a zeroed wallet record if none exists
func (s *MemoryStore) CreateWallet(ctx context.Context, addr string) (*models.WalletBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[addr]
	if !ok {
		w = &models.WalletBalance{
			WalletAddress:   addr,
			DepositedAmount: decimal.Zero,
			ConsumedAmount:  decimal.Zero,
			CurrentBalance:  decimal.Zero,
			LastUpdated:     time.Now().UTC(),
		}
		s.wallets[addr] = w
	}
	cp := *w
	return &cp, nil
}

// WalletEntries returns the most recent ledger entries for a wallet
func (s *MemoryStore) WalletEntries(ctx context.Context, addr string, limit int) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.entries[addr]
	out := make([]models.LedgerEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// DepositTxSeen reports whether any deposit entry already references txHash
func (s *MemoryStore) DepositTxSeen(ctx context.Context, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, seen := s.seenTx[txHash]
	return seen, nil
}

// ApplyDeposit credits a wallet and appends the deposit entry
func (s *MemoryStore) ApplyDeposit(ctx context.Context, addr string, amount decimal.Decimal, txHash string) (*models.WalletBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.seenTx[txHash]; seen {
		return nil, ErrDuplicateTxHash
	}
	w, ok := s.wallets[addr]
	if !ok {
		return nil, ErrWalletNotFound
	}

	w.DepositedAmount = w.DepositedAmount.Add(amount)
	w.CurrentBalance = w.CurrentBalance.Add(amount)
	w.LastUpdated = time.Now().UTC()

	s.seenTx[txHash] = struct{}{}
	s.nextID++
	hash := txHash
	s.entries[addr] = append(s.entries[addr], models.LedgerEntry{
		ID:            s.nextID,
		WalletAddress: addr,
		Type:          models.EntryDeposit,
		Amount:        amount,
		TxHash:        &hash,
		CreatedAt:     w.LastUpdated,
	})

	cp := *w
	return &cp, nil
}

// ApplyUsage debits a wallet, appends the usage entry and stores the
// unsettled usage record
func (s *MemoryStore) ApplyUsage(ctx context.Context, addr string, amount decimal.Decimal, rec *models.UsageRecord) (*models.WalletBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[addr]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if w.CurrentBalance.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	w.ConsumedAmount = w.ConsumedAmount.Add(amount)
	w.CurrentBalance = w.CurrentBalance.Sub(amount)
	w.LastUpdated = time.Now().UTC()

	s.nextID++
	s.entries[addr] = append(s.entries[addr], models.LedgerEntry{
		ID:            s.nextID,
		WalletAddress: addr,
		Type:          models.EntryUsage,
		Amount:        amount.Neg(),
		Metadata: models.JSONB{
			"requestType": string(rec.RequestType),
			"usdCost":     rec.USDCost.String(),
		},
		CreatedAt: w.LastUpdated,
	})

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.usage = append(s.usage, &cp)

	wcp := *w
	return &wcp, nil
}

// UnsettledRecords returns up to limit unsettled usage records, oldest first
func (s *MemoryStore) UnsettledRecords(ctx context.Context, limit int) ([]models.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.UsageRecord
	for _, rec := range s.usage {
		if !rec.Settled {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSettled flips settled records by id; already-settled ids are skipped
func (s *MemoryStore) MarkSettled(ctx context.Context, ids []uuid.UUID, txHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	var n int64
	for _, rec := range s.usage {
		if _, ok := wanted[rec.ID]; ok && !rec.Settled {
			rec.Settled = true
			hash := txHash
			rec.TxHash = &hash
			n++
		}
	}
	return n, nil
}

// SumUnsettled returns the total tokens awaiting settlement
func (s *MemoryStore) SumUnsettled(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := decimal.Zero
	for _, rec := range s.usage {
		if !rec.Settled {
			sum = sum.Add(rec.TokensBurned)
		}
	}
	return sum, nil
}

// UsageHistory returns the most recent usage records for a wallet
func (s *MemoryStore) UsageHistory(ctx context.Context, addr string, limit int) ([]models.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.UsageRecord
	for _, rec := range s.usage {
		if rec.WalletAddress == addr {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Aggregates computes the totals across all wallets
func (s *MemoryStore) Aggregates(ctx context.Context) (models.TotalStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := models.TotalStats{
		TotalDeposited: decimal.Zero,
		TotalConsumed:  decimal.Zero,
	}
	for _, w := range s.wallets {
		stats.TotalDeposited = stats.TotalDeposited.Add(w.DepositedAmount)
		stats.TotalConsumed = stats.TotalConsumed.Add(w.ConsumedAmount)
		stats.TotalUsers++
	}
	return stats, nil
}
