package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"tokenmeter/internal/models"
)

// Store is the Postgres-backed persistence layer for wallet balances,
// ledger entries and usage records. Balance mutations run inside a
// single transaction so the invariant current = deposited - consumed
// is never observable in a violated state.
type Store struct {
	db *DB
}

// NewStore creates a store over an open database connection
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// GetWallet fetches a wallet balance record by address
func (s *Store) GetWallet(ctx context.Context, addr string) (*models.WalletBalance, error) {
	var w models.WalletBalance
	err := s.db.conn.GetContext(ctx, &w, `
		SELECT wallet_address, deposited_amount, consumed_amount, current_balance, last_updated
		FROM wallet_balances
		WHERE wallet_address = $1
	`, addr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

// CreateWallet inserts a zeroed wallet record if none exists and
// returns the current record either way.
func (s *Store) CreateWallet(ctx context.Context, addr string) (*models.WalletBalance, error) {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO wallet_balances (wallet_address)
		VALUES ($1)
		ON CONFLICT (wallet_address) DO NOTHING
	`, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return s.GetWallet(ctx, addr)
}

// WalletEntries returns the most recent ledger entries for a wallet
func (s *Store) WalletEntries(ctx context.Context, addr string, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.db.conn.SelectContext(ctx, &entries, `
		SELECT id, wallet_address, entry_type, amount, tx_hash, metadata, created_at
		FROM ledger_entries
		WHERE wallet_address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, addr, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", err)
	}
	return entries, nil
}

// DepositTxSeen reports whether any deposit entry already references txHash
func (s *Store) DepositTxSeen(ctx context.Context, txHash string) (bool, error) {
	var seen bool
	err := s.db.conn.GetContext(ctx, &seen, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE entry_type = 'deposit' AND tx_hash = $1
		)
	`, txHash)
	if err != nil {
		return false, fmt.Errorf("failed to check tx hash: %w", err)
	}
	return seen, nil
}

// ApplyDeposit credits a wallet and appends the deposit entry in one
// transaction. A replayed txHash trips the partial unique index and
// is surfaced as ErrDuplicateTxHash.
func (s *Store) ApplyDeposit(ctx context.Context, addr string, amount decimal.Decimal, txHash string) (*models.WalletBalance, error) {
	tx, err := s.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (wallet_address, entry_type, amount, tx_hash)
		VALUES ($1, 'deposit', $2, $3)
	`, addr, amount, txHash)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateTxHash
		}
		return nil, fmt.Errorf("failed to append deposit entry: %w", err)
	}

	var w models.WalletBalance
	err = tx.GetContext(ctx, &w, `
		UPDATE wallet_balances
		SET deposited_amount = deposited_amount + $2,
		    current_balance  = current_balance + $2,
		    last_updated     = now()
		WHERE wallet_address = $1
		RETURNING wallet_address, deposited_amount, consumed_amount, current_balance, last_updated
	`, addr, amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to credit wallet: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit deposit: %w", err)
	}
	return &w, nil
}

// ApplyUsage debits a wallet, appends the usage entry and inserts the
// unsettled usage record in one transaction. The debit is conditional
// on the current balance covering the amount; a wallet that cannot
// afford it matches no row and the whole transaction rolls back.
func (s *Store) ApplyUsage(ctx context.Context, addr string, amount decimal.Decimal, rec *models.UsageRecord) (*models.WalletBalance, error) {
	tx, err := s.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var w models.WalletBalance
	err = tx.GetContext(ctx, &w, `
		UPDATE wallet_balances
		SET consumed_amount = consumed_amount + $2,
		    current_balance = current_balance - $2,
		    last_updated    = now()
		WHERE wallet_address = $1 AND current_balance >= $2
		RETURNING wallet_address, deposited_amount, consumed_amount, current_balance, last_updated
	`, addr, amount)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing wallet from one that cannot afford the debit.
		var exists bool
		if checkErr := tx.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM wallet_balances WHERE wallet_address = $1)`, addr); checkErr != nil {
			return nil, fmt.Errorf("failed to check wallet: %w", checkErr)
		}
		if !exists {
			return nil, ErrWalletNotFound
		}
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, fmt.Errorf("failed to debit wallet: %w", err)
	}

	metadata := models.JSONB{
		"requestType": string(rec.RequestType),
		"usdCost":     rec.USDCost.String(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (wallet_address, entry_type, amount, metadata)
		VALUES ($1, 'usage', $2, $3)
	`, addr, amount.Neg(), metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to append usage entry: %w", err)
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, wallet_address, request_type, usd_cost, token_price, tokens_burned, settled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7)
	`, rec.ID, rec.WalletAddress, rec.RequestType, rec.USDCost, rec.TokenPrice, rec.TokensBurned, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert usage record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit usage: %w", err)
	}
	return &w, nil
}

// UnsettledRecords returns up to limit unsettled usage records, oldest first
func (s *Store) UnsettledRecords(ctx context.Context, limit int) ([]models.UsageRecord, error) {
	var records []models.UsageRecord
	err := s.db.conn.SelectContext(ctx, &records, `
		SELECT id, wallet_address, request_type, usd_cost, token_price, tokens_burned, settled, tx_hash, created_at
		FROM usage_records
		WHERE settled = false
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get unsettled records: %w", err)
	}
	return records, nil
}

// MarkSettled flips settled records by id and stamps the settlement
// transaction. Already-settled ids match no row, which keeps the call
// idempotent. Returns the number of rows updated.
func (s *Store) MarkSettled(ctx context.Context, ids []uuid.UUID, txHash string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE usage_records
		SET settled = true, tx_hash = $2
		WHERE id = ANY($1) AND settled = false
	`, pq.Array(ids), txHash)
	if err != nil {
		return 0, fmt.Errorf("failed to mark records settled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SumUnsettled returns the total tokens awaiting settlement
func (s *Store) SumUnsettled(ctx context.Context) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.conn.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(tokens_burned), 0)
		FROM usage_records
		WHERE settled = false
	`)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum unsettled records: %w", err)
	}
	return sum, nil
}

// UsageHistory returns the most recent usage records for a wallet
func (s *Store) UsageHistory(ctx context.Context, addr string, limit int) ([]models.UsageRecord, error) {
	var records []models.UsageRecord
	err := s.db.conn.SelectContext(ctx, &records, `
		SELECT id, wallet_address, request_type, usd_cost, token_price, tokens_burned, settled, tx_hash, created_at
		FROM usage_records
		WHERE wallet_address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, addr, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage history: %w", err)
	}
	return records, nil
}

// Aggregates computes the totals across all wallets
func (s *Store) Aggregates(ctx context.Context) (models.TotalStats, error) {
	var stats models.TotalStats
	err := s.db.conn.GetContext(ctx, &stats, `
		SELECT COALESCE(SUM(deposited_amount), 0) AS total_deposited,
		       COALESCE(SUM(consumed_amount), 0)  AS total_consumed,
		       COUNT(*)                           AS total_users
		FROM wallet_balances
	`)
	if err != nil {
		return models.TotalStats{}, fmt.Errorf("failed to aggregate wallets: %w", err)
	}
	return stats, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
