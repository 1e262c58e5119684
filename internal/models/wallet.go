package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType classifies an entry in a wallet's transaction log.
type EntryType string

const (
	EntryDeposit    EntryType = "deposit"
	EntryUsage      EntryType = "usage"
	EntrySettlement EntryType = "settlement"
)

// RequestType identifies the billable action behind a usage debit.
type RequestType string

const (
	RequestChat  RequestType = "chat"
	RequestVoice RequestType = "voice"
)

// WalletBalance is the authoritative balance record for one wallet,
// keyed by the wallet's base-58 address.
type WalletBalance struct {
	WalletAddress   string          `db:"wallet_address" json:"walletAddress"`
	DepositedAmount decimal.Decimal `db:"deposited_amount" json:"depositedAmount"`
	ConsumedAmount  decimal.Decimal `db:"consumed_amount" json:"consumedAmount"`
	CurrentBalance  decimal.Decimal `db:"current_balance" json:"currentBalance"`
	LastUpdated     time.Time       `db:"last_updated" json:"lastUpdated"`

	// Transactions is the append-only entry log, loaded separately
	// from the entries table.
	Transactions []LedgerEntry `db:"-" json:"transactions,omitempty"`
}

// Consistent reports whether the balance invariant holds:
// current = deposited - consumed, and current is not negative.
func (w *WalletBalance) Consistent() bool {
	return w.CurrentBalance.Equal(w.DepositedAmount.Sub(w.ConsumedAmount)) &&
		!w.CurrentBalance.IsNegative()
}

// TotalStats aggregates deposits and consumption across all wallets.
type TotalStats struct {
	TotalDeposited decimal.Decimal `db:"total_deposited" json:"totalDeposited"`
	TotalConsumed  decimal.Decimal `db:"total_consumed" json:"totalConsumed"`
	TotalUsers     int64           `db:"total_users" json:"totalUsers"`
}

// LedgerEntry is one immutable line in a wallet's audit log.
// Amount is positive for deposits and negative for usage debits.
type LedgerEntry struct {
	ID            int64           `db:"id" json:"id"`
	WalletAddress string          `db:"wallet_address" json:"walletAddress"`
	Type          EntryType       `db:"entry_type" json:"type"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	TxHash        *string         `db:"tx_hash" json:"txHash,omitempty"`
	Metadata      JSONB           `db:"metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
}
