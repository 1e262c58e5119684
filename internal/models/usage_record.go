package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UsageRecord is one billable action awaiting settlement.
// TokenPrice freezes the TWAP price used for the debit so the burn
// amount can be audited later.
type UsageRecord struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	WalletAddress string          `db:"wallet_address" json:"walletAddress"`
	RequestType   RequestType     `db:"request_type" json:"requestType"`
	USDCost       decimal.Decimal `db:"usd_cost" json:"usdCost"`
	TokenPrice    decimal.Decimal `db:"token_price" json:"tokenPrice"`
	TokensBurned  decimal.Decimal `db:"tokens_burned" json:"tokensBurned"`
	Settled       bool            `db:"settled" json:"settled"`
	TxHash        *string         `db:"tx_hash" json:"txHash,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
}
