package ledger

import "errors"

var (
	// ErrInsufficientBalance is returned when a debit exceeds the wallet's
	// current balance. Expected during normal operation, never retried.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateTransaction is returned when a deposit replays a
	// transaction hash that already credited a wallet
	ErrDuplicateTransaction = errors.New("transaction already credited")

	// ErrInvalidAmount is returned for zero or negative amounts
	ErrInvalidAmount = errors.New("amount must be positive")
)
