package storage

import "errors"

var (
	// ErrWalletNotFound is returned when a wallet balance record does not exist
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrUsageRecordNotFound is returned when a usage record is not found
	ErrUsageRecordNotFound = errors.New("usage record not found")

	// ErrInsufficientFunds is returned when a conditional debit matches no row,
	// meaning the wallet's current balance is below the requested amount
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTxHash is returned when a deposit entry already references
	// the same on-chain transaction
	ErrDuplicateTxHash = errors.New("transaction hash already recorded")
)
