package settlement

import "errors"

var (
	// ErrKeyNotLoaded means the custodial key failed to load at startup
	// and the engine is running degraded.
	ErrKeyNotLoaded = errors.New("custodial key not loaded")

	// ErrSettlementInProgress signals that a run is already active and
	// the call was a no-op.
	ErrSettlementInProgress = errors.New("settlement already in progress")

	// ErrSettlementFailed wraps submit or confirmation failures. The
	// affected records stay unsettled for the next run.
	ErrSettlementFailed = errors.New("settlement failed")

	ErrMintNotConfigured     = errors.New("token mint not configured")
	ErrTreasuryNotConfigured = errors.New("treasury address not configured")
	ErrInsufficientCustody   = errors.New("custodial token balance below settlement total")
	ErrInvalidKeyMaterial    = errors.New("invalid custodial key material")
)
