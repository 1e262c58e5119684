package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tokenmeter/internal/models"
	"tokenmeter/internal/utils"
)

const defaultMintDecimals = 9

// Chain is the slice of the RPC manager the engine needs.
type Chain interface {
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey) (*rpc.UiTokenAmount, error)
	GetMintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
}

// Ledger is the slice of the balance ledger the engine needs.
type Ledger interface {
	UnsettledRecords(ctx context.Context, limit int) ([]models.UsageRecord, error)
	MarkSettled(ctx context.Context, ids []uuid.UUID, txHash string) error
	SumUnsettled(ctx context.Context) (decimal.Decimal, error)
	TotalStats(ctx context.Context) (models.TotalStats, error)
}

// Config holds the settlement parameters.
type Config struct {
	Mint             string
	Treasury         string
	CustodialKey     string
	LegacyKeyDerive  bool
	BatchSize        int
	ConfirmTimeout   time.Duration
	ConfirmPollEvery time.Duration
}

// RunResult describes one completed settlement run.
type RunResult struct {
	Records        int
	BurnAmount     decimal.Decimal
	TreasuryAmount decimal.Decimal
	Signature      string
}

// Stats summarizes settlement activity to date.
type Stats struct {
	TotalBurned       decimal.Decimal `json:"totalBurned"`
	TotalToTreasury   decimal.Decimal `json:"totalToTreasury"`
	PendingSettlement decimal.Decimal `json:"pendingSettlement"`
}

// Engine batches unsettled usage records into a single on-chain
// transaction: half the owed tokens are burned, half transferred to
// the treasury's token account. Only one run may be active at a time.
type Engine struct {
	chain  Chain
	ledger Ledger
	cfg    Config
	log    *utils.Logger

	key       solana.PrivateKey
	keyLoaded bool
	mint      solana.PublicKey
	treasury  solana.PublicKey

	running atomic.Bool

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewEngine creates a settlement engine. Bad key material or addresses
// leave the engine degraded so deposits and debits keep working; the
// failure surfaces again as an error on every settlement call.
func NewEngine(chain Chain, ledger Ledger, cfg Config, log *utils.Logger) *Engine {
	if log == nil {
		log = utils.NewLogger("settlement")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.ConfirmPollEvery <= 0 {
		cfg.ConfirmPollEvery = 2 * time.Second
	}

	e := &Engine{
		chain:  chain,
		ledger: ledger,
		cfg:    cfg,
		log:    log,
	}

	if cfg.Mint != "" {
		mint, err := solana.PublicKeyFromBase58(cfg.Mint)
		if err != nil {
			log.Error("invalid token mint address", "error", err)
		} else {
			e.mint = mint
		}
	}
	if cfg.Treasury != "" {
		treasury, err := solana.PublicKeyFromBase58(cfg.Treasury)
		if err != nil {
			log.Error("invalid treasury address", "error", err)
		} else {
			e.treasury = treasury
		}
	}
	if cfg.CustodialKey != "" {
		key, err := LoadCustodialKey(cfg.CustodialKey, cfg.LegacyKeyDerive)
		if err != nil {
			log.Error("failed to load custodial key, settlement disabled", "error", err)
		} else {
			e.key = key
			e.keyLoaded = true
			log.Info("custodial key loaded", "pubkey", key.PublicKey().String())
		}
	}

	return e
}

// ExecuteBatchSettlement runs one settlement batch. A second concurrent
// call observes the guard and returns ErrSettlementInProgress without
// touching the chain or the records. With nothing unsettled the run is
// a no-op. Any failure after signing leaves every record unsettled.
func (e *Engine) ExecuteBatchSettlement(ctx context.Context) (*RunResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrSettlementInProgress
	}
	defer e.running.Store(false)

	records, err := e.ledger.UnsettledRecords(ctx, e.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsettled records: %w", err)
	}
	if len(records) == 0 {
		return &RunResult{}, nil
	}

	total := decimal.Zero
	ids := make([]uuid.UUID, 0, len(records))
	for _, rec := range records {
		total = total.Add(rec.TokensBurned)
		ids = append(ids, rec.ID)
	}

	burnAmount := total.Div(decimal.NewFromInt(2))
	treasuryAmount := total.Sub(burnAmount)

	if err := e.checkPreconditions(ctx, total); err != nil {
		return nil, err
	}

	sig, err := e.submitAndConfirm(ctx, burnAmount, treasuryAmount)
	if err != nil {
		return nil, err
	}

	if err := e.ledger.MarkSettled(ctx, ids, sig.String()); err != nil {
		// The chain already committed; the records will be retried and
		// the duplicate marks are no-ops, but flag it loudly.
		e.log.Error("settlement confirmed but marking records failed",
			"signature", sig.String(), "records", len(ids), "error", err)
		return nil, fmt.Errorf("%w: confirmed %s but failed to mark records: %v",
			ErrSettlementFailed, sig.String(), err)
	}

	e.log.Info("settlement committed",
		"records", len(records),
		"burned", burnAmount.String(),
		"treasury", treasuryAmount.String(),
		"signature", sig.String())

	return &RunResult{
		Records:        len(records),
		BurnAmount:     burnAmount,
		TreasuryAmount: treasuryAmount,
		Signature:      sig.String(),
	}, nil
}

func (e *Engine) checkPreconditions(ctx context.Context, total decimal.Decimal) error {
	if !e.keyLoaded {
		return ErrKeyNotLoaded
	}
	if e.mint.IsZero() {
		return ErrMintNotConfigured
	}
	if e.treasury.IsZero() {
		return ErrTreasuryNotConfigured
	}

	custodialATA, _, err := solana.FindAssociatedTokenAddress(e.key.PublicKey(), e.mint)
	if err != nil {
		return fmt.Errorf("failed to derive custodial token account: %w", err)
	}

	decimals := e.mintDecimals(ctx)
	required := toBaseUnits(total, decimals)

	balance, err := e.chain.GetTokenAccountBalance(ctx, custodialATA)
	if err != nil {
		return fmt.Errorf("failed to read custodial token balance: %w", err)
	}
	held, err := strconv.ParseUint(balance.Amount, 10, 64)
	if err != nil {
		return fmt.Errorf("unparseable custodial token balance %q: %w", balance.Amount, err)
	}
	if held < required {
		return fmt.Errorf("%w: hold %d, need %d base units", ErrInsufficientCustody, held, required)
	}

	return nil
}

func (e *Engine) submitAndConfirm(ctx context.Context, burnAmount, treasuryAmount decimal.Decimal) (solana.Signature, error) {
	owner := e.key.PublicKey()

	custodialATA, _, err := solana.FindAssociatedTokenAddress(owner, e.mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to derive custodial token account: %w", err)
	}
	treasuryATA, _, err := solana.FindAssociatedTokenAddress(e.treasury, e.mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to derive treasury token account: %w", err)
	}

	decimals := e.mintDecimals(ctx)
	burnUnits := toBaseUnits(burnAmount, decimals)
	treasuryUnits := toBaseUnits(treasuryAmount, decimals)

	blockhash, err := e.chain.GetLatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: blockhash: %v", ErrSettlementFailed, err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			token.NewBurnInstruction(burnUnits, custodialATA, e.mint, owner, nil).Build(),
			token.NewTransferInstruction(treasuryUnits, custodialATA, treasuryATA, owner, nil).Build(),
		},
		blockhash,
		solana.TransactionPayer(owner),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build transaction: %v", ErrSettlementFailed, err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner) {
			return &e.key
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: sign: %v", ErrSettlementFailed, err)
	}

	sig, err := e.chain.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: submit: %v", ErrSettlementFailed, err)
	}

	if err := e.awaitConfirmation(ctx, sig); err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

// awaitConfirmation polls signature status until the transaction is
// confirmed or the confirmation window closes.
func (e *Engine) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	deadline := time.NewTimer(e.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.ConfirmPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrSettlementFailed, sig.String(), ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("%w: %s not confirmed within %s", ErrSettlementFailed, sig.String(), e.cfg.ConfirmTimeout)
		case <-ticker.C:
			statuses, err := e.chain.GetSignatureStatuses(ctx, sig)
			if err != nil {
				e.log.Warn("signature status poll failed", "error", err)
				continue
			}
			if len(statuses.Value) == 0 || statuses.Value[0] == nil {
				continue
			}
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: %s failed on chain: %v", ErrSettlementFailed, sig.String(), status.Err)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}
	}
}

// CustodialAddress returns the base-58 public key of the custodial
// wallet, or the empty string when the key failed to load.
func (e *Engine) CustodialAddress() string {
	if !e.keyLoaded {
		return ""
	}
	return e.key.PublicKey().String()
}

// CheckAndSettleIfNeeded sums all unsettled tokens and runs a batch only
// when the sum meets the threshold. Returns whether a run was triggered.
// A run already in progress counts as not triggered.
func (e *Engine) CheckAndSettleIfNeeded(ctx context.Context, threshold decimal.Decimal) (bool, error) {
	pending, err := e.ledger.SumUnsettled(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to sum unsettled records: %w", err)
	}
	if !pending.IsPositive() || pending.LessThan(threshold) {
		return false, nil
	}

	if _, err := e.ExecuteBatchSettlement(ctx); err != nil {
		if errors.Is(err, ErrSettlementInProgress) {
			return false, nil
		}
		return true, err
	}
	return true, nil
}

// SettlementStats reports the cumulative burn/treasury split and the
// tokens still awaiting settlement.
func (e *Engine) SettlementStats(ctx context.Context) (Stats, error) {
	totals, err := e.ledger.TotalStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	pending, err := e.ledger.SumUnsettled(ctx)
	if err != nil {
		return Stats{}, err
	}

	half := totals.TotalConsumed.Div(decimal.NewFromInt(2))
	return Stats{
		TotalBurned:       half,
		TotalToTreasury:   half,
		PendingSettlement: pending,
	}, nil
}

// mintDecimals fetches the mint's decimal count, falling back to the
// SPL default when the mint account cannot be read.
func (e *Engine) mintDecimals(ctx context.Context) uint8 {
	decimals, err := e.chain.GetMintDecimals(ctx, e.mint)
	if err != nil {
		e.log.Warn("failed to fetch mint decimals, assuming default",
			"mint", e.mint.String(), "default", defaultMintDecimals, "error", err)
		return defaultMintDecimals
	}
	return decimals
}

func toBaseUnits(amount decimal.Decimal, decimals uint8) uint64 {
	return amount.Shift(int32(decimals)).Floor().BigInt().Uint64()
}
