package meter

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tokenmeter/internal/ledger"
	"tokenmeter/internal/models"
	"tokenmeter/internal/settlement"
	"tokenmeter/internal/utils"
	"tokenmeter/internal/verifier"
)

// ErrDepositRejected means the transaction exists but does not prove
// the claimed deposit. The reason is carried in the error text.
var ErrDepositRejected = errors.New("deposit rejected")

// DepositVerifier proves deposit transactions on chain.
type DepositVerifier interface {
	VerifyDepositTransaction(ctx context.Context, txID string, exp verifier.Expectation) (verifier.Result, error)
}

// Pricer converts USD costs into token amounts.
type Pricer interface {
	CalculateTokenBurn(usdCost decimal.Decimal) (decimal.Decimal, error)
}

// Settler runs and reports on batch settlement.
type Settler interface {
	ExecuteBatchSettlement(ctx context.Context) (*settlement.RunResult, error)
	SettlementStats(ctx context.Context) (settlement.Stats, error)
}

// Config identifies the token and the custodial account deposits must
// land in.
type Config struct {
	Mint           string
	DepositAddress string
}

// Service is the outward face of the metering core: everything an API
// layer calls lives here. It owns no state of its own; it stitches the
// verifier, the ledger and the settlement engine into complete flows.
type Service struct {
	cfg      Config
	ledger   *ledger.Ledger
	verifier DepositVerifier
	pricer   Pricer
	settler  Settler
	log      *utils.Logger
}

func New(cfg Config, l *ledger.Ledger, v DepositVerifier, p Pricer, s Settler, log *utils.Logger) *Service {
	if log == nil {
		log = utils.NewLogger("meter")
	}
	return &Service{
		cfg:      cfg,
		ledger:   l,
		verifier: v,
		pricer:   p,
		settler:  s,
		log:      log,
	}
}

// Balance returns the wallet's balance, creating it on first sight.
func (s *Service) Balance(ctx context.Context, wallet string) (*models.WalletBalance, error) {
	return s.ledger.GetBalance(ctx, wallet)
}

// Deposit proves the transaction on chain and credits the wallet with
// the amount actually transferred. The claimed amount is checked
// against the chain within the verifier's tolerance; replaying a
// transaction id fails in the ledger.
func (s *Service) Deposit(ctx context.Context, wallet, txID string, amount decimal.Decimal) (*models.WalletBalance, error) {
	res, err := s.verifier.VerifyDepositTransaction(ctx, txID, verifier.Expectation{
		Recipient: s.cfg.DepositAddress,
		Mint:      s.cfg.Mint,
		Amount:    &amount,
		Sender:    wallet,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify deposit: %w", err)
	}
	if !res.IsValid {
		s.log.Warn("deposit rejected", "wallet", wallet, "tx", txID, "reason", res.Reason)
		return nil, fmt.Errorf("%w: %s", ErrDepositRejected, res.Reason)
	}

	return s.ledger.RecordDeposit(ctx, wallet, res.ActualAmount, txID)
}

// CanAfford reports whether the wallet covers a USD cost at the
// current token price.
func (s *Service) CanAfford(ctx context.Context, wallet string, usdCost decimal.Decimal) (bool, error) {
	tokens, err := s.pricer.CalculateTokenBurn(usdCost)
	if err != nil {
		return false, err
	}
	return s.ledger.HasSufficientBalance(ctx, wallet, tokens)
}

// Charge debits the wallet for one billable action.
func (s *Service) Charge(ctx context.Context, wallet string, requestType models.RequestType, usdCost decimal.Decimal) (*models.WalletBalance, error) {
	return s.ledger.DebitUsage(ctx, wallet, requestType, usdCost)
}

// History returns the wallet's most recent usage records.
func (s *Service) History(ctx context.Context, wallet string, limit int) ([]models.UsageRecord, error) {
	return s.ledger.UsageHistory(ctx, wallet, limit)
}

// Stats returns service-wide deposit and consumption totals.
func (s *Service) Stats(ctx context.Context) (models.TotalStats, error) {
	return s.ledger.TotalStats(ctx)
}

// Settle triggers a settlement run immediately.
func (s *Service) Settle(ctx context.Context) (*settlement.RunResult, error) {
	return s.settler.ExecuteBatchSettlement(ctx)
}

// SettlementStats reports cumulative and pending settlement totals.
func (s *Service) SettlementStats(ctx context.Context) (settlement.Stats, error) {
	return s.settler.SettlementStats(ctx)
}
