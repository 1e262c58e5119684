package verifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"tokenmeter/internal/utils"
)

// amountTolerance absorbs fee rounding between the caller-expected
// amount and the on-chain transfer. Fixed policy, not configurable.
var amountTolerance = decimal.NewFromFloat(0.001)

// ChainReader is the slice of the connection manager the verifier needs
type ChainReader interface {
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// Expectation describes what a deposit transaction must prove.
// Recipient is required; the rest tighten the check when supplied.
// Sender is used when deposits are validated as outgoing transfers
// from the user into a custodial account.
type Expectation struct {
	Recipient string
	Amount    *decimal.Decimal
	Mint      string
	Sender    string
}

// Result is the verification outcome. A failed proof carries a
// human-readable reason and is never an error return; errors are
// reserved for transport failures where no proof was obtained at all.
type Result struct {
	IsValid      bool
	ActualAmount decimal.Decimal
	Reason       string
}

func invalid(format string, args ...interface{}) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Verifier proves that a transaction id is a genuine, confirmed token
// transfer matching the caller's expectations. It performs no writes;
// replay protection lives in the ledger.
type Verifier struct {
	chain ChainReader
	log   *utils.Logger
}

// New creates a deposit transaction verifier
func New(chain ChainReader, log *utils.Logger) *Verifier {
	if log == nil {
		log = utils.NewLogger("verifier")
	}
	return &Verifier{chain: chain, log: log}
}

// VerifyDepositTransaction fetches the transaction and checks it
// against the expectation. Parsed instruction data is consulted first;
// when no token instruction can be decoded the pre/post token balance
// snapshots are compared by destination owner instead.
func (v *Verifier) VerifyDepositTransaction(ctx context.Context, txID string, exp Expectation) (Result, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return invalid("malformed transaction id: %v", err), nil
	}

	recipient, err := solana.PublicKeyFromBase58(exp.Recipient)
	if err != nil {
		return invalid("malformed recipient address: %v", err), nil
	}

	var expectedMint solana.PublicKey
	if exp.Mint != "" {
		expectedMint, err = solana.PublicKeyFromBase58(exp.Mint)
		if err != nil {
			return invalid("malformed mint address: %v", err), nil
		}
	}

	maxVersion := uint64(0)
	res, err := v.chain.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return invalid("transaction not found"), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("fetch transaction: %w", err)
	}
	if res == nil || res.Meta == nil {
		return invalid("transaction has no metadata"), nil
	}
	if res.Meta.Err != nil {
		return invalid("transaction failed on-chain: %v", res.Meta.Err), nil
	}

	ev := decodeEvidence(res, recipient, expectedMint)
	if ev.kind == evidenceNone {
		return invalid("no token transfer to %s found", exp.Recipient), nil
	}

	if exp.Mint != "" && !ev.mint.Equals(expectedMint) {
		return invalid("mint mismatch: transferred %s, expected %s", ev.mint, exp.Mint), nil
	}

	if exp.Sender != "" {
		sender, err := solana.PublicKeyFromBase58(exp.Sender)
		if err != nil {
			return invalid("malformed sender address: %v", err), nil
		}
		if !ev.senderMatches(sender) {
			return invalid("transfer authority does not match expected sender %s", exp.Sender), nil
		}
	}

	if exp.Amount != nil {
		diff := ev.amount.Sub(*exp.Amount).Abs()
		if diff.GreaterThan(amountTolerance) {
			return invalid("amount mismatch: transferred %s, expected %s",
				ev.amount, exp.Amount), nil
		}
	}

	v.log.Info("Deposit transaction verified",
		"tx", txID, "recipient", exp.Recipient, "amount", ev.amount)
	return Result{IsValid: true, ActualAmount: ev.amount}, nil
}
