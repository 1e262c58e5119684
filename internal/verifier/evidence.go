package verifier

import (
	"encoding/binary"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// SPL token program instruction tags
const (
	tokenInstructionTransfer        = 3
	tokenInstructionTransferChecked = 12
)

type evidenceKind int

const (
	evidenceNone evidenceKind = iota
	evidenceParsedTransfer
	evidenceBalanceDelta
)

// transferEvidence is the single decoded view of what the raw provider
// response proved. Downstream checks never re-inspect provider shapes.
type transferEvidence struct {
	kind   evidenceKind
	mint   solana.PublicKey
	amount decimal.Decimal

	// authority is the signing owner on the parsed instruction path.
	authority solana.PublicKey
	// senderOwner is the owner whose balance decreased, on the
	// snapshot path. Nil when no decreasing account was found.
	senderOwner *solana.PublicKey
}

func (e transferEvidence) senderMatches(sender solana.PublicKey) bool {
	switch e.kind {
	case evidenceParsedTransfer:
		return e.authority.Equals(sender)
	case evidenceBalanceDelta:
		return e.senderOwner != nil && e.senderOwner.Equals(sender)
	}
	return false
}

// tokenAccountState merges the pre and post token balance snapshots
// for one account index.
type tokenAccountState struct {
	mint     solana.PublicKey
	owner    *solana.PublicKey
	decimals uint8
	pre      decimal.Decimal
	post     decimal.Decimal
}

func uiAmount(a *rpc.UiTokenAmount) decimal.Decimal {
	if a == nil {
		return decimal.Zero
	}
	raw, err := decimal.NewFromString(a.Amount)
	if err != nil {
		return decimal.Zero
	}
	return raw.Shift(-int32(a.Decimals))
}

func snapshotStates(meta *rpc.TransactionMeta) map[uint16]*tokenAccountState {
	states := make(map[uint16]*tokenAccountState)

	for _, tb := range meta.PostTokenBalances {
		states[tb.AccountIndex] = &tokenAccountState{
			mint:  tb.Mint,
			owner: tb.Owner,
			post:  uiAmount(tb.UiTokenAmount),
		}
		if tb.UiTokenAmount != nil {
			states[tb.AccountIndex].decimals = tb.UiTokenAmount.Decimals
		}
	}
	for _, tb := range meta.PreTokenBalances {
		st, ok := states[tb.AccountIndex]
		if !ok {
			st = &tokenAccountState{mint: tb.Mint, owner: tb.Owner}
			if tb.UiTokenAmount != nil {
				st.decimals = tb.UiTokenAmount.Decimals
			}
			states[tb.AccountIndex] = st
		}
		st.pre = uiAmount(tb.UiTokenAmount)
	}
	return states
}

// decodeEvidence extracts transfer evidence for the recipient from a
// fetched transaction: parsed token instructions first, balance
// snapshot deltas as the fallback.
func decodeEvidence(res *rpc.GetTransactionResult, recipient, expectedMint solana.PublicKey) transferEvidence {
	states := snapshotStates(res.Meta)

	if ev := parsedTransferEvidence(res, states, recipient, expectedMint); ev.kind != evidenceNone {
		return ev
	}
	return balanceDeltaEvidence(states, recipient, expectedMint)
}

// parsedTransferEvidence walks the compiled token program instructions
// looking for a transfer whose destination account belongs to the
// recipient.
func parsedTransferEvidence(res *rpc.GetTransactionResult, states map[uint16]*tokenAccountState, recipient, expectedMint solana.PublicKey) transferEvidence {
	if res.Transaction == nil {
		return transferEvidence{}
	}
	decoded, err := res.Transaction.GetTransaction()
	if err != nil || decoded == nil {
		return transferEvidence{}
	}
	msg := decoded.Message

	for _, ix := range msg.Instructions {
		if int(ix.ProgramIDIndex) >= len(msg.AccountKeys) {
			continue
		}
		if !msg.AccountKeys[ix.ProgramIDIndex].Equals(solana.TokenProgramID) {
			continue
		}
		if len(ix.Data) == 0 {
			continue
		}

		var destIdx, authIdx uint16
		var mint solana.PublicKey
		var decimals uint8
		var haveDecimals bool
		raw := uint64(0)

		switch ix.Data[0] {
		case tokenInstructionTransfer:
			if len(ix.Data) < 9 || len(ix.Accounts) < 3 {
				continue
			}
			raw = leUint64(ix.Data[1:9])
			destIdx, authIdx = ix.Accounts[1], ix.Accounts[2]
		case tokenInstructionTransferChecked:
			if len(ix.Data) < 10 || len(ix.Accounts) < 4 {
				continue
			}
			raw = leUint64(ix.Data[1:9])
			decimals = ix.Data[9]
			haveDecimals = true
			if int(ix.Accounts[1]) < len(msg.AccountKeys) {
				mint = msg.AccountKeys[ix.Accounts[1]]
			}
			destIdx, authIdx = ix.Accounts[2], ix.Accounts[3]
		default:
			continue
		}

		st := states[destIdx]
		if st != nil {
			if mint.IsZero() {
				mint = st.mint
			}
			if !haveDecimals {
				decimals = st.decimals
				haveDecimals = true
			}
		}

		if !destinationIsRecipient(msg, destIdx, st, recipient, mint, expectedMint) {
			continue
		}
		if !haveDecimals {
			continue
		}

		var authority solana.PublicKey
		if int(authIdx) < len(msg.AccountKeys) {
			authority = msg.AccountKeys[authIdx]
		}

		return transferEvidence{
			kind:      evidenceParsedTransfer,
			mint:      mint,
			amount:    normalize(raw, decimals),
			authority: authority,
		}
	}
	return transferEvidence{}
}

// destinationIsRecipient checks whether the transfer destination is a
// token account of the recipient, either by snapshot owner or by
// matching the recipient's associated token account address.
func destinationIsRecipient(msg solana.Message, destIdx uint16, st *tokenAccountState, recipient, mint, expectedMint solana.PublicKey) bool {
	if st != nil && st.owner != nil {
		return st.owner.Equals(recipient)
	}

	ataMint := mint
	if ataMint.IsZero() {
		ataMint = expectedMint
	}
	if ataMint.IsZero() || int(destIdx) >= len(msg.AccountKeys) {
		return false
	}
	ata, _, err := solana.FindAssociatedTokenAddress(recipient, ataMint)
	if err != nil {
		return false
	}
	return msg.AccountKeys[destIdx].Equals(ata)
}

// balanceDeltaEvidence compares pre/post token balance snapshots and
// credits the largest positive delta on an account owned by the
// recipient. The sender side, if any single account decreased for the
// same mint, is kept for the optional sender check.
func balanceDeltaEvidence(states map[uint16]*tokenAccountState, recipient, expectedMint solana.PublicKey) transferEvidence {
	best := transferEvidence{}
	bestDelta := decimal.Zero

	for _, st := range states {
		if st.owner == nil || !st.owner.Equals(recipient) {
			continue
		}
		if !expectedMint.IsZero() && !st.mint.Equals(expectedMint) {
			continue
		}
		delta := st.post.Sub(st.pre)
		if delta.GreaterThan(bestDelta) {
			bestDelta = delta
			best = transferEvidence{
				kind:   evidenceBalanceDelta,
				mint:   st.mint,
				amount: delta,
			}
		}
	}
	if best.kind == evidenceNone {
		return best
	}

	for _, st := range states {
		if st.owner == nil || st.owner.Equals(recipient) || !st.mint.Equals(best.mint) {
			continue
		}
		if st.post.LessThan(st.pre) {
			owner := *st.owner
			best.senderOwner = &owner
			break
		}
	}
	return best
}

func normalize(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}

func leUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b[:8])
}
