package settlement

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenmeter/internal/models"
)

type fakeChain struct {
	mu sync.Mutex

	decimals    uint8
	decimalsErr error
	balance     uint64
	balanceErr  error
	sendErr     error
	statusErr   interface{}

	sent []*solana.Transaction
}

func (f *fakeChain) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return solana.Hash{}, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeChain) GetSignatureStatuses(ctx context.Context, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{{
			ConfirmationStatus: rpc.ConfirmationStatusFinalized,
			Err:                f.statusErr,
		}},
	}, nil
}

func (f *fakeChain) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey) (*rpc.UiTokenAmount, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return &rpc.UiTokenAmount{
		Amount:   strconv.FormatUint(f.balance, 10),
		Decimals: f.decimals,
	}, nil
}

func (f *fakeChain) GetMintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	if f.decimalsErr != nil {
		return 0, f.decimalsErr
	}
	return f.decimals, nil
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeLedger struct {
	mu sync.Mutex

	records  []models.UsageRecord
	pending  decimal.Decimal
	totals   models.TotalStats
	markErr  error
	marked   []uuid.UUID
	markedTx string

	fetchGate chan struct{} // when set, UnsettledRecords blocks on it
	fetching  chan struct{}
}

func (f *fakeLedger) UnsettledRecords(ctx context.Context, limit int) ([]models.UsageRecord, error) {
	if f.fetching != nil {
		close(f.fetching)
		f.fetching = nil
	}
	if f.fetchGate != nil {
		<-f.fetchGate
	}
	if limit < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func (f *fakeLedger) MarkSettled(ctx context.Context, ids []uuid.UUID, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, ids...)
	f.markedTx = txHash
	return nil
}

func (f *fakeLedger) SumUnsettled(ctx context.Context) (decimal.Decimal, error) {
	return f.pending, nil
}

func (f *fakeLedger) TotalStats(ctx context.Context) (models.TotalStats, error) {
	return f.totals, nil
}

func usageRecord(tokens string) models.UsageRecord {
	return models.UsageRecord{
		ID:           uuid.New(),
		TokensBurned: decimal.RequireFromString(tokens),
	}
}

func testEngine(chain *fakeChain, ledger *fakeLedger) *Engine {
	return NewEngine(chain, ledger, Config{
		Mint:             solana.NewWallet().PublicKey().String(),
		Treasury:         solana.NewWallet().PublicKey().String(),
		CustodialKey:     solana.NewWallet().PrivateKey.String(),
		BatchSize:        100,
		ConfirmTimeout:   2 * time.Second,
		ConfirmPollEvery: 10 * time.Millisecond,
	}, nil)
}

func TestExecuteBatchSettlement_NoRecordsIsNoop(t *testing.T) {
	chain := &fakeChain{decimals: 9, balance: 1 << 62}
	ledger := &fakeLedger{}
	engine := testEngine(chain, ledger)

	res, err := engine.ExecuteBatchSettlement(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Records)
	assert.Zero(t, chain.sentCount())
	assert.Empty(t, ledger.marked)
}

func TestExecuteBatchSettlement_HalfBurnHalfTreasury(t *testing.T) {
	chain := &fakeChain{decimals: 9, balance: 1 << 62}
	ledger := &fakeLedger{records: []models.UsageRecord{
		usageRecord("60"),
		usageRecord("40"),
	}}
	engine := testEngine(chain, ledger)

	res, err := engine.ExecuteBatchSettlement(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Records)
	assert.True(t, res.BurnAmount.Equal(decimal.RequireFromString("50")))
	assert.True(t, res.TreasuryAmount.Equal(decimal.RequireFromString("50")))
	assert.NotEmpty(t, res.Signature)

	// One transaction carrying the burn and the transfer.
	require.Equal(t, 1, chain.sentCount())
	assert.Len(t, chain.sent[0].Message.Instructions, 2)

	// Every fetched record is marked with the same signature.
	require.Len(t, ledger.marked, 2)
	assert.Equal(t, res.Signature, ledger.markedTx)
	assert.Equal(t, ledger.records[0].ID, ledger.marked[0])
	assert.Equal(t, ledger.records[1].ID, ledger.marked[1])
}

func TestExecuteBatchSettlement_ConcurrentGuard(t *testing.T) {
	gate := make(chan struct{})
	fetching := make(chan struct{})
	chain := &fakeChain{decimals: 9, balance: 1 << 62}
	ledger := &fakeLedger{
		records:   []models.UsageRecord{usageRecord("10")},
		fetchGate: gate,
		fetching:  fetching,
	}
	engine := testEngine(chain, ledger)

	done := make(chan error, 1)
	go func() {
		_, err := engine.ExecuteBatchSettlement(context.Background())
		done <- err
	}()
	<-fetching

	// The first run holds the guard; the second must not touch anything.
	_, err := engine.ExecuteBatchSettlement(context.Background())
	assert.ErrorIs(t, err, ErrSettlementInProgress)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, chain.sentCount())
}

func TestExecuteBatchSettlement_KeyNotLoaded(t *testing.T) {
	chain := &fakeChain{decimals: 9, balance: 1 << 62}
	ledger := &fakeLedger{records: []models.UsageRecord{usageRecord("10")}}
	engine := NewEngine(chain, ledger, Config{
		Mint:     solana.NewWallet().PublicKey().String(),
		Treasury: solana.NewWallet().PublicKey().String(),
	}, nil)

	_, err := engine.ExecuteBatchSettlement(context.Background())
	assert.ErrorIs(t, err, ErrKeyNotLoaded)
	assert.Zero(t, chain.sentCount())
}

func TestExecuteBatchSettlement_InsufficientCustody(t *testing.T) {
	// 10 tokens at 9 decimals need 1e10 base units; hold less.
	chain := &fakeChain{decimals: 9, balance: 9_999_999_999}
	ledger := &fakeLedger{records: []models.UsageRecord{usageRecord("10")}}
	engine := testEngine(chain, ledger)

	_, err := engine.ExecuteBatchSettlement(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientCustody)
	assert.Zero(t, chain.sentCount())
	assert.Empty(t, ledger.marked)
}

func TestExecuteBatchSettlement_DefaultDecimalsOnMintError(t *testing.T) {
	// The mint account is unreadable; the default of 9 decimals makes
	// exactly 1e10 base units the required balance for 10 tokens.
	chain := &fakeChain{decimalsErr: errors.New("account missing"), balance: 10_000_000_000}
	ledger := &fakeLedger{records: []models.UsageRecord{usageRecord("10")}}
	engine := testEngine(chain, ledger)

	_, err := engine.ExecuteBatchSettlement(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, chain.sentCount())
}

func TestExecuteBatchSettlement_SubmitFailureLeavesRecordsUnsettled(t *testing.T) {
	chain := &fakeChain{decimals: 9, balance: 1 << 62, sendErr: errors.New("rpc down")}
	ledger := &fakeLedger{records: []models.UsageRecord{usageRecord("10")}}
	engine := testEngine(chain, ledger)

	_, err := engine.ExecuteBatchSettlement(context.Background())
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.Empty(t, ledger.marked)

	// The guard was released; a retry works.
	chain.sendErr = nil
	_, err = engine.ExecuteBatchSettlement(context.Background())
	require.NoError(t, err)
	assert.Len(t, ledger.marked, 1)
}

func TestExecuteBatchSettlement_OnChainFailureLeavesRecordsUnsettled(t *testing.T) {
	chain := &fakeChain{decimals: 9, balance: 1 << 62, statusErr: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}}
	ledger := &fakeLedger{records: []models.UsageRecord{usageRecord("10")}}
	engine := testEngine(chain, ledger)

	_, err := engine.ExecuteBatchSettlement(context.Background())
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.Empty(t, ledger.marked)
}

func TestCheckAndSettleIfNeeded(t *testing.T) {
	chain := &fakeChain{decimals: 9, balance: 1 << 62}
	ledger := &fakeLedger{
		records: []models.UsageRecord{usageRecord("5")},
		pending: decimal.RequireFromString("5"),
	}
	engine := testEngine(chain, ledger)
	ctx := context.Background()

	triggered, err := engine.CheckAndSettleIfNeeded(ctx, decimal.RequireFromString("10"))
	require.NoError(t, err)
	assert.False(t, triggered, "below threshold must not settle")
	assert.Zero(t, chain.sentCount())

	// Meeting the threshold exactly triggers a run.
	triggered, err = engine.CheckAndSettleIfNeeded(ctx, decimal.RequireFromString("5"))
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, 1, chain.sentCount())
}

func TestSettlementStats(t *testing.T) {
	chain := &fakeChain{}
	ledger := &fakeLedger{
		pending: decimal.RequireFromString("30"),
		totals: models.TotalStats{
			TotalConsumed: decimal.RequireFromString("100"),
		},
	}
	engine := testEngine(chain, ledger)

	stats, err := engine.SettlementStats(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.TotalBurned.Equal(decimal.RequireFromString("50")))
	assert.True(t, stats.TotalToTreasury.Equal(decimal.RequireFromString("50")))
	assert.True(t, stats.PendingSettlement.Equal(decimal.RequireFromString("30")))
}
