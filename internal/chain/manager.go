package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"tokenmeter/internal/utils"
)

// Config holds transport settings for the connection manager
type Config struct {
	// PrimaryEndpoint, when set by deployment configuration, is used
	// exclusively and fallbacks are never consulted.
	PrimaryEndpoint   string
	FallbackEndpoints []string

	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

// DefaultConfig returns transport defaults suitable for public endpoints
func DefaultConfig() Config {
	return Config{
		FallbackEndpoints: []string{rpc.MainNetBeta_RPC},
		RequestTimeout:    30 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      500 * time.Millisecond,
	}
}

// Manager owns the live RPC handle. It is a pure transport: it never
// signs messages. Callers get either the best-known handle without
// blocking, or a probed handle that fails over between the candidate
// endpoints when the current one stops responding.
type Manager struct {
	cfg Config
	log *utils.Logger

	mu       sync.RWMutex
	client   *rpc.Client
	endpoint string

	monitorOnce sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewManager creates a connection manager. No network calls are made
// until a caller asks for a connection.
func NewManager(cfg Config, log *utils.Logger) *Manager {
	if log == nil {
		log = utils.NewLogger("chain")
	}
	return &Manager{
		cfg:         cfg,
		log:         log,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// endpoints returns the candidate list in preference order
func (m *Manager) endpoints() []string {
	if m.cfg.PrimaryEndpoint != "" {
		return []string{m.cfg.PrimaryEndpoint}
	}
	return m.cfg.FallbackEndpoints
}

// GetConnection returns the best-known handle without blocking. If no
// connection was established yet it lazily constructs one against the
// last-known-good or first candidate endpoint, unprobed.
func (m *Manager) GetConnection() *rpc.Client {
	m.mu.RLock()
	if m.client != nil {
		c := m.client
		m.mu.RUnlock()
		return c
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		candidates := m.endpoints()
		if len(candidates) == 0 {
			return nil
		}
		ep := m.endpoint
		if ep == "" {
			ep = candidates[0]
		}
		m.client = rpc.New(ep)
		m.endpoint = ep
	}
	return m.client
}

// Endpoint returns the endpoint the current handle points at
func (m *Manager) Endpoint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoint
}

// TestConnection probes the current handle with a version call
func (m *Manager) TestConnection(ctx context.Context) bool {
	client := m.GetConnection()
	if client == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	_, err := client.GetVersion(probeCtx)
	return err == nil
}

// GetHealthyConnection returns a handle that passed a liveness probe,
// reconnecting or failing over if the current one is unresponsive.
// After every candidate endpoint exhausts its retry budget it returns
// ErrAllEndpointsUnreachable.
func (m *Manager) GetHealthyConnection(ctx context.Context) (*rpc.Client, error) {
	if m.TestConnection(ctx) {
		return m.GetConnection(), nil
	}

	candidates := m.endpoints()
	if len(candidates) == 0 {
		return nil, ErrNoEndpoints
	}

	for _, ep := range candidates {
		client, err := m.probeEndpoint(ctx, ep)
		if err != nil {
			m.log.Warn("RPC endpoint failed probe", "endpoint", ep, "error", err)
			continue
		}

		m.mu.Lock()
		m.client = client
		m.endpoint = ep
		m.mu.Unlock()

		m.log.Info("Connected to RPC endpoint", "endpoint", ep)
		return client, nil
	}

	return nil, ErrAllEndpointsUnreachable
}

// probeEndpoint tries one endpoint with bounded retries and
// exponential backoff before declaring it exhausted.
func (m *Manager) probeEndpoint(ctx context.Context, endpoint string) (*rpc.Client, error) {
	client := rpc.New(endpoint)
	backoff := m.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		_, err := client.GetVersion(probeCtx)
		cancel()
		if err == nil {
			return client, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("endpoint exhausted after %d attempts: %w", m.cfg.MaxRetries+1, lastErr)
}

// StartHealthMonitoring schedules a recurring background probe. A
// degraded endpoint is logged and failed over; the monitor never
// takes the process down.
func (m *Manager) StartHealthMonitoring(ctx context.Context, interval time.Duration) {
	m.monitorOnce.Do(func() {
		go m.monitor(ctx, interval)
	})
}

// StopHealthMonitoring stops the background probe and waits for it to exit
func (m *Manager) StopHealthMonitoring() {
	close(m.stopChan)
	<-m.stoppedChan
}

func (m *Manager) monitor(ctx context.Context, interval time.Duration) {
	defer close(m.stoppedChan)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			m.log.Info("Health monitor stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.GetHealthyConnection(ctx); err != nil {
				m.log.Error("RPC transport degraded", "error", err)
			}
		}
	}
}

// do runs one RPC operation with the manager's retry and failover
// policy. rpc.ErrNotFound is terminal and surfaced immediately; it
// means the node answered and the object does not exist.
func (m *Manager) do(ctx context.Context, op string, fn func(context.Context, *rpc.Client) error) error {
	backoff := m.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		client := m.GetConnection()
		if client == nil {
			return ErrNoEndpoints
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		err := fn(callCtx, client)
		cancel()

		if err == nil {
			return nil
		}
		if errors.Is(err, rpc.ErrNotFound) {
			return err
		}
		lastErr = err
		m.log.Warn("RPC call failed", "op", op, "attempt", attempt, "error", err)

		if attempt < m.cfg.MaxRetries {
			if _, ferr := m.GetHealthyConnection(ctx); ferr != nil {
				return fmt.Errorf("%s: %w", op, ferr)
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, m.cfg.MaxRetries+1, lastErr)
}

// GetTransaction fetches a confirmed transaction with metadata
func (m *Manager) GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	var out *rpc.GetTransactionResult
	err := m.do(ctx, "getTransaction", func(ctx context.Context, c *rpc.Client) error {
		res, err := c.GetTransaction(ctx, sig, opts)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// GetLatestBlockhash fetches a fresh blockhash for transaction construction
func (m *Manager) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var out solana.Hash
	err := m.do(ctx, "getLatestBlockhash", func(ctx context.Context, c *rpc.Client) error {
		res, err := c.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		out = res.Value.Blockhash
		return nil
	})
	return out, err
}

// SendTransaction submits a signed transaction
func (m *Manager) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var out solana.Signature
	err := m.do(ctx, "sendTransaction", func(ctx context.Context, c *rpc.Client) error {
		sig, err := c.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return err
		}
		out = sig
		return nil
	})
	return out, err
}

// GetSignatureStatuses fetches confirmation status for submitted signatures
func (m *Manager) GetSignatureStatuses(ctx context.Context, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	var out *rpc.GetSignatureStatusesResult
	err := m.do(ctx, "getSignatureStatuses", func(ctx context.Context, c *rpc.Client) error {
		res, err := c.GetSignatureStatuses(ctx, true, sigs...)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// GetTokenAccountBalance fetches the balance of a token account
func (m *Manager) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey) (*rpc.UiTokenAmount, error) {
	var out *rpc.UiTokenAmount
	err := m.do(ctx, "getTokenAccountBalance", func(ctx context.Context, c *rpc.Client) error {
		res, err := c.GetTokenAccountBalance(ctx, account, rpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		out = res.Value
		return nil
	})
	return out, err
}

// GetMintDecimals reads the decimal count from a mint account. The
// SPL mint layout stores decimals as the single byte at offset 44.
func (m *Manager) GetMintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	var out uint8
	err := m.do(ctx, "getAccountInfo", func(ctx context.Context, c *rpc.Client) error {
		res, err := c.GetAccountInfo(ctx, mint)
		if err != nil {
			return err
		}
		data := res.Value.Data.GetBinary()
		if len(data) < 45 {
			return fmt.Errorf("mint account data too short: %d bytes", len(data))
		}
		out = data[44]
		return nil
	})
	return out, err
}

// GetSignaturesForAddress lists recent transaction signatures touching
// an address, newest first. Used by the deposit scanner.
func (m *Manager) GetSignaturesForAddress(ctx context.Context, addr solana.PublicKey, limit int) ([]*rpc.TransactionSignature, error) {
	var out []*rpc.TransactionSignature
	err := m.do(ctx, "getSignaturesForAddress", func(ctx context.Context, c *rpc.Client) error {
		res, err := c.GetSignaturesForAddressWithOpts(ctx, addr, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}
