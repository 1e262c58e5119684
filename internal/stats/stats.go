package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tokenmeter/internal/models"
	"tokenmeter/internal/utils"
)

const (
	depositedKey = "meter:stats:deposited"
	consumedKey  = "meter:stats:consumed"
	usersKey     = "meter:stats:users"
)

// Aggregator answers the authoritative totals, usually the database.
type Aggregator interface {
	Aggregates(ctx context.Context) (models.TotalStats, error)
}

// Service keeps running deposit and consumption totals in Redis so
// dashboard reads do not hit the ledger tables. The database stays the
// source of truth; Reconcile overwrites the counters from it.
type Service struct {
	redis  *redis.Client
	agg    Aggregator
	log    *utils.Logger
	period time.Duration

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// addScript accumulates a decimal amount into a counter key. The value
// is kept as a plain string so repeated adds never lose precision to
// Redis float formatting.
var addScript = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if not current then current = '0' end
	local total = tonumber(current) + tonumber(ARGV[1])
	redis.call('SET', KEYS[1], tostring(total))
	return tostring(total)
`)

// NewService creates a stats service. reconcilePeriod controls how often
// the Redis counters are rewritten from the database aggregates.
func NewService(rdb *redis.Client, agg Aggregator, reconcilePeriod time.Duration, log *utils.Logger) *Service {
	if log == nil {
		log = utils.NewLogger("stats")
	}
	return &Service{
		redis:  rdb,
		agg:    agg,
		log:    log,
		period: reconcilePeriod,
	}
}

// AddDeposited adds a deposit amount to the running total. Failures are
// logged and swallowed; the counters are a cache, not a ledger.
func (s *Service) AddDeposited(ctx context.Context, amount decimal.Decimal) {
	if err := addScript.Run(ctx, s.redis, []string{depositedKey}, amount.String()).Err(); err != nil {
		s.log.Warn("failed to bump deposited counter", "error", err)
	}
}

// AddConsumed adds a consumed amount to the running total.
func (s *Service) AddConsumed(ctx context.Context, amount decimal.Decimal) {
	if err := addScript.Run(ctx, s.redis, []string{consumedKey}, amount.String()).Err(); err != nil {
		s.log.Warn("failed to bump consumed counter", "error", err)
	}
}

// Totals reads the counters. When the counters are missing, Redis was
// flushed or never warmed, so the totals are rebuilt from the database.
func (s *Service) Totals(ctx context.Context) (models.TotalStats, error) {
	vals, err := s.redis.MGet(ctx, depositedKey, consumedKey, usersKey).Result()
	if err != nil {
		return s.reconcile(ctx)
	}
	if vals[0] == nil || vals[1] == nil || vals[2] == nil {
		return s.reconcile(ctx)
	}

	deposited, err := decimal.NewFromString(vals[0].(string))
	if err != nil {
		return s.reconcile(ctx)
	}
	consumed, err := decimal.NewFromString(vals[1].(string))
	if err != nil {
		return s.reconcile(ctx)
	}
	var users int64
	if _, err := fmt.Sscanf(vals[2].(string), "%d", &users); err != nil {
		return s.reconcile(ctx)
	}

	return models.TotalStats{
		TotalDeposited: deposited,
		TotalConsumed:  consumed,
		TotalUsers:     users,
	}, nil
}

// Reconcile rewrites the counters from the database aggregates.
func (s *Service) Reconcile(ctx context.Context) error {
	_, err := s.reconcile(ctx)
	return err
}

func (s *Service) reconcile(ctx context.Context) (models.TotalStats, error) {
	totals, err := s.agg.Aggregates(ctx)
	if err != nil {
		return models.TotalStats{}, fmt.Errorf("failed to read aggregates: %w", err)
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, depositedKey, totals.TotalDeposited.String(), 0)
	pipe.Set(ctx, consumedKey, totals.TotalConsumed.String(), 0)
	pipe.Set(ctx, usersKey, fmt.Sprintf("%d", totals.TotalUsers), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("failed to write reconciled counters", "error", err)
	}

	return totals, nil
}

// StartReconcileLoop starts the periodic reconcile worker.
func (s *Service) StartReconcileLoop() {
	if s.stopChan != nil {
		return
	}
	s.stopChan = make(chan struct{})
	s.stoppedChan = make(chan struct{})

	go func() {
		defer close(s.stoppedChan)
		ticker := time.NewTicker(s.period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := s.Reconcile(ctx); err != nil {
					s.log.Warn("stats reconcile failed", "error", err)
				}
				cancel()
			case <-s.stopChan:
				return
			}
		}
	}()
}

// StopReconcileLoop stops the worker and blocks until it exits.
func (s *Service) StopReconcileLoop() {
	if s.stopChan == nil {
		return
	}
	close(s.stopChan)
	<-s.stoppedChan
	s.stopChan = nil
	s.stoppedChan = nil
}
