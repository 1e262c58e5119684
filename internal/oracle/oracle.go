package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tokenmeter/internal/utils"
)

// maxSamples bounds the cache even if pruning by age falls behind a
// very aggressive refresh interval.
const maxSamples = 512

// PriceSource supplies the current USD price for a mint
type PriceSource interface {
	USDPrice(ctx context.Context, mint string) (decimal.Decimal, error)
}

// Config holds oracle settings
type Config struct {
	TokenMint   string
	TWAPWindow  time.Duration
	Freshness   time.Duration
	BurnFloor   decimal.Decimal
	BurnCeiling decimal.Decimal
}

// DefaultConfig returns the standard oracle policy: 10 minute TWAP
// window, 60 second freshness, burns clamped to [0.05, 50] tokens.
func DefaultConfig(mint string) Config {
	return Config{
		TokenMint:   mint,
		TWAPWindow:  10 * time.Minute,
		Freshness:   60 * time.Second,
		BurnFloor:   decimal.NewFromFloat(0.05),
		BurnCeiling: decimal.NewFromInt(50),
	}
}

type sample struct {
	price decimal.Decimal
	at    time.Time
}

// PriceOracle maintains a bounded, time-ordered cache of price samples
// and converts USD costs into clamped token burn amounts.
type PriceOracle struct {
	cfg    Config
	source PriceSource
	log    *utils.Logger

	mu      sync.Mutex
	samples []sample

	now func() time.Time

	stopChan    chan struct{}
	stoppedChan chan struct{}
	refreshOnce sync.Once
}

// New creates a price oracle over a price source
func New(cfg Config, source PriceSource, log *utils.Logger) *PriceOracle {
	if log == nil {
		log = utils.NewLogger("oracle")
	}
	return &PriceOracle{
		cfg:         cfg,
		source:      source,
		log:         log,
		now:         time.Now,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// FetchCurrentPrice queries the price service and caches the sample.
// When the service fails but a cached sample exists, the most recent
// sample is returned instead of an error; the cache only goes stale,
// never silently empty.
func (o *PriceOracle) FetchCurrentPrice(ctx context.Context) (decimal.Decimal, error) {
	price, err := o.source.USDPrice(ctx, o.cfg.TokenMint)
	if err != nil {
		o.mu.Lock()
		defer o.mu.Unlock()
		if len(o.samples) > 0 {
			last := o.samples[len(o.samples)-1]
			o.log.Warn("Price fetch failed, serving cached sample",
				"error", err, "age", o.now().Sub(last.at))
			return last.price, nil
		}
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples = append(o.samples, sample{price: price, at: o.now()})
	o.prune()
	return price, nil
}

// prune drops samples older than twice the TWAP window and enforces
// the hard cache bound. Caller must hold the mutex.
func (o *PriceOracle) prune() {
	cutoff := o.now().Add(-2 * o.cfg.TWAPWindow)
	keep := o.samples[:0]
	for _, s := range o.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	o.samples = keep
	if len(o.samples) > maxSamples {
		o.samples = o.samples[len(o.samples)-maxSamples:]
	}
}

// TWAPPrice returns the arithmetic mean of all cached samples inside
// the TWAP window. Samples are not weighted by the time between them;
// burn amounts downstream are audited against this exact average, so
// the behavior is load-bearing. With no in-window samples the most
// recent cached sample is returned; an empty cache fails.
func (o *PriceOracle) TWAPPrice() (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.samples) == 0 {
		return decimal.Zero, ErrNoPriceData
	}

	cutoff := o.now().Add(-o.cfg.TWAPWindow)
	sum := decimal.Zero
	count := 0
	for _, s := range o.samples {
		if s.at.After(cutoff) {
			sum = sum.Add(s.price)
			count++
		}
	}

	if count == 0 {
		return o.samples[len(o.samples)-1].price, nil
	}
	return sum.Div(decimal.NewFromInt(int64(count))), nil
}

// CalculateTokenBurn converts a USD cost into a token quantity at the
// TWAP price, clamped to the configured floor and ceiling. The clamp
// is a hard business rule shielding users and the treasury from
// price-feed extremes.
func (o *PriceOracle) CalculateTokenBurn(usdCost decimal.Decimal) (decimal.Decimal, error) {
	twap, err := o.TWAPPrice()
	if err != nil {
		return decimal.Zero, err
	}
	if !twap.IsPositive() {
		return decimal.Zero, ErrNoPriceData
	}

	raw := usdCost.Div(twap)
	if raw.LessThan(o.cfg.BurnFloor) {
		return o.cfg.BurnFloor, nil
	}
	if raw.GreaterThan(o.cfg.BurnCeiling) {
		return o.cfg.BurnCeiling, nil
	}
	return raw, nil
}

// CachedPrice returns the most recent sample if it is fresher than the
// freshness window. It never touches the network; callers that cannot
// afford a fetch use this and treat false as "no cheap answer".
func (o *PriceOracle) CachedPrice() (decimal.Decimal, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.samples) == 0 {
		return decimal.Zero, false
	}
	last := o.samples[len(o.samples)-1]
	if o.now().Sub(last.at) >= o.cfg.Freshness {
		return decimal.Zero, false
	}
	return last.price, true
}

// SampleCount returns the number of cached samples
func (o *PriceOracle) SampleCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.samples)
}

// StartRefreshLoop keeps the cache warm on a fixed interval. Fetch
// failures are logged and retried on the next tick.
func (o *PriceOracle) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	o.refreshOnce.Do(func() {
		go o.refresh(ctx, interval)
	})
}

// StopRefreshLoop stops the refresh worker and waits for it to exit
func (o *PriceOracle) StopRefreshLoop() {
	close(o.stopChan)
	<-o.stoppedChan
}

func (o *PriceOracle) refresh(ctx context.Context, interval time.Duration) {
	defer close(o.stoppedChan)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopChan:
			o.log.Info("Price refresh stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.FetchCurrentPrice(ctx); err != nil {
				o.log.Error("Price refresh failed", "error", err)
			}
		}
	}
}
