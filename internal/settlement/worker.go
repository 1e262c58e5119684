package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// SchedulerConfig controls the background settlement loops.
type SchedulerConfig struct {
	// Interval between unconditional settlement runs.
	Interval time.Duration
	// CheckEvery is how often the pending sum is compared against
	// Threshold between scheduled runs. Zero disables threshold checks.
	CheckEvery time.Duration
	Threshold  decimal.Decimal
}

// StartScheduler starts the interval and threshold loops. Runs that
// collide with an in-flight settlement are skipped quietly.
func (e *Engine) StartScheduler(cfg SchedulerConfig) {
	if e.stopChan != nil {
		return
	}
	e.stopChan = make(chan struct{})
	e.stoppedChan = make(chan struct{})

	go e.schedule(cfg)
}

// StopScheduler stops the loops and blocks until they exit.
func (e *Engine) StopScheduler() {
	if e.stopChan == nil {
		return
	}
	close(e.stopChan)
	<-e.stoppedChan
	e.stopChan = nil
	e.stoppedChan = nil
}

func (e *Engine) schedule(cfg SchedulerConfig) {
	defer close(e.stoppedChan)

	interval := time.NewTicker(cfg.Interval)
	defer interval.Stop()

	var check <-chan time.Time
	if cfg.CheckEvery > 0 {
		checkTicker := time.NewTicker(cfg.CheckEvery)
		defer checkTicker.Stop()
		check = checkTicker.C
	}

	for {
		select {
		case <-interval.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConfirmTimeout+30*time.Second)
			res, err := e.ExecuteBatchSettlement(ctx)
			cancel()
			switch {
			case errors.Is(err, ErrSettlementInProgress):
			case err != nil:
				e.log.Error("scheduled settlement failed", "error", err)
			case res.Records > 0:
				e.log.Info("scheduled settlement done", "records", res.Records)
			}
		case <-check:
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConfirmTimeout+30*time.Second)
			triggered, err := e.CheckAndSettleIfNeeded(ctx, cfg.Threshold)
			cancel()
			if err != nil {
				e.log.Error("threshold settlement failed", "error", err)
			} else if triggered {
				e.log.Info("threshold settlement triggered", "threshold", cfg.Threshold.String())
			}
		case <-e.stopChan:
			return
		}
	}
}
