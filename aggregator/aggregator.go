package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/store"
)

// Broadcaster receives freshly computed hourly aggregates for fan-out.
type Broadcaster interface {
	BroadcastHourlyAverage(symbol string, agg models.HourlyAggregate)
}

// Aggregator computes per-pair hourly summary statistics on a timer. Each
// run covers the current clock hour; recomputing a covered hour upserts the
// same row, so runs are idempotent.
type Aggregator struct {
	cfg         config.AggregatorConfig
	store       store.Store
	broadcaster Broadcaster

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewAggregator(cfg config.AggregatorConfig, st store.Store, b Broadcaster) *Aggregator {
	return &Aggregator{
		cfg:         cfg,
		store:       st,
		broadcaster: b,
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
	}
}

// Start launches the periodic loop. A one-shot pass runs shortly after
// startup so a restart never leaves the current hour uncovered until the
// next tick.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("aggregator already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	a.log.WithComponent("hourly_aggregator").WithFields(logger.Fields{
		"interval":      a.cfg.Interval,
		"startup_delay": a.cfg.StartupDelay,
	}).Info("starting hourly aggregator")

	a.wg.Add(1)
	go a.run()
	return nil
}

// Stop signals the loop to stop and waits for any in-flight run.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.log.WithComponent("hourly_aggregator").Info("stopping hourly aggregator")
	a.wg.Wait()
	a.log.WithComponent("hourly_aggregator").Info("hourly aggregator stopped")
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	log := a.log.WithComponent("hourly_aggregator")

	startup := time.NewTimer(a.cfg.StartupDelay)
	defer startup.Stop()
	select {
	case <-a.ctx.Done():
		return
	case <-startup.C:
		a.RunOnce(a.ctx)
	}

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			log.Info("aggregation loop stopped due to context cancellation")
			return
		case <-ticker.C:
			a.RunOnce(a.ctx)
		}
	}
}

// RunOnce aggregates the current clock hour for every active pair. A
// failing pair is logged and skipped; the rest of the batch still runs.
// It returns how many pairs succeeded out of how many were attempted.
func (a *Aggregator) RunOnce(ctx context.Context) (succeeded, total int) {
	log := a.log.WithComponent("hourly_aggregator")

	hour := models.HourStart(time.Now())
	pairs, err := a.store.ActivePairs(ctx)
	if err != nil {
		log.WithError(err).Error("failed to list active pairs, skipping run")
		return 0, 0
	}

	for _, pair := range pairs {
		total++
		if ctx.Err() != nil {
			break
		}
		agg, err := a.CalculateHourlyAverage(ctx, pair.Symbol, &hour)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"symbol": pair.Symbol,
			}).Error("failed to aggregate pair")
			continue
		}
		succeeded++
		if agg != nil {
			a.broadcaster.BroadcastHourlyAverage(pair.Symbol, *agg)
		}
	}

	logger.IncrementAggregateRun()
	log.WithFields(logger.Fields{
		"hour":      hour,
		"succeeded": succeeded,
		"total":     total,
	}).Info("hourly aggregation run complete")
	return succeeded, total
}

// CalculateHourlyAverage computes and persists the aggregate for one pair
// and one clock hour. A nil hour means the current hour. An hour with no
// ticks yields (nil, nil) and no stored record; an unknown symbol yields
// store.ErrPairNotFound.
func (a *Aggregator) CalculateHourlyAverage(ctx context.Context, symbol string, hour *time.Time) (*models.HourlyAggregate, error) {
	hourStart := models.HourStart(time.Now())
	if hour != nil {
		hourStart = models.HourStart(*hour)
	}

	pair, found, err := a.store.FindPair(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", store.ErrPairNotFound, symbol)
	}

	ticks, err := a.store.QueryTicks(ctx, pair.ID, hourStart, hourStart.Add(time.Hour))
	if err != nil {
		return nil, err
	}
	if len(ticks) == 0 {
		return nil, nil
	}

	high, low := ticks[0].Price, ticks[0].Price
	var sum float64
	for _, tick := range ticks {
		sum += tick.Price
		if tick.Price > high {
			high = tick.Price
		}
		if tick.Price < low {
			low = tick.Price
		}
	}
	average := sum / float64(len(ticks))

	agg, err := a.store.UpsertHourlyAggregate(ctx, pair.ID, hourStart, average, high, low, len(ticks))
	if err != nil {
		return nil, err
	}
	return &agg, nil
}
