package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// Archiver exports expiring ticks to cold storage before they are deleted.
type Archiver interface {
	ArchiveTicks(ctx context.Context, pairSymbols map[int64]string, ticks []models.Tick) error
}

// Cleaner runs the periodic retention job: age out ticks and hourly
// aggregates past their configured windows. When an archiver is attached,
// expiring ticks are exported first; a failed export skips that cycle's tick
// deletion so no unarchived data is destroyed.
type Cleaner struct {
	store    Store
	archiver Archiver
	cfg      config.RetentionConfig
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewCleaner(cfg config.RetentionConfig, store Store, archiver Archiver) *Cleaner {
	return &Cleaner{
		store:    store,
		archiver: archiver,
		cfg:      cfg,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start begins the periodic retention loop.
func (c *Cleaner) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("cleaner already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("retention_cleaner")
	log.WithFields(logger.Fields{
		"interval":       c.cfg.Interval,
		"tick_days":      c.cfg.TickDays,
		"aggregate_days": c.cfg.AggregateDays,
	}).Info("starting retention cleaner")

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop signals the loop to stop and waits for completion.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.log.WithComponent("retention_cleaner").Info("stopping retention cleaner")
	c.wg.Wait()
	c.log.WithComponent("retention_cleaner").Info("retention cleaner stopped")
}

func (c *Cleaner) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	log := c.log.WithComponent("retention_cleaner")
	for {
		select {
		case <-c.ctx.Done():
			log.Info("retention loop stopped due to context cancellation")
			return
		case <-ticker.C:
			c.cleanOnce(c.ctx)
		}
	}
}

func (c *Cleaner) cleanOnce(ctx context.Context) {
	log := c.log.WithComponent("retention_cleaner")

	if c.archiver != nil {
		if err := c.archiveExpiring(ctx); err != nil {
			log.WithError(err).Warn("archive of expiring ticks failed, skipping tick deletion this cycle")
		} else if n, err := c.CleanTicks(ctx, c.cfg.TickDays); err != nil {
			log.WithError(err).Error("failed to delete expired ticks")
		} else if n > 0 {
			log.WithFields(logger.Fields{"deleted": n}).Info("deleted expired ticks")
		}
	} else if n, err := c.CleanTicks(ctx, c.cfg.TickDays); err != nil {
		log.WithError(err).Error("failed to delete expired ticks")
	} else if n > 0 {
		log.WithFields(logger.Fields{"deleted": n}).Info("deleted expired ticks")
	}

	if n, err := c.CleanAggregates(ctx, c.cfg.AggregateDays); err != nil {
		log.WithError(err).Error("failed to delete expired aggregates")
	} else if n > 0 {
		log.WithFields(logger.Fields{"deleted": n}).Info("deleted expired aggregates")
	}
}

// CleanTicks deletes ticks older than retentionDays and returns the count.
// It is idempotent; a second run over the same window deletes nothing.
func (c *Cleaner) CleanTicks(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	return c.store.DeleteTicksOlderThan(ctx, cutoff)
}

// CleanAggregates deletes hourly aggregates older than retentionDays and
// returns the count.
func (c *Cleaner) CleanAggregates(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	return c.store.DeleteAggregatesOlderThan(ctx, cutoff)
}

func (c *Cleaner) archiveExpiring(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -c.cfg.TickDays)
	ticks, err := c.store.QueryTicksOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(ticks) == 0 {
		return nil
	}

	pairs, err := c.store.ActivePairs(ctx)
	if err != nil {
		return err
	}
	symbols := make(map[int64]string, len(pairs))
	for _, p := range pairs {
		symbols[p.ID] = p.Symbol
	}

	return c.archiver.ArchiveTicks(ctx, symbols, ticks)
}
