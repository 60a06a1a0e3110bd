package processor

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"tickflow/internal/channel"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/store"
)

// Broadcaster is the downstream fan-out the processor hands accepted ticks
// to.
type Broadcaster interface {
	BroadcastTick(tick models.TradeTick)
}

// Processor drains the tick channel, persists each tick and hands it to the
// broadcaster. Work is partitioned across workers by symbol hash so ticks
// for the same symbol are never reordered while distinct symbols proceed in
// parallel.
type Processor struct {
	cfg         int // worker count
	store       store.Store
	broadcaster Broadcaster
	channels    *channel.Channels
	queues      []chan models.TradeTick

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	cacheMu   sync.RWMutex
	pairCache map[string]models.Pair
}

func NewProcessor(workers int, st store.Store, b Broadcaster, ch *channel.Channels) *Processor {
	if workers <= 0 {
		workers = 1
	}
	return &Processor{
		cfg:         workers,
		store:       st,
		broadcaster: b,
		channels:    ch,
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
		pairCache:   make(map[string]models.Pair),
	}
}

// Start launches the dispatcher and worker goroutines.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("processor already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("tick_processor")
	log.WithFields(logger.Fields{"workers": p.cfg}).Info("starting tick processor")

	p.queues = make([]chan models.TradeTick, p.cfg)
	for i := range p.queues {
		p.queues[i] = make(chan models.TradeTick, 64)
		p.wg.Add(1)
		go p.worker(i, p.queues[i])
	}

	p.wg.Add(1)
	go p.dispatch()

	log.Info("tick processor started successfully")
	return nil
}

// Stop waits for the dispatcher and workers to drain and exit.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.log.WithComponent("tick_processor").Info("stopping tick processor")
	p.wg.Wait()
	p.log.WithComponent("tick_processor").Info("tick processor stopped")
}

// dispatch routes ticks to the worker owning the symbol's hash partition.
func (p *Processor) dispatch() {
	defer p.wg.Done()
	defer func() {
		for _, q := range p.queues {
			close(q)
		}
	}()

	log := p.log.WithComponent("tick_processor").WithFields(logger.Fields{"worker": "dispatcher"})
	for {
		select {
		case <-p.ctx.Done():
			log.Info("dispatcher stopped due to context cancellation")
			return
		case tick, ok := <-p.channels.Ticks:
			if !ok {
				log.Info("tick channel closed, stopping dispatcher")
				return
			}
			select {
			case p.queues[p.partition(tick.Symbol)] <- tick:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *Processor) partition(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Processor) worker(id int, queue <-chan models.TradeTick) {
	defer p.wg.Done()

	log := p.log.WithComponent("tick_processor").WithFields(logger.Fields{"worker": id})
	log.Debug("worker started")
	for tick := range queue {
		p.process(p.ctx, tick)
	}
	log.Debug("worker stopped")
}

// process persists one tick and broadcasts it. Unknown symbols are expected
// noise and skipped; a failed insert loses the tick rather than retrying,
// since a retry would reorder the symbol's stream.
func (p *Processor) process(ctx context.Context, tick models.TradeTick) {
	log := p.log.WithComponent("tick_processor").WithFields(logger.Fields{"symbol": tick.Symbol})

	pair, ok, err := p.lookupPair(ctx, tick.Symbol)
	if err != nil {
		log.WithError(err).Error("pair lookup failed, tick lost")
		return
	}
	if !ok {
		log.Debug("unknown pair, skipping tick")
		logger.IncrementTickDropped()
		return
	}

	if _, err := p.store.InsertTick(ctx, pair.ID, tick.Price, tick.Volume, tick.Timestamp); err != nil {
		log.WithError(err).Error("failed to persist tick, tick lost")
		return
	}

	p.broadcaster.BroadcastTick(tick)
	logger.IncrementTickProcessed()
}

func (p *Processor) lookupPair(ctx context.Context, symbol string) (models.Pair, bool, error) {
	p.cacheMu.RLock()
	pair, cached := p.pairCache[symbol]
	p.cacheMu.RUnlock()
	if cached {
		return pair, true, nil
	}

	pair, found, err := p.store.FindPair(ctx, symbol)
	if err != nil || !found {
		return models.Pair{}, false, err
	}

	p.cacheMu.Lock()
	p.pairCache[symbol] = pair
	p.cacheMu.Unlock()
	return pair, true, nil
}
