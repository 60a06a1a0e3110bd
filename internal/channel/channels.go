package channel

import (
	"context"
	"sync"

	"tickflow/logger"
	"tickflow/models"
)

type ChannelStats struct {
	TickSent    int64
	TickDropped int64
}

// Channels carries normalized ticks from the feed client to the processor.
// Sends are non-blocking so a slow consumer can never stall the feed read
// loop; dropped ticks are counted.
type Channels struct {
	Ticks chan models.TradeTick

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(tickBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Ticks: make(chan models.TradeTick, tickBufferSize),
		log:   log,
	}

	log.WithComponent("tick_channels").WithFields(logger.Fields{
		"tick_buffer_size": tickBufferSize,
	}).Info("tick channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Ticks)
	c.log.WithComponent("tick_channels").Info("tick channels closed")
}

func (c *Channels) IncrementTickSent() {
	c.statsMutex.Lock()
	c.stats.TickSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementTickDropped() {
	c.statsMutex.Lock()
	c.stats.TickDropped++
	c.statsMutex.Unlock()
}

// SendTick attempts a non-blocking send of a tick. It returns false when the
// context is done or the buffer is full; full-buffer drops are counted.
func (c *Channels) SendTick(ctx context.Context, tick models.TradeTick) bool {
	select {
	case c.Ticks <- tick:
		c.IncrementTickSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementTickDropped()
		logger.IncrementTickDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
