package hub

import (
	"encoding/json"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// DeliveryFilter decides whether an event should be delivered to a session.
// The default filter always returns true: subscription sets are advisory and
// every event is broadcast to every session. Filtering by subscription is a
// one-line swap here, kept explicit so broadcast-to-all is a visible
// decision rather than a silent gap.
type DeliveryFilter func(s *Session, eventType, symbol string) bool

// DeliverAll is the default delivery filter.
func DeliverAll(*Session, string, string) bool { return true }

// Hub owns the registry of connected sessions and fans out tick updates,
// hourly-average updates and connection-status events to all of them. It
// also keeps a bounded ring of recent price updates that is replayed to each
// newly connected session.
type Hub struct {
	cfg config.HubConfig
	log *logger.Log

	// ShouldDeliver is consulted per session per event.
	ShouldDeliver DeliveryFilter

	mu       sync.Mutex
	sessions map[string]*Session
	history  []models.PriceUpdateEvent
}

func NewHub(cfg config.HubConfig) *Hub {
	return &Hub{
		cfg:           cfg,
		log:           logger.GetLogger(),
		ShouldDeliver: DeliverAll,
		sessions:      make(map[string]*Session),
	}
}

// OnConnect registers a session, sends its welcome event and replays the
// recent-update window.
func (h *Hub) OnConnect(s *Session) {
	welcome, err := json.Marshal(models.WelcomeEvent{
		Type:      models.EventConnected,
		Message:   "connected to tickflow",
		SessionID: s.ID,
		Timestamp: models.WireTime(time.Now()),
	})
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Error("failed to marshal welcome event")
		return
	}

	h.mu.Lock()
	h.sessions[s.ID] = s
	replay := make([]models.PriceUpdateEvent, len(h.history))
	copy(replay, h.history)
	count := len(h.sessions)
	h.mu.Unlock()

	s.enqueue(welcome)
	for _, ev := range replay {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		s.enqueue(payload)
	}

	logger.SetActiveSessions(int64(count))
	h.log.WithComponent("hub").WithFields(logger.Fields{
		"session_id": s.ID,
		"sessions":   count,
		"replayed":   len(replay),
	}).Info("session connected")
}

// OnDisconnect deregisters a session and discards its subscription set.
func (h *Hub) OnDisconnect(s *Session) {
	h.mu.Lock()
	_, known := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	count := len(h.sessions)
	h.mu.Unlock()

	if !known {
		return
	}
	s.close()

	logger.SetActiveSessions(int64(count))
	h.log.WithComponent("hub").WithFields(logger.Fields{
		"session_id": s.ID,
		"sessions":   count,
	}).Info("session disconnected")
}

// SessionCount reports the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// BroadcastTick delivers a price update to every registered session and
// appends it to the bounded history ring.
func (h *Hub) BroadcastTick(tick models.TradeTick) {
	ev := models.PriceUpdateEvent{
		Type:      models.EventPriceUpdate,
		Symbol:    tick.Symbol,
		Price:     tick.Price,
		Volume:    tick.Volume,
		Timestamp: models.WireTime(tick.Timestamp),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Error("failed to marshal price update")
		return
	}

	h.mu.Lock()
	if h.cfg.HistorySize > 0 {
		h.history = append(h.history, ev)
		if len(h.history) > h.cfg.HistorySize {
			h.history = h.history[len(h.history)-h.cfg.HistorySize:]
		}
	}
	h.deliverLocked(models.EventPriceUpdate, tick.Symbol, payload)
	h.mu.Unlock()
}

// BroadcastHourlyAverage delivers a computed hourly aggregate.
func (h *Hub) BroadcastHourlyAverage(symbol string, agg models.HourlyAggregate) {
	ev := models.HourlyAverageEvent{
		Type:      models.EventHourlyAverage,
		Symbol:    symbol,
		ID:        agg.ID,
		PairID:    agg.PairID,
		Average:   agg.Average,
		High:      agg.High,
		Low:       agg.Low,
		Count:     agg.SampleCount,
		Hour:      models.WireTime(agg.HourStart),
		Timestamp: models.WireTime(time.Now()),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Error("failed to marshal hourly average")
		return
	}

	h.mu.Lock()
	h.deliverLocked(models.EventHourlyAverage, symbol, payload)
	h.mu.Unlock()
}

// BroadcastConnectionStatus reflects upstream feed health to every session.
// A nil timestamp means delivery time.
func (h *Hub) BroadcastConnectionStatus(connected bool, message string, at *time.Time) {
	ts := time.Now()
	if at != nil {
		ts = *at
	}
	payload, err := json.Marshal(models.ConnectionStatusEvent{
		Type:      models.EventConnectionStatus,
		Connected: connected,
		Message:   message,
		Timestamp: models.WireTime(ts),
	})
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Error("failed to marshal connection status")
		return
	}

	h.mu.Lock()
	h.deliverLocked(models.EventConnectionStatus, "", payload)
	h.mu.Unlock()
}

// deliverLocked fans a payload out to all sessions passing ShouldDeliver.
// Sessions whose buffers are full are dropped. Caller holds h.mu.
func (h *Hub) deliverLocked(eventType, symbol string, payload []byte) {
	var slow []*Session
	for _, s := range h.sessions {
		if !h.ShouldDeliver(s, eventType, symbol) {
			continue
		}
		if !s.enqueue(payload) {
			slow = append(slow, s)
			continue
		}
		logger.IncrementBroadcastSent()
	}
	for _, s := range slow {
		delete(h.sessions, s.ID)
		s.close()
		h.log.WithComponent("hub").WithFields(logger.Fields{
			"session_id": s.ID,
		}).Warn("dropping slow session, send buffer full")
	}
	if len(slow) > 0 {
		logger.SetActiveSessions(int64(len(h.sessions)))
	}
}

// Subscribe adds symbols to a session's advisory subscription set and
// acknowledges with the resulting set.
func (h *Hub) Subscribe(s *Session, symbols []string) {
	current := s.addSubscriptions(symbols)
	h.ack(s, models.EventSubscribed, current)
}

// Unsubscribe removes symbols from a session's advisory subscription set and
// acknowledges with the resulting set.
func (h *Hub) Unsubscribe(s *Session, symbols []string) {
	current := s.removeSubscriptions(symbols)
	h.ack(s, models.EventUnsubscribed, current)
}

func (h *Hub) ack(s *Session, eventType string, symbols []string) {
	payload, err := json.Marshal(models.SubscriptionAckEvent{
		Type:    eventType,
		Symbols: symbols,
	})
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Error("failed to marshal subscription ack")
		return
	}
	s.enqueue(payload)
}
