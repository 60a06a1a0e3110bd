package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/internal/symbol"
	"tickflow/logger"
	"tickflow/models"
)

// State is the feed connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// StatusFunc receives upstream connection health transitions.
type StatusFunc func(connected bool, message string)

// Client maintains the single upstream websocket connection, subscribes to
// the configured feed symbols and forwards normalized ticks into the tick
// channel. Reconnects are governed by exponential backoff with a single
// in-flight timer; once the attempt budget is exhausted the connection stays
// down until Reconnect is called.
type Client struct {
	cfg      config.FeedConfig
	registry *symbol.Registry
	channels *channel.Channels
	status   StatusFunc

	backoff *backoff.Backoff
	limiter *rate.Limiter

	ctx context.Context
	wg  *sync.WaitGroup
	log *logger.Log

	mu              sync.Mutex
	state           State
	conn            *websocket.Conn
	shouldReconnect bool
	reconnectTimer  *time.Timer
}

// NewClient creates a feed client. status may be nil.
func NewClient(cfg config.FeedConfig, registry *symbol.Registry, ch *channel.Channels, status StatusFunc) *Client {
	if status == nil {
		status = func(bool, string) {}
	}
	if cfg.SubscribeRatePerSec <= 0 {
		cfg.SubscribeRatePerSec = 10
	}
	return &Client{
		cfg:      cfg,
		registry: registry,
		channels: ch,
		status:   status,
		backoff: &backoff.Backoff{
			Min:    time.Second,
			Max:    60 * time.Second,
			Factor: 2,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.SubscribeRatePerSec), 1),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

// Start connects to the upstream feed. Dial failures schedule a reconnect
// rather than failing Start.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("feed client already running (state %s)", c.state)
	}
	c.ctx = ctx
	c.shouldReconnect = true
	c.mu.Unlock()

	c.log.WithComponent("feed_client").WithFields(logger.Fields{
		"url":          c.cfg.URL,
		"symbols":      c.registry.Feed(),
		"max_attempts": c.cfg.MaxReconnectAttempts,
	}).Info("starting feed client")

	c.connect()
	return nil
}

// Stop shuts the client down: no further reconnects, pending timer cleared,
// socket closed, read loop joined.
func (c *Client) Stop() {
	c.mu.Lock()
	c.shouldReconnect = false
	c.state = StateClosing
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.log.WithComponent("feed_client").Info("feed client stopped")
}

// Reconnect manually restarts a connection that gave up after exhausting its
// attempt budget. It resets the backoff schedule.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.shouldReconnect = true
	c.backoff.Reset()
	c.mu.Unlock()

	c.log.WithComponent("feed_client").Info("manual reconnect triggered")
	c.connect()
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts reports the number of reconnect attempts since the last
// successful open.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.backoff.Attempt())
}

func (c *Client) connect() {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen || !c.shouldReconnect {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	log := c.log.WithComponent("feed_client")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(c.ctx, c.dialURL(), nil)
	if err != nil {
		log.WithError(err).Warn("failed to connect to feed")
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	// A successful handshake resets the attempt budget; a close alone
	// never does.
	c.backoff.Reset()
	c.mu.Unlock()

	log.Info("feed connection open")
	c.status(true, "feed connected")

	if err := c.subscribeAll(conn); err != nil {
		log.WithError(err).Warn("failed to subscribe, reconnecting")
		c.onClose(conn)
		return
	}

	c.wg.Add(1)
	go c.readLoop(conn)
}

func (c *Client) dialURL() string {
	if c.cfg.Token == "" {
		return c.cfg.URL
	}
	return c.cfg.URL + "?token=" + c.cfg.Token
}

// subscribeAll sends one subscribe control frame per configured symbol,
// paced by the rate limiter.
func (c *Client) subscribeAll(conn *websocket.Conn) error {
	for _, sym := range c.registry.Feed() {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return err
		}
		frame := models.FeedControlFrame{Type: models.FeedFrameSubscribe, Symbol: sym}
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
		c.log.WithComponent("feed_client").WithFields(logger.Fields{"symbol": sym}).Debug("subscribed")
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	log := c.log.WithComponent("feed_client").WithFields(logger.Fields{"worker": "read_loop"})
	for {
		if c.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			// Only transport-level errors reach here; they drive the
			// reconnect state machine.
			c.mu.Lock()
			closing := !c.shouldReconnect
			c.mu.Unlock()
			if closing {
				return
			}
			log.WithError(err).Warn("feed read error")
			c.onClose(conn)
			return
		}
		logger.IncrementFeedFrameRead()
		c.handleFrame(msg)
	}
}

// handleFrame decodes one inbound frame. Malformed frames and unmapped
// symbols are dropped without disturbing the connection.
func (c *Client) handleFrame(msg []byte) {
	log := c.log.WithComponent("feed_client")

	var frame models.FeedFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		log.WithError(err).Warn("malformed feed frame, dropping")
		return
	}

	switch frame.Type {
	case models.FeedFramePing:
		// keepalive, nothing to do
	case models.FeedFrameTrade:
		for _, rec := range frame.Data {
			c.handleTrade(rec)
		}
	default:
		log.WithFields(logger.Fields{"type": frame.Type}).Debug("unhandled feed frame type")
	}
}

func (c *Client) handleTrade(rec models.FeedTradeRecord) {
	internal, ok := c.registry.ToInternal(rec.Symbol)
	if !ok {
		// Expected noise from a shared upstream feed.
		c.log.WithComponent("feed_client").WithFields(logger.Fields{
			"symbol": rec.Symbol,
		}).Debug("unmapped feed symbol, dropping trade")
		return
	}

	volume := rec.Volume
	tick := models.TradeTick{
		Symbol:    internal,
		Price:     rec.Price,
		Volume:    &volume,
		Timestamp: time.UnixMilli(rec.Timestamp).UTC(),
	}
	if !c.channels.SendTick(c.ctx, tick) && c.ctx.Err() == nil {
		c.log.WithComponent("feed_client").Warn("tick channel full, dropping trade")
	}
}

// onClose tears the connection down and schedules a reconnect when allowed.
func (c *Client) onClose(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.status(false, "feed connection lost")
	c.scheduleReconnect()
}

// scheduleReconnect arms the single in-flight reconnect timer with the next
// backoff delay, or gives up once the attempt budget is exhausted.
func (c *Client) scheduleReconnect() {
	log := c.log.WithComponent("feed_client")

	c.mu.Lock()
	if !c.shouldReconnect || c.ctx.Err() != nil || c.reconnectTimer != nil {
		// shut down, or one reconnect already pending
		c.mu.Unlock()
		return
	}

	attempt := int(c.backoff.Attempt())
	if attempt >= c.cfg.MaxReconnectAttempts {
		c.mu.Unlock()
		log.WithFields(logger.Fields{"attempts": attempt}).Error("max reconnect attempts reached, giving up")
		c.status(false, "feed unavailable, reconnect attempts exhausted")
		return
	}

	delay := c.backoff.Duration()
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.connect()
	})
	c.mu.Unlock()

	log.WithFields(logger.Fields{
		"attempt": attempt + 1,
		"delay":   delay.String(),
	}).Warn("scheduling feed reconnect")
}
