package models

import "time"

// Client-facing event protocol. Every server-to-client payload carries a
// type discriminator and RFC3339 timestamps.

const (
	EventConnected        = "connected"
	EventPriceUpdate      = "priceUpdate"
	EventHourlyAverage    = "hourlyAverage"
	EventConnectionStatus = "connectionStatus"
	EventSubscribed       = "subscribed"
	EventUnsubscribed     = "unsubscribed"
)

// WelcomeEvent is sent once to each newly connected session.
type WelcomeEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
}

// PriceUpdateEvent fans out one accepted trade tick.
type PriceUpdateEvent struct {
	Type      string   `json:"type"`
	Symbol    string   `json:"symbol"`
	Price     float64  `json:"price"`
	Volume    *float64 `json:"volume,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// HourlyAverageEvent fans out one computed hourly aggregate.
type HourlyAverageEvent struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	ID        int64   `json:"id"`
	PairID    int64   `json:"pairId"`
	Average   float64 `json:"average"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Count     int     `json:"count"`
	Hour      string  `json:"hour"`
	Timestamp string  `json:"timestamp"`
}

// ConnectionStatusEvent reflects upstream feed health to clients.
type ConnectionStatusEvent struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// SubscriptionAckEvent acknowledges a subscribe or unsubscribe command.
type SubscriptionAckEvent struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// ClientCommand is a client-to-server subscribe/unsubscribe request.
type ClientCommand struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// WireTime serializes a timestamp to the canonical wire format.
func WireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
