package models

// Upstream feed wire protocol. The feed speaks JSON text frames: control
// frames carry a type plus a single symbol, inbound frames are either a
// keepalive ping or a batch of trade records.

// FeedControlFrame is an outbound subscribe/unsubscribe control message.
type FeedControlFrame struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// FeedFrame is the envelope of every inbound feed message. Data is only
// populated for trade batches.
type FeedFrame struct {
	Type string            `json:"type"`
	Data []FeedTradeRecord `json:"data,omitempty"`
}

// FeedTradeRecord is one trade inside an inbound trade batch. Timestamps are
// epoch milliseconds.
type FeedTradeRecord struct {
	Symbol    string  `json:"s"`
	Price     float64 `json:"p"`
	Timestamp int64   `json:"t"`
	Volume    float64 `json:"v"`
}

const (
	FeedFrameTrade       = "trade"
	FeedFramePing        = "ping"
	FeedFrameSubscribe   = "subscribe"
	FeedFrameUnsubscribe = "unsubscribe"
)
