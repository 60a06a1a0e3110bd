package models

import (
	"time"
)

// Pair is a tracked exchange rate, e.g. ETH/USDC. Rows are created once at
// startup with an idempotent upsert and only mutated to toggle IsActive.
type Pair struct {
	ID          int64     `json:"id" db:"id"`
	Symbol      string    `json:"symbol" db:"symbol"`
	DisplayName string    `json:"displayName" db:"display_name"`
	IsActive    bool      `json:"isActive" db:"is_active"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// Tick is one observed trade for a pair. Immutable once inserted; removed
// only by retention cleanup.
type Tick struct {
	ID        int64     `json:"id" db:"id"`
	PairID    int64     `json:"pairId" db:"pair_id"`
	Price     float64   `json:"price" db:"price"`
	Volume    *float64  `json:"volume,omitempty" db:"volume"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
}

// HourlyAggregate holds summary statistics for one pair over one clock hour.
// At most one row exists per (pair_id, hour_start).
type HourlyAggregate struct {
	ID          int64     `json:"id" db:"id"`
	PairID      int64     `json:"pairId" db:"pair_id"`
	HourStart   time.Time `json:"hourStart" db:"hour_start"`
	Average     float64   `json:"average" db:"average"`
	High        float64   `json:"high" db:"high"`
	Low         float64   `json:"low" db:"low"`
	SampleCount int       `json:"sampleCount" db:"sample_count"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// TradeTick is a normalized trade emitted by the feed client after symbol
// resolution. Symbol is the internal pair symbol, not the upstream one.
type TradeTick struct {
	Symbol    string
	Price     float64
	Volume    *float64
	Timestamp time.Time
}

// HourStart floors t to the hour boundary in UTC.
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
