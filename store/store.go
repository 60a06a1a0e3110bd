package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// ErrPairNotFound is returned by caller-facing lookups when a symbol does not
// correspond to a known pair.
var ErrPairNotFound = errors.New("pair not found")

// Store is the durable tick store consumed by the processor, aggregator and
// retention job.
type Store interface {
	UpsertPair(ctx context.Context, symbol, displayName string) (models.Pair, error)
	FindPair(ctx context.Context, symbol string) (models.Pair, bool, error)
	ActivePairs(ctx context.Context) ([]models.Pair, error)
	SetPairActive(ctx context.Context, symbol string, active bool) error

	InsertTick(ctx context.Context, pairID int64, price float64, volume *float64, ts time.Time) (models.Tick, error)
	QueryTicks(ctx context.Context, pairID int64, from, to time.Time) ([]models.Tick, error)
	QueryTicksOlderThan(ctx context.Context, cutoff time.Time) ([]models.Tick, error)

	UpsertHourlyAggregate(ctx context.Context, pairID int64, hourStart time.Time, average, high, low float64, count int) (models.HourlyAggregate, error)
	QueryHourlyAggregates(ctx context.Context, pairID int64, from, to time.Time) ([]models.HourlyAggregate, error)

	DeleteTicksOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAggregatesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Postgres implements Store over sqlx with the pgx stdlib driver.
type Postgres struct {
	db  *sqlx.DB
	log *logger.Log
}

// Open connects to Postgres and pings the server.
func Open(cfg config.PostgresConfig) (*Postgres, error) {
	db, err := sqlx.Connect("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &Postgres{db: db, log: logger.GetLogger()}, nil
}

// NewPostgres wraps an existing connection, mainly for tests.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, log: logger.GetLogger()}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// EnsureSchema creates the tables and unique indexes the pipeline relies on.
// The (pair_id, hour_start) unique index is what makes aggregate upserts
// idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS pairs (
	id BIGSERIAL PRIMARY KEY,
	symbol TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ticks (
	id BIGSERIAL PRIMARY KEY,
	pair_id BIGINT NOT NULL REFERENCES pairs(id),
	price DOUBLE PRECISION NOT NULL CHECK (price >= 0),
	volume DOUBLE PRECISION,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ticks_pair_ts_idx ON ticks (pair_id, ts);
CREATE TABLE IF NOT EXISTS hourly_aggregates (
	id BIGSERIAL PRIMARY KEY,
	pair_id BIGINT NOT NULL REFERENCES pairs(id),
	hour_start TIMESTAMPTZ NOT NULL,
	average DOUBLE PRECISION NOT NULL,
	high DOUBLE PRECISION NOT NULL,
	low DOUBLE PRECISION NOT NULL,
	sample_count INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (pair_id, hour_start)
);`
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertPair(ctx context.Context, symbol, displayName string) (models.Pair, error) {
	var pair models.Pair
	err := p.db.GetContext(ctx, &pair, `
INSERT INTO pairs (symbol, display_name)
VALUES ($1, $2)
ON CONFLICT (symbol) DO UPDATE SET display_name = EXCLUDED.display_name, updated_at = now()
RETURNING *`, symbol, displayName)
	if err != nil {
		return models.Pair{}, fmt.Errorf("upsert pair %s: %w", symbol, err)
	}
	return pair, nil
}

func (p *Postgres) FindPair(ctx context.Context, symbol string) (models.Pair, bool, error) {
	var pair models.Pair
	err := p.db.GetContext(ctx, &pair, `SELECT * FROM pairs WHERE symbol = $1`, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return pair, false, nil
	}
	if err != nil {
		return pair, false, fmt.Errorf("find pair %s: %w", symbol, err)
	}
	return pair, true, nil
}

func (p *Postgres) ActivePairs(ctx context.Context) ([]models.Pair, error) {
	var pairs []models.Pair
	err := p.db.SelectContext(ctx, &pairs, `SELECT * FROM pairs WHERE is_active = TRUE ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query active pairs: %w", err)
	}
	return pairs, nil
}

func (p *Postgres) SetPairActive(ctx context.Context, symbol string, active bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE pairs SET is_active = $2, updated_at = now() WHERE symbol = $1`, symbol, active)
	if err != nil {
		return fmt.Errorf("set pair active %s: %w", symbol, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPairNotFound
	}
	return nil
}

func (p *Postgres) InsertTick(ctx context.Context, pairID int64, price float64, volume *float64, ts time.Time) (models.Tick, error) {
	var tick models.Tick
	err := p.db.GetContext(ctx, &tick, `
INSERT INTO ticks (pair_id, price, volume, ts)
VALUES ($1, $2, $3, $4)
RETURNING *`, pairID, price, volume, ts)
	if err != nil {
		return models.Tick{}, fmt.Errorf("insert tick for pair %d: %w", pairID, err)
	}
	logger.IncrementStoreWrite()
	return tick, nil
}

func (p *Postgres) QueryTicks(ctx context.Context, pairID int64, from, to time.Time) ([]models.Tick, error) {
	var ticks []models.Tick
	err := p.db.SelectContext(ctx, &ticks, `
SELECT * FROM ticks WHERE pair_id = $1 AND ts >= $2 AND ts < $3 ORDER BY ts ASC`, pairID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query ticks for pair %d: %w", pairID, err)
	}
	return ticks, nil
}

func (p *Postgres) QueryTicksOlderThan(ctx context.Context, cutoff time.Time) ([]models.Tick, error) {
	var ticks []models.Tick
	err := p.db.SelectContext(ctx, &ticks, `SELECT * FROM ticks WHERE ts < $1 ORDER BY ts ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query expiring ticks: %w", err)
	}
	return ticks, nil
}

func (p *Postgres) UpsertHourlyAggregate(ctx context.Context, pairID int64, hourStart time.Time, average, high, low float64, count int) (models.HourlyAggregate, error) {
	var agg models.HourlyAggregate
	err := p.db.GetContext(ctx, &agg, `
INSERT INTO hourly_aggregates (pair_id, hour_start, average, high, low, sample_count)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (pair_id, hour_start) DO UPDATE SET
	average = EXCLUDED.average,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	sample_count = EXCLUDED.sample_count,
	updated_at = now()
RETURNING *`, pairID, hourStart, average, high, low, count)
	if err != nil {
		return models.HourlyAggregate{}, fmt.Errorf("upsert hourly aggregate for pair %d: %w", pairID, err)
	}
	logger.IncrementStoreWrite()
	return agg, nil
}

func (p *Postgres) QueryHourlyAggregates(ctx context.Context, pairID int64, from, to time.Time) ([]models.HourlyAggregate, error) {
	var aggs []models.HourlyAggregate
	err := p.db.SelectContext(ctx, &aggs, `
SELECT * FROM hourly_aggregates WHERE pair_id = $1 AND hour_start >= $2 AND hour_start < $3 ORDER BY hour_start ASC`, pairID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query hourly aggregates for pair %d: %w", pairID, err)
	}
	return aggs, nil
}

func (p *Postgres) DeleteTicksOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM ticks WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired ticks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired ticks: %w", err)
	}
	return n, nil
}

func (p *Postgres) DeleteAggregatesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM hourly_aggregates WHERE hour_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired aggregates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired aggregates: %w", err)
	}
	return n, nil
}
