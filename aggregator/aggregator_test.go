package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/models"
	"tickflow/store"
)

// fakeStore is an in-memory Store covering what the aggregator exercises.
type fakeStore struct {
	mu       sync.Mutex
	pairs    map[string]models.Pair
	ticks    map[int64][]models.Tick
	aggs     map[string]models.HourlyAggregate // keyed pairID|hourStart
	nextID   int64
	queryErr map[int64]error
}

func newFakeStore(symbols ...string) *fakeStore {
	f := &fakeStore{
		pairs:    map[string]models.Pair{},
		ticks:    map[int64][]models.Tick{},
		aggs:     map[string]models.HourlyAggregate{},
		queryErr: map[int64]error{},
	}
	for i, s := range symbols {
		f.pairs[s] = models.Pair{ID: int64(i + 1), Symbol: s, IsActive: true}
	}
	return f
}

func (f *fakeStore) addTick(pairID int64, price float64, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.ticks[pairID] = append(f.ticks[pairID], models.Tick{ID: f.nextID, PairID: pairID, Price: price, Timestamp: ts})
}

func aggKey(pairID int64, hourStart time.Time) string {
	return fmt.Sprintf("%d|%s", pairID, hourStart.UTC().Format(time.RFC3339))
}

func (f *fakeStore) UpsertPair(ctx context.Context, symbol, displayName string) (models.Pair, error) {
	return models.Pair{}, nil
}

func (f *fakeStore) FindPair(ctx context.Context, symbol string) (models.Pair, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pair, ok := f.pairs[symbol]
	return pair, ok, nil
}

func (f *fakeStore) ActivePairs(ctx context.Context) ([]models.Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Pair
	for _, p := range f.pairs {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) SetPairActive(ctx context.Context, symbol string, active bool) error {
	return nil
}

func (f *fakeStore) InsertTick(ctx context.Context, pairID int64, price float64, volume *float64, ts time.Time) (models.Tick, error) {
	return models.Tick{}, nil
}

func (f *fakeStore) QueryTicks(ctx context.Context, pairID int64, from, to time.Time) ([]models.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.queryErr[pairID]; err != nil {
		return nil, err
	}
	var out []models.Tick
	for _, t := range f.ticks[pairID] {
		if !t.Timestamp.Before(from) && t.Timestamp.Before(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) QueryTicksOlderThan(ctx context.Context, cutoff time.Time) ([]models.Tick, error) {
	return nil, nil
}

func (f *fakeStore) UpsertHourlyAggregate(ctx context.Context, pairID int64, hourStart time.Time, average, high, low float64, count int) (models.HourlyAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aggKey(pairID, hourStart)
	agg, ok := f.aggs[key]
	if !ok {
		f.nextID++
		agg = models.HourlyAggregate{ID: f.nextID, PairID: pairID, HourStart: hourStart}
	}
	agg.Average, agg.High, agg.Low, agg.SampleCount = average, high, low, count
	f.aggs[key] = agg
	return agg, nil
}

func (f *fakeStore) QueryHourlyAggregates(ctx context.Context, pairID int64, from, to time.Time) ([]models.HourlyAggregate, error) {
	return nil, nil
}

func (f *fakeStore) DeleteTicksOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) DeleteAggregatesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) aggregateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aggs)
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	symbols []string
	aggs    []models.HourlyAggregate
}

func (f *fakeBroadcaster) BroadcastHourlyAverage(symbol string, agg models.HourlyAggregate) {
	f.mu.Lock()
	f.symbols = append(f.symbols, symbol)
	f.aggs = append(f.aggs, agg)
	f.mu.Unlock()
}

func testAggregator(st store.Store, bc Broadcaster) *Aggregator {
	return NewAggregator(config.AggregatorConfig{
		Interval:     time.Hour,
		StartupDelay: 10 * time.Second,
	}, st, bc)
}

func TestCalculateHourlyAverage(t *testing.T) {
	st := newFakeStore("ETH/USDC")
	hour := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	st.addTick(1, 2500.0, hour.Add(5*time.Minute))
	st.addTick(1, 2510.0, hour.Add(20*time.Minute))
	st.addTick(1, 2490.0, hour.Add(45*time.Minute))
	// Outside the hour on both sides.
	st.addTick(1, 9999.0, hour.Add(-time.Minute))
	st.addTick(1, 9999.0, hour.Add(time.Hour))

	a := testAggregator(st, &fakeBroadcaster{})
	agg, err := a.CalculateHourlyAverage(context.Background(), "ETH/USDC", &hour)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if agg == nil {
		t.Fatalf("expected an aggregate")
	}
	if agg.Average != 2500.0 || agg.High != 2510.0 || agg.Low != 2490.0 || agg.SampleCount != 3 {
		t.Fatalf("unexpected aggregate %+v", agg)
	}
	if !agg.HourStart.Equal(hour) {
		t.Fatalf("unexpected hour start %v", agg.HourStart)
	}
	if agg.Low > agg.Average || agg.Average > agg.High {
		t.Fatalf("average outside [low, high]: %+v", agg)
	}
}

func TestCalculateHourlyAverageFloorsHour(t *testing.T) {
	st := newFakeStore("ETH/USDC")
	hour := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	st.addTick(1, 100.0, hour.Add(30*time.Minute))

	a := testAggregator(st, &fakeBroadcaster{})
	mid := hour.Add(37*time.Minute + 12*time.Second)
	agg, err := a.CalculateHourlyAverage(context.Background(), "ETH/USDC", &mid)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if agg == nil || !agg.HourStart.Equal(hour) {
		t.Fatalf("hour not floored: %+v", agg)
	}
}

func TestEmptyHourYieldsNoRecord(t *testing.T) {
	st := newFakeStore("ETH/USDC")
	a := testAggregator(st, &fakeBroadcaster{})

	hour := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	agg, err := a.CalculateHourlyAverage(context.Background(), "ETH/USDC", &hour)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if agg != nil {
		t.Fatalf("expected no record for empty hour, got %+v", agg)
	}
	if st.aggregateCount() != 0 {
		t.Fatalf("aggregate stored for empty hour")
	}
}

func TestUnknownSymbolReturnsNotFound(t *testing.T) {
	st := newFakeStore("ETH/USDC")
	a := testAggregator(st, &fakeBroadcaster{})

	hour := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	_, err := a.CalculateHourlyAverage(context.Background(), "DOGE/USDT", &hour)
	if !errors.Is(err, store.ErrPairNotFound) {
		t.Fatalf("expected ErrPairNotFound, got %v", err)
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	st := newFakeStore("ETH/USDC")
	hour := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	st.addTick(1, 100.0, hour.Add(time.Minute))

	a := testAggregator(st, &fakeBroadcaster{})
	first, err := a.CalculateHourlyAverage(context.Background(), "ETH/USDC", &hour)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A late tick arrives, then the hour is recomputed.
	st.addTick(1, 200.0, hour.Add(2*time.Minute))
	second, err := a.CalculateHourlyAverage(context.Background(), "ETH/USDC", &hour)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if st.aggregateCount() != 1 {
		t.Fatalf("recompute created a duplicate row, %d rows", st.aggregateCount())
	}
	if second.ID != first.ID {
		t.Fatalf("recompute changed row identity: %d vs %d", second.ID, first.ID)
	}
	if second.Average != 150.0 || second.SampleCount != 2 {
		t.Fatalf("recompute did not refresh values: %+v", second)
	}
}

func TestRunOncePerPairIsolation(t *testing.T) {
	st := newFakeStore("ETH/USDC", "BTC/USDT", "SOL/USDT")
	hour := models.HourStart(time.Now())
	st.addTick(1, 100.0, hour.Add(time.Minute))
	st.addTick(3, 50.0, hour.Add(time.Minute))
	// BTC/USDT's tick query fails.
	st.queryErr[2] = errors.New("connection reset")

	bc := &fakeBroadcaster{}
	a := testAggregator(st, bc)
	succeeded, total := a.RunOnce(context.Background())
	if total != 3 {
		t.Fatalf("expected 3 pairs attempted, got %d", total)
	}
	if succeeded != 2 {
		t.Fatalf("expected 2 successes, got %d", succeeded)
	}
	if st.aggregateCount() != 2 {
		t.Fatalf("expected 2 aggregates stored, got %d", st.aggregateCount())
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.symbols) != 2 {
		t.Fatalf("expected 2 broadcasts, got %v", bc.symbols)
	}
}

func TestRunOnceSkipsEmptyPairsSilently(t *testing.T) {
	st := newFakeStore("ETH/USDC", "BTC/USDT")
	hour := models.HourStart(time.Now())
	st.addTick(1, 100.0, hour.Add(time.Minute))

	bc := &fakeBroadcaster{}
	a := testAggregator(st, bc)
	succeeded, total := a.RunOnce(context.Background())
	if succeeded != 2 || total != 2 {
		t.Fatalf("empty pair counted as failure: %d/%d", succeeded, total)
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	// Only the pair with ticks is broadcast.
	if len(bc.symbols) != 1 || bc.symbols[0] != "ETH/USDC" {
		t.Fatalf("unexpected broadcasts %v", bc.symbols)
	}
}

func TestStartupPassRunsAfterDelay(t *testing.T) {
	st := newFakeStore("ETH/USDC")
	hour := models.HourStart(time.Now())
	st.addTick(1, 100.0, hour.Add(time.Minute))

	bc := &fakeBroadcaster{}
	a := NewAggregator(config.AggregatorConfig{
		Interval:     time.Hour,
		StartupDelay: 10 * time.Millisecond,
	}, st, bc)

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		a.Stop()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.aggregateCount() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("startup pass did not run")
}

func TestStartTwiceFails(t *testing.T) {
	a := testAggregator(newFakeStore(), &fakeBroadcaster{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		a.Stop()
	}()
	if err := a.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
}
