package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tickflow/internal/channel"
	"tickflow/models"
)

// fakeStore is an in-memory Store good enough for processor tests.
type fakeStore struct {
	mu        sync.Mutex
	pairs     map[string]models.Pair
	ticks     []models.Tick
	insertErr error
	lookups   int
}

func newFakeStore(symbols ...string) *fakeStore {
	f := &fakeStore{pairs: map[string]models.Pair{}}
	for i, s := range symbols {
		f.pairs[s] = models.Pair{ID: int64(i + 1), Symbol: s, IsActive: true}
	}
	return f
}

func (f *fakeStore) UpsertPair(ctx context.Context, symbol, displayName string) (models.Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pair, ok := f.pairs[symbol]
	if !ok {
		pair = models.Pair{ID: int64(len(f.pairs) + 1), Symbol: symbol, IsActive: true}
		f.pairs[symbol] = pair
	}
	return pair, nil
}

func (f *fakeStore) FindPair(ctx context.Context, symbol string) (models.Pair, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	pair, ok := f.pairs[symbol]
	return pair, ok, nil
}

func (f *fakeStore) ActivePairs(ctx context.Context) ([]models.Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Pair
	for _, p := range f.pairs {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) SetPairActive(ctx context.Context, symbol string, active bool) error {
	return nil
}

func (f *fakeStore) InsertTick(ctx context.Context, pairID int64, price float64, volume *float64, ts time.Time) (models.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return models.Tick{}, f.insertErr
	}
	tick := models.Tick{ID: int64(len(f.ticks) + 1), PairID: pairID, Price: price, Volume: volume, Timestamp: ts}
	f.ticks = append(f.ticks, tick)
	return tick, nil
}

func (f *fakeStore) QueryTicks(ctx context.Context, pairID int64, from, to time.Time) ([]models.Tick, error) {
	return nil, nil
}

func (f *fakeStore) QueryTicksOlderThan(ctx context.Context, cutoff time.Time) ([]models.Tick, error) {
	return nil, nil
}

func (f *fakeStore) UpsertHourlyAggregate(ctx context.Context, pairID int64, hourStart time.Time, average, high, low float64, count int) (models.HourlyAggregate, error) {
	return models.HourlyAggregate{}, nil
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

func (f *fakeStore) storedTicks() []models.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Tick, len(f.ticks))
	copy(out, f.ticks)
	return out
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	ticks []models.TradeTick
}

func (f *fakeBroadcaster) BroadcastTick(tick models.TradeTick) {
	f.mu.Lock()
	f.ticks = append(f.ticks, tick)
	f.mu.Unlock()
}

func (f *fakeBroadcaster) broadcasts() []models.TradeTick {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.TradeTick, len(f.ticks))
	copy(out, f.ticks)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestProcessPersistsAndBroadcasts(t *testing.T) {
	st := newFakeStore("ETH/USDC")
	bc := &fakeBroadcaster{}
	ch := channel.NewChannels(16)

	p := NewProcessor(2, st, bc, ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	vol := 100.5
	ts := time.UnixMilli(1704067200000).UTC()
	ch.SendTick(ctx, models.TradeTick{Symbol: "ETH/USDC", Price: 2500.5, Volume: &vol, Timestamp: ts})

	waitFor(t, 2*time.Second, func() bool { return len(st.storedTicks()) == 1 })
	cancel()
	p.Stop()

	stored := st.storedTicks()[0]
	if stored.PairID != 1 || stored.Price != 2500.5 {
		t.Errorf("unexpected stored tick %+v", stored)
	}
	if stored.Volume == nil || *stored.Volume != 100.5 {
		t.Errorf("unexpected stored volume %v", stored.Volume)
	}
	if !stored.Timestamp.Equal(ts) {
		t.Errorf("unexpected stored timestamp %v", stored.Timestamp)
	}

	sent := bc.broadcasts()
	if len(sent) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(sent))
	}
	if sent[0].Symbol != "ETH/USDC" || sent[0].Price != 2500.5 {
		t.Errorf("unexpected broadcast %+v", sent[0])
	}
}

func TestUnknownPairSkipped(t *testing.T) {
	st := newFakeStore("ETH/USDC")
	bc := &fakeBroadcaster{}
	ch := channel.NewChannels(16)

	p := NewProcessor(1, st, bc, ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	ch.SendTick(ctx, models.TradeTick{Symbol: "DOGE/USDT", Price: 0.1, Timestamp: time.Now()})
	// A known pair behind it proves the worker kept going.
	ch.SendTick(ctx, models.TradeTick{Symbol: "ETH/USDC", Price: 1, Timestamp: time.Now()})

	waitFor(t, 2*time.Second, func() bool { return len(st.storedTicks()) == 1 })
	cancel()
	p.Stop()

	if got := st.storedTicks(); got[0].PairID != 1 {
		t.Fatalf("unknown pair leaked through: %+v", got)
	}
	if got := bc.broadcasts(); len(got) != 1 || got[0].Symbol != "ETH/USDC" {
		t.Fatalf("unexpected broadcasts %+v", got)
	}
}

func TestInsertFailureLosesTickWithoutBroadcast(t *testing.T) {
	st := newFakeStore("ETH/USDC")
	st.insertErr = fmt.Errorf("connection refused")
	bc := &fakeBroadcaster{}
	ch := channel.NewChannels(16)

	p := NewProcessor(1, st, bc, ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	ch.SendTick(ctx, models.TradeTick{Symbol: "ETH/USDC", Price: 1, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)
	cancel()
	p.Stop()

	if len(st.storedTicks()) != 0 {
		t.Fatalf("tick persisted despite insert error")
	}
	if len(bc.broadcasts()) != 0 {
		t.Fatalf("failed tick was broadcast")
	}
}

func TestPerSymbolOrderingPreserved(t *testing.T) {
	st := newFakeStore("ETH/USDC", "BTC/USDT")
	bc := &fakeBroadcaster{}
	ch := channel.NewChannels(256)

	p := NewProcessor(4, st, bc, ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	const perSymbol = 50
	for i := 0; i < perSymbol; i++ {
		ch.SendTick(ctx, models.TradeTick{Symbol: "ETH/USDC", Price: float64(i), Timestamp: time.Now()})
		ch.SendTick(ctx, models.TradeTick{Symbol: "BTC/USDT", Price: float64(i), Timestamp: time.Now()})
	}

	waitFor(t, 2*time.Second, func() bool { return len(bc.broadcasts()) == 2*perSymbol })
	cancel()
	p.Stop()

	next := map[string]float64{}
	for _, tick := range bc.broadcasts() {
		if tick.Price != next[tick.Symbol] {
			t.Fatalf("%s out of order: got %v, want %v", tick.Symbol, tick.Price, next[tick.Symbol])
		}
		next[tick.Symbol]++
	}
}

func TestPairLookupCached(t *testing.T) {
	st := newFakeStore("ETH/USDC")
	bc := &fakeBroadcaster{}
	ch := channel.NewChannels(16)

	p := NewProcessor(1, st, bc, ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 5; i++ {
		ch.SendTick(ctx, models.TradeTick{Symbol: "ETH/USDC", Price: float64(i), Timestamp: time.Now()})
	}
	waitFor(t, 2*time.Second, func() bool { return len(st.storedTicks()) == 5 })
	cancel()
	p.Stop()

	st.mu.Lock()
	lookups := st.lookups
	st.mu.Unlock()
	if lookups != 1 {
		t.Fatalf("expected a single pair lookup, got %d", lookups)
	}
}

func TestStartTwiceFails(t *testing.T) {
	st := newFakeStore()
	p := NewProcessor(1, st, &fakeBroadcaster{}, channel.NewChannels(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
	cancel()
	p.Stop()
}
