package symbol

import (
	"testing"

	"tickflow/config"
)

func testRegistry() *Registry {
	return NewRegistry([]config.PairConfig{
		{Symbol: "ETH/USDC", FeedSymbol: "BINANCE:ETHUSDC"},
		{Symbol: "BTC/USDT", FeedSymbol: "BINANCE:BTCUSDT"},
	})
}

func TestToInternal(t *testing.T) {
	r := testRegistry()
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"BINANCE:ETHUSDC", "ETH/USDC", true},
		{"BINANCE:BTCUSDT", "BTC/USDT", true},
		{"BINANCE:DOGEUSDT", "", false},
	}
	for _, tt := range tests {
		got, ok := r.ToInternal(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ToInternal(%s)=(%s,%v) want (%s,%v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestToFeed(t *testing.T) {
	r := testRegistry()
	got, ok := r.ToFeed("ETH/USDC")
	if !ok || got != "BINANCE:ETHUSDC" {
		t.Errorf("ToFeed(ETH/USDC)=(%s,%v)", got, ok)
	}
	if _, ok := r.ToFeed("XRP/USDT"); ok {
		t.Errorf("expected unknown symbol to miss")
	}
}

func TestListings(t *testing.T) {
	r := testRegistry()
	if len(r.Internal()) != 2 || len(r.Feed()) != 2 {
		t.Fatalf("unexpected listing sizes: %d %d", len(r.Internal()), len(r.Feed()))
	}
	// Returned slices are copies; mutating them must not affect the registry.
	r.Internal()[0] = "mutated"
	if r.Internal()[0] != "ETH/USDC" {
		t.Fatalf("listing should be a copy")
	}
}
