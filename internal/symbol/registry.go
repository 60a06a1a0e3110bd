package symbol

import (
	"tickflow/config"
)

// Registry is the static bidirectional mapping between internal pair symbols
// (e.g. "ETH/USDC") and upstream feed symbols (e.g. "BINANCE:ETHUSDC"). It is
// built once from configuration and never mutated afterwards, so lookups need
// no locking.
type Registry struct {
	toInternal map[string]string
	toFeed     map[string]string
	internal   []string
	feed       []string
}

// NewRegistry builds a registry from the configured pairs.
func NewRegistry(pairs []config.PairConfig) *Registry {
	r := &Registry{
		toInternal: make(map[string]string, len(pairs)),
		toFeed:     make(map[string]string, len(pairs)),
	}
	for _, p := range pairs {
		r.toInternal[p.FeedSymbol] = p.Symbol
		r.toFeed[p.Symbol] = p.FeedSymbol
		r.internal = append(r.internal, p.Symbol)
		r.feed = append(r.feed, p.FeedSymbol)
	}
	return r
}

// ToInternal resolves an upstream feed symbol to the internal pair symbol.
func (r *Registry) ToInternal(feedSymbol string) (string, bool) {
	sym, ok := r.toInternal[feedSymbol]
	return sym, ok
}

// ToFeed resolves an internal pair symbol to the upstream feed symbol.
func (r *Registry) ToFeed(symbol string) (string, bool) {
	sym, ok := r.toFeed[symbol]
	return sym, ok
}

// Internal lists all internal pair symbols in configuration order.
func (r *Registry) Internal() []string {
	out := make([]string, len(r.internal))
	copy(out, r.internal)
	return out
}

// Feed lists all upstream feed symbols in configuration order.
func (r *Registry) Feed() []string {
	out := make([]string, len(r.feed))
	copy(out, r.feed)
	return out
}
