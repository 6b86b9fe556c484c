// Package priceoracle maps mint -> (usd_price, observed_at) through a
// multi-source fallback chain, backed by a short TTL cache so the
// monitor poller and admission checks never hammer the network on every
// tick: a stablecoin fast-path, an aggregator quote against USDC, a
// largest-DEX-pair lookup, and the native (SOL) price as a last resort.
package priceoracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultTTL = 30 * time.Second

// PriceUnavailable is returned when every source in the fallback chain
// fails or returns zero. Callers must treat this as a refusal to trade,
// never as price == 0.
type PriceUnavailable struct {
	Mint string
}

func (e *PriceUnavailable) Error() string {
	return fmt.Sprintf("no price available for mint %s", e.Mint)
}

// QuoteSource is satisfied by the aggregator: a USD price derived from
// quoting the mint against a stable reference.
type QuoteSource interface {
	PriceUSD(ctx context.Context, mint string) (float64, error)
}

// DexPairSource looks up the largest-liquidity DEX pair for a mint and
// derives a USD price from it.
type DexPairSource interface {
	LargestPairPriceUSD(ctx context.Context, mint string) (float64, error)
}

// NativeSource prices the chain's native token (SOL) in USD.
type NativeSource interface {
	NativePriceUSD(ctx context.Context) (float64, error)
}

type cacheEntry struct {
	price      float64
	source     string
	observedAt time.Time
}

// Oracle implements price(mint) -> (price, source) with a TTL cache and
// an ordered fallback chain: stablecoin short-circuit, native pricing for
// the chain's native mint, aggregator quote, DEX pair, native as a last
// resort for any other mint.
type Oracle struct {
	mu    sync.RWMutex
	cache map[string]cacheEntry
	ttl   time.Duration

	quote  QuoteSource
	dex    DexPairSource
	native NativeSource

	stableMints map[string]bool
	nativeMint  string
}

// New constructs an Oracle. stableMints short-circuit to 1.0 without
// touching the network. nativeMint (SOL) is priced via native rather
// than attempting to quote it against itself.
func New(quote QuoteSource, dex DexPairSource, native NativeSource, stableMints map[string]bool, nativeMint string) *Oracle {
	return &Oracle{
		cache:       make(map[string]cacheEntry),
		ttl:         defaultTTL,
		quote:       quote,
		dex:         dex,
		native:      native,
		stableMints: stableMints,
		nativeMint:  nativeMint,
	}
}

// SetTTL overrides the default 30s cache TTL.
func (o *Oracle) SetTTL(ttl time.Duration) { o.ttl = ttl }

// Price returns the USD price for mint and which source satisfied it,
// serving from cache when fresh. Returns *PriceUnavailable if every
// source fails or returns a non-positive price.
func (o *Oracle) Price(ctx context.Context, mint string) (float64, string, error) {
	if o.stableMints[mint] {
		return 1.0, "stablecoin", nil
	}

	if entry, ok := o.cached(mint); ok {
		return entry.price, entry.source, nil
	}

	if mint == o.nativeMint && o.native != nil {
		if price, err := o.native.NativePriceUSD(ctx); err == nil && price > 0 {
			o.store(mint, price, "native")
			return price, "native", nil
		}
	}

	if o.quote != nil {
		if price, err := o.quote.PriceUSD(ctx, mint); err == nil && price > 0 {
			o.store(mint, price, "aggregator")
			return price, "aggregator", nil
		}
	}

	if o.dex != nil {
		if price, err := o.dex.LargestPairPriceUSD(ctx, mint); err == nil && price > 0 {
			o.store(mint, price, "dex_pair")
			return price, "dex_pair", nil
		}
	}

	if o.native != nil {
		if price, err := o.native.NativePriceUSD(ctx); err == nil && price > 0 {
			o.store(mint, price, "native_fallback")
			return price, "native_fallback", nil
		}
	}

	log.Warn().Str("mint", mint).Msg("all price sources exhausted")
	return 0, "", &PriceUnavailable{Mint: mint}
}

func (o *Oracle) cached(mint string) (cacheEntry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.cache[mint]
	if !ok || time.Since(entry.observedAt) >= o.ttl {
		return cacheEntry{}, false
	}
	return entry, true
}

func (o *Oracle) store(mint string, price float64, source string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache[mint] = cacheEntry{price: price, source: source, observedAt: time.Now()}
}

// Invalidate drops the cached entry for mint, forcing the next Price
// call to re-query upstream.
func (o *Oracle) Invalidate(mint string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cache, mint)
}

// Prime pre-populates the cache from a push source (a websocket AMM pool
// subscription, say) so the next Price call short-circuits the fallback
// chain entirely rather than issuing a redundant quote.
func (o *Oracle) Prime(mint string, priceUSD float64) {
	o.store(mint, priceUSD, "websocket")
}
