package websocket

import "treasury-engine/internal/priceoracle"

// PriceOraclePrimer is the subset of *priceoracle.Oracle the feed needs
// to push cache updates into, kept as a narrow interface so this
// package has no import-cycle risk with priceoracle.
type PriceOraclePrimer interface {
	Prime(mint string, priceUSD float64)
}

var _ PriceOraclePrimer = (*priceoracle.Oracle)(nil)

// WireOracle registers a handler on feed that primes oracle's cache
// every time a pool update carries a non-zero SOL price, converting via
// solPriceUSD (the treasury's own SOL/USD price, refreshed
// independently). This is how the websocket push path and the
// poll-based priceoracle fallback chain share one cache rather than
// disagreeing with each other.
func WireOracle(feed *PriceFeed, oracle PriceOraclePrimer, solPriceUSD func() float64) {
	feed.OnPriceUpdate(func(update PriceUpdate) {
		if update.PriceSOL <= 0 {
			return
		}
		sol := solPriceUSD()
		if sol <= 0 {
			return
		}
		oracle.Prime(update.Mint, update.PriceSOL*sol)
	})
}

// BalanceNudge is called whenever the wallet monitor observes a lamport
// balance change, so a caller can trigger an out-of-cycle reconciliation
// instead of waiting for the next poll tick.
type BalanceNudge func(update BalanceUpdate)

// WireReconciliation registers nudge on monitor's balance callback.
func WireReconciliation(monitor *WalletMonitor, nudge BalanceNudge) {
	monitor.OnBalanceUpdate(func(update BalanceUpdate) {
		nudge(update)
	})
}
