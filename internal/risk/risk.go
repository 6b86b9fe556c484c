// Package risk implements the RiskGate: a pure decision function that
// admits or rejects a proposed trade, plus the co-located TP/SL pricing
// policy.
package risk

import (
	"fmt"
	"strings"

	"treasury-engine/internal/domain"
)

// Config holds every threshold the gate consults. All of it is supplied
// by the caller; RiskGate itself never reads a config file or touches I/O.
type Config struct {
	BlockedMints   map[string]string // mint -> human name
	BlockedSymbols map[string]bool
	EstablishedMints map[string]bool
	HighRiskPatterns []string
	MajorSymbols     map[string]bool

	AdminIDs map[string]bool

	StackingEnabled   bool
	MaxPositions      int
	MinNotionalUSD    float64
	MaxTradeUSD       float64
	MaxDailyUSD       float64
	MaxPositionPct    float64 // fraction of portfolio per trade
	MaxMintAllocPct   float64 // 0 disables the per-mint allocation check
	CircuitDailyLossLimitUSD float64

	TPSLTable map[string]TPSL // keyed by sentiment grade
}

// TPSL is a fractional take-profit/stop-loss pair.
type TPSL struct {
	TakeProfit float64
	StopLoss   float64
}

// DefaultTPSLTable mirrors TP_SL_CONFIG in the original risk module.
func DefaultTPSLTable() map[string]TPSL {
	return map[string]TPSL{
		"A":  {TakeProfit: 0.30, StopLoss: 0.10},
		"A-": {TakeProfit: 0.25, StopLoss: 0.10},
		"B+": {TakeProfit: 0.20, StopLoss: 0.08},
		"B":  {TakeProfit: 0.15, StopLoss: 0.08},
		"C+": {TakeProfit: 0.10, StopLoss: 0.05},
		"C":  {TakeProfit: 0.08, StopLoss: 0.05},
	}
}

// tierCoefficient maps a risk tier to the multiplier applied to the
// caller-supplied notional.
var tierCoefficient = map[domain.RiskTier]float64{
	domain.TierEstablished: 1.0,
	domain.TierMid:         0.50,
	domain.TierHighRisk:    0.15,
	domain.TierMicro:       0.25,
}

// Request is the proposed trade.
type Request struct {
	Mint           string
	Symbol         string
	AmountUSD      float64
	SentimentGrade string
	ActorID        string
}

// Snapshot is everything about current state the gate needs, supplied by
// the caller so admit() stays a pure function of its arguments.
type Snapshot struct {
	PortfolioUSD     float64
	DailyVolumeUSD   float64
	OpenPositions    int
	ExistingInMint   bool
	MintExposureUSD  float64 // current exposure in Request.Mint, for the per-mint allocation check
	TradingAllowed   bool
	TradingAllowedReason string
	CircuitBreakerOpen bool
}

// Decision is the outcome of admit().
type Decision struct {
	Admitted        bool
	Reason          string
	Code            string // machine-readable, closed set
	RiskTier        domain.RiskTier
	AdjustedAmountUSD float64
}

// Gate is the pure RiskGate. It never performs I/O.
type Gate struct {
	cfg Config

	// circuitOpen latches independently of the snapshot the caller passes
	// in: once the daily-loss hard limit is crossed it stays open until
	// an explicit admin Reset, per the original's manual-only resume.
	circuitOpen bool
}

// New constructs a Gate from cfg.
func New(cfg Config) *Gate {
	if cfg.TPSLTable == nil {
		cfg.TPSLTable = DefaultTPSLTable()
	}
	return &Gate{cfg: cfg}
}

// ResetCircuitBreaker clears the latched circuit breaker. Only an admin
// action should call this.
func (g *Gate) ResetCircuitBreaker() { g.circuitOpen = false }

// CircuitOpen reports whether the circuit breaker is currently latched.
func (g *Gate) CircuitOpen() bool { return g.circuitOpen }

// IsBlockedToken reports whether mint/symbol is on the curated blocklist
// (stablecoins, wrapped SOL, explicitly-banned mints).
func (g *Gate) IsBlockedToken(mint, symbol string) (bool, string) {
	if name, ok := g.cfg.BlockedMints[mint]; ok {
		return true, fmt.Sprintf("%s is a stablecoin/blocked token - not tradeable", name)
	}
	if g.cfg.BlockedSymbols[strings.ToUpper(symbol)] {
		return true, fmt.Sprintf("%s is a stablecoin - not tradeable", symbol)
	}
	return false, ""
}

// IsHighRiskToken reports whether mint matches a high-risk substring
// pattern (e.g. a pump-launch suffix).
func (g *Gate) IsHighRiskToken(mint string) bool {
	lower := strings.ToLower(mint)
	for _, pattern := range g.cfg.HighRiskPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// ClassifyTier implements the risk tier classification, with the exact
// fallbacks from the original, checked in this order: a whitelisted
// mint or tokenized-equity prefix is ESTABLISHED, a high-risk substring
// pattern is HIGH_RISK, a major symbol or a symbol of at most 6
// characters ending in "X" is MID, everything else is MICRO.
func (g *Gate) ClassifyTier(mint, symbol string) domain.RiskTier {
	if g.cfg.EstablishedMints[mint] {
		return domain.TierEstablished
	}
	if strings.HasPrefix(mint, "Xs") {
		return domain.TierEstablished
	}
	if g.IsHighRiskToken(mint) {
		return domain.TierHighRisk
	}
	if g.cfg.MajorSymbols[strings.ToUpper(symbol)] {
		return domain.TierMid
	}
	upper := strings.ToUpper(symbol)
	if strings.HasSuffix(upper, "X") && len(symbol) <= 6 {
		return domain.TierMid
	}
	return domain.TierMicro
}

// Admit runs the ordered admission checks; the first failing check wins.
// Admit is a pure function of its arguments.
func (g *Gate) Admit(req Request, snap Snapshot) Decision {
	reject := func(code, reason string) Decision {
		return Decision{Admitted: false, Code: code, Reason: reason}
	}

	// 1. Global admission (EmergencyStop), evaluated by the caller and
	// passed in via snap.TradingAllowed.
	if !snap.TradingAllowed {
		return reject("emergency_stop", snap.TradingAllowedReason)
	}

	// 2. Blocked token.
	if blocked, reason := g.IsBlockedToken(req.Mint, req.Symbol); blocked {
		return reject("blocked_token", reason)
	}

	// 3. Risk tier classification.
	tier := g.ClassifyTier(req.Mint, req.Symbol)

	// 4. Sentiment grade D/F.
	grade := strings.ToUpper(req.SentimentGrade)
	if grade == "D" || grade == "F" {
		return reject("grade", fmt.Sprintf("Grade %s is too risky", grade))
	}

	// 5. Admin gate.
	if len(g.cfg.AdminIDs) > 0 && !g.cfg.AdminIDs[req.ActorID] {
		return reject("admin", fmt.Sprintf("%s is not an authorised admin", req.ActorID))
	}

	// 6. Stacking — the single hard switch.
	if snap.ExistingInMint && !g.cfg.StackingEnabled {
		return reject("stacking", "a position already exists for this mint and stacking is disabled")
	}

	// 7. Position count.
	if g.cfg.MaxPositions > 0 && snap.OpenPositions >= g.cfg.MaxPositions {
		return reject("max_positions", fmt.Sprintf("max open positions (%d) reached", g.cfg.MaxPositions))
	}

	// 8. Risk-adjusted sizing.
	coeff := tierCoefficient[tier]
	adjusted := req.AmountUSD * coeff
	if adjusted < g.cfg.MinNotionalUSD {
		return reject("min_notional", fmt.Sprintf("risk-adjusted size $%.2f (%s tier) is below the minimum notional $%.2f", adjusted, tier, g.cfg.MinNotionalUSD))
	}

	// 9. Per-trade cap.
	if adjusted > g.cfg.MaxTradeUSD {
		return reject("max_trade", fmt.Sprintf("Trade $%.2f exceeds max single trade $%.0f", adjusted, g.cfg.MaxTradeUSD))
	}

	// 10. Daily cap.
	if snap.DailyVolumeUSD+adjusted > g.cfg.MaxDailyUSD {
		remaining := g.cfg.MaxDailyUSD - snap.DailyVolumeUSD
		return reject("daily_cap", fmt.Sprintf("Daily limit reached. Used $%.2f/%.0f. Remaining: $%.2f", snap.DailyVolumeUSD, g.cfg.MaxDailyUSD, remaining))
	}

	// 11. Portfolio concentration.
	if snap.PortfolioUSD > 0 {
		pct := adjusted / snap.PortfolioUSD
		if pct > g.cfg.MaxPositionPct {
			return reject("concentration", fmt.Sprintf("Position %.1f%% exceeds max %.0f%% of portfolio", pct*100, g.cfg.MaxPositionPct*100))
		}
	}

	// 12. Per-mint allocation.
	if g.cfg.MaxMintAllocPct > 0 && snap.PortfolioUSD > 0 {
		mintPct := (snap.MintExposureUSD + adjusted) / snap.PortfolioUSD
		if mintPct > g.cfg.MaxMintAllocPct {
			return reject("mint_allocation", fmt.Sprintf("total exposure in this mint would reach %.1f%%, exceeding the configured %.0f%% cap", mintPct*100, g.cfg.MaxMintAllocPct*100))
		}
	}

	// 13. Circuit-breaker aggregate.
	if g.circuitOpen || snap.CircuitBreakerOpen {
		return reject("circuit_breaker", "daily realised loss exceeded the hard limit; trading halted until an admin reset")
	}

	return Decision{Admitted: true, RiskTier: tier, AdjustedAmountUSD: adjusted}
}

// RecordRealizedLoss is a side-effecting call the caller makes after a
// losing close; crossing CircuitDailyLossLimitUSD latches the breaker.
func (g *Gate) RecordRealizedLoss(cumulativeDailyLossUSD float64) {
	if g.cfg.CircuitDailyLossLimitUSD > 0 && cumulativeDailyLossUSD >= g.cfg.CircuitDailyLossLimitUSD {
		g.circuitOpen = true
	}
}

// TPSL computes (tp_price, sl_price) for an entry price and sentiment
// grade, honoring custom overrides. Post-condition: tp > entry > sl > 0.
func (g *Gate) TPSL(entryPrice float64, grade string, customTP, customSL *float64) (tp, sl float64) {
	cfg, ok := g.cfg.TPSLTable[grade]
	if !ok {
		cfg = TPSL{TakeProfit: 0.20, StopLoss: 0.10}
	}
	tpPct := cfg.TakeProfit
	if customTP != nil {
		tpPct = *customTP
	}
	slPct := cfg.StopLoss
	if customSL != nil {
		slPct = *customSL
	}
	return entryPrice * (1 + tpPct), entryPrice * (1 - slPct)
}
