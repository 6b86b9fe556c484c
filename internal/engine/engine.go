// Package engine implements the TradingEngine orchestrator: the single
// component that wires EmergencyStop, RiskGate, PriceOracle, the
// Aggregator/Executor pair, and the Store together into
// OpenPosition/ClosePosition/UpdatePositions/ReconcileWithOnchain. One
// orchestrator owns the whole admission -> execute -> persist ->
// arm-triggers lifecycle, including the four-way reconciliation split
// and orphaned-position loss attribution.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"treasury-engine/internal/aggregator"
	"treasury-engine/internal/chain"
	"treasury-engine/internal/domain"
	"treasury-engine/internal/emergency"
	"treasury-engine/internal/monitor"
	"treasury-engine/internal/priceoracle"
	"treasury-engine/internal/risk"
	"treasury-engine/internal/store"
	"treasury-engine/internal/trading"
)

// OpenRequest is the caller's proposed trade.
type OpenRequest struct {
	Mint           string
	Symbol         string
	AmountUSD      float64
	SentimentGrade string
	SentimentScore float64
	SlippageBps    int
	CustomTP       *float64
	CustomSL       *float64
}

// Reconciliation is the four-way split reconcile_with_onchain returns.
type Reconciliation struct {
	Matched    []string // position IDs
	Mismatched []string
	Orphaned   []string
	Untracked  []UntrackedBalance
}

// UntrackedBalance is a non-zero on-chain balance with no store record.
type UntrackedBalance struct {
	Mint   string
	Amount uint64
}

const onchainToleranceFraction = 0.05

// defaultCloseSlippageBps is the tolerance for an ordinary admin-driven
// close. emergencyUnwindSlippageBps is the wide tolerance HandleEmergencyEscalation
// uses so a forced unwind doesn't stall looking for a tight fill.
const (
	defaultCloseSlippageBps    = 100
	emergencyUnwindSlippageBps = 500
)

// Engine is the TradingEngine. It holds no lock of its own: Store and
// EmergencyStop serialize their own state; RiskGate has no lock.
type Engine struct {
	emergencyStop *emergency.Controller
	riskGate      *risk.Gate
	priceOracle   *priceoracle.Oracle
	executor      *trading.Executor
	chainClient   *chain.Client
	wallet        *chain.Wallet
	store         *store.Store
	monitor       *monitor.Monitor

	dryRun      bool
	stableMints map[string]bool
}

// New constructs the Engine from its already-built collaborators. No
// singletons: every dependency is passed in explicitly by the wiring
// root. stableMints is the curated exclusion list reconciliation uses to
// avoid flagging stablecoin dust as an untracked position.
func New(
	emergencyStop *emergency.Controller,
	riskGate *risk.Gate,
	priceOracle *priceoracle.Oracle,
	executor *trading.Executor,
	chainClient *chain.Client,
	wallet *chain.Wallet,
	positionStore *store.Store,
	mon *monitor.Monitor,
	dryRun bool,
	stableMints map[string]bool,
) *Engine {
	if stableMints == nil {
		stableMints = map[string]bool{}
	}
	e := &Engine{
		emergencyStop: emergencyStop,
		riskGate:      riskGate,
		priceOracle:   priceOracle,
		executor:      executor,
		chainClient:   chainClient,
		wallet:        wallet,
		store:         positionStore,
		monitor:       mon,
		dryRun:        dryRun,
		stableMints:   stableMints,
	}
	mon.OnFill(e.onTriggerFill)
	return e
}

func (e *Engine) onTriggerFill(p *domain.Position, reason domain.CloseReason) {
	action := domain.ActionClosePosition
	switch reason {
	case domain.CloseReasonTP:
		action = domain.ActionClosePositionTP
	case domain.CloseReasonSL:
		action = domain.ActionClosePositionSL
	case domain.CloseReasonEmergency:
		action = domain.ActionClosePositionEmergency
	}
	e.audit(action, "monitor", true, map[string]interface{}{
		"position_id": p.ID, "mint": p.Mint, "reason": string(reason), "pnl_usd": p.PnLUSD,
	})
}

func (e *Engine) audit(action domain.AuditAction, actorID string, success bool, details map[string]interface{}) {
	if err := e.store.Audit(domain.AuditEntry{Action: action, ActorID: actorID, Success: success, Details: details}); err != nil {
		log.Error().Err(err).Str("action", string(action)).Msg("engine: failed to persist audit entry")
	}
}

// OpenPosition drives admission -> executor -> store -> trigger-arming.
func (e *Engine) OpenPosition(ctx context.Context, req OpenRequest, adminID string) (bool, string, *domain.Position, error) {
	allowed, reason := e.emergencyStop.IsTradingAllowed(req.Mint)

	portfolioUSD, mintExposure := e.portfolioSnapshot(req.Mint)
	decision := e.riskGate.Admit(risk.Request{
		Mint:           req.Mint,
		Symbol:         req.Symbol,
		AmountUSD:      req.AmountUSD,
		SentimentGrade: req.SentimentGrade,
		ActorID:        adminID,
	}, risk.Snapshot{
		PortfolioUSD:         portfolioUSD,
		DailyVolumeUSD:       e.store.DailyVolume(),
		OpenPositions:        len(e.store.OpenPositions()),
		ExistingInMint:       e.store.GetPositionByMint(req.Mint) != nil,
		MintExposureUSD:      mintExposure,
		TradingAllowed:       allowed,
		TradingAllowedReason: reason,
		CircuitBreakerOpen:   e.riskGate.CircuitOpen(),
	})

	if !decision.Admitted {
		e.audit(domain.ActionOpenPositionRejected, adminID, false, map[string]interface{}{
			"mint": req.Mint, "code": decision.Code, "reason": decision.Reason,
		})
		return false, decision.Reason, nil, nil
	}

	solPrice, _, err := e.priceOracle.Price(ctx, aggregator.SOLMint)
	if err != nil {
		return false, "SOL price unavailable", nil, err
	}

	outcome, err := e.executor.ExecuteBuy(ctx, req.Mint, decision.AdjustedAmountUSD, solPrice, req.SlippageBps)
	if err != nil {
		e.audit(domain.ActionOpenPositionRejected, adminID, false, map[string]interface{}{
			"mint": req.Mint, "error": err.Error(),
		})
		return false, fmt.Sprintf("execution failed: %v", err), nil, nil
	}

	entryPrice := decision.AdjustedAmountUSD / (float64(outcome.FilledOutput) / 1e9)
	tp, sl := e.riskGate.TPSL(entryPrice, req.SentimentGrade, req.CustomTP, req.CustomSL)

	pos := &domain.Position{
		ID:             uuid.NewString(),
		Mint:           req.Mint,
		Symbol:         req.Symbol,
		Direction:      domain.DirectionLong,
		EntryPrice:     entryPrice,
		CurrentPrice:   entryPrice,
		PeakPrice:      entryPrice,
		Amount:         outcome.FilledOutput,
		AmountUSD:      decision.AdjustedAmountUSD,
		TPPrice:        tp,
		SLPrice:        sl,
		Status:         domain.StatusOpen,
		OpenedAt:       time.Now().UTC(),
		SentimentGrade: req.SentimentGrade,
		SentimentScore: req.SentimentScore,
	}

	if err := e.store.AddPosition(pos); err != nil {
		return false, "failed to persist position", nil, err
	}
	if err := e.store.AddDailyVolume(decision.AdjustedAmountUSD); err != nil {
		log.Error().Err(err).Msg("engine: failed to record daily volume")
	}

	e.armTriggers(pos)

	e.audit(domain.ActionOpenPosition, adminID, true, map[string]interface{}{
		"position_id": pos.ID, "mint": pos.Mint, "amount_usd": pos.AmountUSD, "tier": string(decision.RiskTier),
	})

	return true, "position opened", pos, nil
}

func (e *Engine) armTriggers(pos *domain.Position) {
	tp := &domain.TriggerOrder{
		ID: uuid.NewString(), PositionID: pos.ID, Mint: pos.Mint, Amount: pos.Amount,
		Kind: domain.TriggerTP, TriggerPrice: pos.TPPrice, Status: domain.TriggerActive, CreatedAt: time.Now().UTC(),
	}
	sl := &domain.TriggerOrder{
		ID: uuid.NewString(), PositionID: pos.ID, Mint: pos.Mint, Amount: pos.Amount,
		Kind: domain.TriggerSL, TriggerPrice: pos.SLPrice, Status: domain.TriggerActive, CreatedAt: time.Now().UTC(),
	}
	pos.TPOrderID, pos.SLOrderID = tp.ID, sl.ID
	if err := e.store.UpsertTrigger(tp); err != nil {
		log.Error().Err(err).Str("position_id", pos.ID).Msg("engine: failed to arm TP trigger")
	}
	if err := e.store.UpsertTrigger(sl); err != nil {
		log.Error().Err(err).Str("position_id", pos.ID).Msg("engine: failed to arm SL trigger")
	}
}

// ClosePosition closes the position: if the wallet's on-chain token
// balance is already zero, it's closed as no_balance at the current
// price; otherwise it drives execute_sell. It does not check adminID
// against the admin set; adminID is only recorded in the audit entry.
// slippageBps <= 0 falls back to defaultCloseSlippageBps.
func (e *Engine) ClosePosition(ctx context.Context, id, adminID, reason string, slippageBps int) (bool, string, error) {
	if slippageBps <= 0 {
		slippageBps = defaultCloseSlippageBps
	}

	pos := e.store.GetPosition(id)
	if pos == nil {
		return false, "position not found", nil
	}

	balance, err := e.chainClient.Balance(ctx, e.wallet.Address(), pos.Mint)
	if err == nil && balance == 0 {
		price, _, _ := e.priceOracle.Price(ctx, pos.Mint)
		if _, err := e.store.ClosePosition(id, price, domain.CloseReasonNoBalance); err != nil {
			return false, "failed to close position", err
		}
		e.cancelTriggers(id)
		e.audit(domain.ActionClosePosition, adminID, true, map[string]interface{}{"position_id": id, "reason": "no_balance"})
		return true, "closed: no balance", nil
	}

	outcome, err := e.executor.ExecuteSell(ctx, trading.Position{Mint: pos.Mint, Amount: pos.Amount, Decimals: pos.Decimals}, slippageBps)
	if err != nil {
		e.audit(domain.ActionClosePosition, adminID, false, map[string]interface{}{"position_id": id, "error": err.Error()})
		return false, fmt.Sprintf("sell failed: %v", err), nil
	}

	price, _, _ := e.priceOracle.Price(ctx, pos.Mint)
	_ = outcome
	if _, err := e.store.ClosePosition(id, price, domain.CloseReasonManual); err != nil {
		return false, "failed to persist close", err
	}
	e.cancelTriggers(id)
	e.audit(domain.ActionClosePositionManual, adminID, true, map[string]interface{}{"position_id": id, "reason": reason})
	return true, "position closed", nil
}

func (e *Engine) cancelTriggers(positionID string) {
	for _, t := range e.store.TriggersForPosition(positionID) {
		if t.Status == domain.TriggerActive {
			t.Status = domain.TriggerCancelled
			if err := e.store.UpsertTrigger(t); err != nil {
				log.Error().Err(err).Str("trigger_id", t.ID).Msg("engine: failed to cancel trigger")
			}
		}
	}
}

// UpdatePositions refreshes current_price and derived pnl_* for every
// OPEN position and re-persists.
func (e *Engine) UpdatePositions(ctx context.Context) error {
	for _, p := range e.store.OpenPositions() {
		price, _, err := e.priceOracle.Price(ctx, p.Mint)
		if err != nil {
			continue
		}
		p.CurrentPrice = price
		if p.EntryPrice > 0 {
			multiple := price / p.EntryPrice
			p.PnLPct = (multiple - 1.0) * 100
			p.PnLUSD = p.AmountUSD * (multiple - 1.0)
		}
		if err := e.store.PersistOpenPosition(p); err != nil {
			log.Error().Err(err).Str("position_id", p.ID).Msg("engine: failed to persist position update")
		}
	}
	return nil
}

// ReconcileWithOnchain compares the store's open positions against
// on-chain balances and returns the matched/mismatched/orphaned/untracked
// four-way split.
func (e *Engine) ReconcileWithOnchain(ctx context.Context) (Reconciliation, error) {
	var result Reconciliation
	seen := make(map[string]bool)

	for _, p := range e.store.OpenPositions() {
		seen[p.Mint] = true
		balance, err := e.chainClient.Balance(ctx, e.wallet.Address(), p.Mint)
		if err != nil {
			continue
		}
		if balance == 0 {
			result.Orphaned = append(result.Orphaned, p.ID)
			continue
		}
		diff := absUint64Diff(balance, p.Amount)
		tolerance := uint64(float64(p.Amount) * onchainToleranceFraction)
		if diff > tolerance {
			result.Mismatched = append(result.Mismatched, p.ID)
			continue
		}
		result.Matched = append(result.Matched, p.ID)
	}

	accounts, err := e.chainClient.GetTokenAccountsByOwner(ctx, e.wallet.Address(), "")
	if err != nil {
		return result, err
	}
	for _, acct := range accounts {
		if acct.Amount == 0 || seen[acct.Mint] || e.stableMints[acct.Mint] {
			continue
		}
		result.Untracked = append(result.Untracked, UntrackedBalance{Mint: acct.Mint, Amount: acct.Amount})
	}

	return result, nil
}

func absUint64Diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// AutoReconcileOrphaned closes every orphaned position (store says open,
// chain shows zero balance), attributing a loss equal to amount_usd when
// the current price can't be fetched.
func (e *Engine) AutoReconcileOrphaned(ctx context.Context) error {
	recon, err := e.ReconcileWithOnchain(ctx)
	if err != nil {
		return err
	}
	for _, id := range recon.Orphaned {
		pos := e.store.GetPosition(id)
		if pos == nil {
			continue
		}
		price, _, err := e.priceOracle.Price(ctx, pos.Mint)
		if err != nil {
			price = 0
			pos.PnLUSD = -pos.AmountUSD
		}
		if _, err := e.store.ClosePosition(id, price, domain.CloseReasonOrphaned); err != nil {
			log.Error().Err(err).Str("position_id", id).Msg("engine: failed to auto-close orphaned position")
			continue
		}
		e.cancelTriggers(id)
		e.audit(domain.ActionAutoCloseOrphaned, "system", true, map[string]interface{}{"position_id": id, "mint": pos.Mint})
	}
	return nil
}

// GetPortfolioValue returns the wallet's SOL balance and a USD total: the
// SOL balance priced via PriceOracle plus, for each open position, its
// amount_usd plus its stored pnl_usd. Open positions are not re-priced
// here; their value is as of the last UpdatePositions pass.
func (e *Engine) GetPortfolioValue(ctx context.Context) (solBalance, usdValue float64, err error) {
	lamports, err := e.chainClient.Balance(ctx, e.wallet.Address(), "")
	if err != nil {
		return 0, 0, err
	}
	solBalance = float64(lamports) / 1e9

	solPrice, _, err := e.priceOracle.Price(ctx, aggregator.SOLMint)
	if err != nil {
		solPrice = 0
	}
	usdValue = solBalance * solPrice

	for _, p := range e.store.OpenPositions() {
		usdValue += p.AmountUSD + p.PnLUSD
	}
	return solBalance, usdValue, nil
}

func (e *Engine) portfolioSnapshot(mint string) (portfolioUSD, mintExposureUSD float64) {
	for _, p := range e.store.OpenPositions() {
		portfolioUSD += p.AmountUSD
		if p.Mint == mint {
			mintExposureUSD += p.AmountUSD
		}
	}
	return
}

// StartMonitoring begins the TPSLMonitor's poll loop. Call once at
// startup after all positions and triggers have loaded.
func (e *Engine) StartMonitoring(ctx context.Context) {
	e.monitor.Start(ctx)
}

// StopMonitoring stops the TPSLMonitor's poll loop.
func (e *Engine) StopMonitoring() {
	e.monitor.Stop()
}

// HandleEmergencyEscalation cancels all triggers when the emergency stop
// escalates to HARD_STOP or KILL_SWITCH, and unwinds open positions per
// the configured strategy.
func (e *Engine) HandleEmergencyEscalation(ctx context.Context) {
	if !e.emergencyStop.ShouldUnwindPositions() {
		return
	}
	open := e.store.OpenPositions()
	e.monitor.CancelAllTriggers(open)

	strategy := e.emergencyStop.UnwindStrategy()
	if strategy != domain.UnwindImmediate && strategy != domain.UnwindGraceful {
		return // SCHEDULED/MANUAL: operator-driven, no automatic unwind
	}
	for _, p := range open {
		if _, _, err := e.ClosePosition(ctx, p.ID, "system", strings.ToLower(string(strategy)), emergencyUnwindSlippageBps); err != nil {
			log.Error().Err(err).Str("position_id", p.ID).Msg("engine: emergency unwind failed for position")
		}
	}
}
