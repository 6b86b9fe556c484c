// Package domain holds the data model shared by every trading subsystem:
// positions, trigger orders, trade records, daily volume, and emergency
// stop state. Nothing in this package performs I/O.
package domain

import "time"

// PositionStatus is the position lifecycle state.
type PositionStatus string

const (
	StatusPending   PositionStatus = "PENDING"
	StatusOpen      PositionStatus = "OPEN"
	StatusClosed    PositionStatus = "CLOSED"
	StatusCancelled PositionStatus = "CANCELLED"
	StatusFailed    PositionStatus = "FAILED"
)

// Direction is the trade direction. Short is a reserved tag meaning "skip";
// only Long is currently executable.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// CloseReason is drawn from a closed set so the audit log and metrics stay
// queryable. CloseReasonEmergency fires independent of the SL trigger.
type CloseReason string

const (
	CloseReasonTP         CloseReason = "TP"
	CloseReasonSL         CloseReason = "SL"
	CloseReasonEmergency  CloseReason = "EMERGENCY_90PCT"
	CloseReasonManual     CloseReason = "MANUAL"
	CloseReasonNoBalance  CloseReason = "NO_BALANCE"
	CloseReasonOrphaned   CloseReason = "AUTO_CLOSE_ORPHANED"
)

// Position is the central entity of the engine. See the invariants in
// Position.Validate.
type Position struct {
	ID       string `json:"id"`
	Mint     string `json:"mint"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`

	Direction Direction `json:"direction"`

	EntryPrice  float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	PeakPrice   float64 `json:"peak_price"`

	Amount    uint64  `json:"amount"`     // smallest unit
	AmountUSD float64 `json:"amount_usd"` // cost basis at entry

	TPPrice float64 `json:"tp_price"`
	SLPrice float64 `json:"sl_price"`

	Status PositionStatus `json:"status"`

	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`

	ExitPrice float64 `json:"exit_price,omitempty"`
	PnLUSD    float64 `json:"pnl_usd,omitempty"`
	PnLPct    float64 `json:"pnl_pct,omitempty"`

	SentimentGrade string  `json:"sentiment_grade,omitempty"`
	SentimentScore float64 `json:"sentiment_score,omitempty"`

	TPOrderID string `json:"tp_order_id,omitempty"`
	SLOrderID string `json:"sl_order_id,omitempty"`

	CloseReason CloseReason `json:"close_reason,omitempty"`
}

// Validate checks invariant 1 from the data model: an OPEN position must
// have positive amount and entry price, and tp > entry > sl > 0.
func (p *Position) Validate() error {
	if p.Status != StatusOpen {
		return nil
	}
	if p.Amount == 0 {
		return errInvalidPosition("amount must be > 0 for an open position")
	}
	if p.EntryPrice <= 0 {
		return errInvalidPosition("entry_price must be > 0 for an open position")
	}
	if !(p.TPPrice > p.EntryPrice && p.EntryPrice > p.SLPrice && p.SLPrice > 0) {
		return errInvalidPosition("tp_price > entry_price > sl_price > 0 violated")
	}
	return nil
}

// Repair fills in TP/SL using the default +20%/-10% rule when either is
// missing at load time. Grounded in the schema-migration rule the store
// applies on read.
func (p *Position) Repair() {
	if p.TPPrice == 0 || p.SLPrice == 0 {
		p.TPPrice = p.EntryPrice * 1.20
		p.SLPrice = p.EntryPrice * 0.90
	}
}

// UnrealizedPnL computes pnl_usd/pnl_pct from CurrentPrice without
// mutating the position (used by update_positions).
func (p *Position) UnrealizedPnL() (pnlUSD, pnlPct float64) {
	if p.EntryPrice <= 0 {
		return 0, 0
	}
	multiple := p.CurrentPrice / p.EntryPrice
	pnlPct = (multiple - 1.0) * 100
	pnlUSD = p.AmountUSD * (multiple - 1.0)
	return pnlUSD, pnlPct
}

func errInvalidPosition(msg string) error { return &invariantError{msg} }

type invariantError struct{ msg string }

func (e *invariantError) Error() string { return "position invariant violated: " + e.msg }

// TriggerKind distinguishes take-profit from stop-loss trigger orders.
type TriggerKind string

const (
	TriggerTP TriggerKind = "TP"
	TriggerSL TriggerKind = "SL"
)

// TriggerStatus is the lifecycle of a TriggerOrder.
type TriggerStatus string

const (
	TriggerActive    TriggerStatus = "ACTIVE"
	TriggerExecuting TriggerStatus = "EXECUTING"
	TriggerCompleted TriggerStatus = "COMPLETED"
	TriggerCancelled TriggerStatus = "CANCELLED"
	TriggerFailed    TriggerStatus = "FAILED"
)

// TriggerOrder is held by the TPSLMonitor. A position in OPEN has exactly
// one ACTIVE TP order and one ACTIVE SL order.
type TriggerOrder struct {
	ID            string        `json:"id"`
	PositionID    string        `json:"position_id"`
	Mint          string        `json:"mint"`
	Amount        uint64        `json:"amount"`
	Kind          TriggerKind   `json:"kind"`
	TriggerPrice  float64       `json:"trigger_price"`
	Status        TriggerStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	TriggeredAt   *time.Time    `json:"triggered_at,omitempty"`
	TriggeredPrice float64      `json:"triggered_price,omitempty"`
}

// TradeRecord is an immutable audit row for one side (buy or sell) of a
// position.
type TradeRecord struct {
	PositionID   string    `json:"position_id"`
	Side         string    `json:"side"` // "buy" | "sell"
	TxSignature  string    `json:"tx_signature"`
	AmountSOL    float64   `json:"amount_sol"`
	AmountTokens uint64    `json:"amount_tokens"`
	Price        float64   `json:"price"`
	Timestamp    time.Time `json:"timestamp"`
}

// DailyVolume rolls over at UTC midnight; any read with a stale date
// resets atomically.
type DailyVolume struct {
	Date      string  `json:"date"` // ISO yyyy-mm-dd
	VolumeUSD float64 `json:"volume_usd"`
}

// AuditAction is drawn from a closed set.
type AuditAction string

const (
	ActionOpenPosition           AuditAction = "OPEN_POSITION"
	ActionOpenPositionRejected   AuditAction = "OPEN_POSITION_REJECTED"
	ActionClosePosition          AuditAction = "CLOSE_POSITION"
	ActionClosePositionTP        AuditAction = "CLOSE_POSITION_TP"
	ActionClosePositionSL        AuditAction = "CLOSE_POSITION_SL"
	ActionClosePositionEmergency AuditAction = "CLOSE_POSITION_EMERGENCY"
	ActionClosePositionManual    AuditAction = "CLOSE_POSITION_MANUAL"
	ActionWalletAccess           AuditAction = "WALLET_ACCESS"
	ActionAutoCloseOrphaned      AuditAction = "AUTO_CLOSE_ORPHANED"
	ActionLiquidityUnverified    AuditAction = "LIQUIDITY_UNVERIFIED"
)

// AuditEntry is one row of the bounded (<=1000) audit log.
type AuditEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Action    AuditAction            `json:"action"`
	ActorID   string                 `json:"actor_id"`
	Success   bool                   `json:"success"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// EmergencyLevel forms a strict lattice: NONE < TOKEN_PAUSE < SOFT_STOP <
// HARD_STOP < KILL_SWITCH.
type EmergencyLevel int

const (
	LevelNone EmergencyLevel = iota
	LevelTokenPause
	LevelSoftStop
	LevelHardStop
	LevelKillSwitch
)

func (l EmergencyLevel) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelTokenPause:
		return "TOKEN_PAUSE"
	case LevelSoftStop:
		return "SOFT_STOP"
	case LevelHardStop:
		return "HARD_STOP"
	case LevelKillSwitch:
		return "KILL_SWITCH"
	default:
		return "UNKNOWN"
	}
}

// UnwindStrategy governs how HARD_STOP and KILL_SWITCH close positions.
type UnwindStrategy string

const (
	UnwindImmediate UnwindStrategy = "IMMEDIATE"
	UnwindGraceful  UnwindStrategy = "GRACEFUL"
	UnwindScheduled UnwindStrategy = "SCHEDULED"
	UnwindManual    UnwindStrategy = "MANUAL"
)

// EmergencyStopState is persisted on every transition.
type EmergencyStopState struct {
	Level          EmergencyLevel `json:"level"`
	PausedMints    []string       `json:"paused_mints"`
	ActivatedAt    time.Time      `json:"activated_at"`
	ActivatedBy    string         `json:"activated_by"`
	Reason         string         `json:"reason"`
	UnwindStrategy UnwindStrategy `json:"unwind_strategy"`
	AutoResumeAt   *time.Time     `json:"auto_resume_at,omitempty"`
}

// RiskTier determines the sizing multiplier applied to a proposed trade.
type RiskTier string

const (
	TierEstablished RiskTier = "ESTABLISHED"
	TierMid         RiskTier = "MID"
	TierMicro       RiskTier = "MICRO"
	TierHighRisk    RiskTier = "HIGH_RISK"
)
