// Package monitor implements the TPSLMonitor: the single poller that
// slides trailing stops, fires take-profit/stop-loss trigger orders, and
// force-closes positions that have blown through the emergency floor.
// Trailing-stop percentages, an independent emergency floor, and
// trigger-then-sell-then-close sequencing run on a single ticker loop.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"treasury-engine/internal/domain"
)

const (
	defaultPollInterval = 5 * time.Second
	trailingActivatePct = 0.15 // >= 15% gain: trail SL to 95% of peak
	trailingBreakevenPct = 0.10 // >= 10% gain: slide SL to breakeven
	trailingLockPct      = 0.95
	emergencyFloorPct    = 0.10 // price < entry * 0.10 force-closes
)

// PriceSource resolves a current USD price for a mint.
type PriceSource interface {
	Price(ctx context.Context, mint string) (float64, string, error)
}

// Seller executes the sell side of a position close.
type Seller interface {
	ExecuteSell(ctx context.Context, mint string, amount uint64, decimals uint8, slippageBps int) (signature string, err error)
}

// PositionStore is the subset of internal/store.Store the monitor needs.
type PositionStore struct {
	GetPosition        func(id string) *domain.Position
	OpenPositions      func() []*domain.Position
	ClosePosition      func(id string, exitPrice float64, reason domain.CloseReason) (*domain.Position, error)
	PersistOpenPosition func(p *domain.Position) error
	UpsertTrigger      func(t *domain.TriggerOrder) error
	TriggersForPosition func(positionID string) []*domain.TriggerOrder
}

// Notifier receives a callback when a trigger fills.
type Notifier func(p *domain.Position, reason domain.CloseReason)

// Monitor runs the trailing-stop and trigger-fire loop.
type Monitor struct {
	price  PriceSource
	seller Seller
	store  PositionStore

	pollInterval time.Duration

	mu        sync.Mutex
	notifiers []Notifier

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Monitor with the default 5s poll interval.
func New(price PriceSource, seller Seller, store PositionStore) *Monitor {
	return &Monitor{
		price:        price,
		seller:       seller,
		store:        store,
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval overrides the default tick cadence.
func (m *Monitor) SetPollInterval(d time.Duration) { m.pollInterval = d }

// OnFill registers a callback invoked when a trigger closes a position.
func (m *Monitor) OnFill(fn Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, fn)
}

// Start spawns the single poller goroutine. Stop must be called to end it.
func (m *Monitor) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop(ctx)
}

// Stop signals the poller to exit and waits for it to finish the current tick.
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one poll cycle: trailing-stop update, emergency floor check,
// then trigger evaluation, for every open position.
func (m *Monitor) tick(ctx context.Context) {
	for _, p := range m.store.OpenPositions() {
		price, _, err := m.price.Price(ctx, p.Mint)
		if err != nil {
			log.Warn().Err(err).Str("mint", p.Mint).Msg("monitor: price unavailable, skipping tick")
			continue
		}

		p.CurrentPrice = price
		if price > p.PeakPrice {
			p.PeakPrice = price
		}

		m.applyTrailingStop(p)

		if err := m.store.PersistOpenPosition(p); err != nil {
			log.Error().Err(err).Str("position_id", p.ID).Msg("monitor: failed to persist position update")
		}

		if m.checkEmergencyFloor(ctx, p) {
			continue
		}

		m.evaluateTriggers(ctx, p)
	}
}

// applyTrailingStop enforces that sl_price is monotonically
// non-decreasing while the position is open.
func (m *Monitor) applyTrailingStop(p *domain.Position) {
	if p.EntryPrice <= 0 {
		return
	}
	gain := (p.CurrentPrice - p.EntryPrice) / p.EntryPrice

	var candidate float64
	switch {
	case gain >= trailingActivatePct:
		candidate = p.PeakPrice * trailingLockPct
	case gain >= trailingBreakevenPct:
		candidate = p.EntryPrice
	default:
		return
	}
	if candidate > p.SLPrice {
		p.SLPrice = candidate
	}
}

// checkEmergencyFloor force-closes a position whose price has collapsed
// to entry*10%, independent of whether its SL trigger ever armed.
func (m *Monitor) checkEmergencyFloor(ctx context.Context, p *domain.Position) bool {
	if p.EntryPrice <= 0 || p.CurrentPrice >= p.EntryPrice*emergencyFloorPct {
		return false
	}

	log.Error().Str("position_id", p.ID).Str("mint", p.Mint).
		Float64("current_price", p.CurrentPrice).Float64("entry_price", p.EntryPrice).
		Msg("emergency floor breached, force-closing position")

	m.closePosition(ctx, p, domain.CloseReasonEmergency)
	return true
}

// evaluateTriggers tests each ACTIVE or FAILED trigger for the position
// against the current price and fires the first one that crosses its
// level, so a trigger whose sell failed is retried on a later tick.
func (m *Monitor) evaluateTriggers(ctx context.Context, p *domain.Position) {
	for _, t := range m.store.TriggersForPosition(p.ID) {
		if t.Status != domain.TriggerActive && t.Status != domain.TriggerFailed {
			continue
		}

		fired := false
		var reason domain.CloseReason
		switch t.Kind {
		case domain.TriggerTP:
			if p.CurrentPrice >= t.TriggerPrice {
				fired = true
				reason = domain.CloseReasonTP
			}
		case domain.TriggerSL:
			if p.CurrentPrice <= t.TriggerPrice {
				fired = true
				reason = domain.CloseReasonSL
			}
		}
		if !fired {
			continue
		}

		m.fireTrigger(ctx, p, t, reason)
		return // at most one side fires per tick
	}
}

// fireTrigger drives one trigger through EXECUTING -> COMPLETED/FAILED,
// selling the position and closing it on success. Failure leaves the
// position open and the trigger FAILED; the next tick retries.
func (m *Monitor) fireTrigger(ctx context.Context, p *domain.Position, t *domain.TriggerOrder, reason domain.CloseReason) {
	t.Status = domain.TriggerExecuting
	if err := m.store.UpsertTrigger(t); err != nil {
		log.Error().Err(err).Str("trigger_id", t.ID).Msg("monitor: failed to persist EXECUTING trigger")
	}

	slippageBps := 100
	if reason == domain.CloseReasonSL {
		slippageBps = 500
	}

	sig, err := m.seller.ExecuteSell(ctx, p.Mint, p.Amount, p.Decimals, slippageBps)
	if err != nil {
		t.Status = domain.TriggerFailed
		if uerr := m.store.UpsertTrigger(t); uerr != nil {
			log.Error().Err(uerr).Str("trigger_id", t.ID).Msg("monitor: failed to persist FAILED trigger")
		}
		log.Warn().Err(err).Str("position_id", p.ID).Str("kind", string(t.Kind)).Msg("trigger sell failed, will retry next tick")
		return
	}

	now := time.Now().UTC()
	t.Status = domain.TriggerCompleted
	t.TriggeredAt = &now
	t.TriggeredPrice = p.CurrentPrice
	if err := m.store.UpsertTrigger(t); err != nil {
		log.Error().Err(err).Str("trigger_id", t.ID).Msg("monitor: failed to persist COMPLETED trigger")
	}

	log.Info().Str("position_id", p.ID).Str("sig", sig).Str("kind", string(t.Kind)).Msg("trigger filled")
	m.closePosition(ctx, p, reason)
}

// closePosition cancels the sibling trigger, closes the position in the
// store, and notifies registered consumers.
func (m *Monitor) closePosition(ctx context.Context, p *domain.Position, reason domain.CloseReason) {
	for _, t := range m.store.TriggersForPosition(p.ID) {
		if t.Status == domain.TriggerActive {
			t.Status = domain.TriggerCancelled
			if err := m.store.UpsertTrigger(t); err != nil {
				log.Error().Err(err).Str("trigger_id", t.ID).Msg("monitor: failed to persist cancelled sibling trigger")
			}
		}
	}

	closed, err := m.store.ClosePosition(p.ID, p.CurrentPrice, reason)
	if err != nil {
		log.Error().Err(err).Str("position_id", p.ID).Msg("monitor: failed to close position")
		return
	}

	m.mu.Lock()
	fns := append([]Notifier(nil), m.notifiers...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(closed, reason)
	}
}

// CancelAllTriggers cancels every ACTIVE trigger, used when the
// emergency stop escalates to HARD_STOP or KILL_SWITCH.
func (m *Monitor) CancelAllTriggers(positions []*domain.Position) {
	for _, p := range positions {
		for _, t := range m.store.TriggersForPosition(p.ID) {
			if t.Status == domain.TriggerActive {
				t.Status = domain.TriggerCancelled
				if err := m.store.UpsertTrigger(t); err != nil {
					log.Error().Err(err).Str("trigger_id", t.ID).Msg("monitor: failed to persist cancelled trigger")
				}
			}
		}
	}
}
