// Package emergency implements the multi-level halt controller consulted
// at the top of every admission path: a strict level lattice, a
// paused-mint set, an unwind-strategy field, and an
// IsTradingAllowed/ShouldUnwindPositions query surface, persisted
// atomically through internal/store.
package emergency

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"treasury-engine/internal/domain"
)

// AlertFunc is a registered callback fired asynchronously on every
// level transition.
type AlertFunc func(message string)

// Persister is the subset of internal/store.Store this package needs to
// durably record its state; kept as an interface so emergency doesn't
// import store directly and the two packages can evolve independently.
type Persister interface {
	SaveEmergencyState(domain.EmergencyStopState) error
	LoadEmergencyState() (domain.EmergencyStopState, error)
}

// Controller is the emergency stop state machine. Safe for concurrent use.
type Controller struct {
	mu          sync.RWMutex
	level       domain.EmergencyLevel
	activatedAt time.Time
	activatedBy string
	reason      string
	paused      map[string]bool
	strategy    domain.UnwindStrategy
	autoResume  *time.Time

	persist Persister
	alerts  []AlertFunc
}

// New constructs a Controller, loading any previously persisted state.
// A fresh NONE state is used if nothing was persisted yet.
func New(persist Persister) *Controller {
	c := &Controller{persist: persist, paused: make(map[string]bool)}
	if state, err := persist.LoadEmergencyState(); err == nil {
		c.applyState(state)
	}
	return c
}

func (c *Controller) applyState(s domain.EmergencyStopState) {
	c.level = s.Level
	c.activatedAt = s.ActivatedAt
	c.activatedBy = s.ActivatedBy
	c.reason = s.Reason
	c.strategy = s.UnwindStrategy
	c.autoResume = s.AutoResumeAt
	c.paused = make(map[string]bool, len(s.PausedMints))
	for _, m := range s.PausedMints {
		c.paused[m] = true
	}
}

func (c *Controller) snapshot() domain.EmergencyStopState {
	mints := make([]string, 0, len(c.paused))
	for m := range c.paused {
		mints = append(mints, m)
	}
	return domain.EmergencyStopState{
		Level:          c.level,
		PausedMints:    mints,
		ActivatedAt:    c.activatedAt,
		ActivatedBy:    c.activatedBy,
		Reason:         c.reason,
		UnwindStrategy: c.strategy,
		AutoResumeAt:   c.autoResume,
	}
}

// RegisterAlert adds a callback invoked (in its own goroutine) on every
// transition.
func (c *Controller) RegisterAlert(fn AlertFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, fn)
}

func (c *Controller) fireAlerts(message string) {
	c.mu.RLock()
	fns := append([]AlertFunc(nil), c.alerts...)
	c.mu.RUnlock()
	for _, fn := range fns {
		go func(f AlertFunc) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("emergency alert callback panicked")
				}
			}()
			f(message)
		}(fn)
	}
}

// save must be called with c.mu held.
func (c *Controller) save() error {
	if err := c.persist.SaveEmergencyState(c.snapshot()); err != nil {
		log.Error().Err(err).Msg("failed to persist emergency stop state")
		return err
	}
	return nil
}

// ActivateKillSwitch is the nuclear option: all trading stops
// immediately, in-flight transactions are abandoned where possible, and
// existing positions unwind per strategy.
func (c *Controller) ActivateKillSwitch(reason, activatedBy string, strategy domain.UnwindStrategy) error {
	c.mu.Lock()
	c.level = domain.LevelKillSwitch
	c.activatedAt = time.Now()
	c.activatedBy = activatedBy
	c.reason = reason
	c.strategy = strategy
	err := c.save()
	c.mu.Unlock()

	log.Error().Str("reason", reason).Str("by", activatedBy).Msg("KILL SWITCH ACTIVATED")
	c.fireAlerts(fmt.Sprintf("KILL SWITCH ACTIVATED\nReason: %s\nBy: %s", reason, activatedBy))
	return err
}

// ActivateSoftStop blocks new positions but leaves existing ones alone.
func (c *Controller) ActivateSoftStop(reason, activatedBy string) error {
	c.mu.Lock()
	c.level = domain.LevelSoftStop
	c.activatedAt = time.Now()
	c.activatedBy = activatedBy
	c.reason = reason
	err := c.save()
	c.mu.Unlock()

	log.Warn().Str("reason", reason).Str("by", activatedBy).Msg("soft stop activated")
	c.fireAlerts(fmt.Sprintf("SOFT STOP ACTIVATED\nReason: %s\nBy: %s\nNo new positions allowed.", reason, activatedBy))
	return err
}

// ActivateHardStop blocks new positions and unwinds existing ones per
// strategy.
func (c *Controller) ActivateHardStop(reason, activatedBy string, strategy domain.UnwindStrategy) error {
	c.mu.Lock()
	c.level = domain.LevelHardStop
	c.activatedAt = time.Now()
	c.activatedBy = activatedBy
	c.reason = reason
	c.strategy = strategy
	err := c.save()
	c.mu.Unlock()

	log.Error().Str("reason", reason).Str("by", activatedBy).Str("strategy", string(strategy)).Msg("hard stop activated")
	c.fireAlerts(fmt.Sprintf("HARD STOP ACTIVATED\nReason: %s\nBy: %s\nClosing all positions (%s)", reason, activatedBy, strategy))
	return err
}

// PauseToken pauses trading of a single mint without affecting the
// global level, unless the controller is currently idle, in which case
// it escalates to TOKEN_PAUSE.
func (c *Controller) PauseToken(mint, reason, activatedBy string) error {
	c.mu.Lock()
	c.paused[mint] = true
	if c.level == domain.LevelNone {
		c.level = domain.LevelTokenPause
		c.activatedAt = time.Now()
		c.activatedBy = activatedBy
	}
	if c.reason != "" {
		c.reason += "\n"
	}
	c.reason += fmt.Sprintf("[%s]: %s", mint, reason)
	err := c.save()
	c.mu.Unlock()

	log.Warn().Str("mint", mint).Str("reason", reason).Msg("token paused")
	c.fireAlerts(fmt.Sprintf("TOKEN PAUSED: %s\nReason: %s", mint, reason))
	return err
}

// ResumeToken un-pauses a single mint. If it was the last paused mint
// and the level is TOKEN_PAUSE, the level drops back to NONE.
func (c *Controller) ResumeToken(mint string) (bool, error) {
	c.mu.Lock()
	if !c.paused[mint] {
		c.mu.Unlock()
		return false, nil
	}
	delete(c.paused, mint)
	if len(c.paused) == 0 && c.level == domain.LevelTokenPause {
		c.level = domain.LevelNone
		c.activatedAt = time.Time{}
		c.activatedBy = ""
		c.reason = ""
	}
	err := c.save()
	c.mu.Unlock()

	log.Info().Str("mint", mint).Msg("token resumed")
	return true, err
}

// ResumeTrading clears the emergency stop entirely, returning to NONE.
func (c *Controller) ResumeTrading(resumedBy string) error {
	c.mu.Lock()
	previous := c.level
	c.level = domain.LevelNone
	c.activatedAt = time.Time{}
	c.activatedBy = ""
	c.reason = ""
	c.strategy = ""
	c.autoResume = nil
	c.paused = make(map[string]bool)
	err := c.save()
	c.mu.Unlock()

	log.Info().Str("previous", previous.String()).Str("by", resumedBy).Msg("trading resumed")
	c.fireAlerts(fmt.Sprintf("TRADING RESUMED\nPrevious state: %s\nResumed by: %s", previous, resumedBy))
	return err
}

// IsTradingAllowed is the canonical query consulted at the top of every
// admission path. mint is optional ("" checks only the global level).
// An auto-resume deadline that has passed clears the stop as a side
// effect before evaluating.
func (c *Controller) IsTradingAllowed(mint string) (bool, string) {
	c.mu.Lock()
	if c.autoResume != nil && !time.Now().Before(*c.autoResume) {
		c.level = domain.LevelNone
		c.activatedAt = time.Time{}
		c.activatedBy = ""
		c.reason = ""
		c.autoResume = nil
		c.paused = make(map[string]bool)
		_ = c.save()
	}
	level := c.level
	reason := c.reason
	paused := c.paused[mint]
	c.mu.Unlock()

	switch level {
	case domain.LevelKillSwitch:
		return false, "KILL SWITCH ACTIVE: " + reason
	case domain.LevelHardStop:
		return false, "HARD STOP ACTIVE: " + reason
	case domain.LevelSoftStop:
		return false, "SOFT STOP ACTIVE: " + reason
	}

	if mint != "" && paused {
		return false, "TOKEN PAUSED: " + mint
	}
	return true, ""
}

// ShouldUnwindPositions reports whether the current level requires
// existing positions to be closed (HARD_STOP or KILL_SWITCH).
func (c *Controller) ShouldUnwindPositions() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level == domain.LevelHardStop || c.level == domain.LevelKillSwitch
}

// UnwindStrategy returns the strategy governing how open positions
// should be closed under the current stop level.
func (c *Controller) UnwindStrategy() domain.UnwindStrategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.strategy
}

// State returns a snapshot of the current emergency stop state.
func (c *Controller) State() domain.EmergencyStopState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot()
}
