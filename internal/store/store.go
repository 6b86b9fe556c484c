package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"treasury-engine/internal/domain"
)

const (
	maxAuditEntries       = 1000
	maxTransactionHistory = 1000
)

// Store is the exclusive writer for open positions, trade history, daily
// volume, the audit log, trigger orders, and verified-transaction history.
// Every collection lives in its own file under dataDir/profile, isolating
// live and dry-run books so they never share a data directory.
type Store struct {
	mu sync.Mutex

	positionsFile    *SafeFile
	historyFile      *SafeFile
	volumeFile       *SafeFile
	auditFile        *SafeFile
	triggersFile     *SafeFile
	txHistoryFile    *SafeFile
	emergencyFile    *SafeFile

	// legacyPositionsFile/legacyHistoryFile point at the pre-profile,
	// non-namespaced paths directly under dataDir. Populated only when
	// profile actually namespaces the store into a subdirectory, so
	// load() can migrate state written before profile isolation existed.
	legacyPositionsFile *SafeFile
	legacyHistoryFile   *SafeFile

	positions map[string]*domain.Position // keyed by position ID
	history   []*domain.Position
	volume    domain.DailyVolume
	audit     []domain.AuditEntry
	triggers  map[string]*domain.TriggerOrder
	txs       []VerifiedTx
}

// VerifiedTx is one row of the bounded on-chain transaction history.
type VerifiedTx struct {
	Signature string    `json:"signature"`
	Success   bool      `json:"success"`
	Slot      uint64    `json:"slot,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Open constructs a Store rooted at dataDir/profile. profile namespaces
// live vs dry-run (or any other named) books so they can never cross-
// contaminate, per the dry-run isolation invariant.
func Open(dataDir, profile string) (*Store, error) {
	root := filepath.Join(dataDir, profile)

	var err error
	s := &Store{
		positions: make(map[string]*domain.Position),
		triggers:  make(map[string]*domain.TriggerOrder),
	}

	if s.positionsFile, err = NewSafeFile(filepath.Join(root, "positions.json")); err != nil {
		return nil, err
	}
	if s.historyFile, err = NewSafeFile(filepath.Join(root, "trade_history.json")); err != nil {
		return nil, err
	}
	if s.volumeFile, err = NewSafeFile(filepath.Join(root, ".daily_volume.json")); err != nil {
		return nil, err
	}
	if s.auditFile, err = NewSafeFile(filepath.Join(root, ".audit_log.json")); err != nil {
		return nil, err
	}
	if s.triggersFile, err = NewSafeFile(filepath.Join(root, "trigger_orders.json")); err != nil {
		return nil, err
	}
	if s.txHistoryFile, err = NewSafeFile(filepath.Join(root, "transaction_history.json")); err != nil {
		return nil, err
	}
	if s.emergencyFile, err = NewSafeFile(filepath.Join(root, "emergency_stop.json")); err != nil {
		return nil, err
	}

	legacyPositionsPath := filepath.Join(dataDir, "positions.json")
	if legacyPositionsPath != s.positionsFile.path {
		if s.legacyPositionsFile, err = NewSafeFile(legacyPositionsPath); err != nil {
			return nil, err
		}
	}
	legacyHistoryPath := filepath.Join(dataDir, "trade_history.json")
	if legacyHistoryPath != s.historyFile.path {
		if s.legacyHistoryFile, err = NewSafeFile(legacyHistoryPath); err != nil {
			return nil, err
		}
	}

	if err := s.load(root); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) load(root string) error {
	var positions []*domain.Position
	if err := s.positionsFile.Read(&positions); err != nil {
		return err
	}
	migratedPositions := false
	if len(positions) == 0 && !fileExists(s.positionsFile.path) && s.legacyPositionsFile != nil {
		if err := s.legacyPositionsFile.Read(&positions); err != nil {
			return err
		}
		if len(positions) > 0 {
			migratedPositions = true
			log.Warn().Str("legacy", s.legacyPositionsFile.path).Int("count", len(positions)).
				Msg("migrating positions from legacy non-profiled path")
		}
	}
	repaired := 0
	for _, p := range positions {
		if p.TPPrice == 0 || p.SLPrice == 0 {
			p.Repair()
			repaired++
		}
		s.positions[p.ID] = p
	}
	if repaired > 0 {
		log.Warn().Int("count", repaired).Str("root", root).Msg("repaired positions missing tp/sl at load time")
	}
	if repaired > 0 || migratedPositions {
		if err := s.lockedWrite(s.positionsFile, func() error { return s.positionsFile.Write(s.positionList()) }); err != nil {
			return err
		}
	}

	if err := s.historyFile.Read(&s.history); err != nil {
		return err
	}
	if len(s.history) == 0 && !fileExists(s.historyFile.path) && s.legacyHistoryFile != nil {
		if err := s.legacyHistoryFile.Read(&s.history); err != nil {
			return err
		}
		if len(s.history) > 0 {
			log.Warn().Str("legacy", s.legacyHistoryFile.path).Int("count", len(s.history)).
				Msg("migrating trade history from legacy non-profiled path")
			if err := s.lockedWrite(s.historyFile, func() error { return s.historyFile.Write(s.history) }); err != nil {
				return err
			}
		}
	}
	if err := s.volumeFile.Read(&s.volume); err != nil {
		return err
	}
	if err := s.auditFile.Read(&s.audit); err != nil {
		return err
	}

	var triggers []*domain.TriggerOrder
	if err := s.triggersFile.Read(&triggers); err != nil {
		return err
	}
	for _, t := range triggers {
		s.triggers[t.ID] = t
	}

	if err := s.txHistoryFile.Read(&s.txs); err != nil {
		return err
	}

	return nil
}

// lockedWrite serializes write against f's cross-process advisory lock
// before running it, so two Store instances (separate OS processes)
// backed by the same data directory never interleave a write/rename
// cycle against the same file. s.mu only serializes within this process.
func (s *Store) lockedWrite(f *SafeFile, write func() error) error {
	unlock, err := f.Lock()
	if err != nil {
		return err
	}
	defer unlock()
	return write()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Store) positionList() []*domain.Position {
	out := make([]*domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddPosition persists a newly OPEN position. Invariant: the caller has
// already validated tp > entry > sl > 0.
func (s *Store) AddPosition(p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.Validate(); err != nil {
		return err
	}
	s.positions[p.ID] = p
	if err := s.lockedWrite(s.positionsFile, func() error { return s.positionsFile.Write(s.positionList()) }); err != nil {
		delete(s.positions, p.ID)
		return err
	}
	return nil
}

// GetPosition returns the open position by ID, or nil.
func (s *Store) GetPosition(id string) *domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[id]
}

// GetPositionByMint returns the first open position for mint, or nil.
// With stacking disabled there is at most one.
func (s *Store) GetPositionByMint(mint string) *domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.Mint == mint {
			return p
		}
	}
	return nil
}

// OpenPositions returns all currently OPEN positions.
func (s *Store) OpenPositions() []*domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionList()
}

// PersistOpenPosition re-serializes the full open-position set to disk,
// picking up in-place field mutations (current_price, peak_price,
// sl_price) the monitor makes directly on the pointer returned by
// OpenPositions/GetPosition. Satisfies internal/monitor.PositionStore.
func (s *Store) PersistOpenPosition(p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; !ok {
		return fmt.Errorf("position %s not open", p.ID)
	}
	return s.lockedWrite(s.positionsFile, func() error { return s.positionsFile.Write(s.positionList()) })
}

// ClosePosition moves a position from the open set to history, stamping
// exit price/pnl and the close reason.
func (s *Store) ClosePosition(id string, exitPrice float64, reason domain.CloseReason) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s not open", id)
	}

	now := time.Now().UTC()
	p.Status = domain.StatusClosed
	p.ClosedAt = &now
	p.ExitPrice = exitPrice
	p.CloseReason = reason
	if p.EntryPrice > 0 {
		multiple := exitPrice / p.EntryPrice
		p.PnLPct = (multiple - 1.0) * 100
		p.PnLUSD = p.AmountUSD * (multiple - 1.0)
	}

	delete(s.positions, id)
	s.history = append(s.history, p)

	if err := s.lockedWrite(s.positionsFile, func() error { return s.positionsFile.Write(s.positionList()) }); err != nil {
		return nil, err
	}
	if err := s.lockedWrite(s.historyFile, func() error { return s.historyFile.Write(s.history) }); err != nil {
		return nil, err
	}
	return p, nil
}

// FailPosition discards a PENDING position that never confirmed. PENDING
// rows are in-memory only per the state machine, so this is a no-op on
// the persisted store beyond logging; kept for symmetry with the engine's
// failure path.
func (s *Store) FailPosition(id string) {
	log.Debug().Str("position_id", id).Msg("pending position discarded (failed before confirmation)")
}

// History returns closed/failed positions, most recent last.
func (s *Store) History(limit int) []*domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	return append([]*domain.Position(nil), s.history[len(s.history)-limit:]...)
}

// DailyVolume returns today's (UTC) recorded volume, or 0 if the stored
// date is not today; the stored record itself is reset by AddDailyVolume.
func (s *Store) DailyVolume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := time.Now().UTC().Format("2006-01-02")
	if s.volume.Date != today {
		return 0
	}
	return s.volume.VolumeUSD
}

// AddDailyVolume atomically adds amountUSD to today's running volume.
func (s *Store) AddDailyVolume(amountUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := time.Now().UTC().Format("2006-01-02")
	if s.volume.Date != today {
		s.volume = domain.DailyVolume{Date: today}
	}
	s.volume.VolumeUSD += amountUSD
	return s.lockedWrite(s.volumeFile, func() error { return s.volumeFile.Write(&s.volume) })
}

// Audit appends an entry to the bounded (<=1000) audit log.
func (s *Store) Audit(entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Timestamp = time.Now().UTC()
	s.audit = append(s.audit, entry)
	if len(s.audit) > maxAuditEntries {
		s.audit = s.audit[len(s.audit)-maxAuditEntries:]
	}
	return s.lockedWrite(s.auditFile, func() error { return s.auditFile.Write(s.audit) })
}

// AuditLog returns the last limit entries (or all if limit <= 0).
func (s *Store) AuditLog(limit int) []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	return append([]domain.AuditEntry(nil), s.audit[len(s.audit)-limit:]...)
}

// UpsertTrigger persists a TriggerOrder.
func (s *Store) UpsertTrigger(t *domain.TriggerOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[t.ID] = t
	return s.writeTriggersLocked()
}

// Triggers returns all trigger orders.
func (s *Store) Triggers() []*domain.TriggerOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.TriggerOrder, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TriggersForPosition returns the (at most two) trigger orders for a
// position.
func (s *Store) TriggersForPosition(positionID string) []*domain.TriggerOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.TriggerOrder
	for _, t := range s.triggers {
		if t.PositionID == positionID {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) writeTriggersLocked() error {
	out := make([]*domain.TriggerOrder, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return s.lockedWrite(s.triggersFile, func() error { return s.triggersFile.Write(out) })
}

// RecordTx appends a verified transaction to the bounded (<=1000) history.
func (s *Store) RecordTx(tx VerifiedTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, tx)
	if len(s.txs) > maxTransactionHistory {
		s.txs = s.txs[len(s.txs)-maxTransactionHistory:]
	}
	return s.lockedWrite(s.txHistoryFile, func() error { return s.txHistoryFile.Write(s.txs) })
}

// SaveEmergencyState persists the one EmergencyStopState this store
// tracks. Satisfies internal/emergency.Persister.
func (s *Store) SaveEmergencyState(state domain.EmergencyStopState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedWrite(s.emergencyFile, func() error { return s.emergencyFile.Write(&state) })
}

// LoadEmergencyState reads the persisted EmergencyStopState, returning
// the zero-value (NONE) state if nothing was ever written.
func (s *Store) LoadEmergencyState() (domain.EmergencyStopState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state domain.EmergencyStopState
	if err := s.emergencyFile.Read(&state); err != nil {
		return domain.EmergencyStopState{}, err
	}
	return state, nil
}
