// Package store implements the atomic, lock-guarded JSON persistence that
// backs PositionStore: open positions, trade history, daily volume, and
// the audit log. Every file is written via temp-file-then-rename with a
// `.bak` sibling and a `.lock` sibling for inter-process mutual exclusion,
// mirroring the original safe-state discipline this component is grounded
// on.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

const staleLockAge = 60 * time.Second

// SafeFile guards a single JSON file with an advisory lock file and
// atomic-rename writes.
type SafeFile struct {
	path         string
	lockPath     string
	bakPath      string
	lockTimeout  time.Duration
}

// NewSafeFile returns a guard for path. The parent directory is created
// if missing.
func NewSafeFile(path string) (*SafeFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &SafeFile{
		path:        path,
		lockPath:    path + ".lock",
		bakPath:     path + ".bak",
		lockTimeout: 10 * time.Second,
	}, nil
}

// Lock acquires the advisory lock, removing it first if stale (older than
// 60s), and returns an unlock function.
func (f *SafeFile) Lock() (func(), error) {
	deadline := time.Now().Add(f.lockTimeout)
	for {
		fh, err := os.OpenFile(f.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(fh, "%d", os.Getpid())
			fh.Close()
			return func() { os.Remove(f.lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if info, statErr := os.Stat(f.lockPath); statErr == nil {
			if time.Since(info.ModTime()) > staleLockAge {
				log.Warn().Str("lock", f.lockPath).Msg("removing stale lock file")
				os.Remove(f.lockPath)
				continue
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout acquiring lock for %s", f.path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Read decodes the file into v. If the primary file is missing or corrupt
// it falls back to the `.bak` sibling; if both fail the caller's zero
// value of v is left untouched and a nil error is returned (the store
// logs the event, matching the "return default, log" discipline).
func (f *SafeFile) Read(v interface{}) error {
	if err := readJSON(f.path, v); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", f.path).Msg("primary state file corrupt, trying backup")
	}

	if err := readJSON(f.bakPath, v); err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("file", f.bakPath).Msg("backup state file also corrupt, using default")
		}
		return nil
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Write serialises v to a temp sibling, fsyncs, backs up the current file
// to `.bak`, then atomically renames the temp file over the target.
func (f *SafeFile) Write(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if _, err := os.Stat(f.path); err == nil {
		if cur, readErr := os.ReadFile(f.path); readErr == nil {
			_ = os.WriteFile(f.bakPath, cur, 0o644)
		}
	}

	tmpPath := f.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("rename temp state file: %w", err)
	}
	return nil
}

// WithLock acquires the lock, reads the current value into v via read,
// calls fn to mutate it, then writes it back — the critical-section
// helper the concurrency model calls for around read-modify-write state
// updates.
func (f *SafeFile) WithLock(read func() error, fn func() error, write func() error) error {
	unlock, err := f.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := read(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return write()
}
