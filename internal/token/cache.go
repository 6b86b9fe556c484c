package token

import (
	"sync"

	"treasury-engine/internal/store"
)

// Cache is a symbol/alias -> mint address lookup table, persisted
// through internal/store.SafeFile so it gets the same atomic-write and
// .bak-fallback guarantees as every other piece of engine state.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]string
	file    *store.SafeFile
}

// NewCache opens (or creates) the cache file at path.
func NewCache(path string) (*Cache, error) {
	f, err := store.NewSafeFile(path)
	if err != nil {
		return nil, err
	}
	c := &Cache{entries: make(map[string]string), file: f}
	if err := f.Read(&c.entries); err != nil {
		return nil, err
	}
	if c.entries == nil {
		c.entries = make(map[string]string)
	}
	return c, nil
}

// Get looks up name (case-sensitive, matching how it was Set).
func (c *Cache) Get(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mint, ok := c.entries[name]
	return mint, ok
}

// Set records name -> mint in memory; call Save to persist.
func (c *Cache) Set(name, mint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = mint
}

// Save atomically persists the current cache contents.
func (c *Cache) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.Write(c.entries)
}

// Size returns the number of cached entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
