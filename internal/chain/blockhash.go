package chain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// CachedBlockhash holds a cached blockhash with its fetch time and expiry
// height.
type CachedBlockhash struct {
	Hash                 string
	LastValidBlockHeight uint64
	FetchedAt            time.Time
}

// BlockhashCache is a double-buffered cache with aggressive background
// prefetch: Get() never blocks on the network in the common case.
type BlockhashCache struct {
	current atomic.Pointer[CachedBlockhash]
	next    atomic.Pointer[CachedBlockhash]

	client   *Client
	ttl      time.Duration
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	hits   atomic.Int64
	misses atomic.Int64
}

// NewBlockhashCache constructs a cache refreshed every refreshInterval
// with entries considered valid for ttl.
func NewBlockhashCache(client *Client, refreshInterval, ttl time.Duration) *BlockhashCache {
	return &BlockhashCache{client: client, interval: refreshInterval, ttl: ttl, stopCh: make(chan struct{})}
}

// Start performs the initial synchronous fetch (which must succeed) and
// launches the background prefetch loop.
func (c *BlockhashCache) Start() error {
	if err := c.fetchAndRotate(); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.prefetchLoop()
	log.Info().Dur("interval", c.interval).Dur("ttl", c.ttl).Msg("blockhash cache started")
	return nil
}

// Stop halts the background prefetch loop.
func (c *BlockhashCache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Get returns the cached blockhash. Hot path: never blocks unless both
// buffers are stale.
func (c *BlockhashCache) Get() (string, error) {
	if cached := c.current.Load(); cached != nil && time.Since(cached.FetchedAt) < c.ttl {
		c.hits.Add(1)
		return cached.Hash, nil
	}
	if next := c.next.Load(); next != nil && time.Since(next.FetchedAt) < c.ttl {
		c.hits.Add(1)
		return next.Hash, nil
	}
	c.misses.Add(1)
	log.Warn().Msg("blockhash cache miss, forcing sync refresh")
	if err := c.fetchAndRotate(); err != nil {
		return "", err
	}
	return c.current.Load().Hash, nil
}

// GetWithHeight returns the blockhash and its last-valid block height.
func (c *BlockhashCache) GetWithHeight() (string, uint64, error) {
	if cached := c.current.Load(); cached != nil && time.Since(cached.FetchedAt) < c.ttl {
		return cached.Hash, cached.LastValidBlockHeight, nil
	}
	if next := c.next.Load(); next != nil && time.Since(next.FetchedAt) < c.ttl {
		return next.Hash, next.LastValidBlockHeight, nil
	}
	if err := c.fetchAndRotate(); err != nil {
		return "", 0, err
	}
	cached := c.current.Load()
	return cached.Hash, cached.LastValidBlockHeight, nil
}

// Age returns time since the last successful fetch.
func (c *BlockhashCache) Age() time.Duration {
	cached := c.current.Load()
	if cached == nil {
		return 0
	}
	return time.Since(cached.FetchedAt)
}

// HitRate returns the cache hit percentage.
func (c *BlockhashCache) HitRate() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	total := hits + misses
	if total == 0 {
		return 100.0
	}
	return float64(hits) / float64(total) * 100
}

func (c *BlockhashCache) prefetchLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.fetchAndRotate(); err != nil {
				log.Warn().Err(err).Msg("blockhash prefetch failed")
			}
		}
	}
}

func (c *BlockhashCache) fetchAndRotate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := c.client.GetLatestBlockhash(ctx)
	if err != nil {
		return err
	}
	newHash := &CachedBlockhash{
		Hash:                 result.Value.Blockhash,
		LastValidBlockHeight: result.Value.LastValidBlockHeight,
		FetchedAt:            time.Now(),
	}

	current := c.current.Load()
	c.current.Store(c.next.Load())
	c.next.Store(newHash)
	if current == nil {
		c.current.Store(newHash)
	}

	prefix := result.Value.Blockhash
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	log.Debug().
		Str("hash", prefix+"...").
		Uint64("height", result.Value.LastValidBlockHeight).
		Float64("hitRate", c.HitRate()).
		Msg("blockhash prefetched")
	return nil
}
