package store

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/spiderfoot/fabric/pkg/types"
)

// cacheEntry stamps the insert time so TTL expiry is decided at read time.
type cacheEntry struct {
	report   *types.Report
	storedAt time.Time
}

// Cached wraps a Store with a read-through LRU. Writes go through to the
// backend first and refresh the cache on success; deletes invalidate. A TTL
// of zero disables expiry, leaving eviction to LRU pressure alone.
type Cached struct {
	inner Store
	ttl   time.Duration
	cache *lru.Cache[string, cacheEntry]
}

// WithCache wraps inner. size must be positive.
func WithCache(inner Store, size int, ttl time.Duration) (*Cached, error) {
	c, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, ttl: ttl, cache: c}, nil
}

func (c *Cached) fresh(e cacheEntry) bool {
	return c.ttl == 0 || time.Since(e.storedAt) < c.ttl
}

func (c *Cached) put(r *types.Report) {
	c.cache.Add(r.ID, cacheEntry{report: r.Clone(), storedAt: time.Now()})
}

// Save writes through and refreshes the cache.
func (c *Cached) Save(ctx context.Context, r *types.Report) error {
	if err := c.inner.Save(ctx, r); err != nil {
		return err
	}
	c.put(r)
	return nil
}

// Get serves fresh cache hits without touching the backend.
func (c *Cached) Get(ctx context.Context, id string) (*types.Report, error) {
	if e, ok := c.cache.Get(id); ok {
		if c.fresh(e) {
			return e.report.Clone(), nil
		}
		c.cache.Remove(id)
	}
	r, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.put(r)
	return r, nil
}

// Update writes through and refreshes the cache.
func (c *Cached) Update(ctx context.Context, r *types.Report) error {
	if err := c.inner.Update(ctx, r); err != nil {
		return err
	}
	c.put(r)
	return nil
}

// Delete removes from the backend and invalidates the cache entry.
func (c *Cached) Delete(ctx context.Context, id string) error {
	err := c.inner.Delete(ctx, id)
	c.cache.Remove(id)
	return err
}

// List always hits the backend; result sets are not cached.
func (c *Cached) List(ctx context.Context, f Filter) ([]*types.Report, error) {
	return c.inner.List(ctx, f)
}

// Count always hits the backend.
func (c *Cached) Count(ctx context.Context, f Filter) (int, error) {
	return c.inner.Count(ctx, f)
}

// CleanupOld purges the whole cache; it cannot tell which entries died.
func (c *Cached) CleanupOld(ctx context.Context, maxAgeDays int) (int, error) {
	n, err := c.inner.CleanupOld(ctx, maxAgeDays)
	if n > 0 {
		c.cache.Purge()
	}
	return n, err
}

// Close closes the backend.
func (c *Cached) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}
