package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiderfoot/fabric/pkg/types"
)

// countingStore counts backend reads so tests can see cache hits.
type countingStore struct {
	Store
	gets atomic.Int64
}

func (c *countingStore) Get(ctx context.Context, id string) (*types.Report, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, id)
}

func newCached(t *testing.T, size int, ttl time.Duration) (*Cached, *countingStore) {
	t.Helper()
	inner := &countingStore{Store: NewMemory()}
	c, err := WithCache(inner, size, ttl)
	require.NoError(t, err)
	return c, inner
}

func TestCachedReadThrough(t *testing.T) {
	ctx := context.Background()
	c, inner := newCached(t, 10, time.Minute)

	r := sampleReport("scan1", "cached")
	require.NoError(t, c.Save(ctx, r))

	// Save wrote through, so the first read is already a hit.
	got, err := c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "cached", got.Title)
	assert.Zero(t, inner.gets.Load())

	// Returned snapshots do not poison the cache.
	got.Title = "mutated"
	again, err := c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "cached", again.Title)
	assert.Zero(t, inner.gets.Load())
}

func TestCachedMissFallsThrough(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemory()}
	r := sampleReport("scan1", "direct")
	require.NoError(t, inner.Save(ctx, r))

	c, err := WithCache(inner, 10, time.Minute)
	require.NoError(t, err)

	_, err = c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.gets.Load())

	_, err = c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.gets.Load(), "second read served from cache")

	_, err = c.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c, inner := newCached(t, 10, 30*time.Millisecond)

	r := sampleReport("scan1", "short-lived")
	require.NoError(t, c.Save(ctx, r))

	_, err := c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Zero(t, inner.gets.Load())

	time.Sleep(50 * time.Millisecond)
	_, err = c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.gets.Load(), "stale entry refetched")
}

func TestCachedTTLZeroNeverExpires(t *testing.T) {
	ctx := context.Background()
	c, inner := newCached(t, 10, 0)

	r := sampleReport("scan1", "immortal")
	require.NoError(t, c.Save(ctx, r))

	time.Sleep(30 * time.Millisecond)
	_, err := c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Zero(t, inner.gets.Load())
}

func TestCachedUpdateRefreshes(t *testing.T) {
	ctx := context.Background()
	c, inner := newCached(t, 10, time.Minute)

	r := sampleReport("scan1", "v1")
	require.NoError(t, c.Save(ctx, r))
	r.Title = "v2"
	require.NoError(t, c.Update(ctx, r))

	got, err := c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Title)
	assert.Zero(t, inner.gets.Load())
}

func TestCachedDeleteInvalidates(t *testing.T) {
	ctx := context.Background()
	c, _ := newCached(t, 10, time.Minute)

	r := sampleReport("scan1", "doomed")
	require.NoError(t, c.Save(ctx, r))
	require.NoError(t, c.Delete(ctx, r.ID))

	_, err := c.Get(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedLRUEviction(t *testing.T) {
	ctx := context.Background()
	c, inner := newCached(t, 2, 0)

	var ids []string
	for _, title := range []string{"a", "b", "c"} {
		r := sampleReport("scan1", title)
		require.NoError(t, c.Save(ctx, r))
		ids = append(ids, r.ID)
	}

	// Two newest stay cached, the oldest was evicted.
	_, err := c.Get(ctx, ids[1])
	require.NoError(t, err)
	_, err = c.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.Zero(t, inner.gets.Load())

	_, err = c.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.gets.Load())
}

func TestCachedCleanupPurges(t *testing.T) {
	ctx := context.Background()
	c, inner := newCached(t, 10, 0)

	old := sampleReport("scan1", "ancient")
	old.CreatedAt = time.Now().UTC().AddDate(0, 0, -45)
	require.NoError(t, c.Save(ctx, old))

	n, err := c.CleanupOld(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(1), inner.gets.Load(), "cache purged, read fell through")
}
