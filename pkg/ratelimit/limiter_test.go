package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketBurstThenRefill(t *testing.T) {
	l := New(true, Limit{Requests: 5, Window: time.Second, Burst: 5, Algorithm: TokenBucket})

	for i := 0; i < 5; i++ {
		res := l.Allow("api:shodan")
		require.True(t, res.Allowed, "burst admission %d", i+1)
	}

	res := l.Allow("api:shodan")
	require.False(t, res.Allowed)
	assert.Equal(t, 5, res.Limit)
	assert.Equal(t, time.Second, res.Window)
	// One token costs 1/5 of a second at this rate.
	assert.InDelta(t, 0.2, res.RetryAfter.Seconds(), 0.05)

	time.Sleep(210 * time.Millisecond)
	assert.True(t, l.Allow("api:shodan").Allowed, "refilled after retry-after elapsed")
}

func TestTokenBucketBurstClampsRefill(t *testing.T) {
	l := New(true, Limit{Requests: 10, Window: time.Second, Burst: 2, Algorithm: TokenBucket})

	require.True(t, l.Allow("k").Allowed)
	require.True(t, l.Allow("k").Allowed)
	require.False(t, l.Allow("k").Allowed)

	// Half a second refills five tokens at this rate, but burst caps at two.
	time.Sleep(500 * time.Millisecond)
	assert.True(t, l.Allow("k").Allowed)
	assert.True(t, l.Allow("k").Allowed)
	assert.False(t, l.Allow("k").Allowed)
}

func TestSlidingWindowPrunesOldStamps(t *testing.T) {
	l := New(true, Limit{Requests: 3, Window: 300 * time.Millisecond, Algorithm: SlidingWindow})

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("k").Allowed)
	}
	res := l.Allow("k")
	require.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, 300*time.Millisecond)

	time.Sleep(320 * time.Millisecond)
	res = l.Allow("k")
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining, "stale stamps pruned before counting")
}

func TestFixedWindowResetsOnRollover(t *testing.T) {
	l := New(true, Limit{Requests: 2, Window: 200 * time.Millisecond, Algorithm: FixedWindow})

	require.True(t, l.Allow("k").Allowed)
	require.True(t, l.Allow("k").Allowed)
	res := l.Allow("k")
	require.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, 200*time.Millisecond)

	time.Sleep(210 * time.Millisecond)
	res = l.Allow("k")
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining, "fresh window budget")
}

func TestZeroRequestsDeniesEverything(t *testing.T) {
	l := New(true, Limit{Requests: 100, Window: time.Second})
	l.SetLimit("blocked", Limit{Requests: 0, Window: 2 * time.Second})

	res := l.Allow("blocked")
	require.False(t, res.Allowed)
	assert.Equal(t, 0, res.Limit)
	assert.Equal(t, 2*time.Second, res.RetryAfter)

	// Other keys still use the default budget.
	assert.True(t, l.Allow("open").Allowed)
}

func TestDisabledLimiterAdmitsEverything(t *testing.T) {
	l := New(false, Limit{Requests: 1, Window: time.Second})

	for i := 0; i < 10; i++ {
		res := l.Allow("k")
		require.True(t, res.Allowed)
		assert.Equal(t, 1, res.Remaining)
	}
}

func TestStatusDoesNotConsume(t *testing.T) {
	l := New(true, Limit{Requests: 1, Window: time.Second, Burst: 1})

	assert.True(t, l.Status("k").Allowed)
	assert.True(t, l.Status("k").Allowed, "status is free")

	require.True(t, l.Allow("k").Allowed)
	assert.False(t, l.Status("k").Allowed, "bucket drained")
}

func TestSetLimitOverridesDefaultAndReset(t *testing.T) {
	l := New(true, Limit{Requests: 100, Window: time.Second})
	l.SetLimit("tight", Limit{Requests: 1, Window: time.Minute})

	assert.Equal(t, 1, l.GetLimit("tight").Requests)
	assert.Equal(t, 100, l.GetLimit("other").Requests)

	require.True(t, l.Allow("tight").Allowed)
	require.False(t, l.Allow("tight").Allowed)

	l.Reset("tight")
	assert.True(t, l.Allow("tight").Allowed, "reset restores the full budget")
}

func TestAcquireBlocksUntilAdmitted(t *testing.T) {
	l := New(true, Limit{Requests: 1, Window: 150 * time.Millisecond, Burst: 1})
	require.True(t, l.Allow("k").Allowed)

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "k"))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "waited for a token")
}

func TestAcquireHonorsCancellation(t *testing.T) {
	l := New(true, Limit{Requests: 0, Window: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "returned on cancellation, not retry-after")
}

func TestCleanupDropsIdleKeys(t *testing.T) {
	l := New(true, Limit{Requests: 10, Window: time.Second})

	l.Allow("idle")
	l.Allow("busy")
	time.Sleep(30 * time.Millisecond)
	l.Allow("busy")

	removed := l.Cleanup(20 * time.Millisecond)
	assert.Equal(t, 1, removed)
	assert.Zero(t, l.Cleanup(20*time.Millisecond), "nothing left to remove")
}

func TestJanitorCleansInBackground(t *testing.T) {
	l := New(true, Limit{Requests: 10, Window: time.Second})
	l.Allow("ephemeral")

	l.StartJanitor(10*time.Millisecond, time.Nanosecond)
	defer l.StopJanitor()

	assert.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.keys) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Starting twice is a no-op; stopping twice is safe.
	l.StartJanitor(10*time.Millisecond, time.Nanosecond)
	l.StopJanitor()
	l.StopJanitor()
}
