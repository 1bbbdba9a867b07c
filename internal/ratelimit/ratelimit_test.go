package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketSpendsAndRefills(t *testing.T) {
	tb := NewTokenBucket(2, 1) // 2 tokens, 1/sec
	clock := time.Now()
	tb.now = func() time.Time { return clock }

	assert.True(t, tb.Check("k").Allowed)
	assert.True(t, tb.Check("k").Allowed)

	result := tb.Check("k")
	require.False(t, result.Allowed)
	assert.Equal(t, VerdictLimited, result.Code)
	// Empty bucket at rate 1/sec: one token is a second away.
	assert.InDelta(t, float64(time.Second), float64(result.RetryAfter), float64(50*time.Millisecond))

	clock = clock.Add(time.Second)
	assert.True(t, tb.Check("k").Allowed)
}

func TestTokenBucketRetryAfterFormula(t *testing.T) {
	tb := NewTokenBucket(1, 2) // refill 2/sec
	clock := time.Now()
	tb.now = func() time.Time { return clock }

	assert.True(t, tb.Check("k").Allowed)
	result := tb.Check("k")
	require.False(t, result.Allowed)
	// retry_after = (1 - tokens) / R = 1/2 sec
	assert.InDelta(t, float64(500*time.Millisecond), float64(result.RetryAfter), float64(10*time.Millisecond))
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	tb := NewTokenBucket(1, 0.001)
	assert.True(t, tb.Check("a").Allowed)
	assert.False(t, tb.Check("a").Allowed)
	assert.True(t, tb.Check("b").Allowed)
}

func TestTokenBucketEvictsOldestKey(t *testing.T) {
	tb := NewTokenBucket(1, 0.001)
	tb.maxKeys = 2
	clock := time.Now()
	tb.now = func() time.Time { return clock }

	tb.Check("old")
	clock = clock.Add(time.Millisecond)
	tb.Check("mid")
	clock = clock.Add(time.Millisecond)
	tb.Check("new") // evicts "old"

	assert.Len(t, tb.buckets, 2)
	_, hasOld := tb.buckets["old"]
	assert.False(t, hasOld)
}

func TestSlidingWindow(t *testing.T) {
	sw := NewSlidingWindow(3, time.Minute)
	clock := time.Now()
	sw.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		assert.True(t, sw.Check("k").Allowed)
	}
	result := sw.Check("k")
	require.False(t, result.Allowed)
	assert.Equal(t, VerdictLimited, result.Code)
	assert.Greater(t, result.RetryAfter, time.Duration(0))

	// The oldest stamp ages out of the window.
	clock = clock.Add(61 * time.Second)
	assert.True(t, sw.Check("k").Allowed)
}

func TestFixedWindow(t *testing.T) {
	fw := NewFixedWindow(2, time.Minute)
	base := time.Now().Truncate(time.Minute).Add(10 * time.Second)
	clock := base
	fw.now = func() time.Time { return clock }

	assert.True(t, fw.Check("k").Allowed)
	assert.True(t, fw.Check("k").Allowed)

	result := fw.Check("k")
	require.False(t, result.Allowed)
	assert.Equal(t, 50*time.Second, result.RetryAfter)

	// Counter resets on the wall-clock boundary.
	clock = base.Add(time.Minute)
	assert.True(t, fw.Check("k").Allowed)
}

func TestCompositeDeniesOnAnyScope(t *testing.T) {
	c := NewComposite(
		Scope{Name: "user", Limiter: NewTokenBucket(2, 0.001)},
		Scope{Name: "global", Limiter: NewTokenBucket(100, 1)},
	)

	keys := map[string]string{"user": "u1", "global": "all"}
	assert.True(t, c.Check(keys).Allowed)
	assert.True(t, c.Check(keys).Allowed)

	result := c.Check(keys)
	require.False(t, result.Allowed)
	assert.Equal(t, VerdictLimited, result.Code)

	// A different user passes while the global scope still has budget.
	assert.True(t, c.Check(map[string]string{"user": "u2", "global": "all"}).Allowed)
}

func TestCompositeBlockedSet(t *testing.T) {
	c := NewComposite(Scope{Name: "user", Limiter: NewTokenBucket(100, 1)})
	c.Block("banned")

	result := c.Check(map[string]string{"user": "banned"})
	require.False(t, result.Allowed)
	assert.Equal(t, VerdictBlocked, result.Code)

	c.Unblock("banned")
	assert.True(t, c.Check(map[string]string{"user": "banned"}).Allowed)
	assert.False(t, c.IsBlocked("banned"))
}

func TestThrottlerPerTypeBudgets(t *testing.T) {
	th := NewThrottler(ThrottleConfig{OperationPerMinute: 1, CursorPerMinute: 2, GeneralPerMinute: 1})
	ctx := context.Background()

	assert.True(t, th.Admit(ctx, "c1", "operation").Allowed)
	assert.False(t, th.Admit(ctx, "c1", "operation").Allowed, "operation budget spent")

	// Cursor budget is independent and looser.
	assert.True(t, th.Admit(ctx, "c1", "cursor").Allowed)
	assert.True(t, th.Admit(ctx, "c1", "cursor").Allowed)
	assert.False(t, th.Admit(ctx, "c1", "cursor").Allowed)

	assert.True(t, th.Admit(ctx, "c1", "heartbeat").Allowed, "unknown types use the general bucket")
}

func TestThrottlerDegradationSleepsInsteadOfRejecting(t *testing.T) {
	th := NewThrottler(ThrottleConfig{
		OperationPerMinute: 60, // 1/sec refill
		DegradationDelay:   2 * time.Second,
	})
	var slept time.Duration
	th.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	for i := 0; i < 60; i++ {
		require.True(t, th.Admit(context.Background(), "c1", "operation").Allowed)
	}

	result := th.Admit(context.Background(), "c1", "operation")
	assert.True(t, result.Allowed, "near-limit request degrades to a short wait")
	assert.Greater(t, slept, time.Duration(0))
	assert.LessOrEqual(t, slept, 2*time.Second)
}

func TestOrgLimiterSharedBucket(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter := NewOrgLimiter(rdb, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "org-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, ok, "bucket exhausted")

	// Another org has its own bucket.
	ok, err = limiter.Allow(ctx, "org-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOrgLimiterFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close() // broker down

	limiter := NewOrgLimiter(rdb, 1)
	ok, err := limiter.Allow(context.Background(), "org-1")
	require.NoError(t, err)
	assert.True(t, ok, "Redis failure admits the request")

	nilLimiter := NewOrgLimiter(nil, 1)
	ok, err = nilLimiter.Allow(context.Background(), "org-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
