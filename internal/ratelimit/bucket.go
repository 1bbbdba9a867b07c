// Package ratelimit provides the gateway admission limiters: token bucket,
// sliding window, fixed window, a composite across scopes with a blocked-key
// set, per-message-type throttling, and a Redis-backed per-org bucket shared
// across nodes.
package ratelimit

import (
	"sync"
	"time"
)

// Verdict classifies a limiter decision.
type Verdict string

const (
	VerdictOK      Verdict = "OK"
	VerdictLimited Verdict = "LIMITED"
	VerdictBlocked Verdict = "BLOCKED"
)

// Result is one admission decision. RetryAfter is meaningful when not allowed.
type Result struct {
	Allowed    bool
	Code       Verdict
	RetryAfter time.Duration
}

func allowed() Result { return Result{Allowed: true, Code: VerdictOK} }

// Limiter is the shared admission interface.
type Limiter interface {
	Check(key string) Result
}

// maxTrackedKeys bounds per-key state; least-recently-seen keys evict first.
const maxTrackedKeys = 10000

// TokenBucket is a per-key token bucket: capacity C, refill R tokens/sec.
type TokenBucket struct {
	capacity float64
	rate     float64

	mu      sync.Mutex
	buckets map[string]*bucket
	maxKeys int

	now func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewTokenBucket builds a bucket limiter with the given capacity and refill
// rate in tokens per second.
func NewTokenBucket(capacity int, ratePerSecond float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	return &TokenBucket{
		capacity: float64(capacity),
		rate:     ratePerSecond,
		buckets:  make(map[string]*bucket),
		maxKeys:  maxTrackedKeys,
		now:      time.Now,
	}
}

// PerMinuteBucket builds a bucket that admits perMinute requests sustained,
// with the full minute available as burst.
func PerMinuteBucket(perMinute int) *TokenBucket {
	return NewTokenBucket(perMinute, float64(perMinute)/60.0)
}

// Check spends one token for the key, or reports how long until one refills.
func (t *TokenBucket) Check(key string) Result {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[key]
	if !ok {
		t.evictLocked()
		b = &bucket{tokens: t.capacity, last: now}
		t.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * t.rate
		if b.tokens > t.capacity {
			b.tokens = t.capacity
		}
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return allowed()
	}

	retryAfter := time.Duration((1 - b.tokens) / t.rate * float64(time.Second))
	return Result{Code: VerdictLimited, RetryAfter: retryAfter}
}

// evictLocked drops the least-recently-seen key once the map is full.
func (t *TokenBucket) evictLocked() {
	if len(t.buckets) < t.maxKeys {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, b := range t.buckets {
		if oldestKey == "" || b.last.Before(oldest) {
			oldestKey = k
			oldest = b.last
		}
	}
	delete(t.buckets, oldestKey)
}
