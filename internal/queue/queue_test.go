package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := New(rdb, "jobs", 3, nil)
	q.pollInterval = 5 * time.Millisecond
	cleanup := func() {
		rdb.Close()
		mr.Close()
	}
	return q, mr, cleanup
}

func TestEnqueueRoutesByPriority(t *testing.T) {
	q, mr, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "run-normal", 0, 0))
	require.NoError(t, q.Enqueue(ctx, "run-urgent", 2, 0))

	pending, err := mr.List("jobs:pending")
	require.NoError(t, err)
	high, err := mr.List("jobs:high_priority")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Len(t, high, 1)

	var job Job
	require.NoError(t, json.Unmarshal([]byte(high[0]), &job))
	assert.Equal(t, "run-urgent", job.RunID)
	assert.Equal(t, 2, job.Priority)
}

func TestDequeueStrictOrder(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "run-low", 0, 0))
	require.NoError(t, q.Enqueue(ctx, "run-high", 1, 0))

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "run-high", job.RunID, "high_priority must drain before pending")

	job, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "run-low", job.RunID)
}

func TestDequeueMovesIntoProcessing(t *testing.T) {
	q, mr, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "run-1", 0, 0))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	// The job must live in processing so a crash cannot lose it.
	processing, err := mr.List("jobs:processing")
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.False(t, mr.Exists("jobs:pending"))
}

func TestDequeueTimesOutEmpty(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()

	start := time.Now()
	job, err := q.Dequeue(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMarkCompleteRemovesProcessing(t *testing.T) {
	q, mr, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "run-1", 0, 0))
	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.MarkComplete(ctx, "run-1"))
	assert.False(t, mr.Exists("jobs:processing"))
}

func TestMarkFailedTransientGoesToRetry(t *testing.T) {
	q, mr, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "run-1", 0, 0))
	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, "run-1", "connection reset by peer", 0))

	retry, err := mr.List("jobs:retry")
	require.NoError(t, err)
	require.Len(t, retry, 1)

	var job Job
	require.NoError(t, json.Unmarshal([]byte(retry[0]), &job))
	assert.Equal(t, 1, job.RetryCount)
	assert.NotNil(t, job.RetryAt)
	assert.Equal(t, "connection reset by peer", job.LastError)
	assert.False(t, mr.Exists("jobs:processing"))
}

func TestMarkFailedPermanentDeadLetters(t *testing.T) {
	q, mr, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "run-1", 0, 0))
	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, "run-1", "invalid plan payload", 0))

	failed, err := mr.List("jobs:failed")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.False(t, mr.Exists("jobs:retry"))
}

func TestMarkFailedExhaustedRetriesDeadLetters(t *testing.T) {
	q, mr, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "run-1", 0, 3))
	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	// Transient error but retry_count already at max_retries.
	require.NoError(t, q.MarkFailed(ctx, "run-1", "upstream timeout", 3))

	failed, err := mr.List("jobs:failed")
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestRetryNotDueRotatesBack(t *testing.T) {
	q, mr, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	job := Job{RunID: "run-later", EnqueuedAt: time.Now().UTC(), RetryCount: 1, RetryAt: &future}
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	mr.Lpush("jobs:retry", string(raw))

	got, err := q.Dequeue(ctx, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got, "not-due retry job must not be delivered")

	retry, err := mr.List("jobs:retry")
	require.NoError(t, err)
	assert.Len(t, retry, 1, "job must rotate back onto retry")
}

func TestRetryDueIsDelivered(t *testing.T) {
	q, mr, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Second)
	job := Job{RunID: "run-due", EnqueuedAt: time.Now().UTC(), RetryCount: 1, RetryAt: &past}
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	mr.Lpush("jobs:retry", string(raw))

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-due", got.RunID)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRetryThenSuccessFlow(t *testing.T) {
	// Scenario: a transient failure retries once with the base delay, then
	// the same job completes. Queue transitions:
	// pending -> processing -> retry -> processing -> removed.
	q, mr, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "st-1", 0, 0))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.MarkFailed(ctx, "st-1", "ConnectionReset", 0))

	retry, err := mr.List("jobs:retry")
	require.NoError(t, err)
	require.Len(t, retry, 1)
	var retryJob Job
	require.NoError(t, json.Unmarshal([]byte(retry[0]), &retryJob))
	require.NotNil(t, retryJob.RetryAt)
	// attempt=1 -> base delay of 30s.
	delay := retryJob.RetryAt.Sub(retryJob.EnqueuedAt)
	assert.InDelta(t, 30.0, delay.Seconds(), 2.0)

	// Force the retry due and drain it.
	past := time.Now().UTC().Add(-time.Second)
	retryJob.RetryAt = &past
	raw, err := json.Marshal(retryJob)
	require.NoError(t, err)
	mr.Del("jobs:retry")
	mr.Lpush("jobs:retry", string(raw))

	job, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.RetryCount)

	require.NoError(t, q.MarkComplete(ctx, "st-1"))
	assert.False(t, mr.Exists("jobs:processing"))
	assert.False(t, mr.Exists("jobs:failed"))
}

func TestIsTransient(t *testing.T) {
	transient := []string{
		"request timeout",
		"connection refused",
		"service unavailable",
		"rate limit exceeded",
		"temporarily overloaded",
		"upstream returned 502",
		"got 503 from broker",
		"HTTP 504 gateway",
	}
	for _, msg := range transient {
		assert.True(t, IsTransient(msg), msg)
	}

	permanent := []string{
		"invalid payload",
		"permission denied",
		"file not found",
	}
	for _, msg := range permanent {
		assert.False(t, IsTransient(msg), msg)
	}
}

func TestRetryDelayBackoff(t *testing.T) {
	base := 30 * time.Second
	max := 10 * time.Minute

	assert.Equal(t, 30*time.Second, RetryDelay(1, base, max))
	assert.Equal(t, 60*time.Second, RetryDelay(2, base, max))
	assert.Equal(t, 120*time.Second, RetryDelay(3, base, max))
	assert.Equal(t, max, RetryDelay(10, base, max), "delay must cap at max")
}
