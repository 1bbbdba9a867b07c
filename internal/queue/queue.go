// Package queue implements the durable job queues on the shared Redis broker.
//
// Each queue family is five Redis lists under one namespace: pending,
// high_priority, processing, retry, failed. A dequeue atomically moves the
// job into processing so a crashed consumer leaves the job recoverable; the
// reconciler re-enqueues store rows whose broker job vanished entirely.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is the JSON value stored on the broker lists. Subtask queue families
// reuse the same shape with the subtask id in run_id.
type Job struct {
	RunID      string     `json:"run_id"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	Priority   int        `json:"priority"`
	RetryCount int        `json:"retry_count"`
	RetryAt    *time.Time `json:"retry_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Queue is one five-list job queue family.
type Queue struct {
	rdb        *redis.Client
	namespace  string
	maxRetries int
	logger     *log.Logger
	metrics    *Metrics

	// pollInterval is how long Dequeue sleeps between empty sweeps.
	pollInterval time.Duration
}

// New creates a queue family rooted at namespace (e.g. "jobs",
// "workers.subtask"). Metrics may be nil.
func New(rdb *redis.Client, namespace string, maxRetries int, metrics *Metrics) *Queue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{
		rdb:          rdb,
		namespace:    namespace,
		maxRetries:   maxRetries,
		logger:       log.New(log.Writer(), fmt.Sprintf("[Queue:%s] ", namespace), log.LstdFlags),
		metrics:      metrics,
		pollInterval: 100 * time.Millisecond,
	}
}

// MaxRetries returns this family's retry budget.
func (q *Queue) MaxRetries() int { return q.maxRetries }

func (q *Queue) key(list string) string { return q.namespace + ":" + list }

func (q *Queue) pendingKey() string      { return q.key("pending") }
func (q *Queue) highPriorityKey() string { return q.key("high_priority") }
func (q *Queue) processingKey() string   { return q.key("processing") }
func (q *Queue) retryKey() string        { return q.key("retry") }
func (q *Queue) failedKey() string       { return q.key("failed") }

// Enqueue appends a job. Priority > 0 routes to high_priority, everything
// else to pending.
func (q *Queue) Enqueue(ctx context.Context, runID string, priority, retryCount int) error {
	job := Job{
		RunID:      runID,
		EnqueuedAt: time.Now().UTC(),
		Priority:   priority,
		RetryCount: retryCount,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	list := q.pendingKey()
	if priority > 0 {
		list = q.highPriorityKey()
	}
	if err := q.rdb.RPush(ctx, list, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", runID, err)
	}
	if q.metrics != nil {
		q.metrics.RecordEnqueue(q.namespace, priority > 0)
	}
	return nil
}

// Dequeue pops the next job in strict high_priority -> due retry -> pending
// order, atomically moving it into processing. Returns nil when timeout
// elapses with nothing available.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := q.tryDequeue(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			if q.metrics != nil {
				q.metrics.RecordDequeue(q.namespace)
			}
			return job, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *Queue) tryDequeue(ctx context.Context) (*Job, error) {
	// 1. high_priority
	job, err := q.moveHead(ctx, q.highPriorityKey())
	if err != nil || job != nil {
		return job, err
	}

	// 2. retry, skipping jobs whose retry_at is still in the future. A
	// not-due job rotates back to the retry tail; one full rotation per
	// sweep bounds the scan.
	job, err = q.dueRetry(ctx)
	if err != nil || job != nil {
		return job, err
	}

	// 3. pending
	return q.moveHead(ctx, q.pendingKey())
}

// moveHead atomically moves the head of list into processing.
func (q *Queue) moveHead(ctx context.Context, list string) (*Job, error) {
	raw, err := q.rdb.LMove(ctx, list, q.processingKey(), "LEFT", "RIGHT").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop %s: %w", list, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Poison entry: drop it from processing rather than wedging the loop.
		q.rdb.LRem(ctx, q.processingKey(), 1, raw)
		q.logger.Printf("Dropped undecodable job from %s: %v", list, err)
		return nil, nil
	}
	return &job, nil
}

func (q *Queue) dueRetry(ctx context.Context) (*Job, error) {
	length, err := q.rdb.LLen(ctx, q.retryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read retry length: %w", err)
	}
	now := time.Now().UTC()
	for i := int64(0); i < length; i++ {
		raw, err := q.rdb.LMove(ctx, q.retryKey(), q.processingKey(), "LEFT", "RIGHT").Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop retry: %w", err)
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.rdb.LRem(ctx, q.processingKey(), 1, raw)
			q.logger.Printf("Dropped undecodable retry job: %v", err)
			continue
		}
		if job.RetryAt == nil || !job.RetryAt.After(now) {
			return &job, nil
		}
		// Not due: rotate back to the retry tail.
		if err := q.rdb.LMove(ctx, q.processingKey(), q.retryKey(), "RIGHT", "RIGHT").Err(); err != nil {
			return nil, fmt.Errorf("failed to rotate retry job: %w", err)
		}
	}
	return nil, nil
}

// MarkComplete removes the run's job from processing.
func (q *Queue) MarkComplete(ctx context.Context, runID string) error {
	removed, err := q.removeFromProcessing(ctx, runID)
	if err != nil {
		return err
	}
	if removed == nil {
		q.logger.Printf("MarkComplete: no processing entry for %s", runID)
	}
	return nil
}

// MarkFailed removes the run's job from processing and routes it to retry
// (transient error, attempts remaining) or to the dead-letter list.
func (q *Queue) MarkFailed(ctx context.Context, runID, errText string, retryCount int) error {
	job, err := q.removeFromProcessing(ctx, runID)
	if err != nil {
		return err
	}
	if job == nil {
		job = &Job{RunID: runID, EnqueuedAt: time.Now().UTC(), RetryCount: retryCount}
	}

	now := time.Now().UTC()
	if IsTransient(errText) && retryCount < q.maxRetries {
		retryAt := now.Add(RetryDelay(retryCount+1, 30*time.Second, 10*time.Minute))
		job.RetryCount = retryCount + 1
		job.RetryAt = &retryAt
		job.LastError = errText
		raw, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to encode retry job: %w", err)
		}
		if err := q.rdb.RPush(ctx, q.retryKey(), raw).Err(); err != nil {
			return fmt.Errorf("failed to push retry: %w", err)
		}
		if q.metrics != nil {
			q.metrics.RecordRetry(q.namespace)
		}
		q.logger.Printf("Retry %d/%d scheduled for %s: %s", job.RetryCount, q.maxRetries, runID, errText)
		return nil
	}

	job.FailedAt = &now
	job.Error = errText
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode failed job: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.failedKey(), raw).Err(); err != nil {
		return fmt.Errorf("failed to push dead-letter: %w", err)
	}
	if q.metrics != nil {
		q.metrics.RecordDeadLetter(q.namespace)
	}
	q.logger.Printf("Dead-lettered %s after %d attempts: %s", runID, retryCount, errText)
	return nil
}

// removeFromProcessing scans processing for the run's entry and removes it.
func (q *Queue) removeFromProcessing(ctx context.Context, runID string) (*Job, error) {
	entries, err := q.rdb.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan processing: %w", err)
	}
	for _, raw := range entries {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.RunID == runID {
			if err := q.rdb.LRem(ctx, q.processingKey(), 1, raw).Err(); err != nil {
				return nil, fmt.Errorf("failed to remove processing entry: %w", err)
			}
			return &job, nil
		}
	}
	return nil, nil
}

// Contains reports whether the run has a job on any of the five lists.
func (q *Queue) Contains(ctx context.Context, runID string) (bool, error) {
	for _, list := range []string{
		q.pendingKey(), q.highPriorityKey(), q.processingKey(), q.retryKey(), q.failedKey(),
	} {
		entries, err := q.rdb.LRange(ctx, list, 0, -1).Result()
		if err != nil {
			return false, fmt.Errorf("failed to scan %s: %w", list, err)
		}
		for _, raw := range entries {
			var job Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				continue
			}
			if job.RunID == runID {
				return true, nil
			}
		}
	}
	return false, nil
}

// Depths returns the current length of each list, keyed by short list name.
func (q *Queue) Depths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64, 5)
	for _, list := range []string{"pending", "high_priority", "processing", "retry", "failed"} {
		n, err := q.rdb.LLen(ctx, q.key(list)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s depth: %w", list, err)
		}
		depths[list] = n
	}
	return depths, nil
}

// RetryDelay computes the exponential backoff delay for the given attempt
// (1-based): base * 2^(attempt-1), capped.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
