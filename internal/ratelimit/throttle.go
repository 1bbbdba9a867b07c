package ratelimit

import (
	"context"
	"time"
)

// ThrottleConfig sets the per-client, per-message-type budgets. Operation
// batches get the tightest bucket, cursor updates the loosest.
type ThrottleConfig struct {
	OperationPerMinute int
	CursorPerMinute    int
	GeneralPerMinute   int

	// DegradationDelay, when positive, defers near-limit requests by a short
	// sleep instead of rejecting them outright.
	DegradationDelay time.Duration
}

// DefaultThrottleConfig returns the standard gateway budgets.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		OperationPerMinute: 120,
		CursorPerMinute:    600,
		GeneralPerMinute:   300,
	}
}

// Throttler applies per-message-type limits keyed by client id.
type Throttler struct {
	cfg       ThrottleConfig
	operation *TokenBucket
	cursor    *TokenBucket
	general   *TokenBucket

	sleep func(ctx context.Context, d time.Duration) error
}

// NewThrottler builds the per-type throttler.
func NewThrottler(cfg ThrottleConfig) *Throttler {
	if cfg.OperationPerMinute <= 0 {
		cfg.OperationPerMinute = 120
	}
	if cfg.CursorPerMinute <= 0 {
		cfg.CursorPerMinute = 600
	}
	if cfg.GeneralPerMinute <= 0 {
		cfg.GeneralPerMinute = 300
	}
	return &Throttler{
		cfg:       cfg,
		operation: PerMinuteBucket(cfg.OperationPerMinute),
		cursor:    PerMinuteBucket(cfg.CursorPerMinute),
		general:   PerMinuteBucket(cfg.GeneralPerMinute),
		sleep:     sleepCtx,
	}
}

// Admit decides one message. With degradation enabled and the wait short
// enough, the call blocks for the wait and then admits.
func (t *Throttler) Admit(ctx context.Context, clientID, messageType string) Result {
	result := t.bucketFor(messageType).Check(clientID)
	if result.Allowed {
		return result
	}

	if t.cfg.DegradationDelay > 0 && result.RetryAfter <= t.cfg.DegradationDelay {
		if err := t.sleep(ctx, result.RetryAfter); err != nil {
			return result
		}
		return allowed()
	}
	return result
}

func (t *Throttler) bucketFor(messageType string) *TokenBucket {
	switch messageType {
	case "operation":
		return t.operation
	case "cursor":
		return t.cursor
	default:
		return t.general
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
