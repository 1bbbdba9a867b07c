package backpressure

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // backpressure exceeded activation, requests blocked
	StateHalfOpen              // probing whether load has receded
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// BreakerConfig holds the breaker thresholds.
type BreakerConfig struct {
	// ActivationThreshold opens the breaker when backpressure reaches it.
	ActivationThreshold float64
	// DeactivationThreshold must be met before the breaker closes again.
	DeactivationThreshold float64
	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration
	// HalfOpenMaxRequests bounds concurrent probes in half-open.
	HalfOpenMaxRequests int
	// OnStateChange is called on every transition. May be nil.
	OnStateChange func(from, to State)
}

// DefaultBreakerConfig returns the standard gateway thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ActivationThreshold:   0.95,
		DeactivationThreshold: 0.85,
		OpenDuration:          30 * time.Second,
		HalfOpenMaxRequests:   3,
	}
}

// Breaker is a backpressure-driven circuit breaker: the trip condition is the
// monitor's scalar rather than a failure count, and closing requires both
// enough half-open successes and the value back under the deactivation
// threshold.
type Breaker struct {
	cfg     BreakerConfig
	monitor *Monitor
	logger  *log.Logger

	mu        sync.Mutex
	state     State
	openedAt  time.Time
	probes    int // requests admitted this half-open round
	successes int // consecutive half-open successes

	now func() time.Time
}

// NewBreaker wires the breaker to a monitor.
func NewBreaker(cfg BreakerConfig, monitor *Monitor) *Breaker {
	if cfg.ActivationThreshold <= 0 {
		cfg.ActivationThreshold = 0.95
	}
	if cfg.DeactivationThreshold <= 0 {
		cfg.DeactivationThreshold = 0.85
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 3
	}
	return &Breaker{
		cfg:     cfg,
		monitor: monitor,
		logger:  log.New(log.Writer(), "[CircuitBreaker] ", log.LstdFlags),
		state:   StateClosed,
		now:     time.Now,
	}
}

// State returns the current state, advancing open -> half_open when the open
// duration has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// Allow admits or rejects one request. A rejection carries the remaining wait
// before the breaker will probe again.
func (b *Breaker) Allow() (retryAfter time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()

	switch b.state {
	case StateClosed:
		if b.monitor.Value() >= b.cfg.ActivationThreshold {
			b.setStateLocked(StateOpen)
			return b.cfg.OpenDuration, ErrCircuitOpen
		}
		return 0, nil
	case StateOpen:
		remaining := b.cfg.OpenDuration - b.now().Sub(b.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		return remaining, ErrCircuitOpen
	default: // half-open
		if b.probes >= b.cfg.HalfOpenMaxRequests {
			return time.Second, ErrTooManyRequests
		}
		b.probes++
		return 0, nil
	}
}

// RecordResult reports the outcome of an admitted request. Only half-open
// results drive transitions: any failure reopens, and enough successes close
// the breaker provided backpressure has actually receded.
func (b *Breaker) RecordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen {
		return
	}
	if !success {
		b.setStateLocked(StateOpen)
		return
	}

	b.successes++
	if b.successes < b.cfg.HalfOpenMaxRequests {
		return
	}
	if b.monitor.Value() <= b.cfg.DeactivationThreshold {
		b.setStateLocked(StateClosed)
	} else {
		b.setStateLocked(StateOpen)
	}
}

// ForceOpen trips the breaker regardless of backpressure.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(StateOpen)
}

// advanceLocked moves open -> half_open once the open duration elapses.
func (b *Breaker) advanceLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.setStateLocked(StateHalfOpen)
	}
}

func (b *Breaker) setStateLocked(state State) {
	if b.state == state {
		return
	}
	from := b.state
	b.state = state
	b.probes = 0
	b.successes = 0
	if state == StateOpen {
		b.openedAt = b.now()
	}
	b.logger.Printf("State change: %s -> %s (backpressure %.3f)", from, state, b.monitor.Value())
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, state)
	}
}
