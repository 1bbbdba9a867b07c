// Package backpressure condenses gateway load into a single scalar and gates
// work behind a circuit breaker driven by it.
package backpressure

import (
	"context"
	"log"
	"sync"
	"time"
)

// Sample is one snapshot of the four load dimensions with their caps.
type Sample struct {
	Connections   int
	ConnectionCap int
	Channels      int
	ChannelCap    int
	OTQueueDepth  int
	OTQueueCap    int
	MemoryBytes   int64
	MemoryCap     int64
}

// Weights splits the backpressure value across the four dimensions. They must
// sum to 1.
type Weights struct {
	Connections float64
	Channels    float64
	OTQueue     float64
	Memory      float64
}

// DefaultWeights is the static split.
var DefaultWeights = Weights{
	Connections: 0.30,
	Channels:    0.25,
	OTQueue:     0.25,
	Memory:      0.20,
}

func (w Weights) sum() float64 {
	return w.Connections + w.Channels + w.OTQueue + w.Memory
}

// Monitor folds samples into a backpressure value in [0,1]. With adaptation
// enabled, weight drifts toward dimensions running hot (> 0.8) and away from
// cold ones (< 0.3), renormalized after every sample.
type Monitor struct {
	mu             sync.Mutex
	weights        Weights
	adaptationRate float64
	adaptive       bool
	value          float64
}

// NewMonitor builds a static-weight monitor.
func NewMonitor(weights Weights) *Monitor {
	if weights.sum() == 0 {
		weights = DefaultWeights
	}
	return &Monitor{weights: weights}
}

// NewAdaptiveMonitor builds a monitor that reweights itself.
func NewAdaptiveMonitor(weights Weights, adaptationRate float64) *Monitor {
	m := NewMonitor(weights)
	m.adaptive = true
	m.adaptationRate = adaptationRate
	return m
}

// Observe folds one sample in and returns the new backpressure value.
func (m *Monitor) Observe(s Sample) float64 {
	connR := ratio(float64(s.Connections), float64(s.ConnectionCap))
	chanR := ratio(float64(s.Channels), float64(s.ChannelCap))
	otR := ratio(float64(s.OTQueueDepth), float64(s.OTQueueCap))
	memR := ratio(float64(s.MemoryBytes), float64(s.MemoryCap))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.adaptive {
		m.reweightLocked(connR, chanR, otR, memR)
	}

	m.value = m.weights.Connections*connR +
		m.weights.Channels*chanR +
		m.weights.OTQueue*otR +
		m.weights.Memory*memR
	if m.value > 1 {
		m.value = 1
	}
	return m.value
}

// Value returns the most recent backpressure value.
func (m *Monitor) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// Weights returns the current weight split.
func (m *Monitor) Weights() Weights {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.weights
}

// reweightLocked shifts adaptationRate toward hot ratios and half of it away
// from cold ones, then renormalizes to sum 1.
func (m *Monitor) reweightLocked(connR, chanR, otR, memR float64) {
	adjust := func(w *float64, r float64) {
		switch {
		case r > 0.8:
			*w += m.adaptationRate
		case r < 0.3:
			*w -= m.adaptationRate / 2
			if *w < 0 {
				*w = 0
			}
		}
	}
	adjust(&m.weights.Connections, connR)
	adjust(&m.weights.Channels, chanR)
	adjust(&m.weights.OTQueue, otR)
	adjust(&m.weights.Memory, memR)

	total := m.weights.sum()
	if total <= 0 {
		m.weights = DefaultWeights
		return
	}
	m.weights.Connections /= total
	m.weights.Channels /= total
	m.weights.OTQueue /= total
	m.weights.Memory /= total
}

func ratio(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	r := v / limit
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}

// Sampler feeds the monitor from a sample source on a fixed interval.
type Sampler struct {
	monitor  *Monitor
	source   func(context.Context) Sample
	interval time.Duration
	logger   *log.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSampler builds the background sampler.
func NewSampler(monitor *Monitor, source func(context.Context) Sample, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{
		monitor:  monitor,
		source:   source,
		interval: interval,
		logger:   log.New(log.Writer(), "[Backpressure] ", log.LstdFlags),
		stop:     make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (s *Sampler) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.interval)
				value := s.monitor.Observe(s.source(ctx))
				cancel()
				if value >= 0.9 {
					s.logger.Printf("Backpressure high: %.3f", value)
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the loop. Safe to call more than once.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
