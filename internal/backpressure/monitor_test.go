package backpressure

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObserveWeightedSum(t *testing.T) {
	m := NewMonitor(DefaultWeights)

	value := m.Observe(Sample{
		Connections: 50, ConnectionCap: 100, // 0.5
		Channels: 25, ChannelCap: 100, // 0.25
		OTQueueDepth: 100, OTQueueCap: 100, // 1.0
		MemoryBytes: 0, MemoryCap: 1 << 30, // 0.0
	})

	// 0.30*0.5 + 0.25*0.25 + 0.25*1.0 + 0.20*0 = 0.4625
	assert.InDelta(t, 0.4625, value, 1e-9)
	assert.InDelta(t, 0.4625, m.Value(), 1e-9)
}

func TestObserveCapsRatios(t *testing.T) {
	m := NewMonitor(DefaultWeights)

	value := m.Observe(Sample{
		Connections: 500, ConnectionCap: 100,
		Channels: 500, ChannelCap: 100,
		OTQueueDepth: 500, OTQueueCap: 100,
		MemoryBytes: 500, MemoryCap: 100,
	})
	assert.Equal(t, 1.0, value, "every ratio caps at 1")
}

func TestObserveZeroCapsCountAsIdle(t *testing.T) {
	m := NewMonitor(DefaultWeights)
	assert.Equal(t, 0.0, m.Observe(Sample{Connections: 10}))
}

func TestAdaptiveReweighting(t *testing.T) {
	m := NewAdaptiveMonitor(DefaultWeights, 0.05)

	// Connections hot, memory cold.
	m.Observe(Sample{
		Connections: 95, ConnectionCap: 100, // 0.95 > 0.8: +0.05
		Channels: 50, ChannelCap: 100, // neutral
		OTQueueDepth: 50, OTQueueCap: 100, // neutral
		MemoryBytes: 10, MemoryCap: 100, // 0.1 < 0.3: -0.025
	})

	w := m.Weights()
	assert.InDelta(t, 1.0, w.Connections+w.Channels+w.OTQueue+w.Memory, 1e-9)
	assert.Greater(t, w.Connections, DefaultWeights.Connections)
	assert.Less(t, w.Memory, DefaultWeights.Memory)

	// Raw adjustments before renormalizing: 0.35, 0.25, 0.25, 0.175.
	total := 0.35 + 0.25 + 0.25 + 0.175
	assert.InDelta(t, 0.35/total, w.Connections, 1e-9)
	assert.InDelta(t, 0.175/total, w.Memory, 1e-9)
}

func TestAdaptiveWeightNeverNegative(t *testing.T) {
	m := NewAdaptiveMonitor(DefaultWeights, 0.05)
	for i := 0; i < 100; i++ {
		m.Observe(Sample{
			Connections: 95, ConnectionCap: 100,
			MemoryBytes: 1, MemoryCap: 100,
		})
	}
	w := m.Weights()
	assert.GreaterOrEqual(t, w.Memory, 0.0)
	assert.False(t, math.IsNaN(w.Connections))
	assert.InDelta(t, 1.0, w.Connections+w.Channels+w.OTQueue+w.Memory, 1e-9)
}
