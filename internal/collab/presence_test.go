package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/controlplane/internal/ot"
)

func TestPresenceColorsRoundRobin(t *testing.T) {
	p := NewPresence(time.Minute, 5*time.Minute)

	seen := make([]string, 0, len(palette)+1)
	for i := 0; i < len(palette)+1; i++ {
		up := p.Join("doc", string(rune('a'+i)), "user")
		seen = append(seen, up.Color)
	}

	for i, color := range seen[:len(palette)] {
		assert.Equal(t, palette[i], color)
	}
	// The 11th user wraps back to the first color.
	assert.Equal(t, palette[0], seen[len(palette)])
}

func TestPresenceRejoinKeepsColor(t *testing.T) {
	p := NewPresence(time.Minute, 5*time.Minute)
	first := p.Join("doc", "u1", "Ada")
	p.Join("doc", "u2", "Bob")

	again := p.Join("doc", "u1", "Ada L.")
	assert.Equal(t, first.Color, again.Color)
	assert.Equal(t, "Ada L.", again.UserName)
	assert.Len(t, p.List("doc"), 2)
}

func TestPresenceCursorAndTyping(t *testing.T) {
	p := NewPresence(time.Minute, 5*time.Minute)
	p.Join("doc", "u1", "Ada")

	sel := 3
	require.True(t, p.UpdateCursor("doc", "u1", ot.Cursor{Position: 7, SelectionStart: &sel}))
	require.True(t, p.SetTyping("doc", "u1", true))

	up, ok := p.Get("doc", "u1")
	require.True(t, ok)
	assert.Equal(t, 7, up.Cursor.Position)
	assert.Equal(t, "u1", up.Cursor.UserID)
	assert.True(t, up.IsTyping)

	assert.False(t, p.UpdateCursor("doc", "ghost", ot.Cursor{}))
}

func TestPresenceSweepIdleThenStale(t *testing.T) {
	p := NewPresence(time.Minute, 5*time.Minute)
	clock := time.Now()
	p.now = func() time.Time { return clock }

	p.Join("doc", "u1", "Ada")
	p.Join("doc", "u2", "Bob")

	// u2 stays active; u1 goes silent.
	clock = clock.Add(90 * time.Second)
	p.Touch("doc", "u2")

	idle, removed := p.Sweep()
	require.Len(t, idle, 1)
	assert.Equal(t, "u1", idle[0].User.UserID)
	assert.Empty(t, removed)

	up, _ := p.Get("doc", "u1")
	assert.False(t, up.IsActive)

	// Idle users are reported once, then removed after the stale timeout.
	idle, removed = p.Sweep()
	assert.Empty(t, idle)
	assert.Empty(t, removed)

	clock = clock.Add(5 * time.Minute)
	p.Touch("doc", "u2")
	_, removed = p.Sweep()
	require.Len(t, removed, 1)
	assert.Equal(t, "u1", removed[0].User.UserID)
	_, ok := p.Get("doc", "u1")
	assert.False(t, ok)
}

func TestPresenceActivityResetsIdle(t *testing.T) {
	p := NewPresence(time.Minute, 5*time.Minute)
	clock := time.Now()
	p.now = func() time.Time { return clock }

	p.Join("doc", "u1", "Ada")
	clock = clock.Add(90 * time.Second)
	p.Sweep()

	require.True(t, p.Touch("doc", "u1"))
	up, _ := p.Get("doc", "u1")
	assert.True(t, up.IsActive)
}

func TestPresenceLeaveDropsEmptyDocuments(t *testing.T) {
	p := NewPresence(time.Minute, 5*time.Minute)
	p.Join("doc", "u1", "Ada")

	assert.True(t, p.Leave("doc", "u1"))
	assert.False(t, p.Leave("doc", "u1"))
	assert.Empty(t, p.List("doc"))
}
