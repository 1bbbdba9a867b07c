package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/controlplane/internal/runstate"
	"github.com/strandlabs/controlplane/internal/store"
)

func receive(t *testing.T, ch chan *CloudEvent) *CloudEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestBusTypedSubscription(t *testing.T) {
	bus := NewBus()
	runs := bus.Subscribe(TypeRunStateChanged)
	all := bus.Subscribe()

	bus.Emit(TypeRunStateChanged, "/orchestrator", "run-1", "org-1", map[string]interface{}{"to_state": "executing"})
	bus.Emit("sandbox.terminated", "/pool", "sb-1", "org-1", nil)

	ev := receive(t, runs)
	assert.Equal(t, TypeRunStateChanged, ev.Type)
	assert.Equal(t, "run-1", ev.Subject)
	assert.Equal(t, "org-1", ev.OrgID)
	assert.Equal(t, "1.0", ev.SpecVersion)

	// The typed channel never sees the sandbox event; the catch-all sees both.
	assert.Equal(t, TypeRunStateChanged, receive(t, all).Type)
	assert.Equal(t, "sandbox.terminated", receive(t, all).Type)
	select {
	case ev := <-runs:
		t.Fatalf("unexpected event on typed channel: %s", ev.Type)
	default:
	}
}

func TestBusUnsubscribeCloses(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeRunCompleted)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe()

	bus.Emit("a", "/x", "", "", nil)
	bus.Emit("b", "/x", "", "", nil) // dropped, buffer full

	assert.Equal(t, "a", receive(t, ch).Type)
	select {
	case ev := <-ch:
		t.Fatalf("expected drop, got %s", ev.Type)
	default:
	}
}

func TestSSEFormat(t *testing.T) {
	ev := NewCloudEvent(TypeRunCompleted, "/orchestrator", "run-1", "org-1", map[string]interface{}{"ok": true})
	frame, err := ev.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(frame), "event: run.completed\n")
	assert.Contains(t, string(frame), "data: {")
	assert.Contains(t, string(frame), "id: "+ev.ID)
	assert.True(t, string(frame[len(frame)-2:]) == "\n\n", "frame ends with a blank line")
}

func TestRunEventSinkEmitsTerminalEvents(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()
	sink := NewRunEventSink(bus, "/orchestrator")

	errText := "INSUFFICIENT_CREDITS"
	sink.RunStateChanged(&store.Run{
		ID: "run-1", OrgID: "org-1", State: runstate.RunFailed, Error: &errText,
	}, runstate.RunValidating)

	change := receive(t, all)
	assert.Equal(t, TypeRunStateChanged, change.Type)
	assert.Equal(t, "validating", change.Data["from_state"])
	assert.Equal(t, "failed", change.Data["to_state"])
	assert.Equal(t, "INSUFFICIENT_CREDITS", change.Data["error"])

	terminal := receive(t, all)
	assert.Equal(t, TypeRunFailed, terminal.Type)

	// Non-terminal transitions emit only the state-change event.
	sink.RunStateChanged(&store.Run{ID: "run-2", OrgID: "org-1", State: runstate.RunExecuting}, runstate.RunPlanning)
	assert.Equal(t, TypeRunStateChanged, receive(t, all).Type)
	select {
	case ev := <-all:
		t.Fatalf("unexpected extra event %s", ev.Type)
	default:
	}
}
