package httpapi

import (
	"bufio"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/controlplane/internal/events"
	"github.com/strandlabs/controlplane/internal/runstate"
)

func emitStateChange(rig *apiRig, runID, from, to string) {
	rig.bus.Emit(events.TypeRunStateChanged, "/test", runID, "org-1", map[string]interface{}{
		"run_id": runID, "from_state": from, "to_state": to,
	})
}

func TestEventLogSequencesPerSubject(t *testing.T) {
	bus := events.NewBus()
	log := NewEventLog(bus, 4)
	defer log.Stop()

	for i := 0; i < 6; i++ {
		bus.Emit(events.TypeRunStateChanged, "/test", "run-a", "org-1", nil)
	}
	bus.Emit(events.TypeRunStateChanged, "/test", "run-b", "org-1", nil)

	require.Eventually(t, func() bool {
		entries, _ := log.Since("run-b", 0)
		return len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Capacity 4: the first two entries fell off, sequence numbers kept going.
	entries, next := log.Since("run-a", 0)
	require.Len(t, entries, 4)
	assert.Equal(t, int64(3), entries[0].Seq)
	assert.Equal(t, int64(6), next)

	// Polling from the returned cursor yields nothing new.
	entries, next = log.Since("run-a", next)
	assert.Empty(t, entries)
	assert.Equal(t, int64(6), next)
}

func TestRunEventsPolling(t *testing.T) {
	rig := newAPIRig(t)
	run := rig.seedRun(t, "org-1", runstate.RunExecuting)

	emitStateChange(rig, run.ID, "created", "validating")
	emitStateChange(rig, run.ID, "validating", "planning")
	emitStateChange(rig, "other-run", "created", "validating")

	var out struct {
		Events    []LoggedEvent `json:"events"`
		NextSince int64         `json:"next_since"`
	}
	require.Eventually(t, func() bool {
		resp := rig.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/events", "org-1", nil, &out)
		return resp.StatusCode == http.StatusOK && len(out.Events) == 2
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, int64(2), out.NextSince)
	assert.Equal(t, events.TypeRunStateChanged, out.Events[0].Event.Type)

	// Cursor resumes past what was seen.
	resp := rig.do(t, http.MethodGet,
		"/api/v1/runs/"+run.ID+"/events?since=2", "org-1", nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, out.Events)
}

func TestRunEventStreamClosesOnTerminal(t *testing.T) {
	rig := newAPIRig(t)
	run := rig.seedRun(t, "org-1", runstate.RunExecuting)

	req, err := http.NewRequest(http.MethodGet,
		rig.ts.URL+"/api/v1/runs/"+run.ID+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Org-ID", "org-1")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Publish after the subscription is live.
	go func() {
		time.Sleep(100 * time.Millisecond)
		emitStateChange(rig, run.ID, "executing", "synthesizing")
		rig.bus.Emit(events.TypeRunCompleted, "/test", run.ID, "org-1", map[string]interface{}{
			"run_id": run.ID, "to_state": "completed",
		})
	}()

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	body := strings.Join(lines, "\n")

	assert.Contains(t, body, "event: "+events.TypeRunStateChanged)
	assert.Contains(t, body, "event: "+events.TypeRunCompleted)
	// The terminal event is followed by the closing frame and EOF.
	assert.Contains(t, body, "event: complete")
	assert.Contains(t, body, `{"state":"completed"}`)
}

func TestRunEventStreamTerminalRunClosesImmediately(t *testing.T) {
	rig := newAPIRig(t)
	run := rig.seedRun(t, "org-1", runstate.RunCompleted)

	req, err := http.NewRequest(http.MethodGet,
		rig.ts.URL+"/api/v1/runs/"+run.ID+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Org-ID", "org-1")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	assert.Contains(t, strings.Join(lines, "\n"), "event: complete")
}
