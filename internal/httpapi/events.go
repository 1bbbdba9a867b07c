package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/strandlabs/controlplane/internal/events"
)

const (
	defaultEventLogCap = 256
	sseHeartbeatEvery  = 15 * time.Second
)

// ============================================================================
// EVENT LOG
// ============================================================================

// LoggedEvent pairs a bus event with its per-subject sequence number.
// Sequence numbers start at 1 and never repeat within a subject, so clients
// can poll with ?since=<last seen seq>.
type LoggedEvent struct {
	Seq   int64              `json:"seq"`
	Event *events.CloudEvent `json:"event"`
}

type subjectLog struct {
	firstSeq int64
	entries  []*events.CloudEvent
}

// EventLog tails the bus and keeps a bounded per-subject history backing the
// polling endpoint and SSE replay. Old entries fall off the front; sequence
// numbers keep counting.
type EventLog struct {
	mu       sync.RWMutex
	subjects map[string]*subjectLog
	capacity int

	bus  *events.Bus
	ch   chan *events.CloudEvent
	done chan struct{}
	once sync.Once
}

// NewEventLog subscribes to every bus event and starts tailing.
func NewEventLog(bus *events.Bus, capacity int) *EventLog {
	if capacity <= 0 {
		capacity = defaultEventLogCap
	}
	l := &EventLog{
		subjects: make(map[string]*subjectLog),
		capacity: capacity,
		bus:      bus,
		ch:       bus.Subscribe(),
		done:     make(chan struct{}),
	}
	go l.tail()
	return l
}

func (l *EventLog) tail() {
	defer close(l.done)
	for ev := range l.ch {
		if ev.Subject == "" {
			continue
		}
		l.append(ev)
	}
}

func (l *EventLog) append(ev *events.CloudEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sl := l.subjects[ev.Subject]
	if sl == nil {
		sl = &subjectLog{firstSeq: 1}
		l.subjects[ev.Subject] = sl
	}
	sl.entries = append(sl.entries, ev)
	if len(sl.entries) > l.capacity {
		drop := len(sl.entries) - l.capacity
		sl.entries = sl.entries[drop:]
		sl.firstSeq += int64(drop)
	}
}

// Since returns the subject's events with sequence numbers greater than
// since, plus the sequence number to poll from next.
func (l *EventLog) Since(subject string, since int64) ([]LoggedEvent, int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	next := since
	sl := l.subjects[subject]
	if sl == nil {
		return nil, next
	}
	var out []LoggedEvent
	for i, ev := range sl.entries {
		seq := sl.firstSeq + int64(i)
		if seq <= since {
			continue
		}
		out = append(out, LoggedEvent{Seq: seq, Event: ev})
		next = seq
	}
	return out, next
}

// Stop unsubscribes from the bus and waits for the tail to drain.
func (l *EventLog) Stop() {
	l.once.Do(func() {
		l.bus.Unsubscribe(l.ch)
		<-l.done
	})
}

// ============================================================================
// POLLING ENDPOINT
// ============================================================================

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.scopedRun(w, r)
	if !ok {
		return
	}
	if s.eventLog == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed not configured")
		return
	}

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	entries, next := s.eventLog.Since(run.ID, since)
	if entries == nil {
		entries = []LoggedEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":     entries,
		"next_since": next,
		"run_state":  run.State,
	})
}

// ============================================================================
// SSE STREAM
// ============================================================================

// handleRunEventStream replays the run's buffered events then streams live
// ones, with heartbeat comments to keep intermediaries from closing the
// connection. A terminal run state emits a final `complete` frame and closes.
func (s *Server) handleRunEventStream(w http.ResponseWriter, r *http.Request) {
	run, ok := s.scopedRun(w, r)
	if !ok {
		return
	}
	if s.cfg.Bus == nil || s.eventLog == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed not configured")
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replay so no event falls between the two.
	live := s.cfg.Bus.Subscribe()
	defer s.cfg.Bus.Unsubscribe(live)

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	entries, _ := s.eventLog.Since(run.ID, since)
	replayed := make(map[string]bool, len(entries))
	for _, e := range entries {
		replayed[e.Event.ID] = true
		if s.writeSSE(w, flusher, e.Event) {
			return
		}
	}

	// Runs already finished stream their history and close.
	if run.State.IsTerminal() {
		s.writeComplete(w, flusher, string(run.State))
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-live:
			if !open {
				return
			}
			if ev.Subject != run.ID || replayed[ev.ID] {
				continue
			}
			if s.writeSSE(w, flusher, ev) {
				return
			}
		}
	}
}

// writeSSE writes one event frame; the return value reports that the stream
// is finished (terminal event sent or write failed).
func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, ev *events.CloudEvent) bool {
	frame, err := ev.SSEFormat()
	if err != nil {
		s.logger.Printf("encode SSE frame: %v", err)
		return false
	}
	if _, err := w.Write(frame); err != nil {
		return true
	}
	flusher.Flush()

	switch ev.Type {
	case events.TypeRunCompleted, events.TypeRunFailed,
		events.TypeRunCancelled, events.TypeRunTimeout:
		s.writeComplete(w, flusher, finalState(ev.Type))
		return true
	}
	return false
}

func (s *Server) writeComplete(w http.ResponseWriter, flusher http.Flusher, state string) {
	w.Write([]byte("event: complete\ndata: {\"state\":\"" + state + "\"}\n\n"))
	flusher.Flush()
}

func finalState(eventType string) string {
	switch eventType {
	case events.TypeRunCompleted:
		return "completed"
	case events.TypeRunFailed:
		return "failed"
	case events.TypeRunCancelled:
		return "cancelled"
	case events.TypeRunTimeout:
		return "timeout"
	}
	return "done"
}
