package events

import (
	"github.com/strandlabs/controlplane/internal/runstate"
	"github.com/strandlabs/controlplane/internal/store"
)

// Run lifecycle event types.
const (
	TypeRunStateChanged   = "run.state_changed"
	TypeRunCompleted      = "run.completed"
	TypeRunFailed         = "run.failed"
	TypeRunCancelled      = "run.cancelled"
	TypeRunTimeout        = "run.timeout"
	TypeBillingReconciled = "billing.reconciled"
)

// RunEventSink publishes run state transitions onto the event bus. It backs
// the SSE stream and webhook dispatch.
type RunEventSink struct {
	bus    Emitter
	source string
}

// NewRunEventSink wires a sink publishing from the given source URI.
func NewRunEventSink(bus Emitter, source string) *RunEventSink {
	return &RunEventSink{bus: bus, source: source}
}

// RunStateChanged emits a state-change event, plus a terminal-specific event
// for the states webhook subscribers care about.
func (s *RunEventSink) RunStateChanged(run *store.Run, from runstate.RunState) {
	data := map[string]interface{}{
		"run_id":     run.ID,
		"org_id":     run.OrgID,
		"from_state": string(from),
		"to_state":   string(run.State),
	}
	if run.Error != nil {
		data["error"] = *run.Error
	}
	s.bus.Emit(TypeRunStateChanged, s.source, run.ID, run.OrgID, data)

	if terminal := terminalType(run.State); terminal != "" {
		s.bus.Emit(terminal, s.source, run.ID, run.OrgID, data)
	}
}

func terminalType(state runstate.RunState) string {
	switch state {
	case runstate.RunCompleted:
		return TypeRunCompleted
	case runstate.RunFailed:
		return TypeRunFailed
	case runstate.RunCancelled:
		return TypeRunCancelled
	case runstate.RunTimeout:
		return TypeRunTimeout
	default:
		return ""
	}
}
