package runstate

import (
	"errors"
	"fmt"
)

// ============================================================================
// RUN LIFECYCLE STATE MACHINE
// ============================================================================

// RunState is the lifecycle state of an agent run. States are persisted as
// strings and validated against the transition table below; the durable
// store re-checks the same table inside transition_run_state.
type RunState string

const (
	RunCreated      RunState = "created"
	RunValidating   RunState = "validating"
	RunPlanning     RunState = "planning"
	RunExecuting    RunState = "executing"
	RunWaitingUser  RunState = "waiting_user"
	RunPaused       RunState = "paused"
	RunSynthesizing RunState = "synthesizing"
	RunCompleted    RunState = "completed"
	RunFailed       RunState = "failed"
	RunCancelled    RunState = "cancelled"
	RunTimeout      RunState = "timeout"
)

// ErrInvalidTransition marks a (from, to) pair outside the transition table.
// It is a validation error: callers must not retry it.
var ErrInvalidTransition = errors.New("invalid state transition")

var runTransitions = map[RunState][]RunState{
	RunCreated:      {RunValidating, RunCancelled},
	RunValidating:   {RunPlanning, RunFailed, RunCancelled},
	RunPlanning:     {RunExecuting, RunFailed, RunCancelled},
	RunExecuting:    {RunSynthesizing, RunWaitingUser, RunPaused, RunFailed, RunCancelled, RunTimeout},
	RunWaitingUser:  {RunExecuting, RunCancelled},
	RunPaused:       {RunExecuting, RunCancelled},
	RunSynthesizing: {RunCompleted, RunFailed, RunCancelled},
	// completed, failed, cancelled, timeout are terminal: no outgoing edges.
}

// Valid reports whether s is a defined run state.
func (s RunState) Valid() bool {
	switch s {
	case RunCreated, RunValidating, RunPlanning, RunExecuting, RunWaitingUser,
		RunPaused, RunSynthesizing, RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leads out of s.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled || s == RunTimeout
}

// CanTransition reports whether from -> to is an allowed run transition.
func CanTransition(from, to RunState) bool {
	for _, allowed := range runTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition (wrapped with detail) when
// from -> to is not in the run transition table.
func ValidateTransition(from, to RunState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ============================================================================
// SUBTASK LIFECYCLE STATE MACHINE
// ============================================================================

// SubtaskState is the lifecycle state of a single subtask within a run.
type SubtaskState string

const (
	SubtaskPending   SubtaskState = "pending"
	SubtaskQueued    SubtaskState = "queued"
	SubtaskRunning   SubtaskState = "running"
	SubtaskCompleted SubtaskState = "completed"
	SubtaskFailed    SubtaskState = "failed"
	SubtaskCancelled SubtaskState = "cancelled"
)

var subtaskTransitions = map[SubtaskState][]SubtaskState{
	SubtaskPending: {SubtaskQueued, SubtaskCancelled},
	SubtaskQueued:  {SubtaskRunning, SubtaskCancelled},
	SubtaskRunning: {SubtaskCompleted, SubtaskFailed, SubtaskCancelled},
	// failed -> pending is the retry edge; the attempt budget is enforced by
	// the caller against config, and again by the stored procedure.
	SubtaskFailed: {SubtaskPending},
	// completed and cancelled are terminal.
}

// Valid reports whether s is a defined subtask state.
func (s SubtaskState) Valid() bool {
	switch s {
	case SubtaskPending, SubtaskQueued, SubtaskRunning,
		SubtaskCompleted, SubtaskFailed, SubtaskCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the subtask can make no further progress.
// failed is not terminal: it may re-enter pending while attempts remain.
func (s SubtaskState) IsTerminal() bool {
	return s == SubtaskCompleted || s == SubtaskCancelled
}

// CanTransitionSubtask reports whether from -> to is an allowed subtask
// transition.
func CanTransitionSubtask(from, to SubtaskState) bool {
	for _, allowed := range subtaskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateSubtaskTransition returns ErrInvalidTransition (wrapped) when
// from -> to is not in the subtask transition table.
func ValidateSubtaskTransition(from, to SubtaskState) error {
	if !CanTransitionSubtask(from, to) {
		return fmt.Errorf("%w: subtask %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// TerminalRunStates lists the run states with no outgoing edges, in a stable
// order useful for queries and tests.
func TerminalRunStates() []RunState {
	return []RunState{RunCompleted, RunFailed, RunCancelled, RunTimeout}
}
