package runstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLifecycleHappyPath(t *testing.T) {
	path := []RunState{
		RunCreated, RunValidating, RunPlanning, RunExecuting,
		RunSynthesizing, RunCompleted,
	}

	for i := 0; i < len(path)-1; i++ {
		require.NoError(t, ValidateTransition(path[i], path[i+1]),
			"%s -> %s should be allowed", path[i], path[i+1])
	}

	assert.True(t, RunCompleted.IsTerminal())
}

func TestRunTerminalStatesHaveNoExits(t *testing.T) {
	all := []RunState{
		RunCreated, RunValidating, RunPlanning, RunExecuting, RunWaitingUser,
		RunPaused, RunSynthesizing, RunCompleted, RunFailed, RunCancelled, RunTimeout,
	}

	for _, terminal := range TerminalRunStates() {
		for _, to := range all {
			assert.False(t, CanTransition(terminal, to),
				"terminal state %s must not transition to %s", terminal, to)
		}
	}
}

func TestRunInvalidTransitionsRejected(t *testing.T) {
	cases := []struct {
		from, to RunState
	}{
		{RunCreated, RunExecuting},
		{RunCreated, RunCompleted},
		{RunValidating, RunSynthesizing},
		{RunPlanning, RunCompleted},
		{RunExecuting, RunPlanning},
		{RunWaitingUser, RunSynthesizing},
		{RunPaused, RunCompleted},
		{RunSynthesizing, RunExecuting},
	}

	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		require.Error(t, err, "%s -> %s must be rejected", tc.from, tc.to)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
}

func TestRunPauseAndResume(t *testing.T) {
	require.NoError(t, ValidateTransition(RunExecuting, RunPaused))
	require.NoError(t, ValidateTransition(RunPaused, RunExecuting))
	require.NoError(t, ValidateTransition(RunExecuting, RunWaitingUser))
	require.NoError(t, ValidateTransition(RunWaitingUser, RunExecuting))
}

func TestRunCancellableFromEveryNonTerminalState(t *testing.T) {
	nonTerminal := []RunState{
		RunCreated, RunValidating, RunPlanning, RunExecuting,
		RunWaitingUser, RunPaused, RunSynthesizing,
	}
	for _, from := range nonTerminal {
		assert.True(t, CanTransition(from, RunCancelled),
			"%s must allow cancellation", from)
	}
}

func TestRunTimeoutOnlyFromExecuting(t *testing.T) {
	assert.True(t, CanTransition(RunExecuting, RunTimeout))

	others := []RunState{
		RunCreated, RunValidating, RunPlanning, RunWaitingUser,
		RunPaused, RunSynthesizing,
	}
	for _, from := range others {
		assert.False(t, CanTransition(from, RunTimeout),
			"%s must not transition to timeout", from)
	}
}

func TestSubtaskLifecycle(t *testing.T) {
	require.NoError(t, ValidateSubtaskTransition(SubtaskPending, SubtaskQueued))
	require.NoError(t, ValidateSubtaskTransition(SubtaskQueued, SubtaskRunning))
	require.NoError(t, ValidateSubtaskTransition(SubtaskRunning, SubtaskCompleted))

	// Retry edge.
	require.NoError(t, ValidateSubtaskTransition(SubtaskRunning, SubtaskFailed))
	require.NoError(t, ValidateSubtaskTransition(SubtaskFailed, SubtaskPending))

	// Terminal states.
	assert.True(t, SubtaskCompleted.IsTerminal())
	assert.True(t, SubtaskCancelled.IsTerminal())
	assert.False(t, SubtaskFailed.IsTerminal(), "failed is retryable, not terminal")

	err := ValidateSubtaskTransition(SubtaskCompleted, SubtaskPending)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = ValidateSubtaskTransition(SubtaskPending, SubtaskRunning)
	require.Error(t, err, "pending must pass through queued before running")
}

func TestStateValidity(t *testing.T) {
	assert.True(t, RunExecuting.Valid())
	assert.False(t, RunState("exploded").Valid())
	assert.True(t, SubtaskQueued.Valid())
	assert.False(t, SubtaskState("").Valid())
}
