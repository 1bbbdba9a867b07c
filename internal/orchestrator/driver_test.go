package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/controlplane/internal/billing"
	"github.com/strandlabs/controlplane/internal/modelclient"
	"github.com/strandlabs/controlplane/internal/runstate"
	"github.com/strandlabs/controlplane/internal/sandbox"
	"github.com/strandlabs/controlplane/internal/scheduler"
	"github.com/strandlabs/controlplane/internal/store"
)

type messageRecorder struct {
	mu       sync.Mutex
	messages []*store.RunMessage
}

func (m *messageRecorder) AppendRunMessage(msg *store.RunMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *messageRecorder) all() []*store.RunMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.RunMessage{}, m.messages...)
}

type testRig struct {
	ms      *memStore
	queues  *Queues
	pool    *sandbox.Pool
	backend *sandbox.LocalBackend
	billing *billing.Service
	sink    *messageRecorder
	cleanup func()
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	ms := newMemStore()
	backend := sandbox.NewLocalBackend()
	pool := sandbox.NewPool(backend, sandbox.Config{}, []sandbox.Template{
		{Name: "default", MinPoolSize: 1, MaxPoolSize: 4},
	}, nil)

	bill := billing.NewService(ms, billing.NewPricingCache(nil, nil, time.Hour), nil, nil, 3, nil)

	return &testRig{
		ms:      ms,
		queues:  NewQueues(rdb, 3, nil),
		pool:    pool,
		backend: backend,
		billing: bill,
		sink:    &messageRecorder{},
		cleanup: func() {
			rdb.Close()
			mr.Close()
		},
	}
}

func (r *testRig) newDriver(model modelclient.Client) *Driver {
	return NewDriver(Config{
		WorkerID:         "driver-1",
		FenceTTL:         2 * time.Second,
		SubtaskPoll:      20 * time.Millisecond,
		SubtaskWaitLimit: 10 * time.Second,
	}, r.ms, r.queues, scheduler.New(scheduler.Config{}), r.billing, model, r.sink, nil)
}

func (r *testRig) newExecutor(model modelclient.Client) *Executor {
	return NewExecutor(ExecutorConfig{
		WorkerID:       "exec-1",
		Concurrency:    1,
		DequeueTimeout: 200 * time.Millisecond,
	}, r.ms, r.queues, r.pool, r.billing, model)
}

const listFilesPlan = `{"phases":[{"number":1,"title":"inspect","tasks":[
  {"task_type":"shell","description":"list files","input":{"command":"ls"}}
]}]}`

func TestHappyPathSingleRun(t *testing.T) {
	rig := newRig(t)
	defer rig.cleanup()
	ctx := context.Background()

	rig.ms.putBalance("org-1", 100)
	rig.ms.putRun(&store.Run{
		ID: "run-1", OrgID: "org-1", UserID: "user-1",
		Prompt: "List files in current directory",
		State:  runstate.RunCreated, Priority: 5,
	})
	rig.backend.SetExecFunc(func(_ string, cmd []string) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{ExitCode: 0, Output: []byte("main.go\nREADME.md\n")}, nil
	})

	model := modelclient.NewScriptedClient(
		modelclient.ScriptedResponse{Content: listFilesPlan},
		modelclient.ScriptedResponse{Content: "The directory contains main.go and README.md"},
	)
	executor := rig.newExecutor(model)
	executor.Start()
	defer executor.Stop()

	driver := rig.newDriver(model)
	require.NoError(t, driver.ProcessRun(ctx, "run-1"))

	run, err := rig.ms.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, runstate.RunCompleted, run.State)
	assert.Nil(t, run.FencingToken, "fence released at the end")

	subtasks, err := rig.ms.ListSubtasksByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "shell", subtasks[0].TaskType)
	assert.Equal(t, runstate.SubtaskCompleted, subtasks[0].State)
	assert.Contains(t, subtasks[0].Output["output"], "main.go")

	messages := rig.sink.all()
	require.Len(t, messages, 1)
	assert.Equal(t, "assistant", messages[0].Role)
	assert.Contains(t, messages[0].Content, "main.go")

	assert.Contains(t, rig.ms.recons, "run-1", "exactly one reconciliation row")
	assert.Len(t, rig.ms.records, 2, "plan + synthesis calls billed once each")
}

func TestRunFailsWithoutCredits(t *testing.T) {
	rig := newRig(t)
	defer rig.cleanup()
	ctx := context.Background()

	rig.ms.putRun(&store.Run{
		ID: "run-2", OrgID: "org-broke", Prompt: "do things",
		State: runstate.RunCreated,
	})

	driver := rig.newDriver(modelclient.NewScriptedClient())
	require.NoError(t, driver.ProcessRun(ctx, "run-2"))

	run, err := rig.ms.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, runstate.RunFailed, run.State)
	require.NotNil(t, run.Error)
	assert.Equal(t, "INSUFFICIENT_CREDITS", *run.Error)
}

func TestEmptyPromptFailsValidation(t *testing.T) {
	rig := newRig(t)
	defer rig.cleanup()
	ctx := context.Background()

	rig.ms.putBalance("org-1", 100)
	rig.ms.putRun(&store.Run{ID: "run-3", OrgID: "org-1", Prompt: "   ", State: runstate.RunCreated})

	driver := rig.newDriver(modelclient.NewScriptedClient())
	require.NoError(t, driver.ProcessRun(ctx, "run-3"))

	run, _ := rig.ms.GetRun(ctx, "run-3")
	assert.Equal(t, runstate.RunFailed, run.State)
}

func TestFenceExclusivity(t *testing.T) {
	rig := newRig(t)
	defer rig.cleanup()
	ctx := context.Background()

	rig.ms.putRun(&store.Run{ID: "run-4", OrgID: "org-1", Prompt: "x", State: runstate.RunCreated})

	_, err := rig.ms.AcquireRunFence(ctx, "run-4", time.Minute)
	require.NoError(t, err)

	driver := rig.newDriver(modelclient.NewScriptedClient())
	err = driver.ProcessRun(ctx, "run-4")
	assert.ErrorIs(t, err, store.ErrFenceHeld)
}

func TestMalformedPlanFallsBack(t *testing.T) {
	rig := newRig(t)
	defer rig.cleanup()
	ctx := context.Background()

	rig.ms.putBalance("org-1", 100)
	rig.ms.putRun(&store.Run{
		ID: "run-5", OrgID: "org-1", Prompt: "echo hi",
		State: runstate.RunCreated,
	})
	rig.backend.SetExecFunc(func(_ string, cmd []string) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{ExitCode: 0, Output: []byte("hi\n")}, nil
	})

	model := modelclient.NewScriptedClient(
		modelclient.ScriptedResponse{Content: "sorry, I cannot produce JSON"},
		modelclient.ScriptedResponse{Content: "done"},
	)
	executor := rig.newExecutor(model)
	executor.Start()
	defer executor.Stop()

	driver := rig.newDriver(model)
	require.NoError(t, driver.ProcessRun(ctx, "run-5"))

	run, _ := rig.ms.GetRun(ctx, "run-5")
	assert.Equal(t, runstate.RunCompleted, run.State)

	subtasks, _ := rig.ms.ListSubtasksByRun(ctx, "run-5")
	require.Len(t, subtasks, 1, "fallback plan has a single shell step")
	assert.Equal(t, "shell", subtasks[0].TaskType)
}

func TestDeadlineTimesOutRun(t *testing.T) {
	rig := newRig(t)
	defer rig.cleanup()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	plan, err := parsePlan(listFilesPlan)
	require.NoError(t, err)
	rig.ms.putRun(&store.Run{
		ID: "run-6", OrgID: "org-1", Prompt: "x",
		State: runstate.RunExecuting, StateVersion: 3,
		Plan: plan, DeadlineAt: &past,
	})

	driver := rig.newDriver(modelclient.NewScriptedClient())
	require.NoError(t, driver.ProcessRun(ctx, "run-6"))

	run, _ := rig.ms.GetRun(ctx, "run-6")
	assert.Equal(t, runstate.RunTimeout, run.State)

	subtasks, _ := rig.ms.ListSubtasksByRun(ctx, "run-6")
	require.Len(t, subtasks, 1)
	assert.Equal(t, runstate.SubtaskCancelled, subtasks[0].State, "pending subtasks cancelled on timeout")
}

func TestSubtaskRetryThenSuccess(t *testing.T) {
	rig := newRig(t)
	defer rig.cleanup()
	ctx := context.Background()

	rig.ms.putBalance("org-1", 100)
	rig.ms.putRun(&store.Run{ID: "run-7", OrgID: "org-1", Prompt: "x", State: runstate.RunExecuting})
	st := &store.Subtask{
		ID: "st-1", RunID: "run-7", SubtaskIndex: 0, TaskType: "shell",
		State: runstate.SubtaskQueued, StateVersion: 1,
		Input: map[string]interface{}{"command": "ls"},
	}
	require.NoError(t, rig.ms.CreateSubtasks(ctx, []*store.Subtask{st}))

	failures := 0
	rig.backend.SetExecFunc(func(_ string, cmd []string) (*sandbox.ExecResult, error) {
		if failures == 0 {
			failures++
			return nil, assert.AnError
		}
		return &sandbox.ExecResult{ExitCode: 0, Output: []byte("ok\n")}, nil
	})

	executor := rig.newExecutor(modelclient.NewScriptedClient())

	// First attempt fails.
	err := executor.ProcessSubtask(ctx, "st-1")
	require.Error(t, err)
	got, _ := rig.ms.GetSubtask(ctx, "st-1")
	assert.Equal(t, runstate.SubtaskFailed, got.State)

	// Retry edge: failed -> pending -> queued, attempt_count bumps to 1.
	require.NoError(t, executor.retrySubtask(ctx, "st-1"))
	got, _ = rig.ms.GetSubtask(ctx, "st-1")
	assert.Equal(t, runstate.SubtaskQueued, got.State)
	assert.Equal(t, 1, got.AttemptCount)

	// Second attempt completes.
	require.NoError(t, executor.ProcessSubtask(ctx, "st-1"))
	got, _ = rig.ms.GetSubtask(ctx, "st-1")
	assert.Equal(t, runstate.SubtaskCompleted, got.State)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestSubtaskAttemptsExhausted(t *testing.T) {
	rig := newRig(t)
	defer rig.cleanup()
	ctx := context.Background()

	rig.ms.putRun(&store.Run{ID: "run-8", OrgID: "org-1", Prompt: "x", State: runstate.RunExecuting})
	st := &store.Subtask{
		ID: "st-2", RunID: "run-8", SubtaskIndex: 0, TaskType: "shell",
		State: runstate.SubtaskFailed, StateVersion: 5, AttemptCount: 3,
	}
	require.NoError(t, rig.ms.CreateSubtasks(ctx, []*store.Subtask{st}))

	executor := rig.newExecutor(modelclient.NewScriptedClient())
	err := executor.retrySubtask(ctx, "st-2")
	assert.ErrorIs(t, err, store.ErrAttemptsExhausted)
}

func TestPermanentSubtaskFailureFailsRun(t *testing.T) {
	rig := newRig(t)
	defer rig.cleanup()
	ctx := context.Background()

	rig.ms.putBalance("org-1", 100)
	rig.ms.putRun(&store.Run{
		ID: "run-9", OrgID: "org-1", Prompt: "break",
		State: runstate.RunCreated,
	})
	rig.backend.SetExecFunc(func(_ string, cmd []string) (*sandbox.ExecResult, error) {
		return nil, assert.AnError // permanent: not in the transient keyword set
	})

	model := modelclient.NewScriptedClient(
		modelclient.ScriptedResponse{Content: listFilesPlan},
	)
	executor := rig.newExecutor(model)
	executor.Start()
	defer executor.Stop()

	driver := rig.newDriver(model)
	require.NoError(t, driver.ProcessRun(ctx, "run-9"))

	run, _ := rig.ms.GetRun(ctx, "run-9")
	assert.Equal(t, runstate.RunFailed, run.State)
}

func TestMaterializePhaseDependencies(t *testing.T) {
	rig := newRig(t)
	defer rig.cleanup()
	ctx := context.Background()

	plan := &store.Plan{Phases: []store.PlanPhase{
		{Number: 1, Title: "gather", Tasks: []store.PlannedTask{
			{TaskType: "shell", Input: map[string]interface{}{"command": "ls"}},
			{TaskType: "search", Input: map[string]interface{}{"query": "docs"}},
		}},
		{Number: 2, Title: "write", Tasks: []store.PlannedTask{
			{TaskType: "code", Input: map[string]interface{}{"source": "print(1)"}},
		}},
	}}
	run := &store.Run{ID: "run-10", OrgID: "org-1", State: runstate.RunExecuting, Plan: plan}
	rig.ms.putRun(run)

	driver := rig.newDriver(modelclient.NewScriptedClient())
	subtasks, err := driver.materialize(ctx, run)
	require.NoError(t, err)
	require.Len(t, subtasks, 3)

	// Phase 2 depends on every phase 1 subtask.
	assert.Empty(t, subtasks[0].Dependencies)
	assert.Empty(t, subtasks[1].Dependencies)
	assert.ElementsMatch(t, []string{subtasks[0].ID, subtasks[1].ID}, subtasks[2].Dependencies)

	ready, err := rig.ms.CheckSubtaskReady(ctx, subtasks[2].ID)
	require.NoError(t, err)
	assert.False(t, ready, "phase 2 not ready before phase 1 completes")

	// A second materialize call is a no-op.
	again, err := driver.materialize(ctx, run)
	require.NoError(t, err)
	assert.Len(t, again, 3)
}
