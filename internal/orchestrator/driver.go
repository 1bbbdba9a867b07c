// Package orchestrator drives agent runs through their lifecycle: it leases
// a run with a fencing token, advances the state machine phase by phase,
// dispatches subtasks through the scheduler onto the broker, and settles
// billing at the end.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/strandlabs/controlplane/internal/billing"
	"github.com/strandlabs/controlplane/internal/modelclient"
	"github.com/strandlabs/controlplane/internal/queue"
	"github.com/strandlabs/controlplane/internal/runstate"
	"github.com/strandlabs/controlplane/internal/scheduler"
	"github.com/strandlabs/controlplane/internal/store"
	"github.com/strandlabs/controlplane/internal/tokencount"
)

// Store is the slice of the durable store the orchestrator drives.
type Store interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	AcquireRunFence(ctx context.Context, runID string, ttl time.Duration) (*store.Run, error)
	RenewRunFence(ctx context.Context, runID, token string, ttl time.Duration) error
	ReleaseRunFence(ctx context.Context, runID, token string) error
	TransitionRun(ctx context.Context, p store.TransitionRunParams) (*store.Run, error)
	SetRunPlan(ctx context.Context, runID, token string, plan *store.Plan) error
	SetRunPhase(ctx context.Context, runID, token string, phase int) error
	SetRunWorker(ctx context.Context, runID, token, workerID string) error
	StalledRuns(ctx context.Context, olderThan time.Duration, limit int) ([]*store.Run, error)
	CreateSubtasks(ctx context.Context, subtasks []*store.Subtask) error
	GetSubtask(ctx context.Context, id string) (*store.Subtask, error)
	ListSubtasksByRun(ctx context.Context, runID string) ([]*store.Subtask, error)
	TransitionSubtask(ctx context.Context, p store.TransitionSubtaskParams) (*store.Subtask, error)
	CheckSubtaskReady(ctx context.Context, id string) (bool, error)
	SubtaskCountsByState(ctx context.Context, runID string) (map[runstate.SubtaskState]int, error)
}

// MessageSink receives run conversation messages.
type MessageSink interface {
	AppendRunMessage(msg *store.RunMessage) error
}

// EventSink is notified after every successful run transition. Implementations
// must not block.
type EventSink interface {
	RunStateChanged(run *store.Run, from runstate.RunState)
}

// Config carries the driver tunables.
type Config struct {
	WorkerID        string
	Concurrency     int
	FenceTTL        time.Duration
	DequeueTimeout  time.Duration
	SubtaskPoll     time.Duration
	DefaultProvider string
	DefaultModel    string
	MaxOutputTokens int
	MaxAttempts     int
	// SubtaskWaitLimit bounds how long a phase may sit with no progress.
	SubtaskWaitLimit time.Duration
}

// Driver consumes the run queue and executes the orchestration loop.
type Driver struct {
	cfg      Config
	store    Store
	queues   *Queues
	sched    *scheduler.Scheduler
	billing  *billing.Service
	model    modelclient.Client
	messages MessageSink
	events   EventSink
	logger   *log.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDriver wires the orchestration driver. messages and events may be nil.
func NewDriver(cfg Config, st Store, queues *Queues, sched *scheduler.Scheduler, bill *billing.Service, model modelclient.Client, messages MessageSink, events EventSink) *Driver {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.FenceTTL <= 0 {
		cfg.FenceTTL = 30 * time.Second
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.SubtaskPoll <= 0 {
		cfg.SubtaskPoll = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SubtaskWaitLimit <= 0 {
		cfg.SubtaskWaitLimit = 10 * time.Minute
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = tokencount.ProviderAnthropic
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-3-sonnet"
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 4096
	}
	return &Driver{
		cfg:      cfg,
		store:    st,
		queues:   queues,
		sched:    sched,
		billing:  bill,
		model:    model,
		messages: messages,
		events:   events,
		logger:   log.New(log.Writer(), fmt.Sprintf("[Orchestrator:%s] ", cfg.WorkerID), log.LstdFlags),
		stop:     make(chan struct{}),
	}
}

// Start launches the consumer workers.
func (d *Driver) Start() {
	for i := 0; i < d.cfg.Concurrency; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Printf("Started %d run workers", d.cfg.Concurrency)
}

// Stop signals the workers and waits for them to drain.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Driver) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		ctx := context.Background()
		job, err := d.queues.Run.Dequeue(ctx, d.cfg.DequeueTimeout)
		if err != nil {
			d.logger.Printf("Dequeue failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		d.handleJob(ctx, job)
	}
}

func (d *Driver) handleJob(ctx context.Context, job *queue.Job) {
	err := d.ProcessRun(ctx, job.RunID)
	switch {
	case err == nil:
		if err := d.queues.Run.MarkComplete(ctx, job.RunID); err != nil {
			d.logger.Printf("MarkComplete failed for run %s: %v", job.RunID, err)
		}
	case errors.Is(err, store.ErrFenceHeld):
		// Another driver holds the lease; the job is redundant.
		d.logger.Printf("Run %s is leased elsewhere, dropping job", job.RunID)
		_ = d.queues.Run.MarkComplete(ctx, job.RunID)
	default:
		d.logger.Printf("Run %s failed: %v", job.RunID, err)
		if err := d.queues.Run.MarkFailed(ctx, job.RunID, err.Error(), job.RetryCount); err != nil {
			d.logger.Printf("MarkFailed failed for run %s: %v", job.RunID, err)
		}
	}
}

// ProcessRun leases the run and advances it as far as it can go. Terminal
// states, waiting_user, and paused return nil so the broker job is settled.
func (d *Driver) ProcessRun(ctx context.Context, runID string) error {
	run, err := d.store.AcquireRunFence(ctx, runID, d.cfg.FenceTTL)
	if err != nil {
		return err
	}
	token := *run.FencingToken

	leaseCtx, cancelLease := context.WithCancel(ctx)
	defer cancelLease()
	renewDone := make(chan struct{})
	go d.renewLoop(leaseCtx, runID, token, cancelLease, renewDone)

	defer func() {
		cancelLease()
		<-renewDone
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.ReleaseRunFence(releaseCtx, runID, token); err != nil {
			d.logger.Printf("Failed to release fence for run %s: %v", runID, err)
		}
	}()

	if err := d.store.SetRunWorker(leaseCtx, runID, token, d.cfg.WorkerID); err != nil {
		return fmt.Errorf("failed to claim run %s: %w", runID, err)
	}

	return d.advance(leaseCtx, run, token)
}

// renewLoop extends the lease until the context ends. A renewal failure means
// the lease is lost, so it cancels the processing context.
func (d *Driver) renewLoop(ctx context.Context, runID, token string, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.cfg.FenceTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.RenewRunFence(ctx, runID, token, d.cfg.FenceTTL); err != nil {
				if ctx.Err() == nil {
					d.logger.Printf("Lost fence for run %s: %v", runID, err)
					cancel()
				}
				return
			}
		}
	}
}

// advance walks the run forward from whatever state the lease found it in.
// Resuming mid-lifecycle is the normal path after a driver crash.
func (d *Driver) advance(ctx context.Context, run *store.Run, token string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch run.State {
		case runstate.RunCreated:
			run, err = d.transition(ctx, run, runstate.RunValidating, token, "accepted by driver", "")

		case runstate.RunValidating:
			run, err = d.validate(ctx, run, token)

		case runstate.RunPlanning:
			run, err = d.plan(ctx, run, token)

		case runstate.RunExecuting:
			run, err = d.execute(ctx, run, token)

		case runstate.RunSynthesizing:
			run, err = d.synthesize(ctx, run, token)

		case runstate.RunWaitingUser, runstate.RunPaused:
			d.logger.Printf("Run %s is %s, parking", run.ID, run.State)
			return nil

		default:
			if run.State.IsTerminal() {
				return nil
			}
			return fmt.Errorf("run %s in unexpected state %s", run.ID, run.State)
		}
		if err != nil {
			return err
		}
	}
}

// transition performs one fenced state transition and notifies the sink.
func (d *Driver) transition(ctx context.Context, run *store.Run, to runstate.RunState, token, reason, errText string) (*store.Run, error) {
	updated, err := d.store.TransitionRun(ctx, store.TransitionRunParams{
		RunID:           run.ID,
		From:            run.State,
		To:              to,
		ExpectedVersion: run.StateVersion,
		Actor:           d.cfg.WorkerID,
		Reason:          reason,
		FencingToken:    token,
		ErrorText:       errText,
	})
	if err != nil {
		return run, fmt.Errorf("transition %s -> %s: %w", run.State, to, err)
	}
	if d.events != nil {
		d.events.RunStateChanged(updated, run.State)
	}
	return updated, nil
}

// failRun moves the run to failed with a reason. Invalid-edge errors are
// returned as-is so the caller can surface them.
func (d *Driver) failRun(ctx context.Context, run *store.Run, token, reason string) (*store.Run, error) {
	return d.transition(ctx, run, runstate.RunFailed, token, reason, reason)
}

// validate checks the request and the org budget before any model spend.
func (d *Driver) validate(ctx context.Context, run *store.Run, token string) (*store.Run, error) {
	if strings.TrimSpace(run.Prompt) == "" {
		return d.failRun(ctx, run, token, "empty prompt")
	}

	est := d.billing.EstimateCallCost(ctx, d.cfg.DefaultProvider, d.cfg.DefaultModel, run.Prompt, d.cfg.MaxOutputTokens)
	if err := d.billing.CheckBudget(ctx, run.OrgID, est.CostUSD); err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			return d.failRun(ctx, run, token, "INSUFFICIENT_CREDITS")
		}
		return run, fmt.Errorf("budget check failed: %w", err)
	}

	return d.transition(ctx, run, runstate.RunPlanning, token, "validated", "")
}

// plan asks the model for a phased plan, bills the call, and stores the plan.
func (d *Driver) plan(ctx context.Context, run *store.Run, token string) (*store.Run, error) {
	resp, err := d.model.Chat(ctx, modelclient.Request{
		Provider: d.cfg.DefaultProvider,
		Model:    d.cfg.DefaultModel,
		Messages: []tokencount.Message{
			tokencount.TextMessage("system", planSystemPrompt),
			tokencount.TextMessage("user", run.Prompt),
		},
		MaxTokens: d.cfg.MaxOutputTokens,
	})
	if err != nil {
		return run, fmt.Errorf("planning model call failed: %w", err)
	}

	if err := d.chargeModelCall(ctx, run, resp, run.ID+"/plan"); err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			return d.failRun(ctx, run, token, "INSUFFICIENT_CREDITS")
		}
		return run, err
	}

	plan, err := parsePlan(resp.Content)
	if err != nil {
		d.logger.Printf("Run %s: unusable plan from model (%v), using single-step fallback", run.ID, err)
		plan = fallbackPlan(run.Prompt)
	}

	if err := d.store.SetRunPlan(ctx, run.ID, token, plan); err != nil {
		return run, fmt.Errorf("failed to store plan: %w", err)
	}
	run.Plan = plan
	return d.transition(ctx, run, runstate.RunExecuting, token, "plan approved", "")
}

// execute materializes and dispatches the plan phase by phase.
func (d *Driver) execute(ctx context.Context, run *store.Run, token string) (*store.Run, error) {
	if run.Plan == nil || len(run.Plan.Phases) == 0 {
		return d.failRun(ctx, run, token, "no plan to execute")
	}

	subtasks, err := d.materialize(ctx, run)
	if err != nil {
		return run, err
	}

	for _, phase := range run.Plan.Phases {
		if phase.Number < run.CurrentPhase {
			continue // already done before a resume
		}
		if err := d.store.SetRunPhase(ctx, run.ID, token, phase.Number); err != nil {
			return run, fmt.Errorf("failed to set phase %d: %w", phase.Number, err)
		}
		run.CurrentPhase = phase.Number

		updated, failed, err := d.runPhase(ctx, run, token, subtasks, phase)
		if err != nil {
			return updated, err
		}
		run = updated
		if failed {
			return run, nil // run already transitioned to failed/timeout
		}
	}

	return d.transition(ctx, run, runstate.RunSynthesizing, token, "all phases complete", "")
}

// runPhase dispatches one phase's subtasks and waits for them to finish.
// The bool result reports that the run reached a terminal state here.
func (d *Driver) runPhase(ctx context.Context, run *store.Run, token string, all []*store.Subtask, phase store.PlanPhase) (*store.Run, bool, error) {
	phaseIDs := make(map[string]bool)
	for _, st := range all {
		if phaseOf(run.Plan, st.SubtaskIndex) == phase.Number {
			phaseIDs[st.ID] = true
		}
	}
	if len(phaseIDs) == 0 {
		return run, false, nil
	}

	deadline := time.Now().Add(d.cfg.SubtaskWaitLimit)
	stalledFailures := 0
	for {
		if err := ctx.Err(); err != nil {
			return run, false, err
		}
		if run.DeadlineAt != nil && time.Now().After(*run.DeadlineAt) {
			updated, err := d.timeoutRun(ctx, run, token)
			return updated, true, err
		}
		if time.Now().After(deadline) {
			updated, err := d.timeoutRun(ctx, run, token)
			return updated, true, err
		}

		current, err := d.store.ListSubtasksByRun(ctx, run.ID)
		if err != nil {
			return run, false, fmt.Errorf("failed to list subtasks: %w", err)
		}

		var completed, failed, inFlight int
		for _, st := range current {
			if !phaseIDs[st.ID] {
				continue
			}
			switch st.State {
			case runstate.SubtaskCompleted:
				completed++
			case runstate.SubtaskFailed:
				failed++
			case runstate.SubtaskCancelled:
				failed++
			default:
				inFlight++
				if st.State == runstate.SubtaskPending {
					if err := d.dispatchIfReady(ctx, run, st); err != nil {
						return run, false, err
					}
				}
			}
		}

		if completed == len(phaseIDs) {
			return run, false, nil
		}
		if failed > 0 && inFlight == 0 {
			// A failed subtask may be mid-retry (failed -> pending happens in
			// two store calls); require the condition to hold twice.
			stalledFailures++
			if stalledFailures >= 2 {
				updated, err := d.failRun(ctx, run, token,
					fmt.Sprintf("phase %d: %d subtask(s) failed permanently", phase.Number, failed))
				return updated, true, err
			}
		} else {
			stalledFailures = 0
		}

		select {
		case <-ctx.Done():
			return run, false, ctx.Err()
		case <-time.After(d.cfg.SubtaskPoll):
		}
	}
}

func (d *Driver) timeoutRun(ctx context.Context, run *store.Run, token string) (*store.Run, error) {
	d.cancelRemaining(ctx, run.ID)
	return d.transition(ctx, run, runstate.RunTimeout, token, "deadline exceeded", "deadline exceeded")
}

// cancelRemaining cancels every subtask still pending or queued.
func (d *Driver) cancelRemaining(ctx context.Context, runID string) {
	subtasks, err := d.store.ListSubtasksByRun(ctx, runID)
	if err != nil {
		d.logger.Printf("Failed to list subtasks for cancellation on run %s: %v", runID, err)
		return
	}
	for _, st := range subtasks {
		if st.State != runstate.SubtaskPending && st.State != runstate.SubtaskQueued {
			continue
		}
		if _, err := d.store.TransitionSubtask(ctx, store.TransitionSubtaskParams{
			SubtaskID:       st.ID,
			From:            st.State,
			To:              runstate.SubtaskCancelled,
			ExpectedVersion: st.StateVersion,
			Actor:           d.cfg.WorkerID,
			Reason:          "run cancelled",
			MaxAttempts:     d.cfg.MaxAttempts,
		}); err != nil {
			d.logger.Printf("Failed to cancel subtask %s: %v", st.ID, err)
		}
	}
}

// dispatchIfReady moves a pending subtask to queued and enqueues it when all
// its dependencies have completed.
func (d *Driver) dispatchIfReady(ctx context.Context, run *store.Run, st *store.Subtask) error {
	ready, err := d.store.CheckSubtaskReady(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("failed to check readiness of %s: %w", st.ID, err)
	}
	if !ready {
		return nil
	}

	queued, err := d.store.TransitionSubtask(ctx, store.TransitionSubtaskParams{
		SubtaskID:       st.ID,
		From:            runstate.SubtaskPending,
		To:              runstate.SubtaskQueued,
		ExpectedVersion: st.StateVersion,
		Actor:           d.cfg.WorkerID,
		Reason:          "dispatched",
		MaxAttempts:     d.cfg.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil // someone else dispatched it
		}
		return fmt.Errorf("failed to queue subtask %s: %w", st.ID, err)
	}

	decision := d.sched.Schedule(queued, run, time.Now())
	family := d.queues.Family(decision.QueueName)
	if family == nil {
		return fmt.Errorf("no queue family %q", decision.QueueName)
	}
	if err := family.Enqueue(ctx, queued.ID, d.sched.QueuePriority(decision), queued.AttemptCount); err != nil {
		return fmt.Errorf("failed to enqueue subtask %s: %w", queued.ID, err)
	}
	d.logger.Printf("Dispatched subtask %s (%s) to %s prio=%d", queued.ID, queued.TaskType, decision.QueueName, decision.Priority)
	return nil
}

// materialize creates the run's subtask rows from the plan if they do not
// exist yet. Planned dependency indices become subtask ids.
func (d *Driver) materialize(ctx context.Context, run *store.Run) ([]*store.Subtask, error) {
	existing, err := d.store.ListSubtasksByRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks: %w", err)
	}
	if len(existing) > 0 {
		return existing, nil
	}

	var planned []store.PlannedTask
	for _, phase := range run.Plan.Phases {
		planned = append(planned, phase.Tasks...)
	}

	subtasks := make([]*store.Subtask, len(planned))
	for i, task := range planned {
		subtasks[i] = &store.Subtask{
			RunID:        run.ID,
			SubtaskIndex: i,
			TaskType:     task.TaskType,
			State:        runstate.SubtaskPending,
			Input:        task.Input,
		}
	}
	// Resolve dependency indices to ids now that ids exist, and add implicit
	// dependencies on the previous phase.
	offset := 0
	prevPhaseIDs := []string{}
	for _, phase := range run.Plan.Phases {
		currentIDs := []string{}
		for range phase.Tasks {
			st := subtasks[offset]
			st.ID = newSubtaskID(run.ID, offset)
			currentIDs = append(currentIDs, st.ID)
			offset++
		}
		for i := offset - len(phase.Tasks); i < offset; i++ {
			subtasks[i].Dependencies = append([]string{}, prevPhaseIDs...)
		}
		prevPhaseIDs = currentIDs
	}
	for i, task := range planned {
		for _, dep := range task.DependsOn {
			if dep >= 0 && dep < len(subtasks) && dep != i {
				subtasks[i].Dependencies = appendUnique(subtasks[i].Dependencies, subtasks[dep].ID)
			}
		}
	}

	if err := d.store.CreateSubtasks(ctx, subtasks); err != nil {
		return nil, fmt.Errorf("failed to create subtasks: %w", err)
	}
	d.logger.Printf("Materialized %d subtasks for run %s", len(subtasks), run.ID)
	return subtasks, nil
}

// synthesize produces the final assistant message from the subtask outputs.
func (d *Driver) synthesize(ctx context.Context, run *store.Run, token string) (*store.Run, error) {
	subtasks, err := d.store.ListSubtasksByRun(ctx, run.ID)
	if err != nil {
		return run, fmt.Errorf("failed to list subtasks: %w", err)
	}

	var sb strings.Builder
	for _, st := range subtasks {
		if st.Output == nil {
			continue
		}
		raw, err := json.Marshal(st.Output)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "Task %d (%s): %s\n", st.SubtaskIndex, st.TaskType, raw)
	}

	resp, err := d.model.Chat(ctx, modelclient.Request{
		Provider: d.cfg.DefaultProvider,
		Model:    d.cfg.DefaultModel,
		Messages: []tokencount.Message{
			tokencount.TextMessage("system", synthesisSystemPrompt),
			tokencount.TextMessage("user", run.Prompt),
			tokencount.TextMessage("user", sb.String()),
		},
		MaxTokens: d.cfg.MaxOutputTokens,
	})
	if err != nil {
		return run, fmt.Errorf("synthesis model call failed: %w", err)
	}

	if err := d.chargeModelCall(ctx, run, resp, run.ID+"/synthesis"); err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			return d.failRun(ctx, run, token, "INSUFFICIENT_CREDITS")
		}
		return run, err
	}

	if d.messages != nil {
		if err := d.messages.AppendRunMessage(&store.RunMessage{
			RunID:   run.ID,
			Role:    "assistant",
			Content: resp.Content,
		}); err != nil {
			d.logger.Printf("Failed to append final message for run %s: %v", run.ID, err)
		}
	}

	run, err = d.transition(ctx, run, runstate.RunCompleted, token, "synthesis complete", "")
	if err != nil {
		return run, err
	}

	if _, err := d.billing.ReconcileRun(ctx, run.ID); err != nil {
		d.logger.Printf("Reconciliation failed for run %s: %v", run.ID, err)
	}
	return run, nil
}

// chargeModelCall bills one model response with a stable idempotency key so a
// resumed run never double-charges.
func (d *Driver) chargeModelCall(ctx context.Context, run *store.Run, resp *modelclient.Response, key string) error {
	_, err := d.billing.Charge(ctx, billing.ChargeParams{
		RunID:          run.ID,
		OrgID:          run.OrgID,
		Provider:       d.cfg.DefaultProvider,
		Model:          d.cfg.DefaultModel,
		InputTokens:    resp.Usage.InputTokens,
		OutputTokens:   resp.Usage.OutputTokens,
		IdempotencyKey: key,
	})
	if errors.Is(err, billing.ErrBillingDisabled) {
		return nil
	}
	return err
}

const planSystemPrompt = `You are a planning assistant. Reply with a JSON object of the form
{"phases":[{"number":1,"title":"...","tasks":[{"task_type":"shell|code|file|browser|search|synthesis","description":"...","input":{...}}]}]}
and nothing else.`

const synthesisSystemPrompt = `Summarize the task outputs below into a final answer for the user.`

// parsePlan decodes the model's plan JSON, requiring at least one task.
func parsePlan(content string) (*store.Plan, error) {
	content = strings.TrimSpace(content)
	// Models wrap JSON in fences often enough to be worth stripping.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var plan store.Plan
	if err := json.Unmarshal([]byte(content), &plan); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	total := 0
	for _, phase := range plan.Phases {
		total += len(phase.Tasks)
	}
	if total == 0 {
		return nil, errors.New("plan has no tasks")
	}
	return &plan, nil
}

// fallbackPlan wraps the prompt into a single shell step so a malformed plan
// degrades instead of failing the run.
func fallbackPlan(prompt string) *store.Plan {
	return &store.Plan{Phases: []store.PlanPhase{{
		Number: 1,
		Title:  "execute",
		Tasks: []store.PlannedTask{{
			TaskType:    "shell",
			Description: prompt,
			Input:       map[string]interface{}{"command": prompt},
		}},
	}}}
}

// phaseOf maps a subtask index back to its plan phase number.
func phaseOf(plan *store.Plan, index int) int {
	offset := 0
	for _, phase := range plan.Phases {
		offset += len(phase.Tasks)
		if index < offset {
			return phase.Number
		}
	}
	return -1
}

func newSubtaskID(runID string, index int) string {
	return fmt.Sprintf("%s-st-%d", runID, index)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
