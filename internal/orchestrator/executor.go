package orchestrator

import (
	"context"
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
	"github.com/strandlabs/controlplane/internal/sandbox"
	"github.com/strandlabs/controlplane/internal/store"
	"github.com/strandlabs/controlplane/internal/tokencount"
)

// toolFunc executes one subtask and returns its output payload.
type toolFunc func(ctx context.Context, ex *Executor, run *store.Run, st *store.Subtask) (map[string]interface{}, error)

// toolTable dispatches task types to executor routines. Unknown types fail
// permanently rather than retrying forever.
var toolTable = map[string]toolFunc{
	"shell":     runShellTask,
	"code":      runCodeTask,
	"file":      runFileTask,
	"browser":   runModelTask,
	"search":    runModelTask,
	"synthesis": runModelTask,
}

// ExecutorConfig carries the subtask worker tunables.
type ExecutorConfig struct {
	WorkerID        string
	Concurrency     int // workers per queue family
	DequeueTimeout  time.Duration
	MaxAttempts     int
	DefaultProvider string
	DefaultModel    string
	DefaultTemplate string
	MaxOutputTokens int
}

// Executor consumes the subtask queue families and runs each subtask inside
// a pooled sandbox or against the model client.
type Executor struct {
	cfg     ExecutorConfig
	store   Store
	queues  *Queues
	pool    *sandbox.Pool
	billing *billing.Service
	model   modelclient.Client
	logger  *log.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewExecutor wires the subtask worker.
func NewExecutor(cfg ExecutorConfig, st Store, queues *Queues, pool *sandbox.Pool, bill *billing.Service, model modelclient.Client) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = tokencount.ProviderAnthropic
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-3-sonnet"
	}
	if cfg.DefaultTemplate == "" {
		cfg.DefaultTemplate = "default"
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 4096
	}
	return &Executor{
		cfg:     cfg,
		store:   st,
		queues:  queues,
		pool:    pool,
		billing: bill,
		model:   model,
		logger:  log.New(log.Writer(), fmt.Sprintf("[Executor:%s] ", cfg.WorkerID), log.LstdFlags),
		stop:    make(chan struct{}),
	}
}

// Start launches workers for every subtask queue family.
func (e *Executor) Start() {
	for _, name := range e.queues.FamilyNames() {
		family := e.queues.Family(name)
		for i := 0; i < e.cfg.Concurrency; i++ {
			e.wg.Add(1)
			go e.worker(family)
		}
	}
	e.logger.Printf("Started %d workers per family", e.cfg.Concurrency)
}

// Stop signals the workers and waits for them to drain.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

func (e *Executor) worker(family *queue.Queue) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		ctx := context.Background()
		job, err := family.Dequeue(ctx, e.cfg.DequeueTimeout)
		if err != nil {
			e.logger.Printf("Dequeue failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		e.handleJob(ctx, family, job)
	}
}

// handleJob runs one subtask job end to end, settling both the broker entry
// and the subtask row.
func (e *Executor) handleJob(ctx context.Context, family *queue.Queue, job *queue.Job) {
	subtaskID := job.RunID // subtask families carry the subtask id here
	err := e.ProcessSubtask(ctx, subtaskID)
	if err == nil {
		if err := family.MarkComplete(ctx, subtaskID); err != nil {
			e.logger.Printf("MarkComplete failed for subtask %s: %v", subtaskID, err)
		}
		return
	}

	e.logger.Printf("Subtask %s failed: %v", subtaskID, err)
	if queue.IsTransient(err.Error()) {
		// Take the retry edge so attempt_count advances with the broker retry.
		if retryErr := e.retrySubtask(ctx, subtaskID); retryErr != nil {
			if errors.Is(retryErr, store.ErrAttemptsExhausted) {
				_ = family.MarkFailed(ctx, subtaskID, "attempts exhausted: "+err.Error(), job.RetryCount+family.MaxRetries())
				return
			}
			e.logger.Printf("Retry edge failed for subtask %s: %v", subtaskID, retryErr)
		}
	}
	if markErr := family.MarkFailed(ctx, subtaskID, err.Error(), job.RetryCount); markErr != nil {
		e.logger.Printf("MarkFailed failed for subtask %s: %v", subtaskID, markErr)
	}
}

// ProcessSubtask executes one subtask: queued -> running -> completed/failed.
func (e *Executor) ProcessSubtask(ctx context.Context, subtaskID string) error {
	st, err := e.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return fmt.Errorf("failed to load subtask: %w", err)
	}
	if st == nil {
		e.logger.Printf("Subtask %s no longer exists, dropping", subtaskID)
		return nil
	}
	if st.State.IsTerminal() {
		return nil
	}
	if st.State != runstate.SubtaskQueued {
		return fmt.Errorf("subtask %s not queued (state %s)", subtaskID, st.State)
	}

	run, err := e.store.GetRun(ctx, st.RunID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil || run.State.IsTerminal() {
		_, err := e.transitionSubtask(ctx, st, runstate.SubtaskCancelled, "run is gone or terminal", "", nil)
		return err
	}

	st, err = e.transitionSubtask(ctx, st, runstate.SubtaskRunning, "picked up", "", nil)
	if err != nil {
		return fmt.Errorf("failed to start subtask: %w", err)
	}

	tool, ok := toolTable[st.TaskType]
	if !ok {
		_, terr := e.transitionSubtask(ctx, st, runstate.SubtaskFailed, "unknown task type", "unknown task type "+st.TaskType, nil)
		if terr != nil {
			return terr
		}
		return fmt.Errorf("unknown task type %s", st.TaskType)
	}

	output, execErr := tool(ctx, e, run, st)
	if execErr != nil {
		if _, terr := e.transitionSubtask(ctx, st, runstate.SubtaskFailed, "execution failed", execErr.Error(), nil); terr != nil {
			e.logger.Printf("Failed to record failure of subtask %s: %v", st.ID, terr)
		}
		return execErr
	}

	if _, err := e.transitionSubtask(ctx, st, runstate.SubtaskCompleted, "done", "", output); err != nil {
		return fmt.Errorf("failed to complete subtask: %w", err)
	}
	return nil
}

// retrySubtask takes the failed -> pending edge, then pending -> queued so
// the broker retry delivers into a consistent row state.
func (e *Executor) retrySubtask(ctx context.Context, subtaskID string) error {
	st, err := e.store.GetSubtask(ctx, subtaskID)
	if err != nil || st == nil {
		return err
	}
	if st.State != runstate.SubtaskFailed {
		return nil
	}
	st, err = e.transitionSubtask(ctx, st, runstate.SubtaskPending, "transient failure, retrying", "", nil)
	if err != nil {
		return err
	}
	_, err = e.transitionSubtask(ctx, st, runstate.SubtaskQueued, "requeued for retry", "", nil)
	return err
}

func (e *Executor) transitionSubtask(ctx context.Context, st *store.Subtask, to runstate.SubtaskState, reason, errText string, output map[string]interface{}) (*store.Subtask, error) {
	return e.store.TransitionSubtask(ctx, store.TransitionSubtaskParams{
		SubtaskID:       st.ID,
		From:            st.State,
		To:              to,
		ExpectedVersion: st.StateVersion,
		Actor:           e.cfg.WorkerID,
		Reason:          reason,
		ErrorText:       errText,
		Output:          output,
		MaxAttempts:     e.cfg.MaxAttempts,
	})
}

// acquireSandbox reserves a warm sandbox for the subtask's run. A pool at
// capacity is a transient condition.
func (e *Executor) acquireSandbox(ctx context.Context, run *store.Run, st *store.Subtask) (*sandbox.Sandbox, error) {
	template := e.cfg.DefaultTemplate
	if t, ok := st.Input["template"].(string); ok && t != "" {
		template = t
	}
	sb, err := e.pool.Acquire(ctx, run.ID, template)
	if err != nil {
		return nil, err
	}
	if sb == nil {
		return nil, errors.New("sandbox pool temporarily at capacity")
	}
	return sb, nil
}

// ============================================================================
// TOOL ROUTINES
// ============================================================================

func runShellTask(ctx context.Context, e *Executor, run *store.Run, st *store.Subtask) (map[string]interface{}, error) {
	command, _ := st.Input["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("shell task has no command")
	}

	sb, err := e.acquireSandbox(ctx, run, st)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := e.pool.Release(context.Background(), sb.ID, true); err != nil {
			e.logger.Printf("Release failed for sandbox %s: %v", sb.ID, err)
		}
	}()

	result, err := e.pool.Execute(ctx, sb.ID, []string{"/bin/sh", "-c", command})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"exit_code": result.ExitCode,
		"output":    string(result.Output),
	}, nil
}

func runCodeTask(ctx context.Context, e *Executor, run *store.Run, st *store.Subtask) (map[string]interface{}, error) {
	source, _ := st.Input["source"].(string)
	if source == "" {
		return nil, errors.New("code task has no source")
	}
	path, _ := st.Input["path"].(string)
	if path == "" {
		path = "/workspace/main.py"
	}
	interpreter, _ := st.Input["interpreter"].(string)
	if interpreter == "" {
		interpreter = "python3"
	}

	sb, err := e.acquireSandbox(ctx, run, st)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := e.pool.Release(context.Background(), sb.ID, true); err != nil {
			e.logger.Printf("Release failed for sandbox %s: %v", sb.ID, err)
		}
	}()

	if err := e.poolWriteFile(ctx, sb, path, []byte(source)); err != nil {
		return nil, err
	}
	result, err := e.pool.Execute(ctx, sb.ID, []string{interpreter, path})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"exit_code": result.ExitCode,
		"output":    string(result.Output),
		"path":      path,
	}, nil
}

func runFileTask(ctx context.Context, e *Executor, run *store.Run, st *store.Subtask) (map[string]interface{}, error) {
	op, _ := st.Input["op"].(string)
	path, _ := st.Input["path"].(string)
	if path == "" {
		return nil, errors.New("file task has no path")
	}

	sb, err := e.acquireSandbox(ctx, run, st)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := e.pool.Release(context.Background(), sb.ID, true); err != nil {
			e.logger.Printf("Release failed for sandbox %s: %v", sb.ID, err)
		}
	}()

	switch op {
	case "write":
		content, _ := st.Input["content"].(string)
		if err := e.poolWriteFile(ctx, sb, path, []byte(content)); err != nil {
			return nil, err
		}
		return map[string]interface{}{"path": path, "bytes": len(content)}, nil
	case "read", "":
		data, err := e.poolReadFile(ctx, sb, path)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"path": path, "content": string(data)}, nil
	default:
		return nil, fmt.Errorf("unknown file op %q", op)
	}
}

// runModelTask covers browser, search, and synthesis subtasks, which go to
// the model client instead of a sandbox.
func runModelTask(ctx context.Context, e *Executor, run *store.Run, st *store.Subtask) (map[string]interface{}, error) {
	query, _ := st.Input["query"].(string)
	if query == "" {
		query, _ = st.Input["description"].(string)
	}
	if query == "" {
		query = run.Prompt
	}

	resp, err := e.model.Chat(ctx, modelclient.Request{
		Provider:  e.cfg.DefaultProvider,
		Model:     e.cfg.DefaultModel,
		Messages:  []tokencount.Message{tokencount.TextMessage("user", query)},
		MaxTokens: e.cfg.MaxOutputTokens,
	})
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/attempt/%d", st.ID, st.AttemptCount)
	if _, err := e.billing.Charge(ctx, billing.ChargeParams{
		RunID:          run.ID,
		OrgID:          run.OrgID,
		Provider:       e.cfg.DefaultProvider,
		Model:          e.cfg.DefaultModel,
		InputTokens:    resp.Usage.InputTokens,
		OutputTokens:   resp.Usage.OutputTokens,
		IdempotencyKey: key,
	}); err != nil && !errors.Is(err, billing.ErrBillingDisabled) {
		return nil, err
	}

	return map[string]interface{}{"content": resp.Content}, nil
}

func (e *Executor) poolWriteFile(ctx context.Context, sb *sandbox.Sandbox, path string, data []byte) error {
	return e.pool.WriteFile(ctx, sb.ID, path, data)
}

func (e *Executor) poolReadFile(ctx context.Context, sb *sandbox.Sandbox, path string) ([]byte, error) {
	return e.pool.ReadFile(ctx, sb.ID, path)
}
