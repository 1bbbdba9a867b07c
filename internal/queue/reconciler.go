package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/strandlabs/controlplane/internal/runstate"
	"github.com/strandlabs/controlplane/internal/store"
)

// reconcileSource is the slice of the durable store the reconciler reads.
type reconcileSource interface {
	ListRunsInState(ctx context.Context, state runstate.RunState, limit int) ([]*store.Run, error)
	ListSubtasksInState(ctx context.Context, state runstate.SubtaskState, olderThan time.Duration, limit int) ([]*store.Subtask, error)
}

// Reconciler heals broker loss: store rows that say a job is queued but have
// no entry on any broker list get re-enqueued into pending. It is the
// liveness backstop for the processing list after a consumer crash.
type Reconciler struct {
	source   reconcileSource
	runQueue *Queue
	// subtaskQueue resolves the queue family a subtask's job lives on.
	subtaskQueue func(taskType string) *Queue
	interval     time.Duration
	// graceAge keeps freshly-written rows out of the sweep while their
	// enqueue is still in flight.
	graceAge time.Duration
	logger   *log.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewReconciler builds the sidecar loop. subtaskQueue may be nil when only
// the run family needs healing.
func NewReconciler(source reconcileSource, runQueue *Queue, subtaskQueue func(taskType string) *Queue, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		source:       source,
		runQueue:     runQueue,
		subtaskQueue: subtaskQueue,
		interval:     interval,
		graceAge:     30 * time.Second,
		logger:       log.New(log.Writer(), "[QueueReconciler] ", log.LstdFlags),
		stop:         make(chan struct{}),
	}
}

// Start launches the background loop.
func (r *Reconciler) Start() {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				r.sweep(ctx)
				cancel()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop terminates the loop. Safe to call more than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// sweep performs one reconciliation pass. Exported through tests only.
func (r *Reconciler) sweep(ctx context.Context) {
	r.sweepRuns(ctx)
	if r.subtaskQueue != nil {
		r.sweepSubtasks(ctx)
	}
}

func (r *Reconciler) sweepRuns(ctx context.Context) {
	runs, err := r.source.ListRunsInState(ctx, runstate.RunCreated, 100)
	if err != nil {
		r.logger.Printf("Failed to list created runs: %v", err)
		return
	}
	cutoff := time.Now().UTC().Add(-r.graceAge)
	for _, run := range runs {
		if run.UpdatedAt.After(cutoff) {
			continue
		}
		present, err := r.runQueue.Contains(ctx, run.ID)
		if err != nil {
			r.logger.Printf("Failed to scan broker for run %s: %v", run.ID, err)
			continue
		}
		if present {
			continue
		}
		if err := r.runQueue.Enqueue(ctx, run.ID, 0, 0); err != nil {
			r.logger.Printf("Failed to re-enqueue run %s: %v", run.ID, err)
			continue
		}
		if r.runQueue.metrics != nil {
			r.runQueue.metrics.RecordReconciled(r.runQueue.namespace)
		}
		r.logger.Printf("Re-enqueued orphaned run %s", run.ID)
	}
}

func (r *Reconciler) sweepSubtasks(ctx context.Context) {
	subtasks, err := r.source.ListSubtasksInState(ctx, runstate.SubtaskQueued, r.graceAge, 100)
	if err != nil {
		r.logger.Printf("Failed to list queued subtasks: %v", err)
		return
	}
	for _, st := range subtasks {
		q := r.subtaskQueue(st.TaskType)
		if q == nil {
			continue
		}
		present, err := q.Contains(ctx, st.ID)
		if err != nil {
			r.logger.Printf("Failed to scan broker for subtask %s: %v", st.ID, err)
			continue
		}
		if present {
			continue
		}
		if err := q.Enqueue(ctx, st.ID, 0, st.AttemptCount); err != nil {
			r.logger.Printf("Failed to re-enqueue subtask %s: %v", st.ID, err)
			continue
		}
		if q.metrics != nil {
			q.metrics.RecordReconciled(q.namespace)
		}
		r.logger.Printf("Re-enqueued orphaned subtask %s (%s)", st.ID, st.TaskType)
	}
}
