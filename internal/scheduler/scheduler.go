// Package scheduler maps subtasks onto queue families and computes their
// dispatch priority, retry delay, and worker affinity.
package scheduler

import (
	"time"

	"github.com/strandlabs/controlplane/internal/store"
)

// Queue family names. Unknown task types fall back to the subtask workers.
const (
	QueueSubtask   = "workers.subtask"
	QueueBrowser   = "workers.browser"
	QueueSynthesis = "workers.synthesis"
)

// queueByTaskType is the static routing table.
var queueByTaskType = map[string]string{
	"shell":     QueueSubtask,
	"code":      QueueSubtask,
	"file":      QueueSubtask,
	"browser":   QueueBrowser,
	"search":    QueueBrowser,
	"synthesis": QueueSynthesis,
}

// QueueNames returns every queue family the scheduler can route to, in a
// stable order. Consumers use this to start one worker group per family.
func QueueNames() []string {
	return []string{QueueSubtask, QueueBrowser, QueueSynthesis}
}

// Decision is one placement verdict for a subtask.
type Decision struct {
	QueueName      string
	Priority       int
	Delay          time.Duration
	WorkerAffinity string // empty when any worker will do
}

// Config carries the scheduler tunables.
type Config struct {
	BasePriority  int
	MaxPriority   int
	RetryBase     time.Duration
	MaxRetryDelay time.Duration
}

// Scheduler computes placement decisions. Stateless; safe for concurrent use.
type Scheduler struct {
	cfg Config
}

// New creates a scheduler, filling zero config fields with defaults.
func New(cfg Config) *Scheduler {
	if cfg.BasePriority <= 0 {
		cfg.BasePriority = 5
	}
	if cfg.MaxPriority <= 0 {
		cfg.MaxPriority = 10
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 10 * time.Minute
	}
	return &Scheduler{cfg: cfg}
}

// Schedule produces the placement decision for one subtask of one run.
func (s *Scheduler) Schedule(subtask *store.Subtask, run *store.Run, now time.Time) Decision {
	d := Decision{
		QueueName: QueueFor(subtask.TaskType),
		Priority:  s.priority(subtask, run, now),
	}

	if subtask.AttemptCount > 0 {
		d.Delay = retryDelay(subtask.AttemptCount, s.cfg.RetryBase, s.cfg.MaxRetryDelay)
	}

	// Resume-affinity: a checkpoint pins the subtask to the worker holding
	// its sandbox state.
	if subtask.CheckpointID != nil && subtask.AssignedWorkerID != nil {
		d.WorkerAffinity = *subtask.AssignedWorkerID
	}

	return d
}

// QueuePriority converts a scheduling priority into the broker-level class:
// anything above the run's base rides high_priority.
func (s *Scheduler) QueuePriority(d Decision) int {
	qp := d.Priority - s.cfg.BasePriority
	if qp < 0 {
		return 0
	}
	return qp
}

// QueueFor resolves the queue family for a task type.
func QueueFor(taskType string) string {
	if q, ok := queueByTaskType[taskType]; ok {
		return q
	}
	return QueueSubtask
}

func (s *Scheduler) priority(subtask *store.Subtask, run *store.Run, now time.Time) int {
	p := s.cfg.BasePriority
	if run != nil && run.Priority > 0 {
		p = run.Priority
	}

	if run != nil && run.DeadlineAt != nil {
		remaining := run.DeadlineAt.Sub(now)
		switch {
		case remaining < 10*time.Minute:
			p += 3
		case remaining < 30*time.Minute:
			p++
		}
	}

	if subtask.AttemptCount > 0 {
		p--
	}

	if subtask.TaskType == "synthesis" {
		p += 2
	}

	if p < 1 {
		p = 1
	}
	if p > s.cfg.MaxPriority {
		p = s.cfg.MaxPriority
	}
	return p
}

func retryDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
