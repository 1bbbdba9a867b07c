package orchestrator

import (
	"github.com/redis/go-redis/v9"

	"github.com/strandlabs/controlplane/internal/queue"
	"github.com/strandlabs/controlplane/internal/scheduler"
)

// Queues bundles the run queue with one queue family per scheduler route.
type Queues struct {
	Run      *queue.Queue
	families map[string]*queue.Queue
}

// NewQueues builds the run family ("jobs") and every subtask family on the
// shared broker. metrics may be nil.
func NewQueues(rdb *redis.Client, maxRetries int, metrics *queue.Metrics) *Queues {
	q := &Queues{
		Run:      queue.New(rdb, "jobs", maxRetries, metrics),
		families: make(map[string]*queue.Queue),
	}
	for _, name := range scheduler.QueueNames() {
		q.families[name] = queue.New(rdb, name, maxRetries, metrics)
	}
	return q
}

// Family returns the subtask queue for a scheduler queue name, or nil.
func (q *Queues) Family(name string) *queue.Queue {
	return q.families[name]
}

// FamilyForTaskType resolves the queue a task type dispatches to.
func (q *Queues) FamilyForTaskType(taskType string) *queue.Queue {
	return q.families[scheduler.QueueFor(taskType)]
}

// FamilyNames lists the subtask families.
func (q *Queues) FamilyNames() []string {
	return scheduler.QueueNames()
}
