package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/strandlabs/controlplane/internal/store"
)

func strPtr(s string) *string { return &s }

func TestQueueForRouting(t *testing.T) {
	cases := map[string]string{
		"shell":     QueueSubtask,
		"code":      QueueSubtask,
		"file":      QueueSubtask,
		"browser":   QueueBrowser,
		"search":    QueueBrowser,
		"synthesis": QueueSynthesis,
		"mystery":   QueueSubtask,
	}
	for taskType, want := range cases {
		assert.Equal(t, want, QueueFor(taskType), taskType)
	}
}

func TestPriorityDeadlineBoosts(t *testing.T) {
	s := New(Config{})
	now := time.Now()

	soon := now.Add(5 * time.Minute)
	near := now.Add(20 * time.Minute)
	far := now.Add(2 * time.Hour)

	base := s.Schedule(&store.Subtask{TaskType: "shell"}, &store.Run{Priority: 5, DeadlineAt: &far}, now)
	assert.Equal(t, 5, base.Priority)

	boosted := s.Schedule(&store.Subtask{TaskType: "shell"}, &store.Run{Priority: 5, DeadlineAt: &near}, now)
	assert.Equal(t, 6, boosted.Priority)

	urgent := s.Schedule(&store.Subtask{TaskType: "shell"}, &store.Run{Priority: 5, DeadlineAt: &soon}, now)
	assert.Equal(t, 8, urgent.Priority)
}

func TestPriorityRetryPenaltyAndSynthesisBoost(t *testing.T) {
	s := New(Config{})
	now := time.Now()
	run := &store.Run{Priority: 5}

	retry := s.Schedule(&store.Subtask{TaskType: "shell", AttemptCount: 1}, run, now)
	assert.Equal(t, 4, retry.Priority)

	synth := s.Schedule(&store.Subtask{TaskType: "synthesis"}, run, now)
	assert.Equal(t, 7, synth.Priority)
}

func TestPriorityClamping(t *testing.T) {
	s := New(Config{BasePriority: 5, MaxPriority: 10})
	now := time.Now()
	soon := now.Add(time.Minute)

	high := s.Schedule(&store.Subtask{TaskType: "synthesis"}, &store.Run{Priority: 9, DeadlineAt: &soon}, now)
	assert.Equal(t, 10, high.Priority, "priority must clamp at max")

	low := s.Schedule(&store.Subtask{TaskType: "shell", AttemptCount: 2}, &store.Run{Priority: 1}, now)
	assert.Equal(t, 1, low.Priority, "priority must clamp at 1")
}

func TestScheduleRetryDelay(t *testing.T) {
	s := New(Config{RetryBase: 30 * time.Second, MaxRetryDelay: 10 * time.Minute})
	now := time.Now()
	run := &store.Run{Priority: 5}

	fresh := s.Schedule(&store.Subtask{TaskType: "shell"}, run, now)
	assert.Zero(t, fresh.Delay)

	first := s.Schedule(&store.Subtask{TaskType: "shell", AttemptCount: 1}, run, now)
	assert.Equal(t, 30*time.Second, first.Delay)

	third := s.Schedule(&store.Subtask{TaskType: "shell", AttemptCount: 3}, run, now)
	assert.Equal(t, 120*time.Second, third.Delay)

	tenth := s.Schedule(&store.Subtask{TaskType: "shell", AttemptCount: 10}, run, now)
	assert.Equal(t, 10*time.Minute, tenth.Delay, "delay must cap")
}

func TestScheduleCheckpointAffinity(t *testing.T) {
	s := New(Config{})
	now := time.Now()
	run := &store.Run{Priority: 5}

	pinned := s.Schedule(&store.Subtask{
		TaskType:         "code",
		AttemptCount:     1,
		CheckpointID:     strPtr("ckpt-9"),
		AssignedWorkerID: strPtr("worker-3"),
	}, run, now)
	assert.Equal(t, "worker-3", pinned.WorkerAffinity)

	free := s.Schedule(&store.Subtask{TaskType: "code", AttemptCount: 1}, run, now)
	assert.Empty(t, free.WorkerAffinity)
}

func TestQueuePriorityBridge(t *testing.T) {
	s := New(Config{BasePriority: 5})

	assert.Equal(t, 0, s.QueuePriority(Decision{Priority: 5}))
	assert.Equal(t, 3, s.QueuePriority(Decision{Priority: 8}))
	assert.Equal(t, 0, s.QueuePriority(Decision{Priority: 3}), "below-base never goes negative")
}
