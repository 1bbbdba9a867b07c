package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/strandlabs/controlplane/internal/runstate"
	"github.com/strandlabs/controlplane/internal/store"
)

// Sweeper recovers abandoned runs: rows whose fence has expired and which
// nobody has touched for a while (a crashed driver, a lost pod). Expired
// past-deadline runs go to timeout; everything else is re-enqueued so a
// fresh driver can resume it.
type Sweeper struct {
	store        Store
	queues       *Queues
	interval     time.Duration
	stalledAfter time.Duration
	logger       *log.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSweeper builds the stalled-run sweeper.
func NewSweeper(st Store, queues *Queues, interval, stalledAfter time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if stalledAfter <= 0 {
		stalledAfter = 2 * time.Minute
	}
	return &Sweeper{
		store:        st,
		queues:       queues,
		interval:     interval,
		stalledAfter: stalledAfter,
		logger:       log.New(log.Writer(), "[StalledSweeper] ", log.LstdFlags),
		stop:         make(chan struct{}),
	}
}

// Start launches the background loop.
func (s *Sweeper) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				s.Sweep(ctx)
				cancel()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Sweep performs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	runs, err := s.store.StalledRuns(ctx, s.stalledAfter, 100)
	if err != nil {
		s.logger.Printf("Failed to list stalled runs: %v", err)
		return
	}
	for _, run := range runs {
		s.recover(ctx, run)
	}
}

func (s *Sweeper) recover(ctx context.Context, run *store.Run) {
	if run.State.IsTerminal() {
		return
	}

	now := time.Now()
	if run.DeadlineAt != nil && now.After(*run.DeadlineAt) && run.State == runstate.RunExecuting {
		// No fence guard: the lease is expired by definition of stalled.
		if _, err := s.store.TransitionRun(ctx, store.TransitionRunParams{
			RunID:           run.ID,
			From:            run.State,
			To:              runstate.RunTimeout,
			ExpectedVersion: run.StateVersion,
			Actor:           "stalled-sweeper",
			Reason:          "deadline exceeded while stalled",
			ErrorText:       "deadline exceeded",
		}); err != nil {
			s.logger.Printf("Failed to time out stalled run %s: %v", run.ID, err)
			return
		}
		s.logger.Printf("Timed out stalled run %s", run.ID)
		return
	}

	present, err := s.queues.Run.Contains(ctx, run.ID)
	if err != nil {
		s.logger.Printf("Failed to scan broker for run %s: %v", run.ID, err)
		return
	}
	if present {
		return
	}
	if err := s.queues.Run.Enqueue(ctx, run.ID, 1, 0); err != nil {
		s.logger.Printf("Failed to re-enqueue stalled run %s: %v", run.ID, err)
		return
	}
	s.logger.Printf("Re-enqueued stalled run %s (state %s)", run.ID, run.State)
}
