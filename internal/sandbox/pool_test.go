package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowStartBackend delays StartSandbox so concurrent acquires overlap the
// provisioning window.
type slowStartBackend struct {
	*LocalBackend
	delay   time.Duration
	failing atomic.Bool
}

func (b *slowStartBackend) StartSandbox(ctx context.Context, template string) (string, error) {
	time.Sleep(b.delay)
	if b.failing.Load() {
		return "", fmt.Errorf("runtime unavailable")
	}
	return b.LocalBackend.StartSandbox(ctx, template)
}

func newTestPool(t *testing.T, tpl Template) (*Pool, *LocalBackend) {
	t.Helper()
	backend := NewLocalBackend()
	pool := NewPool(backend, Config{
		MaxSandboxAge:  time.Hour,
		MaxIdleTime:    5 * time.Minute,
		HealthFailures: 2,
	}, []Template{tpl}, nil)
	return pool, backend
}

func defaultTemplate() Template {
	return Template{Name: "python", Image: "sandbox-python:latest", MinPoolSize: 2, MaxPoolSize: 4}
}

func TestAcquireReusesReadySandbox(t *testing.T) {
	pool, backend := newTestPool(t, defaultTemplate())
	ctx := context.Background()

	pool.runWarmup(ctx)
	require.Equal(t, 2, backend.StartedCount())

	sb, err := pool.Acquire(ctx, "run-1", "python")
	require.NoError(t, err)
	require.NotNil(t, sb)
	assert.Equal(t, StateAssigned, sb.State)
	assert.Equal(t, "run-1", sb.RunID)
	assert.Equal(t, 2, backend.StartedCount(), "acquire must reuse a warm sandbox")
}

func TestAcquireCreatesWhenNoneReady(t *testing.T) {
	pool, backend := newTestPool(t, defaultTemplate())
	ctx := context.Background()

	sb, err := pool.Acquire(ctx, "run-1", "python")
	require.NoError(t, err)
	require.NotNil(t, sb)
	assert.Equal(t, 1, backend.StartedCount())
}

func TestAcquireReturnsNilAtCapacity(t *testing.T) {
	tpl := defaultTemplate()
	tpl.MaxPoolSize = 1
	pool, _ := newTestPool(t, tpl)
	ctx := context.Background()

	first, err := pool.Acquire(ctx, "run-1", "python")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := pool.Acquire(ctx, "run-2", "python")
	require.NoError(t, err)
	assert.Nil(t, second, "cap hit must return none, not error")
}

func TestConcurrentAcquiresHonorCapacity(t *testing.T) {
	tpl := defaultTemplate()
	tpl.MaxPoolSize = 2
	backend := &slowStartBackend{LocalBackend: NewLocalBackend(), delay: 50 * time.Millisecond}
	pool := NewPool(backend, Config{}, []Template{tpl}, nil)

	// Eight acquires race an empty pool; every one observes zero ready
	// instances while provisioning is still in flight.
	const callers = 8
	results := make([]*Sandbox, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = pool.Acquire(context.Background(), fmt.Sprintf("run-%d", n), "python")
		}(i)
	}
	wg.Wait()

	acquired := 0
	holders := make(map[string]int)
	for n := range results {
		require.NoError(t, errs[n])
		sb := results[n]
		if sb == nil {
			continue
		}
		acquired++
		holders[sb.ID]++
		got := pool.Get(sb.ID)
		require.NotNil(t, got)
		assert.Equal(t, fmt.Sprintf("run-%d", n), got.RunID)
		assert.Equal(t, StateAssigned, got.State)
	}
	assert.Equal(t, tpl.MaxPoolSize, acquired, "exactly max_pool_size acquires may win")
	for id, n := range holders {
		assert.Equal(t, 1, n, "sandbox %s handed to more than one run", id)
	}
	assert.Equal(t, tpl.MaxPoolSize, backend.StartedCount(), "pool must never start past the cap")
}

func TestAcquireStartFailureReleasesReservation(t *testing.T) {
	tpl := defaultTemplate()
	tpl.MaxPoolSize = 1
	backend := &slowStartBackend{LocalBackend: NewLocalBackend()}
	backend.failing.Store(true)
	pool := NewPool(backend, Config{}, []Template{tpl}, nil)
	ctx := context.Background()

	_, err := pool.Acquire(ctx, "run-1", "python")
	require.Error(t, err)

	backend.failing.Store(false)
	sb, err := pool.Acquire(ctx, "run-2", "python")
	require.NoError(t, err)
	require.NotNil(t, sb, "a failed provisioning attempt must not hold the capacity slot")
}

func TestAcquireUnknownTemplate(t *testing.T) {
	pool, _ := newTestPool(t, defaultTemplate())
	_, err := pool.Acquire(context.Background(), "run-1", "golang")
	assert.Error(t, err)
}

func TestReleaseRecyclesHealthy(t *testing.T) {
	pool, _ := newTestPool(t, defaultTemplate())
	ctx := context.Background()

	sb, err := pool.Acquire(ctx, "run-1", "python")
	require.NoError(t, err)

	require.NoError(t, pool.Release(ctx, sb.ID, true))
	got := pool.Get(sb.ID)
	require.NotNil(t, got)
	assert.Equal(t, StateReady, got.State)
	assert.Empty(t, got.RunID)

	// The recycled sandbox is handed to the next run.
	next, err := pool.Acquire(ctx, "run-2", "python")
	require.NoError(t, err)
	assert.Equal(t, sb.ID, next.ID)
}

func TestReleaseTerminatesOverAge(t *testing.T) {
	pool, _ := newTestPool(t, defaultTemplate())
	ctx := context.Background()

	sb, err := pool.Acquire(ctx, "run-1", "python")
	require.NoError(t, err)

	pool.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, pool.Release(ctx, sb.ID, true))
	assert.Nil(t, pool.Get(sb.ID), "over-age sandbox must terminate even when recycling")
}

func TestReleaseWithoutRecycleTerminates(t *testing.T) {
	pool, _ := newTestPool(t, defaultTemplate())
	ctx := context.Background()

	sb, err := pool.Acquire(ctx, "run-1", "python")
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, sb.ID, false))
	assert.Nil(t, pool.Get(sb.ID))
}

func TestExecuteTracksMetrics(t *testing.T) {
	pool, backend := newTestPool(t, defaultTemplate())
	ctx := context.Background()

	backend.SetExecFunc(func(string, []string) (*ExecResult, error) {
		return &ExecResult{ExitCode: 7, Output: []byte("boom")}, nil
	})

	sb, err := pool.Acquire(ctx, "run-1", "python")
	require.NoError(t, err)

	res, err := pool.Execute(ctx, sb.ID, []string{"false"})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)

	got := pool.Get(sb.ID)
	assert.Equal(t, int64(1), got.Metrics.ExecutionCount)
	assert.Equal(t, 7, got.Metrics.LastExitCode)
	assert.Equal(t, StateAssigned, got.State, "sandbox returns to assigned after exec")
}

func TestExecuteRequiresAssigned(t *testing.T) {
	pool, _ := newTestPool(t, defaultTemplate())
	ctx := context.Background()

	pool.runWarmup(ctx)
	var readyID string
	for id, s := range pool.sandboxes {
		if s.State == StateReady {
			readyID = id
			break
		}
	}
	require.NotEmpty(t, readyID)

	_, err := pool.Execute(ctx, readyID, []string{"true"})
	assert.Error(t, err)
}

func TestReportUsagePeakMemory(t *testing.T) {
	pool, _ := newTestPool(t, defaultTemplate())
	ctx := context.Background()

	sb, err := pool.Acquire(ctx, "run-1", "python")
	require.NoError(t, err)

	pool.ReportUsage(sb.ID, 50, 1000, 10, 5, 6)
	pool.ReportUsage(sb.ID, 20, 400, 10, 5, 6)

	got := pool.Get(sb.ID)
	assert.Equal(t, int64(400), got.Metrics.MemoryBytes)
	assert.Equal(t, int64(1000), got.Metrics.MemoryPeakBytes)
	assert.Equal(t, int64(10), got.Metrics.NetBytesIn)
	assert.Equal(t, int64(12), got.Metrics.NetBytesOut)
}

func TestHealthFlagAfterConsecutiveFailures(t *testing.T) {
	pool, _ := newTestPool(t, defaultTemplate())
	ctx := context.Background()

	sb, err := pool.Acquire(ctx, "run-1", "python")
	require.NoError(t, err)

	pool.RecordHealthCheck(sb.ID, false)
	assert.True(t, pool.Get(sb.ID).Healthy, "one failure is not enough")

	pool.RecordHealthCheck(sb.ID, true)
	pool.RecordHealthCheck(sb.ID, false)
	assert.True(t, pool.Get(sb.ID).Healthy, "a success resets the streak")

	pool.RecordHealthCheck(sb.ID, false)
	assert.False(t, pool.Get(sb.ID).Healthy)

	// Unhealthy sandboxes terminate on release even when recycling.
	require.NoError(t, pool.Release(ctx, sb.ID, true))
	assert.Nil(t, pool.Get(sb.ID))
}

func TestWarmupRunsPrewarmScript(t *testing.T) {
	tpl := defaultTemplate()
	tpl.PrewarmScript = []string{"python", "-c", "import numpy"}
	pool, backend := newTestPool(t, tpl)

	var prewarmed int
	backend.SetExecFunc(func(_ string, cmd []string) (*ExecResult, error) {
		if len(cmd) > 0 && cmd[0] == "python" {
			prewarmed++
		}
		return &ExecResult{ExitCode: 0}, nil
	})

	pool.runWarmup(context.Background())
	assert.Equal(t, 2, prewarmed)

	stats := pool.Stats()
	assert.Equal(t, 2, stats["python"][StateReady])
}

func TestCleanupTerminatesOverAgeAndIdle(t *testing.T) {
	pool, _ := newTestPool(t, defaultTemplate())
	ctx := context.Background()

	pool.runWarmup(ctx)
	require.Equal(t, 2, pool.Stats()["python"][StateReady])

	// Age everything past max_sandbox_age.
	pool.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	pool.runCleanup(ctx)
	assert.Empty(t, pool.Stats(), "over-age sandboxes must all terminate")
}

func TestCleanupKeepsMinPoolIdle(t *testing.T) {
	tpl := defaultTemplate()
	tpl.MinPoolSize = 1
	tpl.MaxPoolSize = 4
	pool, _ := newTestPool(t, tpl)
	ctx := context.Background()

	// Three ready sandboxes, all idle past max_idle_time but under max age.
	for i := 0; i < 3; i++ {
		sb, err := pool.Acquire(ctx, "run-x", "python")
		require.NoError(t, err)
		require.NoError(t, pool.Release(ctx, sb.ID, true))
	}
	pool.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	pool.runCleanup(ctx)

	assert.Equal(t, 1, pool.Stats()["python"][StateReady], "idle eviction stops at min_pool_size")
}

func TestExpiryLoopHonorsPerInstanceTTL(t *testing.T) {
	tpl := defaultTemplate()
	tpl.TTL = time.Minute
	pool, _ := newTestPool(t, tpl)
	ctx := context.Background()

	sb, err := pool.Acquire(ctx, "run-1", "python")
	require.NoError(t, err)
	require.NotNil(t, sb.ExpiresAt)

	pool.runExpiry(ctx)
	require.NotNil(t, pool.Get(sb.ID), "not yet expired")

	pool.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	pool.runExpiry(ctx)
	assert.Nil(t, pool.Get(sb.ID))
}

func TestLocalBackendFiles(t *testing.T) {
	backend := NewLocalBackend()
	ctx := context.Background()

	id, err := backend.StartSandbox(ctx, "python")
	require.NoError(t, err)

	require.NoError(t, backend.WriteFile(ctx, id, "/workspace/main.py", []byte("print(1)")))
	data, err := backend.ReadFile(ctx, id, "/workspace/main.py")
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(data))

	require.NoError(t, backend.Kill(ctx, id))
	_, err = backend.ReadFile(ctx, id, "/workspace/main.py")
	assert.Error(t, err)
}
