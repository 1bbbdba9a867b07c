// Package sandbox keeps a warm pool of executor sandboxes so runs never pay
// container cold-start on the hot path.
package sandbox

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sandbox lifecycle states.
type State string

const (
	StateWarming    State = "warming"
	StateReady      State = "ready"
	StateAssigned   State = "assigned"
	StateBusy       State = "busy"
	StateDraining   State = "draining"
	StateTerminated State = "terminated"
)

// InstanceMetrics is the per-sandbox usage record, updated on each execution.
type InstanceMetrics struct {
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryBytes     int64     `json:"memory_bytes"`
	MemoryPeakBytes int64     `json:"memory_peak_bytes"`
	DiskBytes       int64     `json:"disk_bytes"`
	NetBytesIn      int64     `json:"net_bytes_in"`
	NetBytesOut     int64     `json:"net_bytes_out"`
	ExecutionCount  int64     `json:"execution_count"`
	LastExitCode    int       `json:"last_exit_code"`
	LastActivityAt  time.Time `json:"last_activity_at"`
}

// Sandbox is one pooled executor instance.
type Sandbox struct {
	ID        string     `json:"id"`
	Template  string     `json:"template"`
	BackendID string     `json:"backend_id"`
	State     State      `json:"state"`
	RunID     string     `json:"run_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Healthy   bool       `json:"healthy"`

	Metrics InstanceMetrics `json:"metrics"`

	healthFailures int
}

// Template describes one sandbox flavor the pool maintains.
type Template struct {
	Name          string
	Image         string
	MinPoolSize   int
	MaxPoolSize   int
	PrewarmScript []string
	TTL           time.Duration // zero means no per-instance expiry
}

// Config carries the pool tunables.
type Config struct {
	MaxSandboxAge  time.Duration
	MaxIdleTime    time.Duration
	WarmupInterval time.Duration
	HealthFailures int
}

// Pool manages the sandbox fleet for every registered template.
type Pool struct {
	backend   ExecutorBackend
	cfg       Config
	templates map[string]Template
	metrics   *Metrics
	logger    *log.Logger

	mu        sync.Mutex
	sandboxes map[string]*Sandbox

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewPool builds the pool. metrics may be nil.
func NewPool(backend ExecutorBackend, cfg Config, templates []Template, metrics *Metrics) *Pool {
	if cfg.MaxSandboxAge <= 0 {
		cfg.MaxSandboxAge = time.Hour
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = 5 * time.Minute
	}
	if cfg.WarmupInterval <= 0 {
		cfg.WarmupInterval = 30 * time.Second
	}
	if cfg.HealthFailures <= 0 {
		cfg.HealthFailures = 3
	}
	p := &Pool{
		backend:   backend,
		cfg:       cfg,
		templates: make(map[string]Template, len(templates)),
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[SandboxPool] ", log.LstdFlags),
		sandboxes: make(map[string]*Sandbox),
		stop:      make(chan struct{}),
		now:       time.Now,
	}
	for _, tpl := range templates {
		if tpl.MinPoolSize <= 0 {
			tpl.MinPoolSize = 1
		}
		if tpl.MaxPoolSize < tpl.MinPoolSize {
			tpl.MaxPoolSize = tpl.MinPoolSize * 4
		}
		p.templates[tpl.Name] = tpl
	}
	return p
}

// Start launches the warmup, cleanup, and expiry loops.
func (p *Pool) Start() {
	go p.loop(p.cfg.WarmupInterval, p.runWarmup)
	go p.loop(60*time.Second, p.runCleanup)
	go p.loop(5*time.Minute, p.runExpiry)
}

// Stop terminates the background loops. Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) loop(interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			fn(ctx)
			cancel()
		case <-p.stop:
			return
		}
	}
}

// Acquire hands out the first ready sandbox for the template, stamping the
// run id. If none is ready it creates one unless the template cap is hit, in
// which case it returns nil.
func (p *Pool) Acquire(ctx context.Context, runID, template string) (*Sandbox, error) {
	tpl, ok := p.templates[template]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox template %q", template)
	}

	p.mu.Lock()
	for _, sb := range p.sandboxes {
		if sb.Template == template && sb.State == StateReady && sb.Healthy {
			sb.State = StateAssigned
			sb.RunID = runID
			sb.Metrics.LastActivityAt = p.now()
			p.mu.Unlock()
			if p.metrics != nil {
				p.metrics.RecordAcquire(template, false)
			}
			return sb, nil
		}
	}
	if p.countLocked(template) >= tpl.MaxPoolSize {
		p.mu.Unlock()
		p.logger.Printf("Template %s at capacity (%d), acquire for run %s denied", template, tpl.MaxPoolSize, runID)
		return nil, nil
	}
	// Reserve the slot before provisioning: the placeholder counts against
	// the cap for concurrent acquires, and it never enters the ready set, so
	// no other caller can claim it mid-build.
	sb := p.reserveLocked(tpl)
	sb.RunID = runID
	p.mu.Unlock()

	if err := p.provision(ctx, tpl, sb); err != nil {
		return nil, err
	}

	p.mu.Lock()
	sb.State = StateAssigned
	sb.Metrics.LastActivityAt = p.now()
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RecordAcquire(template, true)
	}
	return sb, nil
}

// Release returns a sandbox to the pool. Healthy, not-over-age instances go
// back to ready when recycle is set; everything else terminates.
func (p *Pool) Release(ctx context.Context, sandboxID string, recycle bool) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown sandbox %s", sandboxID)
	}

	overAge := p.now().Sub(sb.CreatedAt) > p.cfg.MaxSandboxAge
	if recycle && sb.Healthy && !overAge {
		sb.State = StateReady
		sb.RunID = ""
		sb.Metrics.LastActivityAt = p.now()
		p.mu.Unlock()
		return nil
	}
	sb.State = StateDraining
	p.mu.Unlock()

	return p.terminate(ctx, sb, "release")
}

// Execute runs one command in the sandbox, tracking busy state and per-run
// accounting.
func (p *Pool) Execute(ctx context.Context, sandboxID string, cmd []string) (*ExecResult, error) {
	p.mu.Lock()
	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("unknown sandbox %s", sandboxID)
	}
	if sb.State != StateAssigned {
		state := sb.State
		p.mu.Unlock()
		return nil, fmt.Errorf("sandbox %s not assigned (state %s)", sandboxID, state)
	}
	sb.State = StateBusy
	backendID := sb.BackendID
	p.mu.Unlock()

	result, err := p.backend.Exec(ctx, backendID, cmd)

	p.mu.Lock()
	if sb.State == StateBusy {
		sb.State = StateAssigned
	}
	sb.Metrics.ExecutionCount++
	sb.Metrics.LastActivityAt = p.now()
	if result != nil {
		sb.Metrics.LastExitCode = result.ExitCode
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordExecution(sb.Template, err == nil)
	}
	if err != nil {
		return nil, fmt.Errorf("exec in sandbox %s failed: %w", sandboxID, err)
	}
	return result, nil
}

// WriteFile places a file inside the sandbox.
func (p *Pool) WriteFile(ctx context.Context, sandboxID, path string, data []byte) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown sandbox %s", sandboxID)
	}
	backendID := sb.BackendID
	p.mu.Unlock()
	return p.backend.WriteFile(ctx, backendID, path, data)
}

// ReadFile reads a file out of the sandbox.
func (p *Pool) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	p.mu.Lock()
	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("unknown sandbox %s", sandboxID)
	}
	backendID := sb.BackendID
	p.mu.Unlock()
	return p.backend.ReadFile(ctx, backendID, path)
}

// ReportUsage merges a usage sample into the sandbox metrics.
func (p *Pool) ReportUsage(sandboxID string, cpuPercent float64, memoryBytes, diskBytes, netIn, netOut int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		return
	}
	sb.Metrics.CPUPercent = cpuPercent
	sb.Metrics.MemoryBytes = memoryBytes
	if memoryBytes > sb.Metrics.MemoryPeakBytes {
		sb.Metrics.MemoryPeakBytes = memoryBytes
	}
	sb.Metrics.DiskBytes = diskBytes
	sb.Metrics.NetBytesIn += netIn
	sb.Metrics.NetBytesOut += netOut
}

// RecordHealthCheck folds one health probe result into the sandbox. The
// health flag drops after the configured number of consecutive failures.
func (p *Pool) RecordHealthCheck(sandboxID string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, found := p.sandboxes[sandboxID]
	if !found {
		return
	}
	if ok {
		sb.healthFailures = 0
		return
	}
	sb.healthFailures++
	if sb.healthFailures >= p.cfg.HealthFailures && sb.Healthy {
		sb.Healthy = false
		p.logger.Printf("Sandbox %s marked unhealthy after %d failed checks", sandboxID, sb.healthFailures)
	}
}

// Get returns the sandbox by id, or nil.
func (p *Pool) Get(sandboxID string) *Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sandboxes[sandboxID]
}

// Stats reports sandbox counts by template and state.
func (p *Pool) Stats() map[string]map[State]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make(map[string]map[State]int)
	for _, sb := range p.sandboxes {
		if stats[sb.Template] == nil {
			stats[sb.Template] = make(map[State]int)
		}
		stats[sb.Template][sb.State]++
	}
	return stats
}

// runWarmup tops each template up to its minimum ready count and prewarms
// the new instances.
func (p *Pool) runWarmup(ctx context.Context) {
	for name, tpl := range p.templates {
		for {
			p.mu.Lock()
			ready := 0
			for _, sb := range p.sandboxes {
				if sb.Template == name && (sb.State == StateReady || sb.State == StateWarming) {
					ready++
				}
			}
			if ready >= tpl.MinPoolSize || p.countLocked(name) >= tpl.MaxPoolSize {
				p.mu.Unlock()
				break
			}
			sb := p.reserveLocked(tpl)
			p.mu.Unlock()

			if err := p.provision(ctx, tpl, sb); err != nil {
				p.logger.Printf("Warmup create failed for template %s: %v", name, err)
				break
			}
			p.mu.Lock()
			sb.State = StateReady
			p.mu.Unlock()
		}
	}
}

// runCleanup terminates over-age sandboxes (unless busy or warming) and idle
// ready sandboxes beyond the template minimum.
func (p *Pool) runCleanup(ctx context.Context) {
	now := p.now()

	p.mu.Lock()
	readyCount := make(map[string]int)
	for _, sb := range p.sandboxes {
		if sb.State == StateReady {
			readyCount[sb.Template]++
		}
	}
	var victims []*Sandbox
	for _, sb := range p.sandboxes {
		if sb.State == StateBusy || sb.State == StateWarming {
			continue
		}
		if now.Sub(sb.CreatedAt) > p.cfg.MaxSandboxAge {
			victims = append(victims, sb)
			if sb.State == StateReady {
				readyCount[sb.Template]--
			}
			continue
		}
		if sb.State == StateReady &&
			readyCount[sb.Template] > p.templates[sb.Template].MinPoolSize &&
			now.Sub(sb.Metrics.LastActivityAt) > p.cfg.MaxIdleTime {
			victims = append(victims, sb)
			readyCount[sb.Template]--
		}
	}
	for _, sb := range victims {
		sb.State = StateDraining
	}
	p.mu.Unlock()

	for _, sb := range victims {
		if err := p.terminate(ctx, sb, "cleanup"); err != nil {
			p.logger.Printf("Cleanup terminate failed for %s: %v", sb.ID, err)
		}
	}
}

// runExpiry terminates sandboxes whose per-instance expires_at has passed.
func (p *Pool) runExpiry(ctx context.Context) {
	now := p.now()

	p.mu.Lock()
	var victims []*Sandbox
	for _, sb := range p.sandboxes {
		if sb.ExpiresAt != nil && now.After(*sb.ExpiresAt) {
			sb.State = StateDraining
			victims = append(victims, sb)
		}
	}
	p.mu.Unlock()

	for _, sb := range victims {
		if err := p.terminate(ctx, sb, "expiry"); err != nil {
			p.logger.Printf("Expiry terminate failed for %s: %v", sb.ID, err)
		}
	}
}

func (p *Pool) countLocked(template string) int {
	n := 0
	for _, sb := range p.sandboxes {
		if sb.Template == template {
			n++
		}
	}
	return n
}

// reserveLocked registers a warming placeholder for one new instance. The
// placeholder holds a slot against the template cap from the moment it is
// created; callers hold p.mu and finish it with provision.
func (p *Pool) reserveLocked(tpl Template) *Sandbox {
	now := p.now()
	sb := &Sandbox{
		ID:        uuid.NewString(),
		Template:  tpl.Name,
		State:     StateWarming,
		CreatedAt: now,
		Healthy:   true,
		Metrics:   InstanceMetrics{LastActivityAt: now},
	}
	if tpl.TTL > 0 {
		expires := now.Add(tpl.TTL)
		sb.ExpiresAt = &expires
	}
	p.sandboxes[sb.ID] = sb
	return sb
}

// provision starts the backend instance for a reserved placeholder and runs
// the prewarm script. On failure the reservation is removed so the slot
// frees up. The caller picks the final state.
func (p *Pool) provision(ctx context.Context, tpl Template, sb *Sandbox) error {
	image := tpl.Image
	if image == "" {
		image = tpl.Name
	}
	backendID, err := p.backend.StartSandbox(ctx, image)
	if err != nil {
		p.mu.Lock()
		delete(p.sandboxes, sb.ID)
		p.mu.Unlock()
		return fmt.Errorf("failed to start sandbox for template %s: %w", tpl.Name, err)
	}

	p.mu.Lock()
	sb.BackendID = backendID
	p.mu.Unlock()

	if len(tpl.PrewarmScript) > 0 {
		if _, err := p.backend.Exec(ctx, backendID, tpl.PrewarmScript); err != nil {
			p.logger.Printf("Prewarm failed for %s, terminating: %v", sb.ID, err)
			_ = p.terminate(ctx, sb, "prewarm failure")
			return fmt.Errorf("prewarm failed for template %s: %w", tpl.Name, err)
		}
	}
	if p.metrics != nil {
		p.metrics.RecordCreate(tpl.Name)
	}
	return nil
}

func (p *Pool) terminate(ctx context.Context, sb *Sandbox, reason string) error {
	err := p.backend.Kill(ctx, sb.BackendID)

	p.mu.Lock()
	sb.State = StateTerminated
	delete(p.sandboxes, sb.ID)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordTerminate(sb.Template, reason)
	}
	if err != nil {
		return fmt.Errorf("failed to kill sandbox %s: %w", sb.ID, err)
	}
	return nil
}
