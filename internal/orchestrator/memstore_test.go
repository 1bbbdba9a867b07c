package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/strandlabs/controlplane/internal/runstate"
	"github.com/strandlabs/controlplane/internal/store"
)

// memStore mimics the durable store's procedure semantics in memory: CAS on
// (state, state_version), fencing guards, the attempt-bounded retry edge,
// and the billing procedures. It doubles as the billing ledger in tests.
type memStore struct {
	mu       sync.Mutex
	runs     map[string]*store.Run
	subtasks map[string]*store.Subtask
	balances map[string]*store.CreditBalance
	records  map[string]*store.TokenRecord
	recons   map[string]*store.RunReconciliation

	maxAttempts int
}

func newMemStore() *memStore {
	return &memStore{
		runs:        make(map[string]*store.Run),
		subtasks:    make(map[string]*store.Subtask),
		balances:    make(map[string]*store.CreditBalance),
		records:     make(map[string]*store.TokenRecord),
		recons:      make(map[string]*store.RunReconciliation),
		maxAttempts: 3,
	}
}

func (m *memStore) putRun(run *store.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	m.runs[run.ID] = run
}

func (m *memStore) putBalance(orgID string, usd int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[orgID] = &store.CreditBalance{OrgID: orgID, BalanceUSD: decimal.NewFromInt(usd)}
}

func copyRun(r *store.Run) *store.Run {
	cp := *r
	return &cp
}

func copySubtask(s *store.Subtask) *store.Subtask {
	cp := *s
	return &cp
}

func (m *memStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return copyRun(r), nil
}

func (m *memStore) AcquireRunFence(_ context.Context, runID string, ttl time.Duration) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if r.HasLiveFence(time.Now()) {
		return nil, store.ErrFenceHeld
	}
	token := uuid.NewString()
	expires := time.Now().Add(ttl)
	r.FencingToken = &token
	r.TokenExpiresAt = &expires
	r.UpdatedAt = time.Now()
	return copyRun(r), nil
}

func (m *memStore) RenewRunFence(_ context.Context, runID, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.FencingToken == nil || *r.FencingToken != token || !r.HasLiveFence(time.Now()) {
		return store.ErrFenceMismatch
	}
	expires := time.Now().Add(ttl)
	r.TokenExpiresAt = &expires
	return nil
}

func (m *memStore) ReleaseRunFence(_ context.Context, runID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil
	}
	if r.FencingToken != nil && *r.FencingToken == token {
		r.FencingToken = nil
		r.TokenExpiresAt = nil
	}
	return nil
}

func (m *memStore) fenceOK(r *store.Run, token string) bool {
	return token == "" || (r.FencingToken != nil && *r.FencingToken == token && r.HasLiveFence(time.Now()))
}

func (m *memStore) TransitionRun(_ context.Context, p store.TransitionRunParams) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[p.RunID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := runstate.ValidateTransition(p.From, p.To); err != nil {
		return nil, err
	}
	if r.State != p.From || r.StateVersion != p.ExpectedVersion {
		return nil, store.ErrVersionConflict
	}
	if !m.fenceOK(r, p.FencingToken) {
		return nil, store.ErrFenceMismatch
	}
	r.State = p.To
	r.StateVersion++
	r.UpdatedAt = time.Now()
	if p.ErrorText != "" {
		errText := p.ErrorText
		r.Error = &errText
	}
	if p.To.IsTerminal() {
		now := time.Now()
		r.CompletedAt = &now
	}
	return copyRun(r), nil
}

func (m *memStore) guardedUpdate(runID, token string, fn func(r *store.Run)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || !m.fenceOK(r, token) || token == "" {
		return store.ErrFenceMismatch
	}
	fn(r)
	r.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) SetRunPlan(_ context.Context, runID, token string, plan *store.Plan) error {
	return m.guardedUpdate(runID, token, func(r *store.Run) { r.Plan = plan })
}

func (m *memStore) SetRunPhase(_ context.Context, runID, token string, phase int) error {
	return m.guardedUpdate(runID, token, func(r *store.Run) { r.CurrentPhase = phase })
}

func (m *memStore) SetRunWorker(_ context.Context, runID, token, workerID string) error {
	return m.guardedUpdate(runID, token, func(r *store.Run) { r.WorkerID = &workerID })
}

func (m *memStore) StalledRuns(_ context.Context, olderThan time.Duration, limit int) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*store.Run
	for _, r := range m.runs {
		if r.State.IsTerminal() || r.HasLiveFence(time.Now()) {
			continue
		}
		if r.UpdatedAt.After(cutoff) {
			continue
		}
		out = append(out, copyRun(r))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) CreateSubtasks(_ context.Context, subtasks []*store.Subtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, st := range subtasks {
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		cp := copySubtask(st)
		cp.CreatedAt = now
		cp.UpdatedAt = now
		m.subtasks[cp.ID] = cp
	}
	return nil
}

func (m *memStore) GetSubtask(_ context.Context, id string) (*store.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.subtasks[id]
	if !ok {
		return nil, nil
	}
	return copySubtask(st), nil
}

func (m *memStore) ListSubtasksByRun(_ context.Context, runID string) ([]*store.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Subtask
	for _, st := range m.subtasks {
		if st.RunID == runID {
			out = append(out, copySubtask(st))
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].SubtaskIndex < out[i].SubtaskIndex {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memStore) TransitionSubtask(_ context.Context, p store.TransitionSubtaskParams) (*store.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.subtasks[p.SubtaskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := runstate.ValidateSubtaskTransition(p.From, p.To); err != nil {
		return nil, err
	}
	if st.State != p.From || st.StateVersion != p.ExpectedVersion {
		return nil, store.ErrVersionConflict
	}
	if p.From == runstate.SubtaskFailed && p.To == runstate.SubtaskPending {
		max := p.MaxAttempts
		if max <= 0 {
			max = m.maxAttempts
		}
		if st.AttemptCount >= max {
			return nil, store.ErrAttemptsExhausted
		}
		st.AttemptCount++
	}
	st.State = p.To
	st.StateVersion++
	st.UpdatedAt = time.Now()
	if p.ErrorText != "" {
		errText := p.ErrorText
		st.Error = &errText
	}
	if p.Output != nil {
		st.Output = p.Output
	}
	return copySubtask(st), nil
}

func (m *memStore) CheckSubtaskReady(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.subtasks[id]
	if !ok {
		return false, store.ErrNotFound
	}
	for _, dep := range st.Dependencies {
		d, ok := m.subtasks[dep]
		if !ok || d.State != runstate.SubtaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (m *memStore) SubtaskCountsByState(_ context.Context, runID string) (map[runstate.SubtaskState]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[runstate.SubtaskState]int)
	for _, st := range m.subtasks {
		if st.RunID == runID {
			counts[st.State]++
		}
	}
	return counts, nil
}

// ============================================================================
// BILLING LEDGER SIDE (memStore stands in for the billing procedures too)
// ============================================================================

func (m *memStore) RecordTokenCall(_ context.Context, p store.RecordTokenCallParams) (*store.TokenRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[p.IdempotencyKey]; ok {
		return existing, true, nil
	}
	balance, ok := m.balances[p.OrgID]
	if !ok || balance.BalanceUSD.Sub(balance.ReservedUSD).LessThan(p.CostUSD) {
		return nil, false, store.ErrInsufficientCredits
	}
	balance.BalanceUSD = balance.BalanceUSD.Sub(p.CostUSD)
	rec := &store.TokenRecord{
		ID: uuid.NewString(), RunID: p.RunID, OrgID: p.OrgID, Model: p.Model,
		Provider: p.Provider, InputTokens: p.InputTokens, OutputTokens: p.OutputTokens,
		CostUSD: p.CostUSD, IdempotencyKey: p.IdempotencyKey, Estimated: p.Estimated,
		CreatedAt: time.Now(),
	}
	m.records[p.IdempotencyKey] = rec
	return rec, false, nil
}

func (m *memStore) GetBalance(_ context.Context, orgID string) (*store.CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[orgID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) AddCredits(_ context.Context, orgID string, amount decimal.Decimal, _ string) (*store.CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[orgID]
	if !ok {
		b = &store.CreditBalance{OrgID: orgID}
		m.balances[orgID] = b
	}
	b.BalanceUSD = b.BalanceUSD.Add(amount)
	cp := *b
	return &cp, nil
}

func (m *memStore) ReconcileRun(_ context.Context, runID string) (*store.RunReconciliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	actual := decimal.Zero
	for _, rec := range m.records {
		if rec.RunID == runID {
			actual = actual.Add(rec.CostUSD)
		}
	}
	rr := &store.RunReconciliation{
		ID: uuid.NewString(), RunID: runID,
		EstimatedUSD: actual, ActualUSD: actual,
		VariancePct: decimal.Zero, Status: "ok", CreatedAt: time.Now(),
	}
	m.recons[runID] = rr
	return rr, nil
}
