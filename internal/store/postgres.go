package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/strandlabs/controlplane/internal/runstate"
)

// ============================================================================
// POSTGRES STORE - Durable source of truth for runs, subtasks, and billing
// ============================================================================
//
// All state transitions and money movement go through stored procedures so
// that validation, CAS, fencing checks, and audit rows commit atomically.
// Plain reads and inserts of new rows use regular SQL.

// PostgresStore is the stored-procedure client for the durable store.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStore opens and ping-verifies a connection pool.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	logger := log.New(log.Writer(), "[Store] ", log.LstdFlags)
	logger.Printf("Connected to Postgres")

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping verifies the connection is still alive. Used by health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the raw handle for migrations and tests.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Column lists are spelled out so row scanning does not depend on table
// column order, including rows returned by procedures.
const (
	runColumns = `id, org_id, user_id, prompt, state, state_version,
		fencing_token, token_expires_at, plan, current_phase_number, priority,
		worker_id, deadline_at, error, completed_at, created_at, updated_at`

	subtaskColumns = `id, run_id, subtask_index, task_type, state, state_version,
		attempt_count, assigned_worker_id, checkpoint_id, dependencies,
		input, output, error, created_at, updated_at`

	tokenRecordColumns = `id, run_id, org_id, model, provider, input_tokens,
		output_tokens, cost_usd, idempotency_key, estimated, created_at`

	balanceColumns = `org_id, balance_usd, reserved_usd, low_balance_threshold,
		auto_recharge, updated_at`
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var planRaw []byte
	err := row.Scan(
		&r.ID, &r.OrgID, &r.UserID, &r.Prompt, &r.State, &r.StateVersion,
		&r.FencingToken, &r.TokenExpiresAt, &planRaw, &r.CurrentPhase, &r.Priority,
		&r.WorkerID, &r.DeadlineAt, &r.Error, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(planRaw) > 0 {
		if err := json.Unmarshal(planRaw, &r.Plan); err != nil {
			return nil, fmt.Errorf("failed to decode plan: %w", err)
		}
	}
	return &r, nil
}

func scanSubtask(row rowScanner) (*Subtask, error) {
	var st Subtask
	var inputRaw, outputRaw []byte
	err := row.Scan(
		&st.ID, &st.RunID, &st.SubtaskIndex, &st.TaskType, &st.State, &st.StateVersion,
		&st.AttemptCount, &st.AssignedWorkerID, &st.CheckpointID, pq.Array(&st.Dependencies),
		&inputRaw, &outputRaw, &st.Error, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(inputRaw) > 0 {
		if err := json.Unmarshal(inputRaw, &st.Input); err != nil {
			return nil, fmt.Errorf("failed to decode subtask input: %w", err)
		}
	}
	if len(outputRaw) > 0 {
		if err := json.Unmarshal(outputRaw, &st.Output); err != nil {
			return nil, fmt.Errorf("failed to decode subtask output: %w", err)
		}
	}
	return &st, nil
}

func scanTokenRecord(row rowScanner) (*TokenRecord, error) {
	var tr TokenRecord
	err := row.Scan(
		&tr.ID, &tr.RunID, &tr.OrgID, &tr.Model, &tr.Provider, &tr.InputTokens,
		&tr.OutputTokens, &tr.CostUSD, &tr.IdempotencyKey, &tr.Estimated, &tr.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

func scanBalance(row rowScanner) (*CreditBalance, error) {
	var cb CreditBalance
	err := row.Scan(
		&cb.OrgID, &cb.BalanceUSD, &cb.ReservedUSD, &cb.LowBalanceThreshold,
		&cb.AutoRecharge, &cb.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cb, nil
}

func marshalJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ============================================================================
// RUNS
// ============================================================================

// CreateRun inserts a new run row. Missing id and timestamps are filled in.
// The run starts in the created state at version 0.
func (s *PostgresStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	if run.State == "" {
		run.State = runstate.RunCreated
	}

	planRaw, err := marshalJSON(run.Plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (
			id, org_id, user_id, prompt, state, state_version, plan,
			current_phase_number, priority, deadline_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.OrgID, run.UserID, run.Prompt, run.State, run.StateVersion,
		planRaw, run.CurrentPhase, run.Priority, run.DeadlineAt,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return mapProcError("create run", err)
	}
	return nil
}

// GetRun fetches one run, or nil if it does not exist.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRunsByOrg returns the org's runs, newest first.
func (s *PostgresStore) ListRunsByOrg(ctx context.Context, orgID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListRunsInState returns runs currently in the given state, oldest first.
// The queue reconciler uses this to find rows awaiting pickup.
func (s *PostgresStore) ListRunsInState(ctx context.Context, state runstate.RunState, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE state = $1 ORDER BY created_at ASC LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs in state %s: %w", state, err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// TransitionRunParams carries one fenced, version-checked run transition.
type TransitionRunParams struct {
	RunID           string
	From            runstate.RunState
	To              runstate.RunState
	ExpectedVersion int64
	Actor           string
	Reason          string
	// FencingToken guards the write when non-empty. Administrative paths
	// (cancel from the API, the stalled-run sweeper) pass "" to skip it.
	FencingToken string
	ErrorText    string
}

// TransitionRun executes transition_run_state: validate the edge, CAS on
// state_version, check the fence, bump the version, append the audit row,
// all in one transaction. Returns the updated row.
func (s *PostgresStore) TransitionRun(ctx context.Context, p TransitionRunParams) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM transition_run_state($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.RunID, string(p.From), string(p.To), p.ExpectedVersion,
		p.Actor, p.Reason, nullStr(p.FencingToken), nullStr(p.ErrorText),
	)
	run, err := scanRun(row)
	if err != nil {
		return nil, mapProcError("transition run", err)
	}
	return run, nil
}

// AcquireRunFence executes acquire_run_fencing_token. It succeeds only when
// no live token exists, returning the refreshed run projection with the new
// token set. ErrFenceHeld means another holder is still live.
func (s *PostgresStore) AcquireRunFence(ctx context.Context, runID string, ttl time.Duration) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM acquire_run_fencing_token($1, $2)`,
		runID, int(ttl.Seconds()),
	)
	run, err := scanRun(row)
	if err != nil {
		return nil, mapProcError("acquire fence", err)
	}
	return run, nil
}

// RenewRunFence extends the lease, guarded by the current token.
func (s *PostgresStore) RenewRunFence(ctx context.Context, runID, token string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs
		 SET token_expires_at = now() + make_interval(secs => $3), updated_at = now()
		 WHERE id = $1 AND fencing_token = $2 AND token_expires_at > now()`,
		runID, token, int(ttl.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to renew fence: %w", err)
	}
	return requireGuardedRow(res, "renew fence")
}

// ReleaseRunFence executes release_run_fencing_token. Releasing with a
// superseded token is a no-op, not an error.
func (s *PostgresStore) ReleaseRunFence(ctx context.Context, runID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`SELECT release_run_fencing_token($1, $2)`, runID, token)
	if err != nil {
		return mapProcError("release fence", err)
	}
	return nil
}

// SetRunPlan stores the approved plan, guarded by the fencing token.
func (s *PostgresStore) SetRunPlan(ctx context.Context, runID, token string, plan *Plan) error {
	planRaw, err := marshalJSON(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET plan = $3, updated_at = now()
		 WHERE id = $1 AND fencing_token = $2 AND token_expires_at > now()`,
		runID, token, planRaw,
	)
	if err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	return requireGuardedRow(res, "set plan")
}

// SetRunPhase advances current_phase_number, guarded by the fencing token.
func (s *PostgresStore) SetRunPhase(ctx context.Context, runID, token string, phase int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET current_phase_number = $3, updated_at = now()
		 WHERE id = $1 AND fencing_token = $2 AND token_expires_at > now()`,
		runID, token, phase,
	)
	if err != nil {
		return fmt.Errorf("failed to set phase: %w", err)
	}
	return requireGuardedRow(res, "set phase")
}

// SetRunWorker records the driver working the run, guarded by the fence.
func (s *PostgresStore) SetRunWorker(ctx context.Context, runID, token, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET worker_id = $3, updated_at = now()
		 WHERE id = $1 AND fencing_token = $2 AND token_expires_at > now()`,
		runID, token, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to set worker: %w", err)
	}
	return requireGuardedRow(res, "set worker")
}

// requireGuardedRow converts a zero-row guarded UPDATE into ErrFenceMismatch.
func requireGuardedRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrFenceMismatch)
	}
	return nil
}

// StalledRuns executes get_stalled_runs: non-terminal runs whose fence has
// expired and which have not been touched within olderThan. The sweeper
// re-enqueues or fails these.
func (s *PostgresStore) StalledRuns(ctx context.Context, olderThan time.Duration, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM get_stalled_runs($1, $2)`,
		int(olderThan.Seconds()), limit,
	)
	if err != nil {
		return nil, mapProcError("get stalled runs", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ============================================================================
// SUBTASKS
// ============================================================================

// CreateSubtasks inserts the materialized subtasks for a phase in one batch.
func (s *PostgresStore) CreateSubtasks(ctx context.Context, subtasks []*Subtask) error {
	if len(subtasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO subtasks (
			id, run_id, subtask_index, task_type, state, state_version,
			attempt_count, dependencies, input, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, st := range subtasks {
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		if st.State == "" {
			st.State = runstate.SubtaskPending
		}
		st.CreatedAt = now
		st.UpdatedAt = now
		inputRaw, err := marshalJSON(st.Input)
		if err != nil {
			return fmt.Errorf("failed to encode subtask input: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			st.ID, st.RunID, st.SubtaskIndex, st.TaskType, st.State, st.StateVersion,
			st.AttemptCount, pq.Array(st.Dependencies), inputRaw, st.CreatedAt, st.UpdatedAt,
		); err != nil {
			return mapProcError("create subtask", err)
		}
	}
	return tx.Commit()
}

// GetSubtask fetches one subtask, or nil if it does not exist.
func (s *PostgresStore) GetSubtask(ctx context.Context, id string) (*Subtask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE id = $1`, id)
	st, err := scanSubtask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subtask: %w", err)
	}
	return st, nil
}

// ListSubtasksByRun returns the run's subtasks ordered by index.
func (s *PostgresStore) ListSubtasksByRun(ctx context.Context, runID string) ([]*Subtask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks
		 WHERE run_id = $1 ORDER BY subtask_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks: %w", err)
	}
	defer rows.Close()

	var subtasks []*Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subtask: %w", err)
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, rows.Err()
}

// ListSubtasksInState returns subtasks sitting in a state longer than
// olderThan. The reconciler uses this to find queued rows with no broker job.
func (s *PostgresStore) ListSubtasksInState(ctx context.Context, state runstate.SubtaskState, olderThan time.Duration, limit int) ([]*Subtask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks
		 WHERE state = $1 AND updated_at < now() - make_interval(secs => $2)
		 ORDER BY updated_at ASC LIMIT $3`,
		string(state), int(olderThan.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks in state %s: %w", state, err)
	}
	defer rows.Close()

	var subtasks []*Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subtask: %w", err)
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, rows.Err()
}

// TransitionSubtaskParams carries one version-checked subtask transition.
type TransitionSubtaskParams struct {
	SubtaskID       string
	From            runstate.SubtaskState
	To              runstate.SubtaskState
	ExpectedVersion int64
	Actor           string
	Reason          string
	ErrorText       string
	Output          map[string]interface{}
	// MaxAttempts bounds the failed -> pending retry edge. The procedure
	// raises ATTEMPTS_EXHAUSTED when attempt_count has reached it.
	MaxAttempts int
}

// TransitionSubtask executes transition_subtask_state. The retry edge
// (failed -> pending) increments attempt_count inside the procedure.
func (s *PostgresStore) TransitionSubtask(ctx context.Context, p TransitionSubtaskParams) (*Subtask, error) {
	outputRaw, err := marshalJSON(p.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subtaskColumns+` FROM transition_subtask_state($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.SubtaskID, string(p.From), string(p.To), p.ExpectedVersion,
		p.Actor, p.Reason, nullStr(p.ErrorText), outputRaw, p.MaxAttempts,
	)
	st, err := scanSubtask(row)
	if err != nil {
		return nil, mapProcError("transition subtask", err)
	}
	return st, nil
}

// SetSubtaskCheckpoint records the sandbox checkpoint a subtask produced.
// Scheduler affinity reads it when placing dependent subtasks.
func (s *PostgresStore) SetSubtaskCheckpoint(ctx context.Context, id, checkpointID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subtasks SET checkpoint_id = $2, updated_at = now() WHERE id = $1`,
		id, checkpointID)
	if err != nil {
		return fmt.Errorf("failed to set checkpoint: %w", err)
	}
	return nil
}

// CheckSubtaskReady executes check_subtask_ready: true when every dependency
// has completed.
func (s *PostgresStore) CheckSubtaskReady(ctx context.Context, id string) (bool, error) {
	var ready bool
	err := s.db.QueryRowContext(ctx,
		`SELECT check_subtask_ready($1)`, id).Scan(&ready)
	if err != nil {
		return false, mapProcError("check subtask ready", err)
	}
	return ready, nil
}

// SubtaskCountsByState executes get_subtask_counts_by_state for one run.
// Drivers use it to decide phase completion without racing row-by-row reads.
func (s *PostgresStore) SubtaskCountsByState(ctx context.Context, runID string) (map[runstate.SubtaskState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, count FROM get_subtask_counts_by_state($1)`, runID)
	if err != nil {
		return nil, mapProcError("subtask counts", err)
	}
	defer rows.Close()

	counts := make(map[runstate.SubtaskState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan counts: %w", err)
		}
		counts[runstate.SubtaskState(state)] = count
	}
	return counts, rows.Err()
}

// ============================================================================
// BILLING
// ============================================================================

// RecordTokenCallParams is one model-call usage report.
type RecordTokenCallParams struct {
	RunID          string
	OrgID          string
	Model          string
	Provider       string
	InputTokens    int
	OutputTokens   int
	CostUSD        decimal.Decimal
	IdempotencyKey string
	Estimated      bool
}

// RecordTokenCall executes record_token_call: insert the usage row, debit
// the balance, and append the ledger entry atomically. If the idempotency
// key has been seen, the original row returns with duplicate=true and no
// money moves.
func (s *PostgresStore) RecordTokenCall(ctx context.Context, p RecordTokenCallParams) (*TokenRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT duplicate, `+tokenRecordColumns+`
		 FROM record_token_call($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.RunID, p.OrgID, p.Model, p.Provider, p.InputTokens, p.OutputTokens,
		p.CostUSD, p.IdempotencyKey, p.Estimated,
	)
	var duplicate bool
	var tr TokenRecord
	err := row.Scan(
		&duplicate, &tr.ID, &tr.RunID, &tr.OrgID, &tr.Model, &tr.Provider,
		&tr.InputTokens, &tr.OutputTokens, &tr.CostUSD, &tr.IdempotencyKey,
		&tr.Estimated, &tr.CreatedAt,
	)
	if err != nil {
		return nil, false, mapProcError("record token call", err)
	}
	return &tr, duplicate, nil
}

// AddCredits executes add_credits: credit the balance and append the ledger
// entry atomically. Negative amounts are administrative adjustments.
func (s *PostgresStore) AddCredits(ctx context.Context, orgID string, amount decimal.Decimal, reason string) (*CreditBalance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM add_credits($1, $2, $3)`,
		orgID, amount, reason,
	)
	cb, err := scanBalance(row)
	if err != nil {
		return nil, mapProcError("add credits", err)
	}
	return cb, nil
}

// GetBalance fetches the org's credit balance, or nil if none exists yet.
func (s *PostgresStore) GetBalance(ctx context.Context, orgID string) (*CreditBalance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM credit_balances WHERE org_id = $1`, orgID)
	cb, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return cb, nil
}

// ReconcileRun executes reconcile_run: sum actual usage, compare against the
// recorded estimate, refund or top-up charge the difference, and write the
// reconciliation row. Idempotent per run.
func (s *PostgresStore) ReconcileRun(ctx context.Context, runID string) (*RunReconciliation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, estimated_usd, actual_usd, variance_pct, status, created_at
		 FROM reconcile_run($1)`, runID)
	var rr RunReconciliation
	err := row.Scan(&rr.ID, &rr.RunID, &rr.EstimatedUSD, &rr.ActualUSD,
		&rr.VariancePct, &rr.Status, &rr.CreatedAt)
	if err != nil {
		return nil, mapProcError("reconcile run", err)
	}
	return &rr, nil
}

// ListTokenRecords returns a run's usage rows, oldest first.
func (s *PostgresStore) ListTokenRecords(ctx context.Context, runID string) ([]*TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenRecordColumns+` FROM token_records
		 WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list token records: %w", err)
	}
	defer rows.Close()

	var records []*TokenRecord
	for rows.Next() {
		tr, err := scanTokenRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token record: %w", err)
		}
		records = append(records, tr)
	}
	return records, rows.Err()
}

// ListLedgerEntries returns the org's ledger, newest first.
func (s *PostgresStore) ListLedgerEntries(ctx context.Context, orgID string, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, transaction_type, amount_usd, reason, token_record_id, created_at
		 FROM ledger_entries WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2`,
		orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		var le LedgerEntry
		if err := rows.Scan(&le.ID, &le.OrgID, &le.TransactionType, &le.AmountUSD,
			&le.Reason, &le.TokenRecordID, &le.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &le)
	}
	return entries, rows.Err()
}

// ============================================================================
// AUDIT
// ============================================================================

// ListAuditEvents returns transition history for one entity, oldest first.
func (s *PostgresStore) ListAuditEvents(ctx context.Context, entityID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, from_state, to_state, actor, reason, created_at
		 FROM audit_events WHERE entity_id = $1 ORDER BY id ASC LIMIT $2`,
		entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var ae AuditEvent
		if err := rows.Scan(&ae.ID, &ae.EntityType, &ae.EntityID, &ae.FromState,
			&ae.ToState, &ae.Actor, &ae.Reason, &ae.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, &ae)
	}
	return events, rows.Err()
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
