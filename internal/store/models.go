package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/strandlabs/controlplane/internal/runstate"
)

// ============================================================================
// DATA MODELS - Rows owned by the durable store
// ============================================================================

// Run is one agent run. The store owns the row; in-memory copies are
// projections valid only inside a fencing-token lease.
type Run struct {
	ID             string            `json:"id"`
	OrgID          string            `json:"org_id"`
	UserID         string            `json:"user_id"`
	Prompt         string            `json:"prompt"`
	State          runstate.RunState `json:"state"`
	StateVersion   int64             `json:"state_version"`
	FencingToken   *string           `json:"fencing_token,omitempty"`
	TokenExpiresAt *time.Time        `json:"token_expires_at,omitempty"`
	Plan           *Plan             `json:"plan,omitempty"`
	CurrentPhase   int               `json:"current_phase_number"`
	Priority       int               `json:"priority"`
	WorkerID       *string           `json:"worker_id,omitempty"`
	DeadlineAt     *time.Time        `json:"deadline_at,omitempty"`
	Error          *string           `json:"error,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// HasLiveFence reports whether the run carries an unexpired fencing token.
func (r *Run) HasLiveFence(now time.Time) bool {
	return r.FencingToken != nil && r.TokenExpiresAt != nil && r.TokenExpiresAt.After(now)
}

// Plan is the approved multi-phase execution plan, stored as jsonb.
type Plan struct {
	Phases []PlanPhase `json:"phases"`
}

// PlanPhase groups the tasks executed together at one phase number.
type PlanPhase struct {
	Number int           `json:"number"`
	Title  string        `json:"title"`
	Tasks  []PlannedTask `json:"tasks"`
}

// PlannedTask describes one subtask to be materialized when its phase starts.
// DependsOn holds subtask indices within the run, not ids, because ids are
// assigned at materialization time.
type PlannedTask struct {
	TaskType    string                 `json:"task_type"`
	Description string                 `json:"description"`
	Input       map[string]interface{} `json:"input,omitempty"`
	DependsOn   []int                  `json:"depends_on,omitempty"`
}

// Subtask is one unit of work inside a run.
type Subtask struct {
	ID               string                 `json:"id"`
	RunID            string                 `json:"run_id"`
	SubtaskIndex     int                    `json:"subtask_index"`
	TaskType         string                 `json:"task_type"`
	State            runstate.SubtaskState  `json:"state"`
	StateVersion     int64                  `json:"state_version"`
	AttemptCount     int                    `json:"attempt_count"`
	AssignedWorkerID *string                `json:"assigned_worker_id,omitempty"`
	CheckpointID     *string                `json:"checkpoint_id,omitempty"`
	Dependencies     []string               `json:"dependencies,omitempty"`
	Input            map[string]interface{} `json:"input,omitempty"`
	Output           map[string]interface{} `json:"output,omitempty"`
	Error            *string                `json:"error,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// TokenRecord is the immutable row written once per model call.
// A second write with the same idempotency key returns this row unchanged.
type TokenRecord struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	OrgID          string          `json:"org_id"`
	Model          string          `json:"model"`
	Provider       string          `json:"provider"`
	InputTokens    int             `json:"input_tokens"`
	OutputTokens   int             `json:"output_tokens"`
	CostUSD        decimal.Decimal `json:"cost_usd"`
	IdempotencyKey string          `json:"idempotency_key"`
	Estimated      bool            `json:"estimated"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CreditBalance is the per-organization account.
// available = balance - reserved and must never go negative.
type CreditBalance struct {
	OrgID               string          `json:"org_id"`
	BalanceUSD          decimal.Decimal `json:"balance_usd"`
	ReservedUSD         decimal.Decimal `json:"reserved_usd"`
	LowBalanceThreshold decimal.Decimal `json:"low_balance_threshold"`
	AutoRecharge        bool            `json:"auto_recharge"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// AvailableUSD returns balance minus reserved.
func (cb *CreditBalance) AvailableUSD() decimal.Decimal {
	return cb.BalanceUSD.Sub(cb.ReservedUSD)
}

// Ledger transaction types.
const (
	TxCharge         = "charge"
	TxRefund         = "refund"
	TxCreditPurchase = "credit_purchase"
	TxAdjustment     = "adjustment"
)

// LedgerEntry is one append-only audit row. Amount is signed: charges are
// negative, purchases and refunds positive.
type LedgerEntry struct {
	ID              string          `json:"id"`
	OrgID           string          `json:"org_id"`
	TransactionType string          `json:"transaction_type"`
	AmountUSD       decimal.Decimal `json:"amount_usd"`
	Reason          string          `json:"reason"`
	TokenRecordID   *string         `json:"token_record_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ModelPricing is one pricing row, USD per million tokens.
type ModelPricing struct {
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	InputPerMillion  decimal.Decimal `json:"input_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_per_million"`
	EffectiveFrom    time.Time       `json:"effective_from"`
	EffectiveUntil   *time.Time      `json:"effective_until,omitempty"`
}

// RunReconciliation is the run-end estimate-vs-actual accounting row.
type RunReconciliation struct {
	ID           string          `json:"id"`
	RunID        string          `json:"run_id"`
	EstimatedUSD decimal.Decimal `json:"estimated_usd"`
	ActualUSD    decimal.Decimal `json:"actual_usd"`
	VariancePct  decimal.Decimal `json:"variance_pct"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AuditEvent records a single state transition, appended by the stored
// procedures in the same transaction as the transition itself.
type AuditEvent struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// ============================================================================
// PLATFORM TABLES (PostgREST access)
// ============================================================================

// Organization is a billing and access boundary.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tier      string    `json:"tier"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is an org-scoped machine credential. Only the bcrypt hash of the
// secret half is stored; the key id half is the lookup handle.
type APIKey struct {
	KeyID      string     `json:"key_id"`
	OrgID      string     `json:"org_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"key_hash"`
	Scopes     []string   `json:"scopes"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RunMessage is one conversation message attached to a run.
type RunMessage struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RunArtifact references a blob produced during a run.
type RunArtifact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	BlobKey     string    `json:"blob_key"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// RunLog is one log line captured from orchestration or execution.
type RunLog struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookSubscriptionRow is the persisted form of a webhook subscription.
type WebhookSubscriptionRow struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	FailCount int       `json:"fail_count"`
	CreatedAt time.Time `json:"created_at"`
}
