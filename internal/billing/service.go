// Package billing implements the credit ledger: pre-call estimates, budget
// checks, idempotent charges, operating modes, and the pricing cache.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/strandlabs/controlplane/internal/store"
	"github.com/strandlabs/controlplane/internal/tokencount"
)

// Operating modes. The service self-demotes NORMAL -> READ_ONLY after
// consecutive charge-path failures; restoration is manual.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeReadOnly Mode = "READ_ONLY"
	ModeDisabled Mode = "DISABLED"
)

// Charge result codes.
const (
	CodeOK              = "OK"
	CodeDuplicate       = "DUPLICATE"
	CodeBillingDisabled = "BILLING_DISABLED"
)

// ErrRateLimited is returned when the per-org limiter rejects a charge.
var ErrRateLimited = errors.New("RATE_LIMITED")

// ErrBillingDisabled is returned for charges while the service is DISABLED.
var ErrBillingDisabled = errors.New("billing disabled")

// ledger is the slice of the durable store billing writes through.
type ledger interface {
	RecordTokenCall(ctx context.Context, p store.RecordTokenCallParams) (*store.TokenRecord, bool, error)
	GetBalance(ctx context.Context, orgID string) (*store.CreditBalance, error)
	AddCredits(ctx context.Context, orgID string, amount decimal.Decimal, reason string) (*store.CreditBalance, error)
	ReconcileRun(ctx context.Context, runID string) (*store.RunReconciliation, error)
}

// Limiter gates charges per organization. Implementations should fail open.
type Limiter interface {
	Allow(ctx context.Context, orgID string) (bool, error)
}

// Estimate is the pre-call cost projection.
type Estimate struct {
	InputTokens     int
	EstOutputTokens int
	CostUSD         decimal.Decimal
}

// ChargeParams describes one model call to bill.
type ChargeParams struct {
	RunID          string
	OrgID          string
	Provider       string
	Model          string
	InputTokens    int
	OutputTokens   int
	IdempotencyKey string
	Estimated      bool
}

// ChargeResult reports the outcome of a charge attempt.
type ChargeResult struct {
	Code    string
	CostUSD decimal.Decimal
	Record  *store.TokenRecord
}

// Service is the billing ledger front end.
type Service struct {
	ledger  ledger
	pricing *PricingCache
	counter *tokencount.Counter
	limiter Limiter
	metrics *Metrics
	logger  *log.Logger

	failureThreshold int

	mu           sync.Mutex
	mode         Mode
	failureCount int
}

// NewService wires the billing ledger. limiter and metrics may be nil.
func NewService(ledger ledger, pricing *PricingCache, counter *tokencount.Counter, limiter Limiter, failureThreshold int, metrics *Metrics) *Service {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if counter == nil {
		counter = tokencount.NewCounter()
	}
	s := &Service{
		ledger:           ledger,
		pricing:          pricing,
		counter:          counter,
		limiter:          limiter,
		metrics:          metrics,
		logger:           log.New(log.Writer(), "[Billing] ", log.LstdFlags),
		failureThreshold: failureThreshold,
		mode:             ModeNormal,
	}
	if metrics != nil {
		metrics.SetMode(ModeNormal)
	}
	return s
}

// Mode returns the current operating mode.
func (s *Service) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode forces a mode. Used by operators to restore NORMAL after a
// self-demotion, or to disable billing outright.
func (s *Service) SetMode(mode Mode) {
	s.mu.Lock()
	s.mode = mode
	s.failureCount = 0
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetMode(mode)
	}
	s.logger.Printf("Mode set to %s", mode)
}

// EstimateCallCost counts input tokens, projects output as
// min(max_tokens, input/2), and prices the pair.
func (s *Service) EstimateCallCost(ctx context.Context, provider, model, inputText string, maxTokens int) Estimate {
	input := s.counter.Count(provider, model, inputText)

	estOutput := input / 2
	if maxTokens > 0 && maxTokens < estOutput {
		estOutput = maxTokens
	}

	return Estimate{
		InputTokens:     input,
		EstOutputTokens: estOutput,
		CostUSD:         s.Cost(ctx, provider, model, input, estOutput),
	}
}

// Cost prices a token pair against the cached per-million rates.
func (s *Service) Cost(ctx context.Context, provider, model string, inputTokens, outputTokens int) decimal.Decimal {
	p := s.pricing.Get(ctx, provider, model)
	million := decimal.NewFromInt(1_000_000)
	in := decimal.NewFromInt(int64(inputTokens)).Mul(p.InputPerMillion).Div(million)
	out := decimal.NewFromInt(int64(outputTokens)).Mul(p.OutputPerMillion).Div(million)
	return in.Add(out)
}

// CheckBudget verifies the org can afford amount.
// Returns store.ErrInsufficientCredits when it cannot.
func (s *Service) CheckBudget(ctx context.Context, orgID string, amount decimal.Decimal) error {
	balance, err := s.ledger.GetBalance(ctx, orgID)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if balance == nil || balance.AvailableUSD().LessThan(amount) {
		return store.ErrInsufficientCredits
	}
	return nil
}

// Charge bills one model call. Idempotent on params.IdempotencyKey: a repeat
// returns the original row with CodeDuplicate and moves no money.
func (s *Service) Charge(ctx context.Context, params ChargeParams) (*ChargeResult, error) {
	switch s.Mode() {
	case ModeDisabled:
		if s.metrics != nil {
			s.metrics.RecordCharge("disabled")
		}
		return nil, ErrBillingDisabled
	case ModeReadOnly:
		// Let the request through without writing anything.
		if s.metrics != nil {
			s.metrics.RecordCharge("read_only")
		}
		return &ChargeResult{Code: CodeBillingDisabled, CostUSD: decimal.Zero}, nil
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, params.OrgID)
		if err != nil {
			// Fail open: a broken limiter must not block billing.
			s.logger.Printf("Limiter error for org %s, allowing: %v", params.OrgID, err)
		} else if !allowed {
			if s.metrics != nil {
				s.metrics.RecordCharge("rate_limited")
			}
			return nil, ErrRateLimited
		}
	}

	cost := s.Cost(ctx, params.Provider, params.Model, params.InputTokens, params.OutputTokens)
	record, duplicate, err := s.ledger.RecordTokenCall(ctx, store.RecordTokenCallParams{
		RunID:          params.RunID,
		OrgID:          params.OrgID,
		Model:          params.Model,
		Provider:       params.Provider,
		InputTokens:    params.InputTokens,
		OutputTokens:   params.OutputTokens,
		CostUSD:        cost,
		IdempotencyKey: params.IdempotencyKey,
		Estimated:      params.Estimated,
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			if s.metrics != nil {
				s.metrics.RecordCharge("insufficient_credits")
			}
			return nil, err
		}
		s.recordFailure(err)
		if s.metrics != nil {
			s.metrics.RecordCharge("error")
		}
		return nil, fmt.Errorf("charge failed: %w", err)
	}
	s.recordSuccess()

	code := CodeOK
	if duplicate {
		code = CodeDuplicate
	}
	if s.metrics != nil {
		s.metrics.RecordCharge("ok")
	}
	return &ChargeResult{Code: code, CostUSD: record.CostUSD, Record: record}, nil
}

// AddCredits credits an org account through the add_credits procedure.
func (s *Service) AddCredits(ctx context.Context, orgID string, amount decimal.Decimal, reason string) (*store.CreditBalance, error) {
	return s.ledger.AddCredits(ctx, orgID, amount, reason)
}

// GetBalance returns the org balance, or nil when no account exists.
func (s *Service) GetBalance(ctx context.Context, orgID string) (*store.CreditBalance, error) {
	return s.ledger.GetBalance(ctx, orgID)
}

// ReconcileRun writes the run-end estimate-vs-actual accounting row.
func (s *Service) ReconcileRun(ctx context.Context, runID string) (*store.RunReconciliation, error) {
	rr, err := s.ledger.ReconcileRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("Reconciled run %s: est=%s actual=%s variance=%s%% status=%s",
		runID, rr.EstimatedUSD, rr.ActualUSD, rr.VariancePct, rr.Status)
	return rr, nil
}

// recordFailure counts consecutive charge-path failures and self-demotes to
// READ_ONLY at the threshold so a broken ledger cannot wedge every run.
func (s *Service) recordFailure(err error) {
	s.mu.Lock()
	s.failureCount++
	demote := s.mode == ModeNormal && s.failureCount >= s.failureThreshold
	if demote {
		s.mode = ModeReadOnly
		s.failureCount = 0
	}
	s.mu.Unlock()

	if demote {
		if s.metrics != nil {
			s.metrics.SetMode(ModeReadOnly)
		}
		s.logger.Printf("Self-demoting to READ_ONLY after %d consecutive failures, last: %v",
			s.failureThreshold, err)
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	s.failureCount = 0
	s.mu.Unlock()
}
