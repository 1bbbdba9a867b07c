package store

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/supabase-go"
)

// ============================================================================
// TABLE STORE - PostgREST access to platform tables
// ============================================================================
//
// Organizations, API keys, pricing, and the per-run side tables (messages,
// artifacts, logs) have no cross-row atomicity requirements, so they go
// through PostgREST rather than stored procedures.

// TableStore is the PostgREST client for platform tables.
type TableStore struct {
	client *supabase.Client
	logger *log.Logger
}

// NewTableStore creates a PostgREST client against the given project.
func NewTableStore(url, serviceKey string) (*TableStore, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service key are required")
	}
	client, err := supabase.NewClient(url, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	logger := log.New(log.Writer(), "[Tables] ", log.LstdFlags)
	logger.Printf("Connected to Supabase at %s", url)
	return &TableStore{client: client, logger: logger}, nil
}

// ============================================================================
// ORGANIZATIONS
// ============================================================================

// CreateOrganization inserts a new org. Missing id and timestamps are filled.
func (ts *TableStore) CreateOrganization(org *Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	if org.Status == "" {
		org.Status = "active"
	}
	_, _, err := ts.client.From("organizations").
		Insert(org, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// GetOrganization fetches one org, or nil if it does not exist.
func (ts *TableStore) GetOrganization(orgID string) (*Organization, error) {
	var orgs []Organization
	_, err := ts.client.From("organizations").
		Select("*", "", false).
		Eq("id", orgID).
		ExecuteTo(&orgs)
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	if len(orgs) == 0 {
		return nil, nil
	}
	return &orgs[0], nil
}

// SetOrganizationStatus flips an org between active and suspended.
func (ts *TableStore) SetOrganizationStatus(orgID, status string) error {
	update := map[string]interface{}{"status": status}
	_, _, err := ts.client.From("organizations").
		Update(update, "", "").
		Eq("id", orgID).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to update organization status: %w", err)
	}
	return nil
}

// ============================================================================
// API KEYS
// ============================================================================

// CreateAPIKey stores a new key row. The secret never reaches this layer,
// only its bcrypt hash.
func (ts *TableStore) CreateAPIKey(key *APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, _, err := ts.client.From("api_keys").
		Insert(key, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetAPIKey fetches one key row by key id, or nil if it does not exist.
func (ts *TableStore) GetAPIKey(keyID string) (*APIKey, error) {
	var keys []APIKey
	_, err := ts.client.From("api_keys").
		Select("*", "", false).
		Eq("key_id", keyID).
		ExecuteTo(&keys)
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return &keys[0], nil
}

// ListAPIKeysByOrg returns an org's keys, hashes included, for management UIs.
func (ts *TableStore) ListAPIKeysByOrg(orgID string) ([]APIKey, error) {
	var keys []APIKey
	_, err := ts.client.From("api_keys").
		Select("*", "", false).
		Eq("org_id", orgID).
		Order("created_at", nil).
		ExecuteTo(&keys)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, nil
}

// TouchAPIKey records a successful authentication.
func (ts *TableStore) TouchAPIKey(keyID string) error {
	update := map[string]interface{}{"last_used_at": time.Now().UTC().Format(time.RFC3339)}
	_, _, err := ts.client.From("api_keys").
		Update(update, "", "").
		Eq("key_id", keyID).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// RevokeAPIKey deactivates a key without deleting its audit trail.
func (ts *TableStore) RevokeAPIKey(keyID string) error {
	update := map[string]interface{}{"is_active": false}
	_, _, err := ts.client.From("api_keys").
		Update(update, "", "").
		Eq("key_id", keyID).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	return nil
}

// ============================================================================
// MODEL PRICING
// ============================================================================

// GetModelPricing returns the pricing row effective right now for the model
// and provider, or nil when none covers the current instant.
func (ts *TableStore) GetModelPricing(model, provider string) (*ModelPricing, error) {
	var rows []ModelPricing
	_, err := ts.client.From("model_pricing").
		Select("*", "", false).
		Eq("model", model).
		Eq("provider", provider).
		Order("effective_from", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get model pricing: %w", err)
	}
	now := time.Now().UTC()
	for i := range rows {
		p := &rows[i]
		if p.EffectiveFrom.After(now) {
			continue
		}
		if p.EffectiveUntil != nil && !p.EffectiveUntil.After(now) {
			continue
		}
		return p, nil
	}
	return nil, nil
}

// UpsertModelPricing writes a pricing row keyed by model, provider, and
// effective_from. Seeding and price updates both go through here.
func (ts *TableStore) UpsertModelPricing(p *ModelPricing) error {
	_, _, err := ts.client.From("model_pricing").
		Upsert(p, "model,provider,effective_from", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to upsert model pricing: %w", err)
	}
	return nil
}

// ============================================================================
// RUN MESSAGES / ARTIFACTS / LOGS
// ============================================================================

// AppendRunMessage adds one conversation message to a run.
func (ts *TableStore) AppendRunMessage(msg *RunMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, _, err := ts.client.From("run_messages").
		Insert(msg, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to append run message: %w", err)
	}
	return nil
}

// ListRunMessages returns a run's messages, oldest first up to limit.
func (ts *TableStore) ListRunMessages(runID string, limit int) ([]RunMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var msgs []RunMessage
	_, err := ts.client.From("run_messages").
		Select("*", "", false).
		Eq("run_id", runID).
		Order("created_at", nil).
		Limit(limit, "").
		ExecuteTo(&msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to list run messages: %w", err)
	}
	return msgs, nil
}

// CreateRunArtifact records a produced blob's metadata.
func (ts *TableStore) CreateRunArtifact(a *RunArtifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, _, err := ts.client.From("run_artifacts").
		Insert(a, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to create run artifact: %w", err)
	}
	return nil
}

// GetRunArtifact fetches one artifact, or nil if it does not exist.
func (ts *TableStore) GetRunArtifact(id string) (*RunArtifact, error) {
	var artifacts []RunArtifact
	_, err := ts.client.From("run_artifacts").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to get run artifact: %w", err)
	}
	if len(artifacts) == 0 {
		return nil, nil
	}
	return &artifacts[0], nil
}

// ListRunArtifacts returns a run's artifacts, oldest first.
func (ts *TableStore) ListRunArtifacts(runID string) ([]RunArtifact, error) {
	var artifacts []RunArtifact
	_, err := ts.client.From("run_artifacts").
		Select("*", "", false).
		Eq("run_id", runID).
		Order("created_at", nil).
		ExecuteTo(&artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to list run artifacts: %w", err)
	}
	return artifacts, nil
}

// AppendRunLog adds one log line for a run.
func (ts *TableStore) AppendRunLog(entry *RunLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, _, err := ts.client.From("run_logs").
		Insert(entry, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	return nil
}

// ListRunLogs returns a run's log lines, oldest first up to limit.
func (ts *TableStore) ListRunLogs(runID string, limit int) ([]RunLog, error) {
	if limit <= 0 {
		limit = 200
	}
	var logs []RunLog
	_, err := ts.client.From("run_logs").
		Select("*", "", false).
		Eq("run_id", runID).
		Order("created_at", nil).
		Limit(limit, "").
		ExecuteTo(&logs)
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}
	return logs, nil
}

// ============================================================================
// WEBHOOK SUBSCRIPTIONS
// ============================================================================

// CreateWebhookSubscription persists a new subscription row.
func (ts *TableStore) CreateWebhookSubscription(sub *WebhookSubscriptionRow) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, _, err := ts.client.From("webhook_subscriptions").
		Insert(sub, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to create webhook subscription: %w", err)
	}
	return nil
}

// ListWebhookSubscriptions returns an org's subscriptions.
func (ts *TableStore) ListWebhookSubscriptions(orgID string) ([]WebhookSubscriptionRow, error) {
	var subs []WebhookSubscriptionRow
	_, err := ts.client.From("webhook_subscriptions").
		Select("*", "", false).
		Eq("org_id", orgID).
		ExecuteTo(&subs)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook subscriptions: %w", err)
	}
	return subs, nil
}

// ListActiveWebhookSubscriptions returns every active subscription across
// orgs. The dispatcher loads these on startup and after invalidations.
func (ts *TableStore) ListActiveWebhookSubscriptions() ([]WebhookSubscriptionRow, error) {
	var subs []WebhookSubscriptionRow
	_, err := ts.client.From("webhook_subscriptions").
		Select("*", "", false).
		Eq("active", "true").
		ExecuteTo(&subs)
	if err != nil {
		return nil, fmt.Errorf("failed to list active webhook subscriptions: %w", err)
	}
	return subs, nil
}

// UpdateWebhookSubscription writes back mutable fields (active, fail_count).
func (ts *TableStore) UpdateWebhookSubscription(sub *WebhookSubscriptionRow) error {
	update := map[string]interface{}{
		"active":     sub.Active,
		"fail_count": sub.FailCount,
	}
	_, _, err := ts.client.From("webhook_subscriptions").
		Update(update, "", "").
		Eq("id", sub.ID).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to update webhook subscription: %w", err)
	}
	return nil
}

// DeleteWebhookSubscription removes a subscription row.
func (ts *TableStore) DeleteWebhookSubscription(id string) error {
	_, _, err := ts.client.From("webhook_subscriptions").
		Delete("", "").
		Eq("id", id).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to delete webhook subscription: %w", err)
	}
	return nil
}
