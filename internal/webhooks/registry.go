// Package webhooks delivers run lifecycle and billing events to subscriber
// endpoints, signed with a per-subscription HMAC secret.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter dispatches webhook events. Both the in-memory Dispatcher and the
// Cloud Tasks-backed CloudDispatcher satisfy it.
type Emitter interface {
	Emit(eventType EventType, orgID string, data map[string]interface{})
	Shutdown()
}

// EventType identifies the events subscribers can hook. Values match the
// event bus types so one vocabulary covers SSE, Pub/Sub, and webhooks.
type EventType string

const (
	EventRunStateChanged   EventType = "run.state_changed"
	EventRunCompleted      EventType = "run.completed"
	EventRunFailed         EventType = "run.failed"
	EventRunCancelled      EventType = "run.cancelled"
	EventRunTimeout        EventType = "run.timeout"
	EventBillingReconciled EventType = "billing.reconciled"
)

// maxConsecutiveFailures disables a subscription once deliveries keep
// bouncing. A successful delivery resets the count.
const maxConsecutiveFailures = 10

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Events    []EventType `json:"events"`
	Secret    string      `json:"secret,omitempty"`
	Active    bool        `json:"active"`
	OrgID     string      `json:"org_id"`
	CreatedAt time.Time   `json:"created_at"`
	FailCount int         `json:"fail_count"`
}

// Event is the payload POSTed to subscriber endpoints.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	OrgID     string                 `json:"org_id"`
	Data      map[string]interface{} `json:"data"`
}

// Registry stores webhook subscriptions and indexes them by event type.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[string]*Subscription // id -> subscription
	byEvent map[EventType][]*Subscription
	logger  *log.Logger
}

// NewRegistry creates an empty webhook registry.
func NewRegistry() *Registry {
	return &Registry{
		hooks:   make(map[string]*Subscription),
		byEvent: make(map[EventType][]*Subscription),
		logger:  log.New(log.Writer(), "[Webhooks] ", log.LstdFlags),
	}
}

// Register adds a subscription. A missing ID gets generated.
func (r *Registry) Register(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	if sub.OrgID == "" {
		return fmt.Errorf("org id is required")
	}

	if sub.ID == "" {
		sub.ID = "wh-" + uuid.NewString()
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	sub.FailCount = 0

	r.hooks[sub.ID] = sub
	for _, evt := range sub.Events {
		r.byEvent[evt] = append(r.byEvent[evt], sub)
	}

	r.logger.Printf("Registered webhook %s -> %s (events: %v)", sub.ID, sub.URL, sub.Events)
	return nil
}

// Unregister removes a subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(r.hooks, id)

	for _, evt := range sub.Events {
		filtered := r.byEvent[evt][:0]
		for _, s := range r.byEvent[evt] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byEvent[evt] = filtered
	}

	r.logger.Printf("Unregistered webhook %s", id)
	return nil
}

// Subscribers returns the active subscriptions for an event type within an
// org. An org never sees another org's events.
func (r *Registry) Subscribers(eventType EventType, orgID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*Subscription
	for _, sub := range r.byEvent[eventType] {
		if sub.Active && sub.OrgID == orgID {
			active = append(active, sub)
		}
	}
	return active
}

// ListByOrg returns every subscription belonging to an org.
func (r *Registry) ListByOrg(orgID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Subscription
	for _, sub := range r.hooks {
		if sub.OrgID == orgID {
			result = append(result, sub)
		}
	}
	return result
}

// ListAll returns every registered subscription.
func (r *Registry) ListAll() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Subscription, 0, len(r.hooks))
	for _, sub := range r.hooks {
		result = append(result, sub)
	}
	return result
}

// MarkFailed increments the failure count, disabling the subscription once it
// reaches the cap.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= maxConsecutiveFailures {
		sub.Active = false
		r.logger.Printf("Webhook %s disabled after %d failures", id, sub.FailCount)
	}
}

// MarkDelivered resets the failure count after a successful delivery.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload computes the hex HMAC-SHA256 signature subscribers verify
// against the X-Webhook-Signature header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
