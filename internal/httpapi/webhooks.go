package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/strandlabs/controlplane/internal/auth"
	"github.com/strandlabs/controlplane/internal/store"
	"github.com/strandlabs/controlplane/internal/webhooks"
)

// ============================================================================
// WEBHOOK SUBSCRIPTIONS
// ============================================================================

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

// handleCreateWebhook registers a subscription in the live registry and, when
// a table store is wired, persists it for reload on restart. The signing
// secret is generated server-side when omitted and returned exactly once.
func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrgIDFrom(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "org context missing")
		return
	}
	if s.cfg.Hooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks not configured")
		return
	}

	var req createWebhookRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "at least one event type is required")
		return
	}
	eventTypes := make([]webhooks.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := webhooks.EventType(e)
		switch et {
		case webhooks.EventRunStateChanged, webhooks.EventRunCompleted,
			webhooks.EventRunFailed, webhooks.EventRunCancelled,
			webhooks.EventRunTimeout, webhooks.EventBillingReconciled:
			eventTypes = append(eventTypes, et)
		default:
			writeError(w, http.StatusBadRequest, "unknown event type "+e)
			return
		}
	}
	secret := req.Secret
	if secret == "" {
		secret = newWebhookSecret()
	}

	sub := &webhooks.Subscription{
		URL:    req.URL,
		Events: eventTypes,
		Secret: secret,
		OrgID:  orgID,
	}
	if err := s.cfg.Hooks.Register(sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.cfg.Tables != nil {
		row := &store.WebhookSubscriptionRow{
			ID:        sub.ID,
			OrgID:     sub.OrgID,
			URL:       sub.URL,
			Events:    req.Events,
			Secret:    sub.Secret,
			Active:    sub.Active,
			CreatedAt: sub.CreatedAt,
		}
		if err := s.cfg.Tables.CreateWebhookSubscription(row); err != nil {
			s.logger.Printf("persist webhook %s failed: %v", sub.ID, err)
		}
	}

	// The only response carrying the secret; list responses blank it.
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrgIDFrom(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "org context missing")
		return
	}
	if s.cfg.Hooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks not configured")
		return
	}

	subs := s.cfg.Hooks.ListByOrg(orgID)
	out := make([]webhooks.Subscription, 0, len(subs))
	for _, sub := range subs {
		clone := *sub
		clone.Secret = ""
		out = append(out, clone)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": out})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrgIDFrom(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "org context missing")
		return
	}
	if s.cfg.Hooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks not configured")
		return
	}

	id := mux.Vars(r)["id"]
	owned := false
	for _, sub := range s.cfg.Hooks.ListByOrg(orgID) {
		if sub.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	if err := s.cfg.Hooks.Unregister(id); err != nil {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	if s.cfg.Tables != nil {
		if err := s.cfg.Tables.DeleteWebhookSubscription(id); err != nil {
			s.logger.Printf("delete persisted webhook %s failed: %v", id, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func newWebhookSecret() string {
	buf := make([]byte, 24)
	rand.Read(buf)
	return "whsec_" + hex.EncodeToString(buf)
}
