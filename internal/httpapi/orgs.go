package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/strandlabs/controlplane/internal/auth"
	"github.com/strandlabs/controlplane/internal/store"
)

// ============================================================================
// ORGANIZATIONS
// ============================================================================

type createOrgRequest struct {
	Name string `json:"name"`
	Tier string `json:"tier"`
}

// handleCreateOrg provisions an org. Reachable only through the trusted
// header path (platform operators); API-key callers are already scoped to an
// existing org.
func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tables == nil {
		writeError(w, http.StatusServiceUnavailable, "org store not configured")
		return
	}
	var req createOrgRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Tier == "" {
		req.Tier = "free"
	}

	org := &store.Organization{Name: req.Name, Tier: req.Tier, Status: "ACTIVE"}
	if err := s.cfg.Tables.CreateOrganization(org); err != nil {
		s.logger.Printf("create org failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create organization")
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

// ============================================================================
// API KEYS
// ============================================================================

type issueKeyRequest struct {
	Name          string   `json:"name"`
	Scopes        []string `json:"scopes"`
	ExpiresInDays int      `json:"expires_in_days"`
}

type issueKeyResponse struct {
	Key     *store.APIKey `json:"key"`
	FullKey string        `json:"full_key"`
}

// handleIssueKey mints a new API key for the caller's org. The full secret
// appears in this response only; afterwards only its hash exists.
func (s *Server) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrgIDFrom(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "org context missing")
		return
	}
	if s.cfg.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "key management not configured")
		return
	}

	var req issueKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	var expiresAt *time.Time
	if req.ExpiresInDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, req.ExpiresInDays)
		expiresAt = &t
	}

	key, fullKey, err := s.cfg.Keys.IssueKey(orgID, req.Name, req.Scopes, expiresAt)
	if err != nil {
		s.logger.Printf("issue key for %s failed: %v", orgID, err)
		writeError(w, http.StatusInternalServerError, "failed to issue key")
		return
	}
	key.KeyHash = ""
	writeJSON(w, http.StatusCreated, issueKeyResponse{Key: key, FullKey: fullKey})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrgIDFrom(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "org context missing")
		return
	}
	if s.cfg.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "key management not configured")
		return
	}
	keys, err := s.cfg.Keys.ListKeys(orgID)
	if err != nil {
		s.logger.Printf("list keys for %s failed: %v", orgID, err)
		writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	if keys == nil {
		keys = []store.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrgIDFrom(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "org context missing")
		return
	}
	if s.cfg.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "key management not configured")
		return
	}

	keyID := mux.Vars(r)["key_id"]
	keys, err := s.cfg.Keys.ListKeys(orgID)
	if err != nil {
		s.logger.Printf("list keys for %s failed: %v", orgID, err)
		writeError(w, http.StatusInternalServerError, "failed to revoke key")
		return
	}
	owned := false
	for _, k := range keys {
		if k.KeyID == keyID {
			owned = true
			break
		}
	}
	if !owned {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if err := s.cfg.Keys.Revoke(keyID); err != nil {
		s.logger.Printf("revoke key %s failed: %v", keyID, err)
		writeError(w, http.StatusInternalServerError, "failed to revoke key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// BILLING
// ============================================================================

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrgIDFrom(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "org context missing")
		return
	}
	balance, err := s.cfg.Store.GetBalance(r.Context(), orgID)
	if err != nil {
		s.logger.Printf("get balance for %s failed: %v", orgID, err)
		writeError(w, http.StatusInternalServerError, "failed to get balance")
		return
	}
	if balance == nil {
		balance = &store.CreditBalance{OrgID: orgID}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":       balance,
		"available_usd": balance.AvailableUSD(),
	})
}

type addCreditsRequest struct {
	AmountUSD decimal.Decimal `json:"amount_usd"`
	Reason    string          `json:"reason"`
}

func (s *Server) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrgIDFrom(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "org context missing")
		return
	}
	var req addCreditsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AmountUSD.LessThanOrEqual(decimal.Zero) {
		writeError(w, http.StatusBadRequest, "amount_usd must be positive")
		return
	}
	if req.Reason == "" {
		req.Reason = "credit purchase"
	}

	balance, err := s.cfg.Store.AddCredits(r.Context(), orgID, req.AmountUSD, req.Reason)
	if err != nil {
		s.logger.Printf("add credits for %s failed: %v", orgID, err)
		writeError(w, http.StatusInternalServerError, "failed to add credits")
		return
	}
	writeJSON(w, http.StatusOK, balance)
}
