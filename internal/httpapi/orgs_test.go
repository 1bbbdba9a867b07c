package httpapi

import (
	"net/http"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/controlplane/internal/store"
)

func TestCreateOrg(t *testing.T) {
	rig := newAPIRig(t)

	var org store.Organization
	resp := rig.do(t, http.MethodPost, "/api/v1/orgs", "org-1",
		strings.NewReader(`{"name":"Initech","tier":"pro"}`), &org)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, org.ID)
	assert.Equal(t, "ACTIVE", org.Status)

	resp = rig.do(t, http.MethodPost, "/api/v1/orgs", "org-1", strings.NewReader(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIssueListRevokeKeys(t *testing.T) {
	rig := newAPIRig(t)

	var issued issueKeyResponse
	resp := rig.do(t, http.MethodPost, "/api/v1/keys", "org-1",
		strings.NewReader(`{"name":"ci","scopes":["runs:write"],"expires_in_days":30}`), &issued)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, strings.HasPrefix(issued.FullKey, "sk_"))
	assert.Empty(t, issued.Key.KeyHash, "hash never leaves the server")
	require.NotNil(t, issued.Key.ExpiresAt)

	// The issued key authenticates through the bearer path.
	req, err := http.NewRequest(http.MethodGet, rig.ts.URL+"/api/v1/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+issued.FullKey)
	bearerResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	bearerResp.Body.Close()
	assert.Equal(t, http.StatusOK, bearerResp.StatusCode)

	var out struct {
		Keys []store.APIKey `json:"keys"`
	}
	resp = rig.do(t, http.MethodGet, "/api/v1/keys", "org-1", nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Keys, 1)
	assert.Empty(t, out.Keys[0].KeyHash)

	// Other orgs cannot revoke it; the owner can.
	resp = rig.do(t, http.MethodDelete, "/api/v1/keys/"+issued.Key.KeyID, "org-2", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = rig.do(t, http.MethodDelete, "/api/v1/keys/"+issued.Key.KeyID, "org-1", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The revoked key stops authenticating.
	req, err = http.NewRequest(http.MethodGet, rig.ts.URL+"/api/v1/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+issued.FullKey)
	revokedResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	revokedResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, revokedResp.StatusCode)
}

func TestBalanceAndCredits(t *testing.T) {
	rig := newAPIRig(t)

	// Fresh orgs read a zero balance rather than erroring.
	var out struct {
		Balance      store.CreditBalance `json:"balance"`
		AvailableUSD decimal.Decimal     `json:"available_usd"`
	}
	resp := rig.do(t, http.MethodGet, "/api/v1/billing/balance", "org-1", nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.AvailableUSD.IsZero())

	var balance store.CreditBalance
	resp = rig.do(t, http.MethodPost, "/api/v1/billing/credits", "org-1",
		strings.NewReader(`{"amount_usd":"25.50","reason":"invoice 42"}`), &balance)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, balance.BalanceUSD.Equal(decimal.RequireFromString("25.50")))

	resp = rig.do(t, http.MethodPost, "/api/v1/billing/credits", "org-1",
		strings.NewReader(`{"amount_usd":"-5"}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
