package httpapi

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/controlplane/internal/webhooks"
)

func TestCreateWebhookReturnsSecretOnce(t *testing.T) {
	rig := newAPIRig(t)

	var sub webhooks.Subscription
	resp := rig.do(t, http.MethodPost, "/api/v1/webhooks", "org-1",
		strings.NewReader(`{"url":"https://example.com/hook","events":["run.completed","run.failed"]}`), &sub)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.True(t, strings.HasPrefix(sub.ID, "wh-"))
	assert.True(t, strings.HasPrefix(sub.Secret, "whsec_"), "server generates a secret when omitted")
	assert.True(t, sub.Active)
	assert.Equal(t, "org-1", sub.OrgID)

	// Persisted for reload.
	rig.platform.mu.Lock()
	row := rig.platform.hookRows[sub.ID]
	rig.platform.mu.Unlock()
	require.NotNil(t, row)
	assert.Equal(t, sub.Secret, row.Secret)

	// Listing never echoes the secret back.
	var out struct {
		Webhooks []webhooks.Subscription `json:"webhooks"`
	}
	resp = rig.do(t, http.MethodGet, "/api/v1/webhooks", "org-1", nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Webhooks, 1)
	assert.Empty(t, out.Webhooks[0].Secret)
}

func TestCreateWebhookValidation(t *testing.T) {
	rig := newAPIRig(t)

	cases := map[string]string{
		"relative url":  `{"url":"/hook","events":["run.completed"]}`,
		"bad scheme":    `{"url":"ftp://example.com","events":["run.completed"]}`,
		"no events":     `{"url":"https://example.com/hook","events":[]}`,
		"unknown event": `{"url":"https://example.com/hook","events":["run.exploded"]}`,
	}
	for name, body := range cases {
		resp := rig.do(t, http.MethodPost, "/api/v1/webhooks", "org-1", strings.NewReader(body), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestDeleteWebhookScopedToOrg(t *testing.T) {
	rig := newAPIRig(t)

	var sub webhooks.Subscription
	resp := rig.do(t, http.MethodPost, "/api/v1/webhooks", "org-1",
		strings.NewReader(`{"url":"https://example.com/hook","events":["run.completed"]}`), &sub)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Another org cannot delete it.
	resp = rig.do(t, http.MethodDelete, "/api/v1/webhooks/"+sub.ID, "org-2", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Len(t, rig.hooks.ListByOrg("org-1"), 1)

	// The owner can.
	resp = rig.do(t, http.MethodDelete, "/api/v1/webhooks/"+sub.ID, "org-1", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, rig.hooks.ListByOrg("org-1"))

	rig.platform.mu.Lock()
	_, stillThere := rig.platform.hookRows[sub.ID]
	rig.platform.mu.Unlock()
	assert.False(t, stillThere)
}
