package modelclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/controlplane/internal/tokencount"
)

func TestScriptedClientReplaysInOrder(t *testing.T) {
	c := NewScriptedClient(
		ScriptedResponse{Content: "first"},
		ScriptedResponse{Content: "second"},
	)
	ctx := context.Background()
	req := Request{Provider: "anthropic", Model: "claude-3-sonnet",
		Messages: []tokencount.Message{tokencount.TextMessage("user", "hi")}}

	r1, err := c.Chat(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "first", r1.Content)
	assert.NotEmpty(t, r1.RequestID)
	assert.Greater(t, r1.Usage.InputTokens, 0)
	assert.Greater(t, r1.Usage.OutputTokens, 0)

	r2, err := c.Chat(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "second", r2.Content)
	assert.NotEqual(t, r1.RequestID, r2.RequestID)

	_, err = c.Chat(ctx, req)
	assert.ErrorIs(t, err, ErrScriptExhausted)

	assert.Len(t, c.Calls(), 3)
}

func TestScriptedClientPinnedUsageAndErrors(t *testing.T) {
	scriptErr := errors.New("upstream timeout")
	c := NewScriptedClient(
		ScriptedResponse{Content: "ok", Usage: Usage{InputTokens: 11, OutputTokens: 7}},
		ScriptedResponse{Err: scriptErr},
	)
	ctx := context.Background()

	r, err := c.Chat(ctx, Request{Provider: "openai", Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, 11, r.Usage.InputTokens)
	assert.Equal(t, 7, r.Usage.OutputTokens)

	_, err = c.Chat(ctx, Request{Provider: "openai", Model: "gpt-4"})
	assert.ErrorIs(t, err, scriptErr)
}
