// Package modelclient abstracts the language-model providers behind a small
// chat interface so orchestration and billing never see provider SDKs.
package modelclient

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/strandlabs/controlplane/internal/tokencount"
)

// Request is one chat completion call.
type Request struct {
	Provider  string
	Model     string
	Messages  []tokencount.Message
	MaxTokens int
}

// Usage is the provider-reported token accounting for a call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the completion plus its usage. RequestID is the provider-side
// id, used to build billing idempotency keys.
type Response struct {
	RequestID string
	Content   string
	Usage     Usage
}

// Client is the provider abstraction.
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// ErrScriptExhausted is returned by a scripted client that has run out of
// canned responses.
var ErrScriptExhausted = errors.New("scripted client: no responses left")

// ScriptedClient replays a fixed sequence of responses. It backs local
// development and tests; usage is counted from the actual text when the
// script does not pin it.
type ScriptedClient struct {
	counter *tokencount.Counter

	mu        sync.Mutex
	responses []ScriptedResponse
	calls     []Request
}

// ScriptedResponse is one canned reply. Zero Usage means "count it".
type ScriptedResponse struct {
	Content string
	Usage   Usage
	Err     error
}

// NewScriptedClient builds a client that replays responses in order.
func NewScriptedClient(responses ...ScriptedResponse) *ScriptedClient {
	return &ScriptedClient{
		counter:   tokencount.NewCounter(),
		responses: responses,
	}
}

// Chat pops the next scripted response.
func (c *ScriptedClient) Chat(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.calls = append(c.calls, req)
	if len(c.responses) == 0 {
		c.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	next := c.responses[0]
	c.responses = c.responses[1:]
	c.mu.Unlock()

	if next.Err != nil {
		return nil, next.Err
	}

	usage := next.Usage
	if usage.InputTokens == 0 {
		usage.InputTokens = c.counter.CountChat(req.Provider, req.Model, req.Messages)
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = c.counter.Count(req.Provider, req.Model, next.Content)
	}

	return &Response{
		RequestID: uuid.NewString(),
		Content:   next.Content,
		Usage:     usage,
	}, nil
}

// Calls returns a copy of every request seen so far.
func (c *ScriptedClient) Calls() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.calls))
	copy(out, c.calls)
	return out
}
