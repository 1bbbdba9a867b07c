// Package tokencount provides provider-aware token counting for model calls.
//
// OpenAI-tokenized models get an exact count through tiktoken-go; other
// providers are approximated by a per-provider characters-per-token ratio.
// Chat counting adds the per-message framing overhead the provider APIs bill.
package tokencount

import (
	"log/slog"
	"math"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Providers the counter knows framing constants for. Unknown providers fall
// back to the generic defaults.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// imagePartTokens is the flat per-image charge in multimodal messages.
const imagePartTokens = 85

// replyPrimingTokens covers the assistant priming sequence appended to every
// chat request.
const replyPrimingTokens = 3

// charsPerToken approximates tokens as ceil(len/ratio) for providers without
// an exact tokenizer.
var charsPerToken = map[string]float64{
	ProviderAnthropic: 3.5,
	ProviderGoogle:    4.0,
}

const defaultCharsPerToken = 4.0

// perMessageOverhead is the fixed framing cost each chat message carries.
var perMessageOverhead = map[string]int{
	ProviderOpenAI:    3,
	ProviderAnthropic: 4,
	ProviderGoogle:    4,
}

const defaultMessageOverhead = 3

// Part is one piece of a chat message's content.
type Part struct {
	Type string `json:"type"` // "text" or "image"
	Text string `json:"text,omitempty"`
}

// Message is one chat turn.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: "text", Text: text}}}
}

// Counter counts tokens. Safe for concurrent use; tiktoken encodings are
// cached per normalized model name.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a counter with an empty encoding cache.
func NewCounter() *Counter {
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the token count of text for the given provider/model pair.
func (c *Counter) Count(provider, model, text string) int {
	if usesExactTokenizer(provider) {
		if enc, err := c.encodingFor(model); err == nil {
			return len(enc.Encode(text, nil, nil))
		}
	}
	return approximate(provider, text)
}

// CountChat returns the billed token count for a full chat request,
// including per-message framing, role tokens, image parts, and the reply
// priming constant.
func (c *Counter) CountChat(provider, model string, messages []Message) int {
	overhead, ok := perMessageOverhead[provider]
	if !ok {
		overhead = defaultMessageOverhead
	}

	total := 0
	for _, msg := range messages {
		total += overhead
		total += c.Count(provider, model, msg.Role)
		for _, part := range msg.Parts {
			if part.Type == "image" {
				total += imagePartTokens
				continue
			}
			total += c.Count(provider, model, part.Text)
		}
	}
	total += replyPrimingTokens
	return total
}

// usesExactTokenizer reports whether the provider's models share OpenAI's
// tokenization.
func usesExactTokenizer(provider string) bool {
	return provider == ProviderOpenAI
}

// approximate estimates ceil(len/ratio) using the provider's ratio.
func approximate(provider, text string) int {
	if text == "" {
		return 0
	}
	ratio, ok := charsPerToken[provider]
	if !ok {
		ratio = defaultCharsPerToken
	}
	return int(math.Ceil(float64(len(text)) / ratio))
}

// encodingFor returns the cached tiktoken encoding for a model, falling back
// to cl100k_base for names tiktoken does not recognize.
func (c *Counter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring the write lock.
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName strips routing prefixes and maps model families onto
// tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)

	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}
