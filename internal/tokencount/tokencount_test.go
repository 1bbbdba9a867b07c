package tokencount

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApproximateRatios(t *testing.T) {
	text := "aaaaaaaaaaaaaa" // 14 chars

	// ceil(14/3.5) = 4
	assert.Equal(t, 4, approximate(ProviderAnthropic, text))
	// ceil(14/4.0) = 4
	assert.Equal(t, 4, approximate(ProviderGoogle, text))
	// Unknown providers use the generic 4.0 ratio.
	assert.Equal(t, 4, approximate("mystery", text))

	assert.Equal(t, 0, approximate(ProviderAnthropic, ""))
}

func TestCountApproxProvider(t *testing.T) {
	c := NewCounter()
	// 7 chars / 3.5 = 2
	assert.Equal(t, 2, c.Count(ProviderAnthropic, "claude-3", "abcdefg"))
}

func TestCountExactProvider(t *testing.T) {
	c := NewCounter()
	n := c.Count(ProviderOpenAI, "gpt-4", "hello world")
	assert.Greater(t, n, 0)
	assert.Less(t, n, 5, "two common words should tokenize to a few tokens")
}

func TestCountChatOverhead(t *testing.T) {
	c := NewCounter()
	messages := []Message{TextMessage("user", "hi")}

	n := c.CountChat(ProviderAnthropic, "claude-3", messages)
	// 4 framing + ceil(4/3.5)=2 role + ceil(2/3.5)=1 text + 3 priming
	assert.Equal(t, 4+2+1+3, n)
}

func TestCountChatImageParts(t *testing.T) {
	c := NewCounter()
	messages := []Message{{
		Role: "user",
		Parts: []Part{
			{Type: "text", Text: "what is this"},
			{Type: "image"},
		},
	}}

	withImage := c.CountChat(ProviderAnthropic, "claude-3", messages)
	withoutImage := c.CountChat(ProviderAnthropic, "claude-3", []Message{
		TextMessage("user", "what is this"),
	})
	assert.Equal(t, imagePartTokens, withImage-withoutImage)
}

func TestCountChatEmptyStillPrimed(t *testing.T) {
	c := NewCounter()
	assert.Equal(t, replyPrimingTokens, c.CountChat(ProviderOpenAI, "gpt-4", nil))
}

func TestNormalizeModelName(t *testing.T) {
	assert.Equal(t, "gpt-4", normalizeModelName("openai/GPT-4o"))
	assert.Equal(t, "gpt-3.5-turbo", normalizeModelName("gpt-3.5-turbo-16k"))
	assert.Equal(t, "gpt-4", normalizeModelName("some-unknown-model"))
}
