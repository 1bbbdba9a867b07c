package queue

import "strings"

// defaultTransientKeywords is the closed set of substrings that mark a
// failure as retryable. Anything else dead-letters immediately.
var defaultTransientKeywords = []string{
	"timeout",
	"connection",
	"unavailable",
	"rate limit",
	"temporarily",
	"502",
	"503",
	"504",
}

var transientKeywords = defaultTransientKeywords

// SetTransientKeywords replaces the classification set. Empty restores the
// defaults. Called once at startup from config; not safe during operation.
func SetTransientKeywords(keywords []string) {
	if len(keywords) == 0 {
		transientKeywords = defaultTransientKeywords
		return
	}
	transientKeywords = keywords
}

// IsTransient reports whether the error text matches the transient set.
func IsTransient(errText string) bool {
	lower := strings.ToLower(errText)
	for _, kw := range transientKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
