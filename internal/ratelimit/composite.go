package ratelimit

import "sync"

// Scope is one named limiter inside a composite, e.g. "user", "ip", "global".
type Scope struct {
	Name    string
	Limiter Limiter
}

// Composite runs several limiters at different scopes; any LIMITED denies the
// request. A manually-maintained blocked set denies with BLOCKED before any
// limiter runs.
type Composite struct {
	scopes []Scope

	mu      sync.RWMutex
	blocked map[string]struct{}
}

// NewComposite builds a composite limiter over the given scopes.
func NewComposite(scopes ...Scope) *Composite {
	return &Composite{
		scopes:  scopes,
		blocked: make(map[string]struct{}),
	}
}

// Check evaluates every scope with its key from keys (scope name -> key).
// Scopes with no key are skipped.
func (c *Composite) Check(keys map[string]string) Result {
	c.mu.RLock()
	for _, key := range keys {
		if _, hit := c.blocked[key]; hit {
			c.mu.RUnlock()
			return Result{Code: VerdictBlocked}
		}
	}
	c.mu.RUnlock()

	for _, scope := range c.scopes {
		key, ok := keys[scope.Name]
		if !ok {
			continue
		}
		if result := scope.Limiter.Check(key); !result.Allowed {
			return result
		}
	}
	return allowed()
}

// Block adds a key to the blocked set.
func (c *Composite) Block(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[key] = struct{}{}
}

// Unblock removes a key from the blocked set.
func (c *Composite) Unblock(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blocked, key)
}

// IsBlocked reports whether a key is in the blocked set.
func (c *Composite) IsBlocked(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, hit := c.blocked[key]
	return hit
}
