package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/strandlabs/controlplane/internal/store"
)

// pricingSource is the durable tier of the cache.
type pricingSource interface {
	GetModelPricing(model, provider string) (*store.ModelPricing, error)
}

// staticDefaultPricing seeds well-known models so a cold store never stalls
// billing. Values are USD per million tokens.
var staticDefaultPricing = map[string]store.ModelPricing{
	"openai/gpt-4": {
		Model: "gpt-4", Provider: "openai",
		InputPerMillion:  decimal.NewFromInt(30),
		OutputPerMillion: decimal.NewFromInt(60),
	},
	"openai/gpt-4o": {
		Model: "gpt-4o", Provider: "openai",
		InputPerMillion:  decimal.NewFromFloat(2.5),
		OutputPerMillion: decimal.NewFromInt(10),
	},
	"openai/gpt-3.5-turbo": {
		Model: "gpt-3.5-turbo", Provider: "openai",
		InputPerMillion:  decimal.NewFromFloat(0.5),
		OutputPerMillion: decimal.NewFromFloat(1.5),
	},
	"anthropic/claude-3-opus": {
		Model: "claude-3-opus", Provider: "anthropic",
		InputPerMillion:  decimal.NewFromInt(15),
		OutputPerMillion: decimal.NewFromInt(75),
	},
	"anthropic/claude-3-sonnet": {
		Model: "claude-3-sonnet", Provider: "anthropic",
		InputPerMillion:  decimal.NewFromInt(3),
		OutputPerMillion: decimal.NewFromInt(15),
	},
}

// fallbackPricing is the last resort when the store, the cache, and the
// static table all miss. Deliberately conservative.
var fallbackPricing = store.ModelPricing{
	Model: "unknown", Provider: "unknown",
	InputPerMillion:  decimal.NewFromInt(10),
	OutputPerMillion: decimal.NewFromInt(30),
}

type cachedPricing struct {
	pricing   store.ModelPricing
	expiresAt time.Time
}

// PricingCache is the three-tier model pricing lookup: in-process TTL map,
// shared Redis, durable store. Misses populate upward.
type PricingCache struct {
	rdb    *redis.Client
	source pricingSource
	ttl    time.Duration
	logger *log.Logger

	mu    sync.RWMutex
	local map[string]cachedPricing
}

// NewPricingCache builds the cache. rdb may be nil, in which case the shared
// tier is skipped.
func NewPricingCache(rdb *redis.Client, source pricingSource, ttl time.Duration) *PricingCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PricingCache{
		rdb:    rdb,
		source: source,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[PricingCache] ", log.LstdFlags),
		local:  make(map[string]cachedPricing),
	}
}

func pricingKey(provider, model string) string {
	return provider + "/" + model
}

func redisPricingKey(provider, model string) string {
	return fmt.Sprintf("pricing:%s:%s", provider, model)
}

// Get resolves pricing for a provider/model pair. It never returns an error:
// when every tier misses it falls back to the static default table and then
// the conservative fallback row.
func (pc *PricingCache) Get(ctx context.Context, provider, model string) store.ModelPricing {
	key := pricingKey(provider, model)
	now := time.Now()

	pc.mu.RLock()
	if entry, ok := pc.local[key]; ok && entry.expiresAt.After(now) {
		pc.mu.RUnlock()
		return entry.pricing
	}
	pc.mu.RUnlock()

	if p, ok := pc.fromRedis(ctx, provider, model); ok {
		pc.setLocal(key, p)
		return p
	}

	if pc.source != nil {
		p, err := pc.source.GetModelPricing(model, provider)
		if err != nil {
			pc.logger.Printf("Store pricing lookup failed for %s: %v", key, err)
		} else if p != nil {
			pc.setLocal(key, *p)
			pc.setRedis(ctx, provider, model, *p)
			return *p
		}
	}

	if p, ok := staticDefaultPricing[key]; ok {
		pc.setLocal(key, p)
		return p
	}

	pc.logger.Printf("No pricing anywhere for %s, using fallback", key)
	return fallbackPricing
}

// Invalidate drops the in-process and shared entries for a pair. Used after
// a pricing upsert.
func (pc *PricingCache) Invalidate(ctx context.Context, provider, model string) {
	pc.mu.Lock()
	delete(pc.local, pricingKey(provider, model))
	pc.mu.Unlock()
	if pc.rdb != nil {
		pc.rdb.Del(ctx, redisPricingKey(provider, model))
	}
}

func (pc *PricingCache) setLocal(key string, p store.ModelPricing) {
	pc.mu.Lock()
	pc.local[key] = cachedPricing{pricing: p, expiresAt: time.Now().Add(pc.ttl)}
	pc.mu.Unlock()
}

func (pc *PricingCache) fromRedis(ctx context.Context, provider, model string) (store.ModelPricing, bool) {
	if pc.rdb == nil {
		return store.ModelPricing{}, false
	}
	raw, err := pc.rdb.Get(ctx, redisPricingKey(provider, model)).Result()
	if err == redis.Nil {
		return store.ModelPricing{}, false
	}
	if err != nil {
		pc.logger.Printf("Redis pricing read failed for %s/%s: %v", provider, model, err)
		return store.ModelPricing{}, false
	}
	var p store.ModelPricing
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		pc.logger.Printf("Corrupt Redis pricing entry for %s/%s: %v", provider, model, err)
		return store.ModelPricing{}, false
	}
	return p, true
}

func (pc *PricingCache) setRedis(ctx context.Context, provider, model string, p store.ModelPricing) {
	if pc.rdb == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := pc.rdb.Set(ctx, redisPricingKey(provider, model), raw, pc.ttl).Err(); err != nil {
		pc.logger.Printf("Redis pricing write failed for %s/%s: %v", provider, model, err)
	}
}
