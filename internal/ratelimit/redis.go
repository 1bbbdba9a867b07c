package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// luaTokenBucket refills and spends atomically so every node shares one
// bucket per org.
const luaTokenBucket = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", now)
redis.call("EXPIRE", key, 120)

return allowed
`

// OrgLimiter is the per-org billing rate limit, a token bucket kept in Redis
// so the budget holds across every control-plane node. Redis failures admit
// the request; billing keeps working when the broker does not.
type OrgLimiter struct {
	rdb      *redis.Client
	script   *redis.Script
	capacity int
	rate     float64
	logger   *log.Logger

	now func() time.Time
}

// NewOrgLimiter builds the shared limiter at perMinute requests per org.
func NewOrgLimiter(rdb *redis.Client, perMinute int) *OrgLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &OrgLimiter{
		rdb:      rdb,
		script:   redis.NewScript(luaTokenBucket),
		capacity: perMinute,
		rate:     float64(perMinute) / 60.0,
		logger:   log.New(log.Writer(), "[OrgRateLimit] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Allow spends one token for the org. Implements the billing limiter.
func (l *OrgLimiter) Allow(ctx context.Context, orgID string) (bool, error) {
	if l.rdb == nil {
		return true, nil
	}

	key := "ratelimit:org:" + orgID
	nowSec := float64(l.now().UnixMilli()) / 1000.0

	result, err := l.script.Run(ctx, l.rdb, []string{key}, l.capacity, l.rate, nowSec).Int()
	if err != nil {
		l.logger.Printf("Redis limiter failed for org %s, admitting: %v", orgID, err)
		return true, nil
	}
	return result == 1, nil
}
