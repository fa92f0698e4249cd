package valkey

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Valkey key pattern: ratebucket:{scope}:{key}:{type} → HASH{tokens, lastRefillMs} (no TTL;
// refill is lazy so an idle bucket simply reports full on next read).

func rateBucketKey(scope, key, bucketType string) string {
	return "ratebucket:" + scope + ":" + key + ":" + bucketType
}

// takeScript implements lazy token-bucket refill and a single-token withdrawal, atomically:
// tokens = min(capacity, tokens + rate * elapsedMs / 1000); if tokens >= 1, withdraw one and
// allow, else deny. A fresh bucket starts full.
//
//	KEYS[1] = ratebucket:{scope}:{key}:{type}
//	ARGV[1] = capacity (burst)
//	ARGV[2] = rate (tokens per second)
//	ARGV[3] = now in milliseconds
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = capacity
local lastRefill = now

local existing = redis.call('HMGET', KEYS[1], 'tokens', 'lastRefillMs')
if existing[1] then
    tokens = tonumber(existing[1])
    lastRefill = tonumber(existing[2])
    local elapsed = now - lastRefill
    if elapsed > 0 then
        tokens = math.min(capacity, tokens + rate * elapsed / 1000.0)
    end
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'lastRefillMs', tostring(now))
return allowed
`)

// Take attempts to withdraw one token from the bucket identified by (scope, key, bucketType),
// refilling lazily based on elapsed time since the last read. nowMillis is passed in rather
// than read server-side so callers can use a single consistent clock across a request.
func Take(ctx context.Context, rdb *redis.Client, scope, key, bucketType string, capacity, ratePerSec int, nowMillis int64) (allowed bool, err error) {
	n, err := takeScript.Run(ctx, rdb, []string{rateBucketKey(scope, key, bucketType)}, capacity, ratePerSec, nowMillis).Int()
	if err != nil {
		return false, fmt.Errorf("rate bucket take: %w", err)
	}
	return n == 1, nil
}
