package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// fixedWindow increments the counter and starts its window on the first hit.
// Returns {count, remaining ttl in ms}.
var fixedWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

type redisRateLimiter struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
	owned   bool
}

// NewRedisRateLimiter shares counters across replicas through client. The
// client stays owned by the caller.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string, logger *slog.Logger) RateLimiter {
	return &redisRateLimiter{
		client:  client,
		logger:  logger,
		prefix:  prefix + "ratelimit:",
		timeout: 250 * time.Millisecond,
	}
}

// DialRedisRateLimiter connects a dedicated client and fails when the server
// does not answer a ping.
func DialRedisRateLimiter(ctx context.Context, opts *redis.Options, prefix string, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	rl := NewRedisRateLimiter(client, prefix, logger).(*redisRateLimiter)
	rl.owned = true
	return rl, nil
}

// Allow fails open: a redis error admits the request.
func (rl *redisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	res, err := fixedWindow.Run(ctx, rl.client, []string{rl.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		rl.logRedisError("allow", err)
		return rateDecision{allowed: true}
	}
	count := int(res[0])
	return rateDecision{
		allowed:   count <= limit,
		count:     count,
		windowEnd: time.Now().Add(time.Duration(res[1]) * time.Millisecond),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.owned && rl.client != nil {
		_ = rl.client.Close()
	}
}

func (rl *redisRateLimiter) logRedisError(op string, err error) {
	if rl.logger == nil {
		return
	}
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}
