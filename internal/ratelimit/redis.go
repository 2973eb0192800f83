package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript runs the whole window decision inside redis, which executes
// scripts one at a time, so two requests for the same subject can never both
// observe count < max.
//
// KEYS[1] counter hash; ARGV: now (ms), window (ms), max.
// Returns {allowed, count, windowStart}.
var windowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local count = redis.call("HGET", KEYS[1], "count")
local start = redis.call("HGET", KEYS[1], "start")

if (not count) or (not start) or (now - tonumber(start) > window) then
	redis.call("HSET", KEYS[1], "count", 1, "start", now)
	redis.call("PEXPIRE", KEYS[1], window * 2)
	return {1, 1, now}
end

count = tonumber(count)
if count < max then
	redis.call("HINCRBY", KEYS[1], "count", 1)
	return {1, count + 1, tonumber(start)}
end
return {0, count, tonumber(start)}
`)

// RedisLimiter shares counters across gateway replicas.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	cfg    Config
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisLimiter)

func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLimiter) { l.prefix = strings.TrimSuffix(prefix, ":") }
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *RedisLimiter) { l.now = now }
}

func NewRedisLimiter(rdb redis.UniversalClient, cfg Config, opts ...RedisOption) (*RedisLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &RedisLimiter{
		rdb:    rdb,
		cfg:    cfg,
		prefix: "punchgate:ratelimit",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *RedisLimiter) CheckAndConsume(ctx context.Context, subject string) (Decision, error) {
	now := l.now()
	res, err := windowScript.Run(ctx, l.rdb,
		[]string{l.prefix + ":" + subject},
		now.UnixMilli(), l.cfg.Window.Milliseconds(), l.cfg.Max,
	).Int64Slice()
	if err != nil {
		decisionsTotal.WithLabelValues("error").Inc()
		return Decision{}, fmt.Errorf("rate limit %q: %w", subject, err)
	}
	if len(res) != 3 {
		decisionsTotal.WithLabelValues("error").Inc()
		return Decision{}, fmt.Errorf("rate limit %q: unexpected script reply %v", subject, res)
	}
	return decide(res[0] == 1, int(res[1]), time.UnixMilli(res[2]), now, l.cfg), nil
}
