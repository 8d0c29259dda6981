package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes, counts and inserts as one atomic step.
// KEYS[1] window key; ARGV: now ms, window ms, limit, member.
// Returns {allowed, count, reset ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
local count = redis.call('ZCARD', key)

if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local reset = now + window
  if oldest[2] then
    reset = tonumber(oldest[2]) + window
  end
  return {0, count, reset}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window + 1000)
return {1, count + 1, now + window}
`)

type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	nowFn  func() time.Time
}

func NewRedisRateLimiter(redisURL string) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisRateLimiterFromClient(client), nil
}

func NewRedisRateLimiterFromClient(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		prefix: "ratelimit:",
		nowFn:  time.Now,
	}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, principal string, limit int, window time.Duration) (Decision, error) {
	now := r.nowFn()
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()

	// Timestamps collide under load; the uuid suffix keeps members distinct.
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.prefix + principal},
		nowMs, windowMs, limit, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run sliding window script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected sliding window reply: %v", res)
	}

	resetAt := time.UnixMilli(res[2])
	if res[0] == 0 {
		return denied(limit, resetAt)
	}

	return Decision{
		Limit:     limit,
		Remaining: limit - int(res[1]),
		ResetAt:   resetAt,
	}, nil
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
