package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// The scripts keep all of a provider's breaker keys consistent across
// gateway instances. Time is passed in by the caller in milliseconds.

// KEYS: state, opened_at, successes, trials, trial_at.
// ARGV: now ms, cooldown ms, trial limit.
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
if state == 'closed' then
  return state
end

local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
if state == 'open' then
  local openedAt = tonumber(redis.call('GET', KEYS[2]) or '0')
  if now - openedAt < cooldown then
    return 'open'
  end
  redis.call('SET', KEYS[1], 'half-open')
  redis.call('SET', KEYS[3], '0')
  redis.call('SET', KEYS[4], '0')
end

local trials = tonumber(redis.call('GET', KEYS[4]) or '0')
if trials >= tonumber(ARGV[3]) then
  local trialAt = tonumber(redis.call('GET', KEYS[5]) or '0')
  if now - trialAt < cooldown then
    return 'busy'
  end
  trials = 0
end
redis.call('SET', KEYS[4], tostring(trials + 1))
redis.call('SET', KEYS[5], ARGV[1])
return 'half-open'
`)

// KEYS: state, failures, successes, trials. ARGV: success threshold.
var successScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
if state == 'closed' then
  redis.call('SET', KEYS[2], '0')
elseif state == 'half-open' then
  if tonumber(redis.call('GET', KEYS[4]) or '0') > 0 then
    redis.call('DECR', KEYS[4])
  end
  if redis.call('INCR', KEYS[3]) >= tonumber(ARGV[1]) then
    redis.call('SET', KEYS[1], 'closed')
    redis.call('SET', KEYS[2], '0')
    redis.call('SET', KEYS[3], '0')
    redis.call('SET', KEYS[4], '0')
    return 'closed'
  end
end
return state
`)

// KEYS: state, failures, successes, opened_at, trials.
// ARGV: failure threshold, now ms.
var failureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local trip = false
if state == 'closed' then
  trip = redis.call('INCR', KEYS[2]) >= tonumber(ARGV[1])
elseif state == 'half-open' then
  trip = true
end

if trip then
  redis.call('SET', KEYS[1], 'open')
  redis.call('SET', KEYS[3], '0')
  redis.call('SET', KEYS[4], ARGV[2])
  redis.call('SET', KEYS[5], '0')
  return 'open'
end
return state
`)

// RedisCircuitBreaker shares breaker state for one provider through Redis.
// Redis errors fail open: the provider stays eligible.
type RedisCircuitBreaker struct {
	client *redis.Client
	config Config
	prefix string
	nowFn  func() time.Time
}

func NewRedis(client *redis.Client, providerID string, cfg Config) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client: client,
		config: cfg,
		prefix: fmt.Sprintf("breaker:%s:", providerID),
		nowFn:  time.Now,
	}
}

// RedisFactory builds breakers that share one client.
func RedisFactory(client *redis.Client, cfg Config) func(string) CircuitBreaker {
	return func(providerID string) CircuitBreaker {
		return NewRedis(client, providerID, cfg)
	}
}

func (cb *RedisCircuitBreaker) key(name string) string {
	return cb.prefix + name
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	state, err := allowScript.Run(ctx, cb.client,
		[]string{cb.key("state"), cb.key("opened_at"), cb.key("successes"), cb.key("trials"), cb.key("trial_at")},
		cb.nowFn().UnixMilli(), cb.config.Cooldown.Milliseconds(), cb.config.trialLimit(),
	).Text()
	if err != nil {
		slog.Warn("circuit breaker allow failed", "prefix", cb.prefix, "error", err)
		return nil
	}
	if state == "open" || state == "busy" {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) {
	err := successScript.Run(ctx, cb.client,
		[]string{cb.key("state"), cb.key("failures"), cb.key("successes"), cb.key("trials")},
		cb.config.SuccessThreshold,
	).Err()
	if err != nil {
		slog.Warn("circuit breaker record success failed", "prefix", cb.prefix, "error", err)
	}
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) {
	err := failureScript.Run(ctx, cb.client,
		[]string{cb.key("state"), cb.key("failures"), cb.key("successes"), cb.key("opened_at"), cb.key("trials")},
		cb.config.FailureThreshold, cb.nowFn().UnixMilli(),
	).Err()
	if err != nil {
		slog.Warn("circuit breaker record failure failed", "prefix", cb.prefix, "error", err)
	}
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	s, err := cb.client.Get(ctx, cb.key("state")).Result()
	if err != nil {
		return StateClosed
	}
	return parseState(s)
}

// Reset closes the breaker and clears its counters.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	return cb.client.Del(ctx,
		cb.key("state"), cb.key("failures"), cb.key("successes"), cb.key("opened_at"),
		cb.key("trials"), cb.key("trial_at"),
	).Err()
}
