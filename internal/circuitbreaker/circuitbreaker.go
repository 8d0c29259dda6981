// Package circuitbreaker tracks upstream provider failures so the scheduler
// can skip providers that keep failing.
//
// States:
//   - Closed: dispatches pass through
//   - Open: provider is skipped until the cool-down elapses
//   - Half-Open: at most HalfOpenMaxRequests trial dispatches are in
//     flight at once; SuccessThreshold successes close the breaker and
//     any failure reopens it
//
// Breakers are kept per provider id by a Set, backed either by memory or by
// Redis when several gateway instances must agree.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

type CircuitBreaker interface {
	// Allow returns domain.ErrCircuitBreakerOpen while the breaker is open.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

type Config struct {
	FailureThreshold    int           // consecutive failures before opening
	SuccessThreshold    int           // trial successes to close from half-open
	Cooldown            time.Duration // time spent open before the first trial
	HalfOpenMaxRequests int           // concurrent trials while half-open, at least 1
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Cooldown:            30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

func (c Config) trialLimit() int {
	return max(c.HalfOpenMaxRequests, 1)
}

// InMemoryCircuitBreaker is a breaker for a single gateway instance.
//
// A half-open trial whose outcome is never recorded (the caller gave up
// mid-dispatch) holds its slot for one cooldown, after which the slots
// are handed out again.
type InMemoryCircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	trials    int
	openedAt  time.Time
	trialAt   time.Time
	config    Config
	nowFn     func() time.Time
}

func NewInMemory(cfg Config, nowFn func() time.Time) *InMemoryCircuitBreaker {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &InMemoryCircuitBreaker{
		state:  StateClosed,
		config: cfg,
		nowFn:  nowFn,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFn()
	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(cb.openedAt) < cb.config.Cooldown {
			return domain.ErrCircuitBreakerOpen
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.trials = 0
	}

	if cb.trials >= cb.config.trialLimit() {
		if now.Sub(cb.trialAt) < cb.config.Cooldown {
			return domain.ErrCircuitBreakerOpen
		}
		cb.trials = 0
	}
	cb.trials++
	cb.trialAt = now
	return nil
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.trials = max(cb.trials-1, 0)
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.trials = 0
		}
	}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

func (cb *InMemoryCircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.nowFn()
	cb.successes = 0
	cb.trials = 0
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Set holds one breaker per provider id, created on first use.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	factory  func(providerID string) CircuitBreaker
}

type SetOption func(*Set)

// WithFactory overrides how breakers are built, e.g. Redis-backed ones.
func WithFactory(factory func(providerID string) CircuitBreaker) SetOption {
	return func(s *Set) {
		s.factory = factory
	}
}

func NewSet(cfg Config, opts ...SetOption) *Set {
	s := &Set{
		breakers: make(map[string]CircuitBreaker),
		factory: func(string) CircuitBreaker {
			return NewInMemory(cfg, nil)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Set) Get(providerID string) CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[providerID]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[providerID]; ok {
		return cb
	}
	cb = s.factory(providerID)
	s.breakers[providerID] = cb
	return cb
}

// Allow reports whether a dispatch to providerID may proceed. In half-open
// it hands out a trial slot, so call it only right before dispatching.
func (s *Set) Allow(ctx context.Context, providerID string) bool {
	return s.Get(providerID).Allow(ctx) == nil
}

func (s *Set) Record(ctx context.Context, providerID string, success bool) {
	cb := s.Get(providerID)
	if success {
		cb.RecordSuccess(ctx)
		return
	}
	cb.RecordFailure(ctx)
}

func (s *Set) States(ctx context.Context) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make(map[string]string, len(s.breakers))
	for id, cb := range s.breakers {
		states[id] = cb.State(ctx).String()
	}
	return states
}
