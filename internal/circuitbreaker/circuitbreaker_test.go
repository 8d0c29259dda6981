package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(cfg Config) (*InMemoryCircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewInMemory(cfg, clock.Now), clock
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig())

	if cb.State(context.Background()) != StateClosed {
		t.Errorf("expected StateClosed, got %v", cb.State(context.Background()))
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 2, Cooldown: time.Second})

	for i := 0; i < 2; i++ {
		cb.RecordFailure(ctx)
	}
	if cb.State(ctx) != StateClosed {
		t.Fatalf("expected StateClosed below threshold, got %v", cb.State(ctx))
	}

	cb.RecordFailure(ctx)
	if cb.State(ctx) != StateOpen {
		t.Errorf("expected StateOpen after 3 failures, got %v", cb.State(ctx))
	}
	if err := cb.Allow(ctx); !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Second})

	cb.RecordFailure(ctx)
	cb.RecordSuccess(ctx)
	cb.RecordFailure(ctx)

	if cb.State(ctx) != StateClosed {
		t.Errorf("non-consecutive failures should not open the breaker, got %v", cb.State(ctx))
	}
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	ctx := context.Background()
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 10 * time.Second})

	cb.RecordFailure(ctx)
	clock.Advance(9 * time.Second)
	if err := cb.Allow(ctx); err == nil {
		t.Fatal("expected breaker to stay open during cooldown")
	}

	clock.Advance(time.Second)
	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("expected a trial to be allowed, got %v", err)
	}
	if cb.State(ctx) != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", cb.State(ctx))
	}

	cb.RecordSuccess(ctx)
	if cb.State(ctx) != StateHalfOpen {
		t.Fatalf("one success should not close with threshold 2, got %v", cb.State(ctx))
	}
	cb.RecordSuccess(ctx)
	if cb.State(ctx) != StateClosed {
		t.Errorf("expected StateClosed, got %v", cb.State(ctx))
	}
}

func TestCircuitBreaker_ReopensOnTrialFailure(t *testing.T) {
	ctx := context.Background()
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Second})

	cb.RecordFailure(ctx)
	clock.Advance(time.Second)
	_ = cb.Allow(ctx)
	cb.RecordFailure(ctx)

	if cb.State(ctx) != StateOpen {
		t.Errorf("expected StateOpen, got %v", cb.State(ctx))
	}
	if err := cb.Allow(ctx); err == nil {
		t.Error("cooldown should restart after a failed trial")
	}
}

func TestSet_PerProvider(t *testing.T) {
	ctx := context.Background()
	set := NewSet(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute})

	set.Record(ctx, "p1", false)

	if set.Allow(ctx, "p1") {
		t.Error("p1 should be blocked")
	}
	if !set.Allow(ctx, "p2") {
		t.Error("p2 should be allowed")
	}
	if set.Get("p1") != set.Get("p1") {
		t.Error("Get should return the same breaker")
	}

	states := set.States(ctx)
	if states["p1"] != "open" || states["p2"] != "closed" {
		t.Errorf("unexpected states %v", states)
	}
}

func TestCircuitBreaker_HalfOpenCapsConcurrentTrials(t *testing.T) {
	ctx := context.Background()
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 10 * time.Second, HalfOpenMaxRequests: 1})

	cb.RecordFailure(ctx)
	clock.Advance(10 * time.Second)

	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("first trial should be allowed, got %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := cb.Allow(ctx); !errors.Is(err, domain.ErrCircuitBreakerOpen) {
			t.Fatalf("trial %d: expected ErrCircuitBreakerOpen while a trial is in flight, got %v", i, err)
		}
	}

	cb.RecordSuccess(ctx)
	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("a finished trial should free its slot, got %v", err)
	}
	cb.RecordSuccess(ctx)
	if cb.State(ctx) != StateClosed {
		t.Errorf("expected StateClosed, got %v", cb.State(ctx))
	}
}

func TestCircuitBreaker_AbandonedTrialFreedAfterCooldown(t *testing.T) {
	ctx := context.Background()
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 10 * time.Second})

	cb.RecordFailure(ctx)
	clock.Advance(10 * time.Second)
	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("first trial should be allowed, got %v", err)
	}

	clock.Advance(9 * time.Second)
	if err := cb.Allow(ctx); err == nil {
		t.Fatal("slot should still be held")
	}

	clock.Advance(time.Second)
	if err := cb.Allow(ctx); err != nil {
		t.Errorf("abandoned trial should be reclaimed after a cooldown, got %v", err)
	}
}

func TestDefaultConfig_SingleTrial(t *testing.T) {
	if got := DefaultConfig().trialLimit(); got != 1 {
		t.Errorf("trialLimit = %d, want 1", got)
	}
	if got := (Config{}).trialLimit(); got != 1 {
		t.Errorf("zero config trialLimit = %d, want 1", got)
	}
}
