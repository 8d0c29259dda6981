// Package scheduler selects a provider for a request, dispatches it and
// fails over to the next ranked candidate with exponential backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/provider-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/provider-gateway/internal/domain"
	"github.com/felipepmaragno/provider-gateway/internal/metrics"
	"github.com/felipepmaragno/provider-gateway/internal/strategy"
	"github.com/felipepmaragno/provider-gateway/internal/telemetry"
)

// Registry is the scheduler's view of the provider catalogue.
type Registry interface {
	ListEligible(ctx context.Context, model string) ([]domain.Provider, error)
	RecordOutcome(ctx context.Context, id string, latency time.Duration, success bool) error
}

// Dispatcher sends one request to one provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, p domain.Provider, req domain.Request) (*domain.DispatchResult, error)
}

type DispatcherFunc func(ctx context.Context, p domain.Provider, req domain.Request) (*domain.DispatchResult, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, p domain.Provider, req domain.Request) (*domain.DispatchResult, error) {
	return f(ctx, p, req)
}

type State int

const (
	StateReceived State = iota
	StateSelecting
	StateDispatching
	StateRetrying
	StateSucceeded
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateSelecting:
		return "SELECTING"
	case StateDispatching:
		return "DISPATCHING"
	case StateRetrying:
		return "RETRYING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateExhausted:
		return "EXHAUSTED"
	}
	return "UNKNOWN"
}

type Policy struct {
	// MaxRetries is the total number of dispatch attempts for one request.
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DispatchTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		DispatchTimeout: 60 * time.Second,
	}
}

// Deadline is the longest Schedule can take under p: every attempt
// running into DispatchTimeout plus every backoff between attempts.
func (p Policy) Deadline() time.Duration {
	d := p.DispatchTimeout * time.Duration(p.MaxRetries)
	for n := 0; n < p.MaxRetries-1; n++ {
		d += p.Backoff(n)
	}
	return d
}

// Backoff is the delay before retry n (n = 0 for the first retry):
// BaseDelay × 2^n, capped at MaxDelay.
func (p Policy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Result is a successful schedule.
type Result struct {
	Provider domain.Provider
	Dispatch *domain.DispatchResult
	Attempts int
	Latency  time.Duration
}

type Scheduler struct {
	registry   Registry
	dispatcher Dispatcher
	strategy   strategy.Strategy
	policy     Policy
	breakers   *circuitbreaker.Set
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Scheduler)

// WithSleep replaces the backoff sleep. It must return ctx.Err() when ctx
// is done first.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		s.sleep = sleep
	}
}

func WithCircuitBreakers(set *circuitbreaker.Set) Option {
	return func(s *Scheduler) {
		s.breakers = set
	}
}

func New(reg Registry, d Dispatcher, st strategy.Strategy, p Policy, opts ...Option) *Scheduler {
	if p.MaxRetries < 1 {
		p.MaxRetries = 1
	}
	s := &Scheduler{
		registry:   reg,
		dispatcher: d,
		strategy:   st,
		policy:     p,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// flow tracks one request through the state machine.
type flow struct {
	req   domain.Request
	state State
}

func (f *flow) to(next State) {
	slog.Debug("scheduler transition",
		"request_id", f.req.ID,
		"from", f.state,
		"to", next,
	)
	f.state = next
}

// Schedule runs req through selection and dispatch. Distinct providers are
// tried in rank order; the number of attempts is bounded by both
// Policy.MaxRetries and the number of candidates.
func (s *Scheduler) Schedule(ctx context.Context, req domain.Request) (*Result, error) {
	f := &flow{req: req, state: StateReceived}

	f.to(StateSelecting)
	providers, err := s.registry.ListEligible(ctx, req.Model)
	if err != nil {
		return nil, fmt.Errorf("list eligible providers: %w", err)
	}
	if len(providers) == 0 {
		slog.Warn("no provider available", "request_id", req.ID, "model", req.Model)
		return nil, domain.NewError(domain.ErrNoProviderAvailable,
			fmt.Sprintf("no active provider serves model %q", req.Model))
	}

	ranked := strategy.Rank(providers, s.strategy)
	out, err := s.try(ctx, f, req, ranked, s.breakers != nil)
	if err != nil {
		return nil, err
	}
	if out.attempts == 0 && s.breakers != nil {
		slog.Warn("all candidate circuit breakers open, trying every candidate",
			"request_id", req.ID,
			"candidates", len(ranked),
		)
		if out, err = s.try(ctx, f, req, ranked, false); err != nil {
			return nil, err
		}
	}
	if out.result != nil {
		return out.result, nil
	}

	f.to(StateExhausted)
	slog.Error("retries exhausted",
		"request_id", req.ID,
		"model", req.Model,
		"attempts", out.attempts,
		"error", out.lastErr,
	)
	return nil, &domain.Error{
		Kind:    domain.ErrRetriesExhausted,
		Status:  domain.StatusFor(domain.ErrRetriesExhausted),
		Message: fmt.Sprintf("%d attempts failed, last error: %v", out.attempts, out.lastErr),
		Err:     out.lastErr,
	}
}

type tryOutcome struct {
	result   *Result
	attempts int
	lastErr  error
}

// try walks ranked in order until a dispatch succeeds or Policy.MaxRetries
// attempts are spent. When gated, a candidate whose breaker refuses is
// skipped without spending an attempt; the breaker is only consulted for
// the candidate about to be dispatched. The returned error is set only
// when ctx ends.
func (s *Scheduler) try(ctx context.Context, f *flow, req domain.Request, ranked []domain.Provider, gated bool) (tryOutcome, error) {
	var out tryOutcome
	for _, p := range ranked {
		if out.attempts >= s.policy.MaxRetries {
			break
		}
		if gated && !s.breakers.Allow(ctx, p.ID) {
			slog.Debug("circuit breaker open, skipping provider", "request_id", req.ID, "provider_id", p.ID)
			continue
		}

		if out.attempts > 0 {
			f.to(StateRetrying)
			metrics.RecordRetry(req.Model)
			if err := s.sleep(ctx, s.policy.Backoff(out.attempts-1)); err != nil {
				return out, fmt.Errorf("request %s cancelled after %d attempts: %w", req.ID, out.attempts, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("request %s cancelled after %d attempts: %w", req.ID, out.attempts, err)
		}

		f.to(StateDispatching)
		res, latency, err := s.dispatch(ctx, req, p, out.attempts+1)
		out.attempts++
		if err == nil {
			f.to(StateSucceeded)
			out.result = &Result{
				Provider: p,
				Dispatch: res,
				Attempts: out.attempts,
				Latency:  latency,
			}
			return out, nil
		}
		out.lastErr = err

		if ctx.Err() != nil {
			return out, fmt.Errorf("request %s cancelled after %d attempts: %w", req.ID, out.attempts, ctx.Err())
		}
	}
	return out, nil
}

func (s *Scheduler) dispatch(ctx context.Context, req domain.Request, p domain.Provider, attempt int) (*domain.DispatchResult, time.Duration, error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler.dispatch")
	defer span.End()
	telemetry.AddDispatchAttributes(span, p.ID, attempt)

	dctx := ctx
	if s.policy.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, s.policy.DispatchTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.dispatcher.Dispatch(dctx, p, req)
	latency := time.Since(start)
	if err == nil && res == nil {
		err = errors.New("empty dispatch result")
	}

	success := err == nil
	// A dispatch cut short by the caller says nothing about the provider.
	if success || ctx.Err() == nil {
		s.recordOutcome(ctx, p.ID, latency, success)
	}
	metrics.RecordDispatch(p.ID, success, latency.Seconds())

	if !success {
		telemetry.AddErrorAttribute(span, err)
		slog.Warn("dispatch attempt failed",
			"request_id", req.ID,
			"provider_id", p.ID,
			"attempt", attempt,
			"latency_ms", latency.Milliseconds(),
			"error", err,
		)
		return nil, latency, fmt.Errorf("provider %s: %w: %w", p.ID, domain.ErrProviderDispatchFailed, err)
	}

	telemetry.AddTokenAttributes(span, res.InputTokens, res.OutputTokens)
	slog.Info("dispatch attempt succeeded",
		"request_id", req.ID,
		"provider_id", p.ID,
		"attempt", attempt,
		"latency_ms", latency.Milliseconds(),
	)
	return res, latency, nil
}

func (s *Scheduler) recordOutcome(ctx context.Context, providerID string, latency time.Duration, success bool) {
	ctx = context.WithoutCancel(ctx)
	if err := s.registry.RecordOutcome(ctx, providerID, latency, success); err != nil {
		slog.Error("failed to record provider outcome", "provider_id", providerID, "error", err)
	}
	if s.breakers != nil {
		s.breakers.Record(ctx, providerID, success)
		metrics.SetCircuitBreakerState(providerID, int(s.breakers.Get(providerID).State(ctx)))
	}
}
