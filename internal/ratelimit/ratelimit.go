// Package ratelimit provides sliding-window admission control per principal.
// A principal is a user id or, for anonymous callers, a client IP.
// Supports both in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

// RateLimiter admits or rejects one event for principal within a trailing
// window of the given duration. When the window is full the returned error
// is a *domain.Error of kind ErrRateLimitExceeded whose ResetAt is the time
// the oldest admitted event leaves the window. The Decision is populated in
// both cases.
type RateLimiter interface {
	Allow(ctx context.Context, principal string, limit int, window time.Duration) (Decision, error)
}

type Decision struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func denied(limit int, resetAt time.Time) (Decision, error) {
	err := domain.NewError(domain.ErrRateLimitExceeded,
		fmt.Sprintf("limit of %d requests reached", limit))
	err.ResetAt = resetAt
	return Decision{Limit: limit, Remaining: 0, ResetAt: resetAt}, err
}

// InMemoryRateLimiter keeps one timestamp log per principal.
// Suitable for single-instance deployments.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	nowFn   func() time.Time
}

type window struct {
	mu     sync.Mutex
	events []time.Time
	window time.Duration
	// swept is set once the window has been removed from the map.
	swept bool
}

type Option func(*InMemoryRateLimiter)

func WithClock(nowFn func() time.Time) Option {
	return func(r *InMemoryRateLimiter) {
		r.nowFn = nowFn
	}
}

func NewInMemoryRateLimiter(opts ...Option) *InMemoryRateLimiter {
	r := &InMemoryRateLimiter{
		windows: make(map[string]*window),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, principal string, limit int, windowDuration time.Duration) (Decision, error) {
	w := r.lockWindow(principal)
	defer w.mu.Unlock()

	now := r.nowFn()
	windowStart := now.Add(-windowDuration)
	w.window = windowDuration

	kept := w.events[:0]
	for _, ts := range w.events {
		if !ts.Before(windowStart) {
			kept = append(kept, ts)
		}
	}
	w.events = kept

	if len(w.events) >= limit {
		if len(w.events) == 0 {
			return denied(limit, now.Add(windowDuration))
		}
		return denied(limit, w.events[0].Add(windowDuration))
	}

	w.events = append(w.events, now)

	return Decision{
		Limit:     limit,
		Remaining: limit - len(w.events),
		ResetAt:   now.Add(windowDuration),
	}, nil
}

// lockWindow returns the principal's window with its mutex held.
func (r *InMemoryRateLimiter) lockWindow(principal string) *window {
	for {
		r.mu.Lock()
		w, ok := r.windows[principal]
		if !ok {
			w = &window{}
			r.windows[principal] = w
		}
		r.mu.Unlock()

		w.mu.Lock()
		if !w.swept {
			return w
		}
		w.mu.Unlock()
	}
}

// Sweep drops windows whose newest event has left its trailing window.
func (r *InMemoryRateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	removed := 0
	for principal, w := range r.windows {
		w.mu.Lock()
		idle := len(w.events) == 0 || w.events[len(w.events)-1].Before(now.Add(-w.window))
		if idle {
			w.swept = true
		}
		w.mu.Unlock()
		if idle {
			delete(r.windows, principal)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *InMemoryRateLimiter) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}
