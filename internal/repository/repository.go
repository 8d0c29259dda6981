// Package repository holds the durable stores behind the gateway core:
// providers, users and usage. Each store has an in-memory implementation
// for single-instance use and tests, and a PostgreSQL one.
package repository

import (
	"context"
	"time"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

// statsAlpha weights the newest observation in rolling provider statistics.
const statsAlpha = 0.2

type ProviderStore interface {
	// FindByModel returns every provider listing model, whatever its status.
	FindByModel(ctx context.Context, model string) ([]domain.Provider, error)
	FindByID(ctx context.Context, id string) (*domain.Provider, error)
	List(ctx context.Context) ([]domain.Provider, error)
	Create(ctx context.Context, desc domain.ProviderDescriptor) (*domain.Provider, error)
	UpdateStatus(ctx context.Context, id string, status domain.ProviderStatus) (*domain.Provider, error)
	// DegradeStale moves the provider from ACTIVE to DEGRADED only if it is
	// still ACTIVE and its last heartbeat is before cutoff, checked and
	// written as one step. It reports whether the provider moved.
	DegradeStale(ctx context.Context, id string, cutoff time.Time) (*domain.Provider, bool, error)
	TouchHeartbeat(ctx context.Context, id string) error
	// RecordOutcome folds one dispatch into the provider's rolling latency
	// and success rate as a single atomic update.
	RecordOutcome(ctx context.Context, id string, latency time.Duration, success bool) error
	Stats(ctx context.Context, id string) (domain.ProviderStats, error)
}

type UserRepository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	Create(ctx context.Context, user *domain.User) error
	Update(ctx context.Context, user *domain.User) error
}

type UsageStore interface {
	// Record appends rec and bumps the (user, provider, day) aggregate.
	// It reports false without writing when rec.RequestID was already recorded.
	Record(ctx context.Context, rec domain.UsageRecord) (bool, error)
	// Reserve admits one request against the user's quota for the UTC day
	// of day. The check and the increment are one atomic step, so
	// concurrent callers never push the count past limit. It returns the
	// count after admission, or the current count and false on rejection.
	Reserve(ctx context.Context, userID string, day time.Time, limit int64) (int64, bool, error)
	// Release hands back a reservation whose request was never served.
	// The count never drops below zero.
	Release(ctx context.Context, userID string, day time.Time) error
	// Admitted is the number of requests reserved for the user on the UTC
	// day of day.
	Admitted(ctx context.Context, userID string, day time.Time) (int64, error)
	// UsageBetween sums daily aggregates for the UTC days spanning [start, end].
	UsageBetween(ctx context.Context, userID string, start, end time.Time) (domain.UsageStats, error)
	ProviderDaily(ctx context.Context, userID, providerID string, day time.Time) (domain.DailyUsage, error)
}

// Day truncates t to the start of its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ewma(prev *float64, sample float64) float64 {
	if prev == nil {
		return sample
	}
	return statsAlpha*sample + (1-statsAlpha)*(*prev)
}
