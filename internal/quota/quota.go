// Package quota is the usage ledger: it admits requests against the
// per-user daily quota, records usage facts and raises threshold alerts.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/provider-gateway/internal/cost"
	"github.com/felipepmaragno/provider-gateway/internal/domain"
	"github.com/felipepmaragno/provider-gateway/internal/metrics"
	"github.com/felipepmaragno/provider-gateway/internal/queue"
	"github.com/felipepmaragno/provider-gateway/internal/repository"
)

const DefaultDailyQuota int64 = 1000

type Ledger struct {
	users        repository.UserRepository
	usage        repository.UsageStore
	calc         *cost.Calculator
	publisher    queue.Publisher
	monitor      *Monitor
	defaultQuota int64
	nowFn        func() time.Time
}

type Option func(*Ledger)

func WithPublisher(p queue.Publisher) Option {
	return func(l *Ledger) {
		l.publisher = p
	}
}

func WithMonitor(m *Monitor) Option {
	return func(l *Ledger) {
		l.monitor = m
	}
}

// WithDefaultQuota sets the limit applied to users without a profile.
func WithDefaultQuota(limit int64) Option {
	return func(l *Ledger) {
		l.defaultQuota = limit
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(l *Ledger) {
		l.nowFn = nowFn
	}
}

func NewLedger(users repository.UserRepository, usage repository.UsageStore, calc *cost.Calculator, opts ...Option) *Ledger {
	l := &Ledger{
		users:        users,
		usage:        usage,
		calc:         calc,
		defaultQuota: DefaultDailyQuota,
		nowFn:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.calc == nil {
		l.calc = cost.NewCalculator()
	}
	return l
}

// Limit returns the user's configured daily quota, or the default quota
// when the user has no profile.
func (l *Ledger) Limit(ctx context.Context, userID string) (int64, error) {
	user, err := l.users.GetByID(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return l.defaultQuota, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get user: %w", err)
	}
	return user.DailyQuota, nil
}

// State reports today's quota state without enforcing it. Used counts
// the requests admitted by Reserve today.
func (l *Ledger) State(ctx context.Context, userID string) (*domain.QuotaState, error) {
	limit, err := l.Limit(ctx, userID)
	if err != nil {
		return nil, err
	}

	day := repository.Day(l.nowFn())
	used, err := l.usage.Admitted(ctx, userID, day)
	if err != nil {
		return nil, fmt.Errorf("count admitted requests: %w", err)
	}
	return newState(limit, used, day), nil
}

// CheckQuota fails with ErrQuotaExceeded once today's used count reaches
// the limit. The error carries the start of the next UTC day as ResetAt.
// It only reads; use Reserve to admit a request.
func (l *Ledger) CheckQuota(ctx context.Context, userID string) (*domain.QuotaState, error) {
	state, err := l.State(ctx, userID)
	if err != nil {
		return nil, err
	}

	if state.Limit > 0 {
		metrics.SetQuotaUsage(userID, float64(state.Used)/float64(state.Limit))
	}

	if state.Used >= state.Limit {
		return nil, exceeded(userID, state)
	}
	return state, nil
}

// Reserve admits one request against today's quota. The check and the
// increment happen atomically in the usage store, so concurrent callers
// cannot overshoot the limit. A request that ends up not being served
// must hand its slot back with Release.
func (l *Ledger) Reserve(ctx context.Context, userID string) (*domain.QuotaState, error) {
	limit, err := l.Limit(ctx, userID)
	if err != nil {
		return nil, err
	}

	day := repository.Day(l.nowFn())
	used, ok, err := l.usage.Reserve(ctx, userID, day, limit)
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	state := newState(limit, used, day)

	if limit > 0 {
		metrics.SetQuotaUsage(userID, float64(used)/float64(limit))
	}
	if !ok {
		return nil, exceeded(userID, state)
	}

	if l.monitor != nil {
		l.monitor.Check(ctx, userID, *state)
	}
	return state, nil
}

// Release returns a slot taken by Reserve on the day state was issued for.
func (l *Ledger) Release(ctx context.Context, userID string, state *domain.QuotaState) error {
	day := state.ResetAt.AddDate(0, 0, -1)
	if err := l.usage.Release(ctx, userID, day); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

func newState(limit, used int64, day time.Time) *domain.QuotaState {
	return &domain.QuotaState{
		Limit:     limit,
		Used:      used,
		Remaining: max(limit-used, 0),
		ResetAt:   day.AddDate(0, 0, 1),
	}
}

func exceeded(userID string, state *domain.QuotaState) error {
	metrics.RecordQuotaRejection()
	slog.Warn("quota exceeded",
		"user_id", userID,
		"limit", state.Limit,
		"used", state.Used,
		"reset_at", state.ResetAt,
	)
	return &domain.Error{
		Kind:    domain.ErrQuotaExceeded,
		Status:  domain.StatusFor(domain.ErrQuotaExceeded),
		Message: fmt.Sprintf("daily quota of %d requests used", state.Limit),
		ResetAt: state.ResetAt,
	}
}

// RecordUsage prices rec, appends it and bumps the daily aggregates. It
// reports false when rec.RequestID was already recorded; nothing else
// happens in that case. Quota admission is Reserve's job, not this one's.
func (l *Ledger) RecordUsage(ctx context.Context, rec domain.UsageRecord, pricePerToken *float64) (bool, error) {
	if rec.RequestID == "" {
		return false, domain.NewError(domain.ErrInvalidArgument, "usage needs a request id")
	}
	if rec.UserID == "" || rec.ProviderID == "" {
		return false, domain.NewError(domain.ErrInvalidArgument, "usage needs a user and a provider")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.nowFn()
	}
	rec.CostUSD = l.calc.Calculate(rec.Model, pricePerToken, rec.InputTokens, rec.OutputTokens)

	recorded, err := l.usage.Record(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("record usage: %w", err)
	}
	if !recorded {
		slog.Debug("usage already recorded", "request_id", rec.RequestID)
		return false, nil
	}

	metrics.RecordTokens(rec.ProviderID, rec.Model, rec.InputTokens, rec.OutputTokens)
	metrics.RecordCost(rec.ProviderID, rec.Model, rec.CostUSD)

	if l.publisher != nil {
		if err := l.publisher.PublishUsage(ctx, queue.NewUsageEvent(rec)); err != nil {
			slog.Error("failed to publish usage event", "request_id", rec.RequestID, "error", err)
		}
	}

	return true, nil
}

// GetUserUsage sums usage over the UTC days spanning [start, end]. No
// records yields zeroed stats.
func (l *Ledger) GetUserUsage(ctx context.Context, userID string, start, end time.Time) (domain.UsageStats, error) {
	if end.Before(start) {
		return domain.UsageStats{}, domain.NewError(domain.ErrInvalidArgument, "end is before start")
	}
	stats, err := l.usage.UsageBetween(ctx, userID, start, end)
	if err != nil {
		return domain.UsageStats{}, fmt.Errorf("usage between: %w", err)
	}
	return stats, nil
}

func (l *Ledger) GetProviderUsage(ctx context.Context, userID, providerID string, day time.Time) (domain.DailyUsage, error) {
	daily, err := l.usage.ProviderDaily(ctx, userID, providerID, day)
	if err != nil {
		return domain.DailyUsage{}, fmt.Errorf("provider daily usage: %w", err)
	}
	return daily, nil
}
