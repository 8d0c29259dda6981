// Package gateway sequences one inference request through admission,
// quota, scheduling and usage accounting.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
	"github.com/felipepmaragno/provider-gateway/internal/metrics"
	"github.com/felipepmaragno/provider-gateway/internal/ratelimit"
	"github.com/felipepmaragno/provider-gateway/internal/scheduler"
	"github.com/felipepmaragno/provider-gateway/internal/telemetry"
)

type Scheduler interface {
	Schedule(ctx context.Context, req domain.Request) (*scheduler.Result, error)
}

type Ledger interface {
	Reserve(ctx context.Context, userID string) (*domain.QuotaState, error)
	Release(ctx context.Context, userID string, state *domain.QuotaState) error
	RecordUsage(ctx context.Context, rec domain.UsageRecord, pricePerToken *float64) (bool, error)
}

type RateLimit struct {
	Max    int
	Window time.Duration
}

func DefaultRateLimit() RateLimit {
	return RateLimit{Max: 100, Window: time.Minute}
}

type Gateway struct {
	limiter   ratelimit.RateLimiter
	ledger    Ledger
	scheduler Scheduler
	limit     RateLimit
}

func New(limiter ratelimit.RateLimiter, ledger Ledger, sched Scheduler, limit RateLimit) *Gateway {
	return &Gateway{
		limiter:   limiter,
		ledger:    ledger,
		scheduler: sched,
		limit:     limit,
	}
}

// Principal is the rate limit key for a caller: the user id when known,
// the client IP otherwise.
func Principal(userID, clientIP string) (key, kind string) {
	if userID != "" {
		return "user:" + userID, "user"
	}
	return "ip:" + clientIP, "ip"
}

// Handle admits req against the caller's rate limit window and daily quota,
// schedules it and records the resulting usage. Exactly one of the returned
// values is non-nil. Anonymous requests (no UserID) are rate limited by
// ClientIP and bypass the quota ledger. Every call gets a fresh req.ID, so
// resending a request never reuses an earlier usage record.
func (g *Gateway) Handle(ctx context.Context, req domain.Request) (*domain.Response, error) {
	start := time.Now()
	req.ID = uuid.NewString()
	if req.Model == "" {
		return nil, domain.NewError(domain.ErrInvalidArgument, "model is required")
	}
	if len(req.Messages) == 0 {
		return nil, domain.NewError(domain.ErrInvalidArgument, "messages must not be empty")
	}

	ctx, span := telemetry.StartSpan(ctx, "gateway.handle")
	defer span.End()
	telemetry.AddRequestAttributes(span, req.UserID, req.Model, req.ID)

	resp, err := g.handle(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = domain.CodeFor(err)
		telemetry.AddErrorAttribute(span, err)
	}
	metrics.RecordRequest(req.Model, outcome, time.Since(start).Seconds())
	return resp, err
}

func (g *Gateway) handle(ctx context.Context, req domain.Request) (*domain.Response, error) {
	principal, kind := Principal(req.UserID, req.ClientIP)
	decision, err := g.limiter.Allow(ctx, principal, g.limit.Max, g.limit.Window)
	if err != nil {
		if _, ok := domain.AsError(err); ok {
			metrics.RecordRateLimitRejection(kind)
			slog.Warn("rate limit exceeded",
				"request_id", req.ID,
				"correlation_id", req.CorrelationID,
				"principal", principal,
				"reset_at", decision.ResetAt,
			)
			return nil, err
		}
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	rl := &domain.RateLimitDecision{
		Limit:     decision.Limit,
		Remaining: decision.Remaining,
		ResetAt:   decision.ResetAt,
	}

	var quota *domain.QuotaState
	if req.UserID != "" {
		quota, err = g.ledger.Reserve(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
	}

	res, err := g.scheduler.Schedule(ctx, req)
	if err != nil {
		if quota != nil {
			g.release(ctx, req, quota)
		}
		return nil, err
	}

	if req.UserID != "" {
		g.recordUsage(ctx, req, res)
	}

	return &domain.Response{
		RequestID:    req.ID,
		ProviderID:   res.Provider.ID,
		Status:       http.StatusOK,
		Payload:      res.Dispatch.Payload,
		InputTokens:  res.Dispatch.InputTokens,
		OutputTokens: res.Dispatch.OutputTokens,
		Attempts:     res.Attempts,
		RateLimit:    rl,
		Quota:        quota,
	}, nil
}

// release hands back the quota slot of a request that was never served.
func (g *Gateway) release(ctx context.Context, req domain.Request, quota *domain.QuotaState) {
	if err := g.ledger.Release(context.WithoutCancel(ctx), req.UserID, quota); err != nil {
		slog.Error("failed to release quota",
			"request_id", req.ID,
			"user_id", req.UserID,
			"error", err,
		)
	}
}

// recordUsage runs after a successful dispatch; the caller already has its
// answer, so failures here are logged rather than returned.
func (g *Gateway) recordUsage(ctx context.Context, req domain.Request, res *scheduler.Result) {
	rec := domain.UsageRecord{
		RequestID:    req.ID,
		UserID:       req.UserID,
		ProviderID:   res.Provider.ID,
		Model:        req.Model,
		InputTokens:  res.Dispatch.InputTokens,
		OutputTokens: res.Dispatch.OutputTokens,
		LatencyMs:    res.Latency.Milliseconds(),
	}
	if _, err := g.ledger.RecordUsage(context.WithoutCancel(ctx), rec, res.Provider.PricePerToken); err != nil {
		slog.Error("failed to record usage",
			"request_id", req.ID,
			"correlation_id", req.CorrelationID,
			"user_id", req.UserID,
			"provider_id", res.Provider.ID,
			"error", err,
		)
	}
}
