// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/provider-gateway/internal/cache"
	"github.com/felipepmaragno/provider-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/provider-gateway/internal/domain"
	"github.com/felipepmaragno/provider-gateway/internal/quota"
	"github.com/felipepmaragno/provider-gateway/internal/registry"
	"github.com/felipepmaragno/provider-gateway/internal/repository"
	"github.com/felipepmaragno/provider-gateway/internal/telemetry"
)

const (
	userIDHeader    = "X-User-ID"
	requestIDHeader = "X-Request-ID"
	modelsCacheKey  = "models"
)

type Gateway interface {
	Handle(ctx context.Context, req domain.Request) (*domain.Response, error)
}

type HandlerConfig struct {
	Gateway         Gateway
	Registry        *registry.Registry
	Ledger          *quota.Ledger
	Cache           cache.Cache
	ModelsTTL       time.Duration
	CircuitBreakers *circuitbreaker.Set
	HealthCheckers  []HealthChecker
	HealthTimeout   time.Duration
}

type Handler struct {
	gateway       Gateway
	registry      *registry.Registry
	ledger        *quota.Ledger
	cache         cache.Cache
	modelsTTL     time.Duration
	breakers      *circuitbreaker.Set
	checkers      []HealthChecker
	healthTimeout time.Duration
	mux           *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	modelsTTL := cfg.ModelsTTL
	if modelsTTL == 0 {
		modelsTTL = time.Minute
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout == 0 {
		healthTimeout = 5 * time.Second
	}

	h := &Handler{
		gateway:       cfg.Gateway,
		registry:      cfg.Registry,
		ledger:        cfg.Ledger,
		cache:         cfg.Cache,
		modelsTTL:     modelsTTL,
		breakers:      cfg.CircuitBreakers,
		checkers:      cfg.HealthCheckers,
		healthTimeout: healthTimeout,
		mux:           http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/user", h.handleUser)
	h.registerProviderRoutes()
	h.mux.HandleFunc("GET /v1/health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	var body domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, domain.NewError(domain.ErrInvalidArgument, "invalid request body"))
		return
	}

	req := domain.Request{
		CorrelationID: r.Header.Get(requestIDHeader),
		UserID:        r.Header.Get(userIDHeader),
		ClientIP:      clientIP(r),
		Model:         body.Model,
		Messages:      body.Messages,
		Temperature:   body.Temperature,
		MaxTokens:     body.MaxTokens,
		Stream:        body.Stream,
	}

	resp, err := h.gateway.Handle(ctx, req)
	if err != nil {
		if e, ok := domain.AsError(err); ok && errors.Is(e.Kind, domain.ErrRateLimitExceeded) {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(e.ResetAt.Unix(), 10))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter(e.ResetAt)))
		}
		if req.CorrelationID != "" {
			w.Header().Set(requestIDHeader, req.CorrelationID)
		}
		writeError(w, err)
		return
	}

	if rl := resp.RateLimit; rl != nil {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
	}

	payload := resp.Payload
	if payload == nil {
		payload = &domain.ChatResponse{Object: "chat.completion", Model: req.Model}
	}
	latency := time.Since(start).Milliseconds()
	payload.Gateway = &domain.Gateway{
		Provider:  resp.ProviderID,
		LatencyMs: latency,
		Attempts:  resp.Attempts,
		RequestID: resp.RequestID,
		TraceID:   telemetry.TraceID(ctx),
	}

	slog.Info("request completed",
		"request_id", resp.RequestID,
		"correlation_id", req.CorrelationID,
		"user_id", req.UserID,
		"provider", resp.ProviderID,
		"model", req.Model,
		"attempts", resp.Attempts,
		"latency_ms", latency,
	)

	echo := req.CorrelationID
	if echo == "" {
		echo = resp.RequestID
	}
	w.Header().Set(requestIDHeader, echo)
	writeJSON(w, resp.Status, payload)
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.cache != nil {
		if cached, ok := cache.GetJSON[domain.ModelsResponse](ctx, h.cache, modelsCacheKey); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	names, err := h.registry.Models(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	created := time.Now().Unix()
	resp := domain.ModelsResponse{Object: "list", Data: make([]domain.Model, 0, len(names))}
	for _, name := range names {
		resp.Data = append(resp.Data, domain.Model{
			ID:      name,
			Object:  "model",
			Created: created,
			OwnedBy: "provider-gateway",
		})
	}

	if h.cache != nil {
		if err := cache.SetJSON(ctx, h.cache, modelsCacheKey, resp, h.modelsTTL); err != nil {
			slog.Warn("failed to cache models", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type userResponse struct {
	UserID     string             `json:"user_id"`
	Quota      *domain.QuotaState `json:"quota"`
	UsageToday domain.UsageStats  `json:"usage_today"`
}

func (h *Handler) handleUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeError(w, domain.NewError(domain.ErrInvalidArgument, userIDHeader+" header is required"))
		return
	}

	state, err := h.ledger.State(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	day := repository.Day(state.ResetAt.Add(-24 * time.Hour))
	usage, err := h.ledger.GetUserUsage(ctx, userID, day, day)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		UserID:     userID,
		Quota:      state,
		UsageToday: usage,
	})
}

// clientIP prefers the first X-Forwarded-For hop, then the connection's
// remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfter(resetAt time.Time) int {
	seconds := int(time.Until(resetAt).Seconds() + 0.999)
	return max(seconds, 1)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

// writeError renders classified errors with their own status and code.
// Anything else is logged and reported as an internal error.
func writeError(w http.ResponseWriter, err error) {
	e, ok := domain.AsError(err)
	if !ok {
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Code:    domain.CodeFor(err),
			Message: "internal error",
		}})
		return
	}

	detail := errorDetail{Code: e.Code(), Message: e.Error()}
	if !e.ResetAt.IsZero() {
		resetAt := e.ResetAt.UTC()
		detail.ResetAt = &resetAt
	}
	writeJSON(w, e.Status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
