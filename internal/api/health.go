package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

// HealthChecker defines the interface for dependency health checks.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthStatus represents the result of a health check.
type HealthStatus struct {
	Status          string                 `json:"status"`
	Checks          map[string]CheckResult `json:"checks,omitempty"`
	CircuitBreakers map[string]string      `json:"circuit_breakers,omitempty"`
	Version         string                 `json:"version,omitempty"`
}

// CheckResult represents the result of a single dependency check.
type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RedisHealthChecker checks Redis connectivity.
type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string {
	return "redis"
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PostgresHealthChecker checks PostgreSQL connectivity.
type PostgresHealthChecker struct {
	db *sql.DB
}

func NewPostgresHealthChecker(db *sql.DB) *PostgresHealthChecker {
	return &PostgresHealthChecker{db: db}
}

func (c *PostgresHealthChecker) Name() string {
	return "database"
}

func (c *PostgresHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// runHealthChecks executes all health checks concurrently. Individual
// failures are reported in the results, never as an error.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) (map[string]CheckResult, bool) {
	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var g errgroup.Group

	for _, checker := range checkers {
		g.Go(func() error {
			start := time.Now()
			err := checker.Check(ctx)

			result := CheckResult{
				Status:   "ok",
				Duration: time.Since(start).String(),
			}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[checker.Name()] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, result := range results {
		if result.Status != "ok" {
			healthy = false
			break
		}
	}
	return results, healthy
}

// handleHealth always answers 200; a failing dependency marks the gateway
// degraded rather than down.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
	defer cancel()

	results, healthy := runHealthChecks(ctx, h.checkers)

	status := HealthStatus{
		Status:  "healthy",
		Checks:  results,
		Version: version,
	}
	if !healthy {
		status.Status = "degraded"
	}
	if h.breakers != nil {
		status.CircuitBreakers = h.breakers.States(ctx)
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
	defer cancel()

	results, healthy := runHealthChecks(ctx, h.checkers)

	status := HealthStatus{
		Status:  "ready",
		Checks:  results,
		Version: version,
	}
	httpStatus := http.StatusOK
	if !healthy {
		status.Status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, status)
}
