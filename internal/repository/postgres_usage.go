package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

type PostgresUsageStore struct {
	db *sql.DB
}

func NewPostgresUsageStore(db *sql.DB) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

// Record inserts the usage row and upserts the daily aggregate in one
// transaction. A duplicate request id leaves both untouched.
func (s *PostgresUsageStore) Record(ctx context.Context, rec domain.UsageRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO usage_records (request_id, user_id, provider_id, model,
		                           input_tokens, output_tokens, cost_usd, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO NOTHING
	`,
		rec.RequestID,
		rec.UserID,
		rec.ProviderID,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.LatencyMs,
		rec.Timestamp.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert usage record: %w", err)
	}

	inserted, _ := result.RowsAffected()
	if inserted == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_usage (user_id, provider_id, date, requests, tokens, cost_usd)
		VALUES ($1, $2, $3::date, 1, $4, $5)
		ON CONFLICT (user_id, provider_id, date) DO UPDATE
		SET requests = daily_usage.requests + 1,
		    tokens = daily_usage.tokens + EXCLUDED.tokens,
		    cost_usd = daily_usage.cost_usd + EXCLUDED.cost_usd
	`,
		rec.UserID,
		rec.ProviderID,
		Day(rec.Timestamp).Format(time.DateOnly),
		rec.TotalTokens(),
		rec.CostUSD,
	)
	if err != nil {
		return false, fmt.Errorf("upsert daily usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit usage tx: %w", err)
	}
	return true, nil
}

// Reserve relies on the conditional upsert: when the row is already at
// limit the UPDATE branch matches nothing and no row comes back.
func (s *PostgresUsageStore) Reserve(ctx context.Context, userID string, day time.Time, limit int64) (int64, bool, error) {
	if limit <= 0 {
		used, err := s.Admitted(ctx, userID, day)
		return used, false, err
	}

	var used int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO quota_counters (user_id, date, used)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (user_id, date) DO UPDATE
		SET used = quota_counters.used + 1
		WHERE quota_counters.used < $3
		RETURNING used
	`, userID, Day(day).Format(time.DateOnly), limit).Scan(&used)
	if err == sql.ErrNoRows {
		used, err := s.Admitted(ctx, userID, day)
		return used, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("reserve quota: %w", err)
	}
	return used, true, nil
}

func (s *PostgresUsageStore) Release(ctx context.Context, userID string, day time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE quota_counters
		SET used = used - 1
		WHERE user_id = $1 AND date = $2::date AND used > 0
	`, userID, Day(day).Format(time.DateOnly))
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

func (s *PostgresUsageStore) Admitted(ctx context.Context, userID string, day time.Time) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx, `
		SELECT used FROM quota_counters
		WHERE user_id = $1 AND date = $2::date
	`, userID, Day(day).Format(time.DateOnly)).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query quota counter: %w", err)
	}
	return used, nil
}

func (s *PostgresUsageStore) UsageBetween(ctx context.Context, userID string, start, end time.Time) (domain.UsageStats, error) {
	stats := domain.UsageStats{Start: start, End: end}

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(requests), 0), COALESCE(SUM(tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM daily_usage
		WHERE user_id = $1 AND date BETWEEN $2::date AND $3::date
	`,
		userID,
		Day(start).Format(time.DateOnly),
		Day(end).Format(time.DateOnly),
	).Scan(&stats.Requests, &stats.TotalTokens, &stats.TotalCost)
	if err != nil {
		return domain.UsageStats{}, fmt.Errorf("query usage range: %w", err)
	}
	return stats, nil
}

func (s *PostgresUsageStore) ProviderDaily(ctx context.Context, userID, providerID string, day time.Time) (domain.DailyUsage, error) {
	d := Day(day)
	usage := domain.DailyUsage{UserID: userID, ProviderID: providerID, Date: d}

	err := s.db.QueryRowContext(ctx, `
		SELECT requests, tokens, cost_usd
		FROM daily_usage
		WHERE user_id = $1 AND provider_id = $2 AND date = $3::date
	`, userID, providerID, d.Format(time.DateOnly)).Scan(&usage.Requests, &usage.Tokens, &usage.CostUSD)
	if err == sql.ErrNoRows {
		return usage, nil
	}
	if err != nil {
		return domain.DailyUsage{}, fmt.Errorf("query provider daily usage: %w", err)
	}
	return usage, nil
}
