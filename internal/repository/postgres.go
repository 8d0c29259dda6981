package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

// Sealer encrypts provider credentials at rest.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type PostgresProviderStore struct {
	db     *sql.DB
	sealer Sealer
}

// NewPostgresProviderStore stores API keys in clear text when sealer is nil.
func NewPostgresProviderStore(db *sql.DB, sealer Sealer) *PostgresProviderStore {
	return &PostgresProviderStore{db: db, sealer: sealer}
}

const providerColumns = `id, name, endpoint, api_key, models, status,
	avg_response_time_ms, success_rate, price_per_token,
	last_heartbeat_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresProviderStore) scanProvider(row rowScanner) (*domain.Provider, error) {
	var (
		p      domain.Provider
		apiKey string
		models pq.StringArray
		status string
		avgMs  sql.NullFloat64
		rate   sql.NullFloat64
		price  sql.NullFloat64
	)

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Endpoint,
		&apiKey,
		&models,
		&status,
		&avgMs,
		&rate,
		&price,
		&p.LastHeartbeatAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Models = []string(models)
	p.Status = domain.ProviderStatus(status)
	p.AvgResponseTimeMs = nullFloat(avgMs)
	p.SuccessRate = nullFloat(rate)
	p.PricePerToken = nullFloat(price)

	if s.sealer != nil {
		p.APIKey, err = s.sealer.Decrypt(apiKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt api key for provider %s: %w", p.ID, err)
		}
	} else {
		p.APIKey = apiKey
	}

	return &p, nil
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func (s *PostgresProviderStore) query(ctx context.Context, query string, args ...any) ([]domain.Provider, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var providers []domain.Provider
	for rows.Next() {
		p, err := s.scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		providers = append(providers, *p)
	}
	return providers, rows.Err()
}

func (s *PostgresProviderStore) FindByModel(ctx context.Context, model string) ([]domain.Provider, error) {
	return s.query(ctx, `
		SELECT `+providerColumns+`
		FROM providers
		WHERE $1 = ANY(models)
		ORDER BY created_at, id
	`, model)
}

func (s *PostgresProviderStore) List(ctx context.Context) ([]domain.Provider, error) {
	return s.query(ctx, `
		SELECT `+providerColumns+`
		FROM providers
		ORDER BY created_at, id
	`)
}

func (s *PostgresProviderStore) FindByID(ctx context.Context, id string) (*domain.Provider, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+providerColumns+`
		FROM providers
		WHERE id = $1
	`, id)

	p, err := s.scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query provider: %w", err)
	}
	return p, nil
}

func (s *PostgresProviderStore) Create(ctx context.Context, desc domain.ProviderDescriptor) (*domain.Provider, error) {
	apiKey := desc.APIKey
	if s.sealer != nil {
		sealed, err := s.sealer.Encrypt(desc.APIKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt api key: %w", err)
		}
		apiKey = sealed
	}

	var price sql.NullFloat64
	if desc.PricePerToken != nil {
		price = sql.NullFloat64{Float64: *desc.PricePerToken, Valid: true}
	}

	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO providers (id, name, endpoint, api_key, models, status, price_per_token,
		                       last_heartbeat_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $8)
		RETURNING `+providerColumns,
		uuid.NewString(),
		desc.Name,
		desc.Endpoint,
		apiKey,
		pq.Array(desc.Models),
		string(domain.ProviderStatusActive),
		price,
		now,
	)

	p, err := s.scanProvider(row)
	if err != nil {
		return nil, fmt.Errorf("insert provider: %w", err)
	}
	return p, nil
}

func (s *PostgresProviderStore) UpdateStatus(ctx context.Context, id string, status domain.ProviderStatus) (*domain.Provider, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE providers
		SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+providerColumns,
		id, string(status),
	)

	p, err := s.scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update provider status: %w", err)
	}
	return p, nil
}

func (s *PostgresProviderStore) DegradeStale(ctx context.Context, id string, cutoff time.Time) (*domain.Provider, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE providers
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND last_heartbeat_at < $4
		RETURNING `+providerColumns,
		id, string(domain.ProviderStatusDegraded), string(domain.ProviderStatusActive), cutoff.UTC(),
	)

	p, err := s.scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("degrade stale provider: %w", err)
	}
	return p, true, nil
}

func (s *PostgresProviderStore) TouchHeartbeat(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE providers SET last_heartbeat_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrProviderNotFound
	}
	return nil
}

func (s *PostgresProviderStore) RecordOutcome(ctx context.Context, id string, latency time.Duration, success bool) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE providers
		SET total_requests = total_requests + 1,
		    successful_requests = successful_requests + CASE WHEN $2::boolean THEN 1 ELSE 0 END,
		    success_rate = CASE
		        WHEN success_rate IS NULL THEN $3::double precision
		        ELSE $4::double precision * $3::double precision + (1 - $4::double precision) * success_rate
		    END,
		    avg_response_time_ms = CASE
		        WHEN NOT $2::boolean THEN avg_response_time_ms
		        WHEN avg_response_time_ms IS NULL THEN $5::double precision
		        ELSE $4::double precision * $5::double precision + (1 - $4::double precision) * avg_response_time_ms
		    END
		WHERE id = $1
	`, id, success, outcome, statsAlpha, float64(latency.Milliseconds()))
	if err != nil {
		return fmt.Errorf("record provider outcome: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrProviderNotFound
	}
	return nil
}

func (s *PostgresProviderStore) Stats(ctx context.Context, id string) (domain.ProviderStats, error) {
	var (
		stats domain.ProviderStats
		avgMs sql.NullFloat64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT total_requests, successful_requests, avg_response_time_ms
		FROM providers
		WHERE id = $1
	`, id).Scan(&stats.Requests, &stats.Successes, &avgMs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProviderStats{}, domain.ErrProviderNotFound
	}
	if err != nil {
		return domain.ProviderStats{}, fmt.Errorf("query provider stats: %w", err)
	}

	stats.AvgResponseTimeMs = nullFloat(avgMs)
	if stats.Requests > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.Requests)
	}
	return stats, nil
}

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var (
		user    domain.User
		address sql.NullString
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, address, daily_quota, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id).Scan(
		&user.ID,
		&address,
		&user.DailyQuota,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	user.Address = address.String
	return &user, nil
}

func (r *PostgresUserRepository) Create(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, address, daily_quota, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		user.ID,
		sql.NullString{String: user.Address, Valid: user.Address != ""},
		user.DailyQuota,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *PostgresUserRepository) Update(ctx context.Context, user *domain.User) error {
	user.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET address = $2, daily_quota = $3, updated_at = $4
		WHERE id = $1
	`,
		user.ID,
		sql.NullString{String: user.Address, Valid: user.Address != ""},
		user.DailyQuota,
		user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}
