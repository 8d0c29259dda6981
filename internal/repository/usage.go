package repository

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

type counterKey struct {
	userID string
	day    time.Time
}

type dailyKey struct {
	userID     string
	providerID string
	day        time.Time
}

// InMemoryUsageStore keeps the append-only log, the daily aggregates and
// the quota counters under one lock so they move together.
type InMemoryUsageStore struct {
	mu       sync.RWMutex
	records  []domain.UsageRecord
	seen     map[string]struct{}
	daily    map[dailyKey]*domain.DailyUsage
	counters map[counterKey]int64
	latest   time.Time
}

func NewInMemoryUsageStore() *InMemoryUsageStore {
	return &InMemoryUsageStore{
		seen:     make(map[string]struct{}),
		daily:    make(map[dailyKey]*domain.DailyUsage),
		counters: make(map[counterKey]int64),
	}
}

func (s *InMemoryUsageStore) Reserve(ctx context.Context, userID string, day time.Time, limit int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey{userID: userID, day: Day(day)}
	s.pruneCounters(key.day)

	used := s.counters[key]
	if used >= limit {
		return used, false, nil
	}
	used++
	s.counters[key] = used
	return used, true, nil
}

func (s *InMemoryUsageStore) Release(ctx context.Context, userID string, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey{userID: userID, day: Day(day)}
	switch used := s.counters[key]; {
	case used > 1:
		s.counters[key] = used - 1
	case used == 1:
		delete(s.counters, key)
	}
	return nil
}

func (s *InMemoryUsageStore) Admitted(ctx context.Context, userID string, day time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.counters[counterKey{userID: userID, day: Day(day)}], nil
}

// pruneCounters drops counters older than yesterday once a new day shows
// up. Callers hold s.mu.
func (s *InMemoryUsageStore) pruneCounters(day time.Time) {
	if !day.After(s.latest) {
		return
	}
	s.latest = day
	cutoff := day.AddDate(0, 0, -1)
	for key := range s.counters {
		if key.day.Before(cutoff) {
			delete(s.counters, key)
		}
	}
}

func (s *InMemoryUsageStore) Record(ctx context.Context, rec domain.UsageRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[rec.RequestID]; dup {
		return false, nil
	}
	s.seen[rec.RequestID] = struct{}{}

	s.records = append(s.records, rec)

	key := dailyKey{userID: rec.UserID, providerID: rec.ProviderID, day: Day(rec.Timestamp)}
	agg, ok := s.daily[key]
	if !ok {
		agg = &domain.DailyUsage{UserID: rec.UserID, ProviderID: rec.ProviderID, Date: key.day}
		s.daily[key] = agg
	}
	agg.Requests++
	agg.Tokens += int64(rec.TotalTokens())
	agg.CostUSD += rec.CostUSD

	return true, nil
}

func (s *InMemoryUsageStore) UsageBetween(ctx context.Context, userID string, start, end time.Time) (domain.UsageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.UsageStats{Start: start, End: end}
	from, to := Day(start), Day(end)
	for key, agg := range s.daily {
		if key.userID != userID || key.day.Before(from) || key.day.After(to) {
			continue
		}
		stats.Requests += agg.Requests
		stats.TotalTokens += agg.Tokens
		stats.TotalCost += agg.CostUSD
	}
	return stats, nil
}

func (s *InMemoryUsageStore) ProviderDaily(ctx context.Context, userID, providerID string, day time.Time) (domain.DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := dailyKey{userID: userID, providerID: providerID, day: Day(day)}
	if agg, ok := s.daily[key]; ok {
		return *agg, nil
	}
	return domain.DailyUsage{UserID: userID, ProviderID: providerID, Date: key.day}, nil
}

// Records returns a copy of the append-only log.
func (s *InMemoryUsageStore) Records() []domain.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UsageRecord, len(s.records))
	copy(out, s.records)
	return out
}
