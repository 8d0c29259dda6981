package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

type providerEntry struct {
	mu        sync.Mutex
	provider  domain.Provider
	requests  int64
	successes int64
}

func (e *providerEntry) snapshot() domain.Provider {
	p := e.provider
	p.Models = slices.Clone(p.Models)
	p.AvgResponseTimeMs = clonePtr(p.AvgResponseTimeMs)
	p.SuccessRate = clonePtr(p.SuccessRate)
	p.PricePerToken = clonePtr(p.PricePerToken)
	return p
}

func clonePtr(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// InMemoryProviderStore locks the map only to find an entry; updates to a
// provider hold that provider's own lock.
type InMemoryProviderStore struct {
	mu        sync.RWMutex
	providers map[string]*providerEntry
	nowFn     func() time.Time
}

type ProviderStoreOption func(*InMemoryProviderStore)

// WithProviderClock sets the clock used for heartbeat and update times.
func WithProviderClock(nowFn func() time.Time) ProviderStoreOption {
	return func(s *InMemoryProviderStore) {
		s.nowFn = nowFn
	}
}

func NewInMemoryProviderStore(opts ...ProviderStoreOption) *InMemoryProviderStore {
	s := &InMemoryProviderStore{
		providers: make(map[string]*providerEntry),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryProviderStore) entry(id string) (*providerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.providers[id]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return e, nil
}

func (s *InMemoryProviderStore) all() []*providerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*providerEntry, 0, len(s.providers))
	for _, e := range s.providers {
		entries = append(entries, e)
	}
	return entries
}

func (s *InMemoryProviderStore) FindByModel(ctx context.Context, model string) ([]domain.Provider, error) {
	var out []domain.Provider
	for _, e := range s.all() {
		e.mu.Lock()
		if e.provider.SupportsModel(model) {
			out = append(out, e.snapshot())
		}
		e.mu.Unlock()
	}
	sortByCreation(out)
	return out, nil
}

func (s *InMemoryProviderStore) FindByID(ctx context.Context, id string) (*domain.Provider, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.snapshot()
	return &p, nil
}

func (s *InMemoryProviderStore) List(ctx context.Context) ([]domain.Provider, error) {
	entries := s.all()
	out := make([]domain.Provider, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	sortByCreation(out)
	return out, nil
}

func (s *InMemoryProviderStore) Create(ctx context.Context, desc domain.ProviderDescriptor) (*domain.Provider, error) {
	now := s.nowFn()
	e := &providerEntry{
		provider: domain.Provider{
			ID:              uuid.NewString(),
			Name:            desc.Name,
			Endpoint:        desc.Endpoint,
			APIKey:          desc.APIKey,
			Models:          slices.Clone(desc.Models),
			Status:          domain.ProviderStatusActive,
			PricePerToken:   clonePtr(desc.PricePerToken),
			LastHeartbeatAt: now,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}

	s.mu.Lock()
	s.providers[e.provider.ID] = e
	s.mu.Unlock()

	p := e.snapshot()
	return &p, nil
}

func (s *InMemoryProviderStore) UpdateStatus(ctx context.Context, id string, status domain.ProviderStatus) (*domain.Provider, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.provider.Status = status
	e.provider.UpdatedAt = s.nowFn()
	p := e.snapshot()
	return &p, nil
}

func (s *InMemoryProviderStore) DegradeStale(ctx context.Context, id string, cutoff time.Time) (*domain.Provider, bool, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.provider.Status != domain.ProviderStatusActive || !e.provider.LastHeartbeatAt.Before(cutoff) {
		return nil, false, nil
	}
	e.provider.Status = domain.ProviderStatusDegraded
	e.provider.UpdatedAt = s.nowFn()
	p := e.snapshot()
	return &p, true, nil
}

func (s *InMemoryProviderStore) TouchHeartbeat(ctx context.Context, id string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.provider.LastHeartbeatAt = s.nowFn()
	return nil
}

func (s *InMemoryProviderStore) RecordOutcome(ctx context.Context, id string, latency time.Duration, success bool) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests++
	outcome := 0.0
	if success {
		e.successes++
		outcome = 1.0
		// Failed attempts often end at a timeout and would skew latency.
		avg := ewma(e.provider.AvgResponseTimeMs, float64(latency.Milliseconds()))
		e.provider.AvgResponseTimeMs = &avg
	}
	rate := ewma(e.provider.SuccessRate, outcome)
	e.provider.SuccessRate = &rate
	return nil
}

func (s *InMemoryProviderStore) Stats(ctx context.Context, id string) (domain.ProviderStats, error) {
	e, err := s.entry(id)
	if err != nil {
		return domain.ProviderStats{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stats := domain.ProviderStats{
		Requests:          e.requests,
		Successes:         e.successes,
		AvgResponseTimeMs: clonePtr(e.provider.AvgResponseTimeMs),
	}
	if e.requests > 0 {
		stats.SuccessRate = float64(e.successes) / float64(e.requests)
	}
	return stats, nil
}

func sortByCreation(providers []domain.Provider) {
	sort.SliceStable(providers, func(i, j int) bool {
		if !providers[i].CreatedAt.Equal(providers[j].CreatedAt) {
			return providers[i].CreatedAt.Before(providers[j].CreatedAt)
		}
		return providers[i].ID < providers[j].ID
	})
}
