package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
	"github.com/felipepmaragno/provider-gateway/internal/notifications"
	"github.com/felipepmaragno/provider-gateway/internal/repository"
)

func newTestRegistry() (*Registry, *notifications.InMemoryNotifier) {
	notifier := notifications.NewInMemoryNotifier()
	return New(repository.NewInMemoryProviderStore(), WithNotifier(notifier)), notifier
}

func register(t *testing.T, r *Registry, name string, models ...string) *domain.Provider {
	t.Helper()
	p, err := r.Register(context.Background(), domain.ProviderDescriptor{
		Name:     name,
		Endpoint: "https://" + name + ".example.com/v1",
		Models:   models,
	})
	require.NoError(t, err)
	return p
}

func TestRegister_ListEligible(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	p1 := register(t, r, "p1", "gpt-x")
	assert.Equal(t, domain.ProviderStatusActive, p1.Status)

	eligible, err := r.ListEligible(ctx, "gpt-x")
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, p1.ID, eligible[0].ID)

	eligible, err = r.ListEligible(ctx, "other-model")
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func TestListEligible_ExcludesNonActive(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	active := register(t, r, "active", "gpt-x")
	inactive := register(t, r, "inactive", "gpt-x")
	degraded := register(t, r, "degraded", "gpt-x")

	_, err := r.SetStatus(ctx, inactive.ID, domain.ProviderStatusInactive)
	require.NoError(t, err)
	_, err = r.SetStatus(ctx, degraded.ID, domain.ProviderStatusDegraded)
	require.NoError(t, err)

	eligible, err := r.ListEligible(ctx, "gpt-x")
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, active.ID, eligible[0].ID)
}

func TestRegister_InvalidArgument(t *testing.T) {
	tests := []struct {
		name string
		desc domain.ProviderDescriptor
	}{
		{"no models", domain.ProviderDescriptor{Endpoint: "https://a.example.com"}},
		{"blank models", domain.ProviderDescriptor{Endpoint: "https://a.example.com", Models: []string{" ", ""}}},
		{"no scheme", domain.ProviderDescriptor{Endpoint: "a.example.com", Models: []string{"m"}}},
		{"bad scheme", domain.ProviderDescriptor{Endpoint: "ftp://a.example.com", Models: []string{"m"}}},
		{"no host", domain.ProviderDescriptor{Endpoint: "https://", Models: []string{"m"}}},
		{"unparseable", domain.ProviderDescriptor{Endpoint: "http://[::1", Models: []string{"m"}}},
		{"negative price", domain.ProviderDescriptor{Endpoint: "https://a.example.com", Models: []string{"m"}, PricePerToken: ptr(-1.0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry()

			_, err := r.Register(context.Background(), tt.desc)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestRegister_NormalizesDescriptor(t *testing.T) {
	r, _ := newTestRegistry()

	p, err := r.Register(context.Background(), domain.ProviderDescriptor{
		Endpoint: " bedrock://us-east-1 ",
		Models:   []string{"claude", " claude ", "titan"},
	})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", p.Name)
	assert.Equal(t, "bedrock://us-east-1", p.Endpoint)
	assert.Equal(t, []string{"claude", "titan"}, p.Models)
}

func TestRecordHeartbeat(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()
	p := register(t, r, "p1", "gpt-x")

	require.NoError(t, r.RecordHeartbeat(ctx, p.ID))

	got, err := r.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusActive, got.Status)

	err = r.RecordHeartbeat(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetStatus(t *testing.T) {
	r, notifier := newTestRegistry()
	ctx := context.Background()
	p := register(t, r, "p1", "gpt-x")

	_, err := r.SetStatus(ctx, "missing", domain.ProviderStatusInactive)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = r.SetStatus(ctx, p.ID, domain.ProviderStatus("BROKEN"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	got, err := r.SetStatus(ctx, p.ID, domain.ProviderStatusInactive)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusInactive, got.Status)

	_, err = r.SetStatus(ctx, p.ID, domain.ProviderStatusActive)
	require.NoError(t, err)

	sent := notifier.Notifications()
	require.Len(t, sent, 2)
	assert.Equal(t, notifications.NotificationProviderDown, sent[0].Type)
	assert.Equal(t, notifications.NotificationProviderUp, sent[1].Type)
	assert.Equal(t, p.ID, sent[1].ProviderID)
}

func TestSetStatus_SameStatusDoesNotNotify(t *testing.T) {
	r, notifier := newTestRegistry()
	p := register(t, r, "p1", "gpt-x")

	_, err := r.SetStatus(context.Background(), p.ID, domain.ProviderStatusActive)
	require.NoError(t, err)
	assert.Empty(t, notifier.Notifications())
}

func TestModels(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	register(t, r, "p1", "gpt-x", "gpt-y")
	register(t, r, "p2", "gpt-y", "claude")
	off := register(t, r, "p3", "hidden")
	_, err := r.SetStatus(ctx, off.ID, domain.ProviderStatusInactive)
	require.NoError(t, err)

	models, err := r.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "gpt-x", "gpt-y"}, models)
}

func TestRecordOutcomeAndStats(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()
	p := register(t, r, "p1", "gpt-x")

	require.NoError(t, r.RecordOutcome(ctx, p.ID, 200*time.Millisecond, true))
	require.NoError(t, r.RecordOutcome(ctx, p.ID, time.Second, false))

	stats, err := r.Stats(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(1), stats.Successes)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)

	_, err = r.Stats(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHeartbeatMonitor_DegradesStaleProviders(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	notifier := notifications.NewInMemoryNotifier()
	r := New(repository.NewInMemoryProviderStore(repository.WithProviderClock(clock)), WithNotifier(notifier))
	ctx := context.Background()

	stale := register(t, r, "stale", "gpt-x")
	fresh := register(t, r, "fresh", "gpt-x")
	off := register(t, r, "off", "gpt-x")
	_, err := r.SetStatus(ctx, off.ID, domain.ProviderStatusInactive)
	require.NoError(t, err)

	m := NewHeartbeatMonitor(r, time.Minute, time.Second)
	m.nowFn = clock

	now = now.Add(50 * time.Second)
	require.NoError(t, r.RecordHeartbeat(ctx, fresh.ID))

	now = now.Add(30 * time.Second)
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := r.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusDegraded, got.Status)

	got, err = r.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusActive, got.Status)

	got, err = r.Get(ctx, off.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusInactive, got.Status)

	sent := notifier.Notifications()
	require.NotEmpty(t, sent)
	assert.Equal(t, notifications.NotificationProviderDown, sent[len(sent)-1].Type)
	assert.Equal(t, stale.ID, sent[len(sent)-1].ProviderID)

	n, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "degraded providers are not swept again")
}

// racingStore runs afterList once the listing has been taken, standing in
// for writes that land while a sweep is in progress.
type racingStore struct {
	*repository.InMemoryProviderStore
	afterList func()
}

func (s *racingStore) List(ctx context.Context) ([]domain.Provider, error) {
	providers, err := s.InMemoryProviderStore.List(ctx)
	if s.afterList != nil {
		s.afterList()
	}
	return providers, err
}

func TestHeartbeatMonitor_RechecksBeforeDegrading(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := &racingStore{InMemoryProviderStore: repository.NewInMemoryProviderStore(repository.WithProviderClock(clock))}
	r := New(store)
	ctx := context.Background()

	parked := register(t, r, "parked", "gpt-x")
	revived := register(t, r, "revived", "gpt-x")

	var degraded []string
	m := NewHeartbeatMonitor(r, time.Minute, time.Second, OnDegrade(func(ctx context.Context, p domain.Provider) {
		degraded = append(degraded, p.ID)
	}))
	m.nowFn = clock

	now = now.Add(2 * time.Minute)
	store.afterList = func() {
		_, err := r.SetStatus(ctx, parked.ID, domain.ProviderStatusInactive)
		require.NoError(t, err)
		require.NoError(t, r.RecordHeartbeat(ctx, revived.ID))
	}

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, degraded)

	got, err := r.Get(ctx, parked.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusInactive, got.Status, "operator status survives the sweep")

	got, err = r.Get(ctx, revived.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusActive, got.Status, "late heartbeat keeps the provider active")
}

func TestHeartbeatMonitor_OnDegradeCallback(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := New(repository.NewInMemoryProviderStore(repository.WithProviderClock(clock)))
	ctx := context.Background()
	stale := register(t, r, "stale", "gpt-x")

	var degraded []string
	m := NewHeartbeatMonitor(r, time.Minute, time.Second, OnDegrade(func(ctx context.Context, p domain.Provider) {
		degraded = append(degraded, p.ID)
	}))
	m.nowFn = clock

	now = now.Add(2 * time.Minute)
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{stale.ID}, degraded)

	models, err := r.Models(ctx)
	require.NoError(t, err)
	assert.Empty(t, models)
}

func TestRegistry_DegradeStaleUnknownProvider(t *testing.T) {
	r, _ := newTestRegistry()

	_, _, err := r.DegradeStale(context.Background(), "missing", time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHeartbeatMonitor_RunStopsOnCancel(t *testing.T) {
	r, _ := newTestRegistry()
	m := NewHeartbeatMonitor(r, time.Minute, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func ptr(f float64) *float64 { return &f }
