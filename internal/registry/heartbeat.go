package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

// HeartbeatMonitor degrades ACTIVE providers that stopped sending
// heartbeats. It never promotes a provider back to ACTIVE.
type HeartbeatMonitor struct {
	registry  *Registry
	timeout   time.Duration
	interval  time.Duration
	nowFn     func() time.Time
	onDegrade []func(ctx context.Context, p domain.Provider)
}

type HeartbeatOption func(*HeartbeatMonitor)

// OnDegrade registers fn to run after the monitor demotes a provider,
// e.g. to drop caches derived from the ACTIVE set.
func OnDegrade(fn func(ctx context.Context, p domain.Provider)) HeartbeatOption {
	return func(m *HeartbeatMonitor) {
		m.onDegrade = append(m.onDegrade, fn)
	}
}

func NewHeartbeatMonitor(reg *Registry, timeout, interval time.Duration, opts ...HeartbeatOption) *HeartbeatMonitor {
	m := &HeartbeatMonitor{
		registry: reg,
		timeout:  timeout,
		interval: interval,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sweep moves every stale ACTIVE provider to DEGRADED and returns how many
// it moved. The listing only nominates candidates; each demotion rechecks
// status and heartbeat against the store.
func (m *HeartbeatMonitor) Sweep(ctx context.Context) (int, error) {
	providers, err := m.registry.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := m.nowFn().Add(-m.timeout)
	degraded := 0
	for _, p := range providers {
		if p.Status != domain.ProviderStatusActive || !p.LastHeartbeatAt.Before(cutoff) {
			continue
		}
		moved, ok, err := m.registry.DegradeStale(ctx, p.ID, cutoff)
		if err != nil {
			slog.Error("failed to degrade stale provider", "provider_id", p.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		slog.Warn("provider heartbeat stale",
			"provider_id", p.ID,
			"last_heartbeat_at", moved.LastHeartbeatAt,
		)
		for _, fn := range m.onDegrade {
			fn(ctx, *moved)
		}
		degraded++
	}
	return degraded, nil
}

func (m *HeartbeatMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	slog.Info("heartbeat monitor started", "timeout", m.timeout, "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				slog.Error("heartbeat sweep failed", "error", err)
			}
		}
	}
}
