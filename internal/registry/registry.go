// Package registry is the scheduler's view of the provider catalogue: it
// filters eligible providers, validates registrations and drives health
// status transitions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
	"github.com/felipepmaragno/provider-gateway/internal/metrics"
	"github.com/felipepmaragno/provider-gateway/internal/notifications"
	"github.com/felipepmaragno/provider-gateway/internal/repository"
)

var endpointSchemes = map[string]bool{
	"http":    true,
	"https":   true,
	"bedrock": true,
}

type Registry struct {
	store    repository.ProviderStore
	notifier notifications.Notifier
}

type Option func(*Registry)

func WithNotifier(n notifications.Notifier) Option {
	return func(r *Registry) {
		r.notifier = n
	}
}

func New(store repository.ProviderStore, opts ...Option) *Registry {
	r := &Registry{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListEligible returns the ACTIVE providers serving model. An empty result
// means no capacity and is not an error.
func (r *Registry) ListEligible(ctx context.Context, model string) ([]domain.Provider, error) {
	providers, err := r.store.FindByModel(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("find providers for %s: %w", model, err)
	}

	eligible := make([]domain.Provider, 0, len(providers))
	for _, p := range providers {
		if p.Status == domain.ProviderStatusActive && p.SupportsModel(model) {
			eligible = append(eligible, p)
		}
	}
	return eligible, nil
}

func (r *Registry) Register(ctx context.Context, desc domain.ProviderDescriptor) (*domain.Provider, error) {
	desc, err := normalize(desc)
	if err != nil {
		return nil, err
	}

	p, err := r.store.Create(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	metrics.SetProviderStatus(p.ID, string(p.Status))
	slog.Info("provider registered",
		"provider_id", p.ID,
		"name", p.Name,
		"models", p.Models,
	)
	return p, nil
}

func normalize(desc domain.ProviderDescriptor) (domain.ProviderDescriptor, error) {
	models := make([]string, 0, len(desc.Models))
	seen := make(map[string]bool, len(desc.Models))
	for _, m := range desc.Models {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		models = append(models, m)
	}
	if len(models) == 0 {
		return desc, invalid("models must not be empty")
	}
	desc.Models = models

	desc.Endpoint = strings.TrimSpace(desc.Endpoint)
	u, err := url.Parse(desc.Endpoint)
	if err != nil || !endpointSchemes[u.Scheme] || u.Host == "" {
		return desc, invalid(fmt.Sprintf("malformed endpoint %q", desc.Endpoint))
	}

	if desc.PricePerToken != nil && *desc.PricePerToken < 0 {
		return desc, invalid("price_per_token must not be negative")
	}

	desc.Name = strings.TrimSpace(desc.Name)
	if desc.Name == "" {
		desc.Name = u.Host
	}
	return desc, nil
}

func invalid(msg string) error {
	return domain.NewError(domain.ErrInvalidArgument, msg)
}

// RecordHeartbeat marks the provider as seen; it leaves status alone.
func (r *Registry) RecordHeartbeat(ctx context.Context, id string) error {
	if err := r.store.TouchHeartbeat(ctx, id); err != nil {
		return notFound(err, id)
	}
	return nil
}

func (r *Registry) SetStatus(ctx context.Context, id string, status domain.ProviderStatus) (*domain.Provider, error) {
	if !status.Valid() {
		return nil, invalid(fmt.Sprintf("unknown status %q", status))
	}

	prev, err := r.store.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}

	p, err := r.store.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, notFound(err, id)
	}

	metrics.SetProviderStatus(p.ID, string(p.Status))
	if prev.Status != status {
		slog.Warn("provider status changed",
			"provider_id", id,
			"from", prev.Status,
			"to", status,
		)
		r.notifyTransition(ctx, p, prev.Status)
	}
	return p, nil
}

// DegradeStale demotes an ACTIVE provider whose last heartbeat is before
// cutoff. The check runs against the provider's current state, so a fresh
// heartbeat or an operator's status change made since the caller looked
// wins.
func (r *Registry) DegradeStale(ctx context.Context, id string, cutoff time.Time) (*domain.Provider, bool, error) {
	p, moved, err := r.store.DegradeStale(ctx, id, cutoff)
	if err != nil {
		return nil, false, notFound(err, id)
	}
	if !moved {
		return nil, false, nil
	}

	metrics.SetProviderStatus(p.ID, string(p.Status))
	slog.Warn("provider status changed",
		"provider_id", id,
		"from", domain.ProviderStatusActive,
		"to", p.Status,
	)
	r.notifyTransition(ctx, p, domain.ProviderStatusActive)
	return p, true, nil
}

func (r *Registry) notifyTransition(ctx context.Context, p *domain.Provider, from domain.ProviderStatus) {
	if r.notifier == nil {
		return
	}

	var typ notifications.NotificationType
	switch {
	case p.Status == domain.ProviderStatusActive:
		typ = notifications.NotificationProviderUp
	case from == domain.ProviderStatusActive:
		typ = notifications.NotificationProviderDown
	default:
		return
	}

	err := r.notifier.Send(ctx, notifications.Notification{
		Type:       typ,
		ProviderID: p.ID,
		Message:    fmt.Sprintf("provider %s is now %s", p.Name, p.Status),
		Data: map[string]any{
			"from": string(from),
			"to":   string(p.Status),
		},
	})
	if err != nil {
		slog.Error("failed to send provider notification", "provider_id", p.ID, "error", err)
	}
}

func (r *Registry) Get(ctx context.Context, id string) (*domain.Provider, error) {
	p, err := r.store.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	return p, nil
}

func (r *Registry) List(ctx context.Context) ([]domain.Provider, error) {
	return r.store.List(ctx)
}

// Models returns the sorted distinct models served by ACTIVE providers.
func (r *Registry) Models(ctx context.Context) ([]string, error) {
	providers, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	seen := make(map[string]bool)
	var models []string
	for _, p := range providers {
		if p.Status != domain.ProviderStatusActive {
			continue
		}
		for _, m := range p.Models {
			if !seen[m] {
				seen[m] = true
				models = append(models, m)
			}
		}
	}
	sort.Strings(models)
	return models, nil
}

func (r *Registry) RecordOutcome(ctx context.Context, id string, latency time.Duration, success bool) error {
	return r.store.RecordOutcome(ctx, id, latency, success)
}

func (r *Registry) Stats(ctx context.Context, id string) (domain.ProviderStats, error) {
	stats, err := r.store.Stats(ctx, id)
	if err != nil {
		return domain.ProviderStats{}, notFound(err, id)
	}
	return stats, nil
}

// notFound classifies store not-found errors so callers see a *domain.Error.
func notFound(err error, id string) error {
	if _, ok := domain.AsError(err); ok {
		return err
	}
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.Error{
			Kind:    domain.ErrNotFound,
			Status:  domain.StatusFor(domain.ErrNotFound),
			Message: fmt.Sprintf("provider %s", id),
			Err:     err,
		}
	}
	return err
}
