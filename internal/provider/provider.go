// Package provider routes a dispatch to the upstream adapter matching the
// provider's endpoint scheme.
package provider

import (
	"context"
	"fmt"
	"net/url"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, p domain.Provider, req domain.Request) (*domain.DispatchResult, error)
}

type Mux struct {
	routes map[string]Dispatcher
}

func NewMux() *Mux {
	return &Mux{routes: make(map[string]Dispatcher)}
}

// Handle routes endpoints with the given scheme to d.
func (m *Mux) Handle(scheme string, d Dispatcher) {
	m.routes[scheme] = d
}

func (m *Mux) Dispatch(ctx context.Context, p domain.Provider, req domain.Request) (*domain.DispatchResult, error) {
	u, err := url.Parse(p.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", p.Endpoint, err)
	}
	d, ok := m.routes[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("no dispatcher for scheme %q", u.Scheme)
	}
	return d.Dispatch(ctx, p, req)
}
