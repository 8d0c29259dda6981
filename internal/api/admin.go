package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

func (h *Handler) registerProviderRoutes() {
	h.mux.HandleFunc("GET /v1/providers", h.listProviders)
	h.mux.HandleFunc("POST /v1/providers", h.registerProvider)
	h.mux.HandleFunc("GET /v1/providers/{id}", h.getProvider)
	h.mux.HandleFunc("PUT /v1/providers/{id}/status", h.updateProviderStatus)
	h.mux.HandleFunc("POST /v1/providers/{id}/heartbeat", h.providerHeartbeat)
	h.mux.HandleFunc("GET /v1/providers/{id}/stats", h.providerStats)
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"providers": providers,
		"count":     len(providers),
	})
}

func (h *Handler) registerProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var desc domain.ProviderDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, domain.NewError(domain.ErrInvalidArgument, "invalid request body"))
		return
	}

	p, err := h.registry.Register(ctx, desc)
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidateModels(r)

	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) getProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type UpdateStatusRequest struct {
	Status domain.ProviderStatus `json:"status"`
}

func (h *Handler) updateProviderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewError(domain.ErrInvalidArgument, "invalid request body"))
		return
	}

	p, err := h.registry.SetStatus(ctx, r.PathValue("id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidateModels(r)

	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) providerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.RecordHeartbeat(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) providerStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if _, err := h.registry.Get(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	stats, err := h.registry.Stats(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) invalidateModels(r *http.Request) {
	h.InvalidateModels(r.Context())
}

// InvalidateModels drops the cached catalogue after the set of ACTIVE
// providers may have changed outside the admin routes, e.g. when the
// heartbeat monitor demotes one.
func (h *Handler) InvalidateModels(ctx context.Context) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(ctx, modelsCacheKey); err != nil {
		slog.Warn("failed to invalidate models cache", "error", err)
	}
}
