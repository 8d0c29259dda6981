package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
	"github.com/felipepmaragno/provider-gateway/internal/gateway"
)

func TestRegisterProvider(t *testing.T) {
	s := newTestServer(t, gateway.DefaultRateLimit())

	rec := s.do(http.MethodPost, "/v1/providers",
		`{"name":"primary","endpoint":"https://api.example.com/v1","api_key":"sk-secret","models":["gpt-x"]}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body = %s", rec.Code, rec.Body.String())
	}

	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["api_key"]; ok {
		t.Error("api_key must not be serialised")
	}
	if raw["status"] != string(domain.ProviderStatusActive) {
		t.Errorf("status = %v, want ACTIVE", raw["status"])
	}
	if raw["id"] == "" || raw["id"] == nil {
		t.Error("id should be assigned")
	}
}

func TestRegisterProvider_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"no models", `{"endpoint":"https://api.example.com","models":[]}`},
		{"bad endpoint", `{"endpoint":"not a url","models":["gpt-x"]}`},
		{"unsupported scheme", `{"endpoint":"ftp://api.example.com","models":["gpt-x"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, gateway.DefaultRateLimit())

			rec := s.do(http.MethodPost, "/v1/providers", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := decodeError(t, rec).Code; got != "INVALID_ARGUMENT" {
				t.Errorf("code = %q, want INVALID_ARGUMENT", got)
			}
		})
	}
}

func TestGetAndListProviders(t *testing.T) {
	s := newTestServer(t, gateway.DefaultRateLimit())
	p := s.addProvider(t, "a", "gpt-x")
	s.addProvider(t, "b", "gpt-y")

	rec := s.do(http.MethodGet, "/v1/providers/"+p.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got domain.Provider
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID || got.Name != "a" {
		t.Errorf("provider = %+v", got)
	}

	rec = s.do(http.MethodGet, "/v1/providers", "", nil)
	var list struct {
		Providers []domain.Provider `json:"providers"`
		Count     int               `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 2 || len(list.Providers) != 2 {
		t.Errorf("count = %d, len = %d, want 2", list.Count, len(list.Providers))
	}

	rec = s.do(http.MethodGet, "/v1/providers/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing provider status = %d, want 404", rec.Code)
	}
}

func TestUpdateProviderStatus(t *testing.T) {
	s := newTestServer(t, gateway.DefaultRateLimit())
	p := s.addProvider(t, "a", "gpt-x")

	tests := []struct {
		name       string
		id         string
		body       string
		wantStatus int
	}{
		{"degrade", p.ID, `{"status":"DEGRADED"}`, http.StatusOK},
		{"reactivate", p.ID, `{"status":"ACTIVE"}`, http.StatusOK},
		{"invalid status", p.ID, `{"status":"BROKEN"}`, http.StatusBadRequest},
		{"malformed body", p.ID, `status`, http.StatusBadRequest},
		{"unknown provider", "missing", `{"status":"INACTIVE"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPut, "/v1/providers/"+tt.id+"/status", tt.body, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d, body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestUpdateProviderStatus_RemovesFromRouting(t *testing.T) {
	s := newTestServer(t, gateway.DefaultRateLimit())
	p := s.addProvider(t, "a", "gpt-x")

	s.do(http.MethodPut, "/v1/providers/"+p.ID+"/status", `{"status":"INACTIVE"}`, nil)

	rec := s.do(http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{"X-User-ID": "u1"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 with no active provider", rec.Code)
	}
}

func TestProviderHeartbeat(t *testing.T) {
	s := newTestServer(t, gateway.DefaultRateLimit())
	p := s.addProvider(t, "a", "gpt-x")

	if rec := s.do(http.MethodPost, "/v1/providers/"+p.ID+"/heartbeat", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/v1/providers/missing/heartbeat", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing provider status = %d, want 404", rec.Code)
	}
}

func TestProviderStats(t *testing.T) {
	s := newTestServer(t, gateway.DefaultRateLimit())
	p := s.addProvider(t, "a", "gpt-x")
	for i := 0; i < 3; i++ {
		s.do(http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{"X-User-ID": "u1"})
	}

	rec := s.do(http.MethodGet, "/v1/providers/"+p.ID+"/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats domain.ProviderStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Requests != 3 || stats.Successes != 3 {
		t.Errorf("stats = %+v, want 3 requests 3 successes", stats)
	}
	if stats.SuccessRate != 1.0 {
		t.Errorf("success_rate = %v, want 1", stats.SuccessRate)
	}

	if rec := s.do(http.MethodGet, "/v1/providers/missing/stats", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing provider status = %d, want 404", rec.Code)
	}
}
