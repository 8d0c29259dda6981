package domain

import (
	"slices"
	"time"
)

type ProviderStatus string

const (
	ProviderStatusActive   ProviderStatus = "ACTIVE"
	ProviderStatusInactive ProviderStatus = "INACTIVE"
	ProviderStatusDegraded ProviderStatus = "DEGRADED"
)

func (s ProviderStatus) Valid() bool {
	switch s {
	case ProviderStatusActive, ProviderStatusInactive, ProviderStatusDegraded:
		return true
	}
	return false
}

// Provider is an upstream able to serve one or more models.
// AvgResponseTimeMs, SuccessRate and PricePerToken are nil until known.
type Provider struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Endpoint          string         `json:"endpoint"`
	APIKey            string         `json:"-"`
	Models            []string       `json:"models"`
	Status            ProviderStatus `json:"status"`
	AvgResponseTimeMs *float64       `json:"avg_response_time_ms,omitempty"`
	SuccessRate       *float64       `json:"success_rate,omitempty"`
	PricePerToken     *float64       `json:"price_per_token,omitempty"`
	LastHeartbeatAt   time.Time      `json:"last_heartbeat_at"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (p Provider) SupportsModel(model string) bool {
	return slices.Contains(p.Models, model)
}

// ProviderDescriptor is the registration input for a new provider.
type ProviderDescriptor struct {
	Name          string   `json:"name" yaml:"name"`
	Endpoint      string   `json:"endpoint" yaml:"endpoint"`
	APIKey        string   `json:"api_key,omitempty" yaml:"api_key"`
	Models        []string `json:"models" yaml:"models"`
	PricePerToken *float64 `json:"price_per_token,omitempty" yaml:"price_per_token"`
}

type User struct {
	ID         string    `json:"id"`
	Address    string    `json:"address,omitempty"`
	DailyQuota int64     `json:"daily_quota"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Request is an inference request as accepted by the scheduler. It is not
// modified after acceptance. ID is assigned by the gateway and keys usage
// accounting; CorrelationID is whatever tracing id the caller sent.
type Request struct {
	ID            string
	CorrelationID string
	UserID        string
	ClientIP      string
	Model         string
	Messages      []Message
	Temperature   *float64
	MaxTokens     *int
	Stream        bool
}

func (r Request) ChatRequest() ChatRequest {
	return ChatRequest{
		Model:       r.Model,
		Messages:    r.Messages,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Stream:      r.Stream,
	}
}

// DispatchResult is what an upstream adapter returns for a successful call.
type DispatchResult struct {
	Payload      *ChatResponse
	InputTokens  int
	OutputTokens int
}

// Response is the successful outcome of a handled request. Failures are
// returned as *Error instead.
type Response struct {
	RequestID    string
	ProviderID   string
	Status       int
	Payload      *ChatResponse
	InputTokens  int
	OutputTokens int
	Attempts     int
	RateLimit    *RateLimitDecision
	Quota        *QuotaState
}

type RateLimitDecision struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type QuotaState struct {
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// UsageRecord is an append-only fact about one completed request.
type UsageRecord struct {
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	ProviderID   string    `json:"provider_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

func (r UsageRecord) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// DailyUsage is the aggregate for one (user, provider, day) key.
type DailyUsage struct {
	UserID     string    `json:"user_id"`
	ProviderID string    `json:"provider_id"`
	Date       time.Time `json:"date"`
	Requests   int64     `json:"requests"`
	Tokens     int64     `json:"tokens"`
	CostUSD    float64   `json:"cost_usd"`
}

type UsageStats struct {
	Requests    int64     `json:"requests"`
	TotalTokens int64     `json:"total_tokens"`
	TotalCost   float64   `json:"total_cost"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

type ProviderStats struct {
	Requests          int64    `json:"requests"`
	Successes         int64    `json:"successes"`
	SuccessRate       float64  `json:"success_rate"`
	AvgResponseTimeMs *float64 `json:"avg_response_time_ms,omitempty"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Gateway *Gateway `json:"x_gateway,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Gateway struct {
	Provider  string `json:"provider"`
	LatencyMs int64  `json:"latency_ms"`
	Attempts  int    `json:"attempts"`
	RequestID string `json:"request_id"`
	TraceID   string `json:"trace_id,omitempty"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
