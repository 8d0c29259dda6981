// Package openai dispatches chat completions to OpenAI-compatible upstreams.
package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

type Dispatcher struct {
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]cachedClient
}

type cachedClient struct {
	endpoint string
	apiKey   string
	client   *goopenai.Client
}

func New(httpClient *http.Client) *Dispatcher {
	return &Dispatcher{
		httpClient: httpClient,
		clients:    make(map[string]cachedClient),
	}
}

// client returns the upstream client for p, rebuilding it when the
// provider's endpoint or key changed.
func (d *Dispatcher) client(p domain.Provider) *goopenai.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[p.ID]; ok && c.endpoint == p.Endpoint && c.apiKey == p.APIKey {
		return c.client
	}

	cfg := goopenai.DefaultConfig(p.APIKey)
	cfg.BaseURL = p.Endpoint
	if d.httpClient != nil {
		cfg.HTTPClient = d.httpClient
	}
	c := goopenai.NewClientWithConfig(cfg)
	d.clients[p.ID] = cachedClient{endpoint: p.Endpoint, apiKey: p.APIKey, client: c}
	return c
}

func (d *Dispatcher) Dispatch(ctx context.Context, p domain.Provider, req domain.Request) (*domain.DispatchResult, error) {
	resp, err := d.client(p).CreateChatCompletion(ctx, toRequest(req))
	if err != nil {
		return nil, classify(err)
	}

	payload := fromResponse(resp)
	return &domain.DispatchResult{
		Payload:      payload,
		InputTokens:  payload.Usage.PromptTokens,
		OutputTokens: payload.Usage.CompletionTokens,
	}, nil
}

// toRequest maps req onto the upstream schema. Responses are always
// requested whole.
func toRequest(req domain.Request) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	out := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
		// go-openai drops a zero temperature through omitempty; its docs
		// suggest this value to send an explicit 0.
		if out.Temperature == 0 {
			out.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	return out
}

func fromResponse(resp goopenai.ChatCompletionResponse) *domain.ChatResponse {
	choices := make([]domain.Choice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		choices = append(choices, domain.Choice{
			Index: c.Index,
			Message: &domain.Message{
				Role:    c.Message.Role,
				Content: c.Message.Content,
			},
			FinishReason: string(c.FinishReason),
		})
	}

	return &domain.ChatResponse{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("upstream status %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("upstream status %d: %w", reqErr.HTTPStatusCode, reqErr.Err)
	}
	return fmt.Errorf("chat completion: %w", err)
}
