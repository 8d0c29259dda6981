// Package bedrock dispatches chat completions to Anthropic models on AWS
// Bedrock. A provider endpoint of bedrock://<region> selects the region.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

const defaultMaxTokens = 4096

type invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type Dispatcher struct {
	cfg aws.Config

	mu      sync.Mutex
	clients map[string]invoker
}

func New(cfg aws.Config) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		clients: make(map[string]invoker),
	}
}

func (d *Dispatcher) client(region string) invoker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[region]; ok {
		return c
	}
	c := bedrockruntime.NewFromConfig(d.cfg, func(o *bedrockruntime.Options) {
		if region != "" {
			o.Region = region
		}
	})
	d.clients[region] = c
	return c
}

// Region extracts the AWS region from a bedrock://<region> endpoint.
func Region(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "bedrock" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q is not bedrock://<region>", endpoint)
	}
	return u.Host, nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, p domain.Provider, req domain.Request) (*domain.DispatchResult, error) {
	region, err := Region(p.Endpoint)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(toBedrockRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := d.client(region).InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(mapModelID(req.Model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke model: %w", err)
	}

	payload, err := parseBedrockResponse(output.Body, req.Model)
	if err != nil {
		return nil, err
	}
	return &domain.DispatchResult{
		Payload:      payload,
		InputTokens:  payload.Usage.PromptTokens,
		OutputTokens: payload.Usage.CompletionTokens,
	}, nil
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version,omitempty"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      *float64         `json:"temperature,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	System           string           `json:"system,omitempty"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      bedrockUsage   `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

var modelIDs = map[string]string{
	"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-3-opus":     "anthropic.claude-3-opus-20240229-v1:0",
	"claude-3-sonnet":   "anthropic.claude-3-sonnet-20240229-v1:0",
	"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
}

func mapModelID(model string) string {
	if mapped, ok := modelIDs[model]; ok {
		return mapped
	}
	return model
}

// toBedrockRequest moves system messages into the top-level system prompt.
func toBedrockRequest(req domain.Request) bedrockRequest {
	var system []string
	messages := make([]bedrockMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, bedrockMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
		Messages:         messages,
		System:           strings.Join(system, "\n"),
	}
}

func parseBedrockResponse(body []byte, model string) (*domain.ChatResponse, error) {
	var resp bedrockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &domain.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.Message{
					Role:    "assistant",
					Content: content.String(),
				},
				FinishReason: mapStopReason(resp.StopReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	}
	return reason
}
