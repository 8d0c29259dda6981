// Package cost prices recorded usage. Arithmetic runs on decimals so that
// per-token prices far below a cent add up without float drift.
package cost

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/apd/v3"
)

// costExponent keeps costs to 1e-10 USD.
const costExponent = -10

var decimalCtx = apd.BaseContext.WithPrecision(34)

// ModelPricing is a fallback for providers that do not advertise a price.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

var defaultPricing = map[string]ModelPricing{
	"gpt-4o":            {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo":     {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
}

type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for model, p := range defaultPricing {
		pricing[model] = p
	}
	return &Calculator{pricing: pricing}
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = pricing
}

// Calculate returns (input+output) × pricePerToken when the provider has a
// price, the model's per-1K pricing when it does not, and 0 otherwise.
func (c *Calculator) Calculate(model string, pricePerToken *float64, inputTokens, outputTokens int) float64 {
	if pricePerToken != nil {
		return perToken(*pricePerToken, inputTokens+outputTokens)
	}

	c.mu.RLock()
	pricing, ok := c.pricing[model]
	c.mu.RUnlock()
	if !ok {
		return 0
	}

	var total apd.Decimal
	decimalCtx.Add(&total, per1K(pricing.InputPer1K, inputTokens), per1K(pricing.OutputPer1K, outputTokens))
	return toFloat(&total)
}

func perToken(price float64, tokens int) float64 {
	var p, result apd.Decimal
	if _, err := p.SetFloat64(price); err != nil {
		slog.Warn("invalid provider price", "price", price, "error", err)
		return 0
	}
	decimalCtx.Mul(&result, &p, apd.New(int64(tokens), 0))
	return toFloat(&result)
}

func per1K(rate float64, tokens int) *apd.Decimal {
	var r, product, result apd.Decimal
	if _, err := r.SetFloat64(rate); err != nil {
		return apd.New(0, 0)
	}
	decimalCtx.Mul(&product, &r, apd.New(int64(tokens), 0))
	decimalCtx.Quo(&result, &product, apd.New(1000, 0))
	return &result
}

func toFloat(d *apd.Decimal) float64 {
	var rounded apd.Decimal
	decimalCtx.Quantize(&rounded, d, costExponent)
	f, err := rounded.Float64()
	if err != nil {
		return 0
	}
	return f
}
