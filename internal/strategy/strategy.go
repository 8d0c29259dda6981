// Package strategy scores providers for selection. Higher scores win.
package strategy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

const (
	// unknownLatencyMs keeps unobserved providers from being starved or favored.
	unknownLatencyMs = 1000.0
	neutralPrice     = 1.0
	priceEpsilon     = 1e-6
)

type Strategy interface {
	Name() string
	Score(p domain.Provider) float64
}

type Latency struct{}

func (Latency) Name() string { return "latency" }

func (Latency) Score(p domain.Provider) float64 {
	avg := unknownLatencyMs
	if p.AvgResponseTimeMs != nil {
		avg = *p.AvgResponseTimeMs
	}
	return 1000 / (avg + 1)
}

type Reliability struct{}

func (Reliability) Name() string { return "reliability" }

func (Reliability) Score(p domain.Provider) float64 {
	if p.SuccessRate == nil {
		return 0
	}
	return *p.SuccessRate * 100
}

type Price struct{}

func (Price) Name() string { return "price" }

func (Price) Score(p domain.Provider) float64 {
	price := neutralPrice
	if p.PricePerToken != nil {
		price = *p.PricePerToken
	}
	return 100 / (price + priceEpsilon)
}

type Weighted struct {
	Strategy Strategy
	Weight   float64
}

// Composite is a linear combination of weighted strategies.
type Composite []Weighted

func (c Composite) Name() string {
	parts := make([]string, 0, len(c))
	for _, w := range c {
		parts = append(parts, w.Strategy.Name()+"="+strconv.FormatFloat(w.Weight, 'g', -1, 64))
	}
	return strings.Join(parts, ",")
}

func (c Composite) Score(p domain.Provider) float64 {
	var total float64
	for _, w := range c {
		total += w.Weight * w.Strategy.Score(p)
	}
	return total
}

// Rank returns a copy of providers ordered by descending score, ties broken
// by ascending id so equal inputs always rank the same way.
func Rank(providers []domain.Provider, s Strategy) []domain.Provider {
	type scored struct {
		p     domain.Provider
		score float64
	}

	items := make([]scored, len(providers))
	for i, p := range providers {
		items[i] = scored{p: p, score: s.Score(p)}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].p.ID < items[j].p.ID
	})

	ranked := make([]domain.Provider, len(items))
	for i, it := range items {
		ranked[i] = it.p
	}
	return ranked
}

func ByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "latency":
		return Latency{}, nil
	case "reliability":
		return Reliability{}, nil
	case "price":
		return Price{}, nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}

// ParseWeights builds a Composite from "latency=1,reliability=0.5".
// A bare name gets weight 1.
func ParseWeights(weights string) (Composite, error) {
	var c Composite
	for _, part := range strings.Split(weights, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, rawWeight, hasWeight := strings.Cut(part, "=")
		s, err := ByName(name)
		if err != nil {
			return nil, err
		}

		weight := 1.0
		if hasWeight {
			weight, err = strconv.ParseFloat(strings.TrimSpace(rawWeight), 64)
			if err != nil {
				return nil, fmt.Errorf("parse weight for %s: %w", name, err)
			}
			if weight < 0 {
				return nil, fmt.Errorf("negative weight for %s", name)
			}
		}
		c = append(c, Weighted{Strategy: s, Weight: weight})
	}

	if len(c) == 0 {
		return nil, fmt.Errorf("no strategies in %q", weights)
	}
	return c, nil
}
