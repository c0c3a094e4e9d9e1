// Package strategies holds the built-in strategy templates. A template turns a
// handful of numeric parameters into a complete, validated strategy.
package strategies

import (
	"fmt"
	"sort"
	"time"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// Params are template knobs. Missing keys take the template defaults.
type Params map[string]float64

func (p Params) get(key string, fallback float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return fallback
}

// Template builds the rules of a strategy
type Template struct {
	Name        string
	Description string
	Build       func(s *types.Strategy, p Params)
}

var registry = map[string]Template{}

func register(t Template) {
	registry[t.Name] = t
}

func init() {
	register(peakShaving)
	register(offPeakCharge)
	register(aiHybrid)
}

// Templates lists the registered templates by name.
func Templates() []Template {
	out := make([]Template, 0, len(registry))
	for _, t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build instantiates a template as a draft strategy.
func Build(template, id, name string, params Params, now time.Time) (*types.Strategy, error) {
	t, ok := registry[template]
	if !ok {
		return nil, &types.ValidationError{Field: "template", Reason: fmt.Sprintf("unknown template %q", template)}
	}
	if name == "" {
		name = t.Name
	}

	s := &types.Strategy{
		ID:        id,
		Name:      name,
		Status:    types.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.Build(s, params)

	if err := s.Validate(); err != nil {
		return nil, err
	}

	log.Debug().
		Str("template", template).
		Str("strategy", id).
		Int("rules", len(s.Rules)).
		Msg("Built strategy from template")
	return s, nil
}
