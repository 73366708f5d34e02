package agent

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
)

// Params is the unified generation parameter set. Keys use snake_case
// ("temperature", "top_p", "max_tokens", ...).
type Params map[string]any

// Float returns a numeric parameter.
func (p Params) Float(key string) (float64, bool) {
	return toFloat(p[key])
}

// Int returns a numeric parameter truncated to int.
func (p Params) Int(key string) (int, bool) {
	f, ok := toFloat(p[key])
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Strings returns a string list parameter. A single string is promoted to a list.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ParamSpec describes one supported parameter for a provider.
type ParamSpec struct {
	// Numeric marks the parameter as clampable.
	Numeric bool
	Min     float64
	Max     float64

	// Default is injected when the parameter is absent. Nil means no default.
	Default any
}

// ProviderParams maps parameter names to their spec for one provider.
type ProviderParams map[string]ParamSpec

func numeric(min, max float64) ParamSpec {
	return ParamSpec{Numeric: true, Min: min, Max: max}
}

func openAICompatibleParams(maxTemp float64) ProviderParams {
	return ProviderParams{
		"temperature":       numeric(0, maxTemp),
		"top_p":             numeric(0, 1),
		"max_tokens":        numeric(1, 128000),
		"frequency_penalty": numeric(-2, 2),
		"presence_penalty":  numeric(-2, 2),
		"seed":              numeric(math.MinInt32, math.MaxInt32),
		"stop":              {},
	}
}

// DefaultParamTable returns the built-in capability table.
func DefaultParamTable() map[string]ProviderParams {
	anthropicMax := numeric(1, 64000)
	anthropicMax.Default = 4096
	bedrockMax := numeric(1, 64000)
	bedrockMax.Default = 4096

	return map[string]ProviderParams{
		"openai":     openAICompatibleParams(2),
		"openrouter": openAICompatibleParams(2),
		"groq":       openAICompatibleParams(2),
		"ollama":     openAICompatibleParams(2),
		"mistral": {
			"temperature": numeric(0, 1.5),
			"top_p":       numeric(0, 1),
			"max_tokens":  numeric(1, 128000),
			"seed":        numeric(0, math.MaxInt32),
			"stop":        {},
		},
		"anthropic": {
			"temperature": numeric(0, 1),
			"top_p":       numeric(0, 1),
			"top_k":       numeric(0, 500),
			"max_tokens":  anthropicMax,
			"stop":        {},
		},
		"bedrock": {
			"temperature": numeric(0, 1),
			"top_p":       numeric(0, 1),
			"max_tokens":  bedrockMax,
			"stop":        {},
		},
		"google": {
			"temperature": numeric(0, 2),
			"top_p":       numeric(0, 1),
			"top_k":       numeric(1, 100),
			"max_tokens":  numeric(1, 65536),
			"stop":        {},
		},
	}
}

// ParamRegistry is the per-provider capability table.
type ParamRegistry struct {
	mu     sync.RWMutex
	tables map[string]ProviderParams
}

// NewParamRegistry creates a registry seeded with DefaultParamTable.
func NewParamRegistry() *ParamRegistry {
	return &ParamRegistry{tables: DefaultParamTable()}
}

// Register replaces the table for a provider.
func (r *ParamRegistry) Register(provider string, table ProviderParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[provider] = table
}

// Supported returns the sorted parameter names a provider accepts.
func (r *ParamRegistry) Supported(provider string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table := r.tables[provider]
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TransformParams maps a unified parameter set onto one provider: unsupported
// keys are dropped, numeric values are clamped to the provider's range, and
// defaults are injected for required parameters that are absent. Non-numeric
// values for numeric parameters are dropped.
func (r *ParamRegistry) TransformParams(provider string, params Params) (Params, error) {
	r.mu.RLock()
	table, ok := r.tables[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	out := make(Params, len(table))
	for key, value := range params {
		spec, supported := table[key]
		if !supported || value == nil {
			continue
		}
		if !spec.Numeric {
			out[key] = value
			continue
		}
		f, ok := toFloat(value)
		if !ok {
			continue
		}
		out[key] = math.Min(spec.Max, math.Max(spec.Min, f))
	}

	for key, spec := range table {
		if spec.Default == nil {
			continue
		}
		if _, present := out[key]; !present {
			out[key] = spec.Default
		}
	}
	return out, nil
}
