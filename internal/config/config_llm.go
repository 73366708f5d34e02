package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type LLMConfig struct {
	// DefaultModel is used when a request names no model.
	DefaultModel string `yaml:"default_model"`

	// SystemPrompt is used when a request carries none.
	SystemPrompt string `yaml:"system_prompt"`

	Providers map[string]LLMProviderConfig `yaml:"providers"`

	Retry   RetryConfig   `yaml:"retry"`
	Circuit CircuitConfig `yaml:"circuit"`

	// MaxIterations limits provider calls per tool loop.
	MaxIterations int `yaml:"max_iterations"`

	// MaxConsecutiveErrors stops the loop after this many failing tool batches in a row.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`
}

type LLMProviderConfig struct {
	// Kind selects the wire protocol when the provider name does not imply
	// one: openai, anthropic, bedrock or google.
	Kind    string `yaml:"kind"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Bedrock only.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	// ModelPrefixes routes model names with these prefixes to this provider.
	ModelPrefixes []string `yaml:"model_prefixes"`
}

// RetryConfig bounds provider retries.
type RetryConfig struct {
	// MaxRetries is the total number of attempts, including the first.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff is the delay after the first failure. Default: 1s
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps a single delay. Default: 30s
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Factor multiplies the delay per attempt. Default: 2
	Factor float64 `yaml:"factor"`

	// Jitter randomizes each delay by up to this fraction.
	Jitter float64 `yaml:"jitter"`
}

// CircuitConfig tunes the per-provider circuit breakers.
type CircuitConfig struct {
	// FailureThreshold is consecutive failures before the circuit opens. Default: 5
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessThreshold is half-open successes before it closes. Default: 1
	SuccessThreshold int `yaml:"success_threshold"`

	// RecoveryTimeout is the wait before a half-open trial. Default: 60s
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
}

var providerKinds = map[string]bool{"": true, "openai": true, "anthropic": true, "bedrock": true, "google": true}

func applyLLMDefaults(c *LLMConfig) {
	if c.DefaultModel == "" {
		c.DefaultModel = "gpt-4o-mini"
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = time.Second
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 30 * time.Second
	}
	if c.Retry.Factor == 0 {
		c.Retry.Factor = 2
	}
	if c.Circuit.FailureThreshold == 0 {
		c.Circuit.FailureThreshold = 5
	}
	if c.Circuit.SuccessThreshold == 0 {
		c.Circuit.SuccessThreshold = 1
	}
	if c.Circuit.RecoveryTimeout == 0 {
		c.Circuit.RecoveryTimeout = 60 * time.Second
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 25
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = 5
	}
}

// ProviderNames returns the configured provider names in sorted order.
func (c LLMConfig) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c LLMConfig) validate() []error {
	var errs []error
	if c.Retry.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("llm.retry.max_retries must be at least 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("llm.retry.jitter must be between 0 and 1"))
	}
	if c.Circuit.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("llm.circuit.failure_threshold must be at least 1"))
	}

	prefixes := map[string]string{}
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("llm.providers: empty provider name"))
			continue
		}
		if !providerKinds[p.Kind] {
			errs = append(errs, fmt.Errorf("llm.providers.%s.kind %q is not supported", name, p.Kind))
		}
		for _, prefix := range p.ModelPrefixes {
			if prefix == "" {
				errs = append(errs, fmt.Errorf("llm.providers.%s.model_prefixes: empty prefix", name))
				continue
			}
			if other, dup := prefixes[prefix]; dup {
				errs = append(errs, fmt.Errorf("llm.providers: prefix %q claimed by %s and %s", prefix, other, name))
				continue
			}
			prefixes[prefix] = name
		}
	}
	return errs
}
