package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/toolgate/internal/mcp"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// Config is the main configuration structure for toolgate.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	LLM           LLMConfig           `yaml:"llm"`
	Tools         ToolsConfig         `yaml:"tools"`
	Validation    ValidationConfig    `yaml:"validation"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ToolsConfig lists the MCP tool servers.
type ToolsConfig struct {
	Servers []*mcp.ServerConfig `yaml:"servers"`

	// DisableInternal turns off the built-in read-only tools.
	DisableInternal bool `yaml:"disable_internal"`
}

// ValidationConfig configures the human approval gate.
type ValidationConfig struct {
	// DefaultPermission applies to users without a stored permission level.
	DefaultPermission models.PermissionLevel `yaml:"default_permission"`

	// Timeout bounds how long an open stream waits for a decision.
	Timeout time.Duration `yaml:"timeout"`

	// TTL sets expires_at on new validations; the sweeper cancels them after it.
	// Default: 48h
	TTL time.Duration `yaml:"ttl"`

	// SweepSchedule is the cron spec of the expired validation sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	// HideDirectToolCalls skips the conversation entry for calls that run without approval.
	HideDirectToolCalls bool `yaml:"hide_direct_tool_calls"`
}

// SessionsConfig configures live streaming sessions.
type SessionsConfig struct {
	// DisconnectGrace is how long a stream keeps running after its client leaves.
	DisconnectGrace time.Duration `yaml:"disconnect_grace"`

	// ReapSchedule is the cron spec that ends abandoned sessions.
	ReapSchedule string `yaml:"reap_schedule"`

	// RedisURL enables the cross-instance outcome relay.
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	Logging observability.LogConfig   `yaml:"logging"`
	Tracing observability.TraceConfig `yaml:"tracing"`
}

// Load reads, merges, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// a single in-memory instance.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 2 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}

	applyLLMDefaults(&cfg.LLM)

	for _, s := range cfg.Tools.Servers {
		if s != nil && s.Timeout == 0 {
			s.Timeout = 30 * time.Second
		}
	}

	if cfg.Validation.DefaultPermission == "" {
		cfg.Validation.DefaultPermission = models.PermissionValidationRequired
	}
	if cfg.Validation.Timeout == 0 {
		cfg.Validation.Timeout = 48 * time.Hour
	}
	if cfg.Validation.TTL == 0 {
		cfg.Validation.TTL = 48 * time.Hour
	}
	if cfg.Validation.SweepSchedule == "" {
		cfg.Validation.SweepSchedule = "@every 1m"
	}

	if cfg.Sessions.DisconnectGrace == 0 {
		cfg.Sessions.DisconnectGrace = 5 * time.Minute
	}
	if cfg.Sessions.ReapSchedule == "" {
		cfg.Sessions.ReapSchedule = "@every 30s"
	}
	if cfg.Sessions.RedisPrefix == "" {
		cfg.Sessions.RedisPrefix = "toolgate"
	}

	if cfg.Observability.Logging.Level == "" {
		cfg.Observability.Logging.Level = "info"
	}
	if cfg.Observability.Logging.Format == "" {
		cfg.Observability.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "toolgate"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.Database.DSN) == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres, sqlite or memory (got %q)", c.Database.Driver))
	}

	errs = append(errs, c.LLM.validate()...)

	seen := map[string]bool{}
	for i, s := range c.Tools.Servers {
		if s == nil {
			errs = append(errs, fmt.Errorf("tools.servers[%d] is empty", i))
			continue
		}
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tools.servers[%d]: %w", i, err))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("tools.servers: duplicate id %q", s.ID))
		}
		seen[s.ID] = true
	}

	switch c.Validation.DefaultPermission {
	case models.PermissionFullAuto, models.PermissionValidationRequired, models.PermissionNoTools:
	default:
		errs = append(errs, fmt.Errorf("validation.default_permission %q is invalid", c.Validation.DefaultPermission))
	}
	if c.Validation.TTL < 0 {
		errs = append(errs, fmt.Errorf("validation.ttl must not be negative"))
	}

	switch strings.ToLower(c.Observability.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("observability.logging.format must be json or text"))
	}
	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sampling_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}
