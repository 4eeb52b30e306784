package config

import (
	"fmt"
	"strings"
	"time"
)

// Config represents the complete rate-governance configuration following the
// layered pattern:
// Layer 1: baked defaults plus the embedded provider table (providers.yaml)
// Layer 2: optional config file (oddsgate.yaml)
// Layer 3: environment variables (ODDSGATE_*) and runtime overrides
type Config struct {
	// Enabled is the global kill switch. When false every limiter grants
	// immediately and performs no bookkeeping.
	Enabled bool `mapstructure:"enabled"`

	// Defaults applied to destinations absent from the provider table.
	DefaultRequestsPerMinute float64       `mapstructure:"default_requests_per_minute"`
	DefaultBurstSize         int           `mapstructure:"default_burst_size"`
	BackoffThreshold         float64       `mapstructure:"backoff_threshold"`
	MaxBackoff               time.Duration `mapstructure:"max_backoff"`
	MinRequestInterval       time.Duration `mapstructure:"min_request_interval"`

	// RateLimits overrides requests-per-minute per destination host.
	// Keys are hosts as written in the config file; environment overrides
	// use the normalized ODDSGATE_RATE_LIMIT_<HOST> form instead.
	RateLimits map[string]float64 `mapstructure:"rate_limits"`

	Retry   RetryConfig   `mapstructure:"retry"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RetryConfig drives the retry / circuit-breaker decision engine.
type RetryConfig struct {
	MaxRetries              int           `mapstructure:"max_retries"`
	BaseBackoff             time.Duration `mapstructure:"base_backoff"`
	MaxBackoff              time.Duration `mapstructure:"max_backoff"`
	RespectRetryAfter       bool          `mapstructure:"respect_retry_after"`
	CircuitBreakerEnabled   bool          `mapstructure:"circuit_breaker_enabled"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
}

// ServerConfig contains the debug/ops HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level controls the minimum log level.
	// Valid values: debug, info, warn, error
	Level string `mapstructure:"level"`
}

// RateLimitConfig holds the immutable per-destination limiter parameters.
type RateLimitConfig struct {
	Destination        string        `json:"destination"`
	RequestsPerMinute  float64       `json:"requests_per_minute"`
	BurstSize          int           `json:"burst_size"`
	BackoffThreshold   float64       `json:"backoff_threshold"`
	MaxBackoff         time.Duration `json:"max_backoff"`
	MinRequestInterval time.Duration `json:"min_request_interval"`
	Enabled            bool          `json:"enabled"`
}

// Default returns the baked-in configuration without touching files or env.
func Default() *Config {
	return &Config{
		Enabled:                  true,
		DefaultRequestsPerMinute: 30,
		DefaultBurstSize:         5,
		BackoffThreshold:         0.8,
		MaxBackoff:               60 * time.Second,
		Retry: RetryConfig{
			MaxRetries:              3,
			BaseBackoff:             time.Second,
			MaxBackoff:              60 * time.Second,
			RespectRetryAfter:       true,
			CircuitBreakerEnabled:   true,
			CircuitBreakerThreshold: 10,
			CircuitBreakerTimeout:   5 * time.Minute,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8460,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ForDestination resolves the effective limiter parameters for a host.
// Resolution order: env override, config-file override, curated provider
// table, global defaults. The host must already be normalized (lowercase,
// no scheme or port).
func (c *Config) ForDestination(host string) RateLimitConfig {
	if c == nil {
		c = Default()
	}

	cfg := RateLimitConfig{
		Destination:        host,
		RequestsPerMinute:  c.DefaultRequestsPerMinute,
		BurstSize:          c.DefaultBurstSize,
		BackoffThreshold:   c.BackoffThreshold,
		MaxBackoff:         c.MaxBackoff,
		MinRequestInterval: c.MinRequestInterval,
		Enabled:            c.Enabled,
	}

	if provider, ok := ProviderLimit(host); ok {
		if provider.RequestsPerMinute > 0 {
			cfg.RequestsPerMinute = provider.RequestsPerMinute
		}
		if provider.BurstSize > 0 {
			cfg.BurstSize = provider.BurstSize
		}
		if provider.BackoffThreshold > 0 {
			cfg.BackoffThreshold = provider.BackoffThreshold
		}
		if provider.MaxBackoff > 0 {
			cfg.MaxBackoff = provider.MaxBackoff
		}
		if provider.MinRequestInterval > 0 {
			cfg.MinRequestInterval = provider.MinRequestInterval
		}
	}

	if rpm, ok := c.RateLimits[host]; ok && rpm > 0 {
		cfg.RequestsPerMinute = rpm
	}

	if rpm, ok := envRateLimitOverride(host); ok {
		cfg.RequestsPerMinute = rpm
	}

	return cfg
}

// Validate reports construction-time configuration errors. Steady-state
// operation never returns errors; this is the one place that may.
func (c *Config) Validate() error {
	if c.DefaultRequestsPerMinute <= 0 {
		return fmt.Errorf("default_requests_per_minute must be positive, got %v", c.DefaultRequestsPerMinute)
	}
	if c.DefaultBurstSize <= 0 {
		return fmt.Errorf("default_burst_size must be positive, got %d", c.DefaultBurstSize)
	}
	if c.BackoffThreshold <= 0 || c.BackoffThreshold >= 1 {
		return fmt.Errorf("backoff_threshold must be in (0, 1), got %v", c.BackoffThreshold)
	}
	if c.MaxBackoff <= 0 {
		return fmt.Errorf("max_backoff must be positive, got %v", c.MaxBackoff)
	}
	if c.MinRequestInterval < 0 {
		return fmt.Errorf("min_request_interval must not be negative, got %v", c.MinRequestInterval)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// Validate reports invalid retry parameters.
func (r *RetryConfig) Validate() error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", r.MaxRetries)
	}
	if r.BaseBackoff <= 0 {
		return fmt.Errorf("base_backoff must be positive, got %v", r.BaseBackoff)
	}
	if r.MaxBackoff <= 0 {
		return fmt.Errorf("max_backoff must be positive, got %v", r.MaxBackoff)
	}
	if r.CircuitBreakerEnabled && r.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("circuit_breaker_threshold must be positive, got %d", r.CircuitBreakerThreshold)
	}
	if r.CircuitBreakerEnabled && r.CircuitBreakerTimeout <= 0 {
		return fmt.Errorf("circuit_breaker_timeout must be positive, got %v", r.CircuitBreakerTimeout)
	}
	return nil
}

// EnvKey returns the normalized form of a destination host used for
// per-destination environment overrides: uppercased, with every run of
// non-alphanumeric characters collapsed to a single underscore.
func EnvKey(host string) string {
	var b strings.Builder
	b.Grow(len(host))
	lastUnderscore := false
	for _, r := range strings.ToUpper(strings.TrimSpace(host)) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
