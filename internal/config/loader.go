// Package config provides centralized configuration management for oddsgate.
// It implements a three-layer pattern on top of viper:
// Layer 1: baked defaults plus the embedded provider table
// Layer 2: optional config file (oddsgate.yaml, discovered or --config)
// Layer 3: ODDSGATE_* environment variables and runtime overrides
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const envPrefix = "ODDSGATE"

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// Load loads configuration using the three-layer pattern. cfgFile may be
// empty, in which case the default search paths are used. Safe to call
// multiple times; the last successful load wins.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("oddsgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/oddsgate")
		}
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	setConfig(cfg)
	return cfg, nil
}

// Get returns the current application configuration (thread-safe).
// Returns baked defaults when Load has not been called.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	if appConfig == nil {
		return Default()
	}
	return appConfig
}

// setConfig updates the current configuration (thread-safe).
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// Reset clears the loaded configuration so the next Get returns defaults.
// Intended for tests.
func Reset() {
	setConfig(nil)
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("enabled", def.Enabled)
	v.SetDefault("default_requests_per_minute", def.DefaultRequestsPerMinute)
	v.SetDefault("default_burst_size", def.DefaultBurstSize)
	v.SetDefault("backoff_threshold", def.BackoffThreshold)
	v.SetDefault("max_backoff", def.MaxBackoff)
	v.SetDefault("min_request_interval", def.MinRequestInterval)

	v.SetDefault("retry.max_retries", def.Retry.MaxRetries)
	v.SetDefault("retry.base_backoff", def.Retry.BaseBackoff)
	v.SetDefault("retry.max_backoff", def.Retry.MaxBackoff)
	v.SetDefault("retry.respect_retry_after", def.Retry.RespectRetryAfter)
	v.SetDefault("retry.circuit_breaker_enabled", def.Retry.CircuitBreakerEnabled)
	v.SetDefault("retry.circuit_breaker_threshold", def.Retry.CircuitBreakerThreshold)
	v.SetDefault("retry.circuit_breaker_timeout", def.Retry.CircuitBreakerTimeout)

	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", def.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", def.Server.ShutdownTimeout)

	v.SetDefault("logging.level", def.Logging.Level)
}

// envRateLimitOverride checks ODDSGATE_RATE_LIMIT_<HOST> for a
// per-destination requests-per-minute override. The host portion uses the
// EnvKey normalization, e.g. ODDSGATE_RATE_LIMIT_API_SPORTSDATA_IO=90.
func envRateLimitOverride(host string) (float64, bool) {
	key := EnvKey(host)
	if key == "" {
		return 0, false
	}

	value := strings.TrimSpace(os.Getenv(envPrefix + "_RATE_LIMIT_" + key))
	if value == "" {
		return 0, false
	}

	rpm, err := strconv.ParseFloat(value, 64)
	if err != nil || rpm <= 0 {
		return 0, false
	}
	return rpm, true
}
