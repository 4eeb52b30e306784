package config

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed providers.yaml
var providersYAML []byte

// providerSpec mirrors one providers.yaml entry. Durations are strings in
// the file and parsed here; zero values mean "inherit the global default".
type providerSpec struct {
	RequestsPerMinute  float64 `yaml:"requests_per_minute"`
	BurstSize          int     `yaml:"burst_size"`
	BackoffThreshold   float64 `yaml:"backoff_threshold"`
	MaxBackoff         string  `yaml:"max_backoff"`
	MinRequestInterval string  `yaml:"min_request_interval"`
}

type providerFile struct {
	Providers map[string]providerSpec `yaml:"providers"`
}

var (
	providerOnce  sync.Once
	providerTable map[string]RateLimitConfig
)

// ProviderLimit returns the curated limits for a normalized host, if the
// host appears in the embedded provider table.
func ProviderLimit(host string) (RateLimitConfig, bool) {
	providerOnce.Do(loadProviderTable)
	limit, ok := providerTable[strings.ToLower(strings.TrimSpace(host))]
	return limit, ok
}

// ProviderHosts returns the hosts in the curated table, for inspection
// surfaces. The slice is a copy.
func ProviderHosts() []string {
	providerOnce.Do(loadProviderTable)
	hosts := make([]string, 0, len(providerTable))
	for host := range providerTable {
		hosts = append(hosts, host)
	}
	return hosts
}

func loadProviderTable() {
	table, err := parseProviderTable(providersYAML)
	if err != nil {
		// The table is embedded at build time; a parse failure is a
		// programming error, not a runtime condition.
		panic(fmt.Sprintf("config: invalid embedded provider table: %v", err))
	}
	providerTable = table
}

func parseProviderTable(raw []byte) (map[string]RateLimitConfig, error) {
	var file providerFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, err
	}

	table := make(map[string]RateLimitConfig, len(file.Providers))
	for host, spec := range file.Providers {
		key := strings.ToLower(strings.TrimSpace(host))
		if key == "" {
			continue
		}

		cfg := RateLimitConfig{
			Destination:       key,
			RequestsPerMinute: spec.RequestsPerMinute,
			BurstSize:         spec.BurstSize,
			BackoffThreshold:  spec.BackoffThreshold,
			Enabled:           true,
		}

		var err error
		if cfg.MaxBackoff, err = parseOptionalDuration(spec.MaxBackoff); err != nil {
			return nil, fmt.Errorf("%s: max_backoff: %w", key, err)
		}
		if cfg.MinRequestInterval, err = parseOptionalDuration(spec.MinRequestInterval); err != nil {
			return nil, fmt.Errorf("%s: min_request_interval: %w", key, err)
		}

		table[key] = cfg
	}

	return table, nil
}

func parseOptionalDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	return time.ParseDuration(value)
}
