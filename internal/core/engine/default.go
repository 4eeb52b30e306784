package engine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/oddsgate/oddsgate/internal/config"
)

// Process-wide shared state lives behind accessor functions with an
// explicit reset hook rather than implicit singletons, so tests and ops
// tooling can swap or clear it deliberately.
var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
	defaultPolicy   *RetryPolicy
	defaultLogger   *zap.Logger
)

// SetDefaultLogger sets the logger used when building the default registry
// and policy. Call before first use.
func SetDefaultLogger(logger *zap.Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// DefaultRegistry returns the process-wide limiter registry, building it
// from the current configuration on first use.
func DefaultRegistry() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry(config.Get(), defaultLogger)
	}
	return defaultRegistry
}

// DefaultPolicy returns the process-wide retry policy, building it from
// the current configuration on first use.
func DefaultPolicy() *RetryPolicy {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPolicy == nil {
		defaultPolicy = NewRetryPolicy(config.Get().Retry, defaultLogger)
	}
	return defaultPolicy
}

// GetLimiter resolves a destination's limiter from the default registry.
func GetLimiter(destination string) *Limiter {
	return DefaultRegistry().GetLimiter(destination)
}

// ResetDefaults drops the process-wide registry and policy so subsequent
// accesses rebuild them from the current configuration. References already
// held by callers keep operating.
func ResetDefaults() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = nil
	defaultPolicy = nil
}
