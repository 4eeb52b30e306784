package engine

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/oddsgate/oddsgate/internal/config"
)

// ErrNotAcquired is returned by Registry.Limit when the limiter could not
// grant the request and the context reports no error of its own.
var ErrNotAcquired = errors.New("rate limit not acquired")

// Registry maps destinations to their Limiter instances, creating each
// lazily under a lock so racing callers never build duplicates. Instances
// live for the process lifetime unless explicitly reset.
type Registry struct {
	Config *config.Config
	Logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry builds a registry over the given configuration. cfg may be
// nil, in which case baked defaults apply.
func NewRegistry(cfg *config.Config, logger *zap.Logger) *Registry {
	return &Registry{Config: cfg, Logger: logger}
}

// GetLimiter returns the limiter for a destination, creating it on first
// use. Equivalent destination strings (bare host, full URL, mixed case)
// resolve to the same instance.
func (r *Registry) GetLimiter(destination string) *Limiter {
	host := NormalizeDestination(destination)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limiters == nil {
		r.limiters = make(map[string]*Limiter)
	}
	if limiter, ok := r.limiters[host]; ok {
		return limiter
	}

	limiter := &Limiter{
		Config: r.config().ForDestination(host),
		Logger: r.logger().With(zap.String("destination", host)),
	}
	r.limiters[host] = limiter
	r.logger().Debug("limiter created",
		zap.String("destination", host),
		zap.Float64("requests_per_minute", limiter.Config.RequestsPerMinute),
		zap.Int("burst_size", limiter.Config.BurstSize),
	)
	return limiter
}

// Limit resolves the destination's limiter, blocks until a slot is
// granted, then invokes fn. Pure delegation, no extra behavior.
func (r *Registry) Limit(ctx context.Context, destination string, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !r.GetLimiter(destination).Wait(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrNotAcquired
	}
	return fn(ctx)
}

// Stats snapshots every registered limiter, sorted by destination.
func (r *Registry) Stats() []LimiterStats {
	r.mu.Lock()
	limiters := make([]*Limiter, 0, len(r.limiters))
	for _, limiter := range r.limiters {
		limiters = append(limiters, limiter)
	}
	r.mu.Unlock()

	stats := make([]LimiterStats, 0, len(limiters))
	for _, limiter := range limiters {
		stats = append(stats, limiter.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Destination < stats[j].Destination })
	return stats
}

// ResetAll clears the registry. Limiter references already held by callers
// keep operating; only subsequent lookups get fresh instances.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters = nil
}

func (r *Registry) config() *config.Config {
	if r.Config != nil {
		return r.Config
	}
	return config.Default()
}

func (r *Registry) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

// NormalizeDestination reduces a destination string to a lower-cased bare
// host: URLs lose scheme, path and port; bare hosts lose trailing paths
// and ports.
func NormalizeDestination(destination string) string {
	d := strings.ToLower(strings.TrimSpace(destination))
	if d == "" {
		return d
	}

	if strings.Contains(d, "://") {
		if u, err := url.Parse(d); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}

	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	if host, _, err := net.SplitHostPort(d); err == nil && host != "" {
		d = host
	}
	return d
}
