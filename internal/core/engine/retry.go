package engine

import (
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oddsgate/oddsgate/internal/config"
)

// RetryPolicy decides whether and how long to wait before retrying a
// failed request, and trips a per-destination circuit breaker after
// repeated failures. The breaker has two states, closed and open; closing
// is purely time-based or forced by a recorded success — there is no
// half-open trial state.
//
// Clock and Jitter exist for tests; nil means real time and math/rand.
type RetryPolicy struct {
	Config config.RetryConfig
	Logger *zap.Logger
	Clock  func() time.Time
	Jitter func() float64

	mu                  sync.Mutex
	breakers            map[string]*breakerState
	rateLimited         map[string]uint64
	trips               map[string]uint64
	retryAfterRespected uint64
	retryAfterMissing   uint64
}

// breakerState tracks one destination's failure run. Lazily created,
// mutated only under the policy lock.
type breakerState struct {
	consecutiveFailures int
	open                bool
	openedAt            time.Time
	lastFailure         time.Time
}

// BreakerStatus is the externally visible state of one destination's
// circuit breaker.
type BreakerStatus struct {
	Open                bool      `json:"open"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at"`
	LastFailure         time.Time `json:"last_failure"`
}

// RetryMetrics is a read-only snapshot of the policy's counters.
type RetryMetrics struct {
	RateLimited         map[string]uint64        `json:"rate_limited"`
	RetryAfterRespected uint64                   `json:"retry_after_respected"`
	RetryAfterMissing   uint64                   `json:"retry_after_missing"`
	BreakerTrips        map[string]uint64        `json:"breaker_trips"`
	Breakers            map[string]BreakerStatus `json:"breakers"`
}

// NewRetryPolicy builds a policy over the given retry configuration.
func NewRetryPolicy(cfg config.RetryConfig, logger *zap.Logger) *RetryPolicy {
	return &RetryPolicy{Config: cfg, Logger: logger}
}

// ParseRetryAfter extracts a Retry-After value from the response: integer
// or decimal seconds, or an HTTP-date taken as a delta from now clamped to
// zero. Absent or unparseable values report false.
func (p *RetryPolicy) ParseRetryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	return parseRetryAfter(resp.Header, p.now())
}

// Backoff computes the wait before retry attempt. A non-nil retryAfter
// always wins over exponential backoff regardless of attempt count,
// jittered ±10%. Otherwise base·2^attempt jittered ±50%. Both are capped
// at the configured max backoff; attempt is the 0-indexed count of prior
// failures, so attempt 0 still yields a nonzero delay.
func (p *RetryPolicy) Backoff(attempt int, retryAfter *time.Duration) time.Duration {
	max := p.maxBackoff()

	if retryAfter != nil {
		jittered := time.Duration(float64(*retryAfter) * (0.9 + 0.2*p.jitter()))
		if jittered > max {
			return max
		}
		if jittered < 0 {
			return 0
		}
		return jittered
	}

	base := p.Config.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	exp := attempt
	if exp < 0 {
		exp = 0
	}
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	backoff := float64(base) * math.Pow(2, float64(exp))
	jittered := time.Duration(backoff * (0.5 + p.jitter()))
	if jittered > max {
		return max
	}
	return jittered
}

// ShouldRetry reports whether a failed request against destination should
// be retried after attempt prior failures, and how long to wait first.
// An open circuit or an exhausted attempt budget both yield (false, 0);
// callers needing to tell them apart consult IsCircuitOpen separately.
// An open circuit short-circuits before any bookkeeping.
func (p *RetryPolicy) ShouldRetry(resp *http.Response, attempt int, destination string) (bool, time.Duration) {
	dest := NormalizeDestination(destination)
	now := p.now()

	p.mu.Lock()
	if p.circuitOpenLocked(dest, now) {
		p.mu.Unlock()
		return false, 0
	}
	if attempt >= p.Config.MaxRetries {
		p.mu.Unlock()
		return false, 0
	}

	p.ensureMapsLocked()
	p.rateLimited[dest]++

	var retryAfter *time.Duration
	if p.Config.RespectRetryAfter && resp != nil {
		if d, ok := parseRetryAfter(resp.Header, now); ok {
			retryAfter = &d
			p.retryAfterRespected++
		} else {
			p.retryAfterMissing++
		}
	}

	if p.Config.CircuitBreakerEnabled {
		p.recordFailureLocked(dest, now)
	}
	p.mu.Unlock()

	return true, p.Backoff(attempt, retryAfter)
}

// RecordRateLimited counts one failure toward destination's breaker,
// opening it when the run crosses the configured threshold. No-op when the
// breaker is disabled.
func (p *RetryPolicy) RecordRateLimited(destination string) {
	if !p.Config.CircuitBreakerEnabled {
		return
	}
	dest := NormalizeDestination(destination)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordFailureLocked(dest, p.now())
}

// RecordSuccess clears destination's failure run and force-closes an open
// breaker immediately.
func (p *RetryPolicy) RecordSuccess(destination string) {
	dest := NormalizeDestination(destination)
	p.mu.Lock()
	defer p.mu.Unlock()
	if b := p.breakers[dest]; b != nil {
		if b.open {
			p.logger().Info("circuit closed on success", zap.String("destination", dest))
		}
		b.open = false
		b.consecutiveFailures = 0
	}
}

// IsCircuitOpen reports destination's breaker state. An open breaker whose
// cooldown has elapsed closes implicitly (and clears its failure run)
// before the state is reported.
func (p *RetryPolicy) IsCircuitOpen(destination string) bool {
	dest := NormalizeDestination(destination)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.circuitOpenLocked(dest, p.now())
}

// Metrics returns a deep-copied snapshot of the policy's counters and
// per-destination breaker states.
func (p *RetryPolicy) Metrics() RetryMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := RetryMetrics{
		RateLimited:         make(map[string]uint64, len(p.rateLimited)),
		RetryAfterRespected: p.retryAfterRespected,
		RetryAfterMissing:   p.retryAfterMissing,
		BreakerTrips:        make(map[string]uint64, len(p.trips)),
		Breakers:            make(map[string]BreakerStatus, len(p.breakers)),
	}
	for dest, count := range p.rateLimited {
		m.RateLimited[dest] = count
	}
	for dest, count := range p.trips {
		m.BreakerTrips[dest] = count
	}
	for dest, b := range p.breakers {
		m.Breakers[dest] = BreakerStatus{
			Open:                b.open,
			ConsecutiveFailures: b.consecutiveFailures,
			OpenedAt:            b.openedAt,
			LastFailure:         b.lastFailure,
		}
	}
	return m
}

// Reset clears every counter and breaker.
func (p *RetryPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakers = nil
	p.rateLimited = nil
	p.trips = nil
	p.retryAfterRespected = 0
	p.retryAfterMissing = 0
}

func (p *RetryPolicy) recordFailureLocked(dest string, now time.Time) {
	p.ensureMapsLocked()
	b := p.breakers[dest]
	if b == nil {
		b = &breakerState{}
		p.breakers[dest] = b
	}

	b.consecutiveFailures++
	b.lastFailure = now
	if !b.open && b.consecutiveFailures >= p.Config.CircuitBreakerThreshold {
		b.open = true
		b.openedAt = now
		p.trips[dest]++
		p.logger().Warn("circuit opened",
			zap.String("destination", dest),
			zap.Int("consecutive_failures", b.consecutiveFailures),
			zap.Duration("cooldown", p.Config.CircuitBreakerTimeout),
		)
	}
}

func (p *RetryPolicy) circuitOpenLocked(dest string, now time.Time) bool {
	b := p.breakers[dest]
	if b == nil || !b.open {
		return false
	}
	if timeout := p.Config.CircuitBreakerTimeout; timeout > 0 && now.Sub(b.openedAt) >= timeout {
		b.open = false
		b.consecutiveFailures = 0
		p.logger().Info("circuit closed after cooldown", zap.String("destination", dest))
		return false
	}
	return true
}

func (p *RetryPolicy) ensureMapsLocked() {
	if p.breakers == nil {
		p.breakers = make(map[string]*breakerState)
	}
	if p.rateLimited == nil {
		p.rateLimited = make(map[string]uint64)
	}
	if p.trips == nil {
		p.trips = make(map[string]uint64)
	}
}

func (p *RetryPolicy) maxBackoff() time.Duration {
	if p.Config.MaxBackoff > 0 {
		return p.Config.MaxBackoff
	}
	return 60 * time.Second
}

func (p *RetryPolicy) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

func (p *RetryPolicy) jitter() float64 {
	if p.Jitter != nil {
		return p.Jitter()
	}
	return rand.Float64()
}

func (p *RetryPolicy) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}
