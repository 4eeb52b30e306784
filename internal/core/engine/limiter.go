package engine

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oddsgate/oddsgate/internal/config"
)

const (
	// slidingWindow bounds the trailing request history kept per limiter.
	slidingWindow = time.Minute

	// maxWindowSamples caps the history length regardless of age.
	maxWindowSamples = 128

	// maxBackoffExponent guards the 2^n consecutive-429 backoff against
	// overflow before the max-backoff cap applies.
	maxBackoffExponent = 20
)

// Limiter is a per-destination token bucket gate. Tokens refill
// continuously at requests-per-minute/60 per second up to the burst size;
// each granted request drains one. Response headers and 429s feed extra
// backoff into subsequent grants.
//
// The zero value is unusable; construct via a Registry or set Config
// directly. Clock and Sleep exist for tests; nil means real time.
type Limiter struct {
	Config config.RateLimitConfig
	Logger *zap.Logger
	Clock  func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) bool

	mu    sync.Mutex
	state limiterState
}

// limiterState is mutated only by its owning Limiter, under its lock.
type limiterState struct {
	tokens      float64
	lastRefill  time.Time
	lastGranted time.Time
	recent      []time.Time

	headerLimit     int
	headerRemaining int
	headerReset     time.Time

	currentBackoff        time.Duration
	consecutiveRateLimits int

	totalRequests uint64
	totalWaits    uint64
	totalWaitTime time.Duration
}

// LimiterStats is a read-only snapshot of a limiter's configuration and
// live state.
type LimiterStats struct {
	Destination           string        `json:"destination"`
	Enabled               bool          `json:"enabled"`
	RequestsPerMinute     float64       `json:"requests_per_minute"`
	BurstSize             int           `json:"burst_size"`
	Tokens                float64       `json:"tokens"`
	RecentRequests        int           `json:"recent_requests"`
	HeaderLimit           int           `json:"header_limit"`
	HeaderRemaining       int           `json:"header_remaining"`
	HeaderReset           time.Time     `json:"header_reset"`
	CurrentBackoff        time.Duration `json:"current_backoff"`
	ConsecutiveRateLimits int           `json:"consecutive_rate_limits"`
	TotalRequests         uint64        `json:"total_requests"`
	TotalWaits            uint64        `json:"total_waits"`
	TotalWaitTime         time.Duration `json:"total_wait_time"`
}

// Acquire blocks until a request may be sent or the computed wait exceeds
// timeout, in which case it returns false without side effects. Context
// cancellation during the wait also returns false.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) bool {
	return l.acquire(ctx, timeout, true)
}

// Wait is Acquire without a timeout cap: it blocks until a request may be
// sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) bool {
	return l.acquire(ctx, 0, false)
}

func (l *Limiter) acquire(ctx context.Context, budget time.Duration, bounded bool) bool {
	if !l.Config.Enabled {
		return true
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// The usage-derived penalty is charged once per acquisition;
	// re-validation after sleeping only rechecks the physical constraints
	// (token refill, minimum interval).
	penaltyPaid := false
	for {
		l.mu.Lock()
		now := l.now()
		l.ensureStateLocked(now)
		l.refillLocked(now)

		delay := l.requiredDelayLocked(now, !penaltyPaid)
		if delay <= 0 {
			l.grantLocked(now)
			l.mu.Unlock()
			return true
		}

		if bounded && delay > budget {
			l.mu.Unlock()
			return false
		}

		l.state.totalWaits++
		l.state.totalWaitTime += delay
		l.mu.Unlock()

		// Sleeping happens outside the lock so refills and other
		// callers are never blocked by a waiting caller.
		if !l.sleep(ctx, delay) {
			return false
		}
		penaltyPaid = true
		if bounded {
			budget -= delay
			if budget < 0 {
				budget = 0
			}
		}
	}
}

// UpdateFromResponse feeds provider rate-limit headers and the status code
// back into the limiter. Malformed header values are ignored.
func (l *Limiter) UpdateFromResponse(resp *http.Response) {
	if !l.Config.Enabled || resp == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.ensureStateLocked(now)

	if limit, ok := headerInt(resp.Header, limitHeaderNames); ok {
		l.state.headerLimit = limit
	}
	if remaining, ok := headerInt(resp.Header, remainingHeaderNames); ok {
		l.state.headerRemaining = remaining
	}
	if reset, ok := headerReset(resp.Header, now); ok {
		l.state.headerReset = reset
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		l.state.consecutiveRateLimits++
		backoff := exponentialSeconds(l.state.consecutiveRateLimits)
		if ra, ok := retryAfterSeconds(resp.Header); ok {
			backoff = ra
		}
		if max := l.maxBackoff(); backoff > max {
			backoff = max
		}
		l.state.currentBackoff = backoff
		l.logger().Warn("rate limited by destination",
			zap.String("destination", l.Config.Destination),
			zap.Int("consecutive", l.state.consecutiveRateLimits),
			zap.Duration("backoff", backoff),
		)
	case http.StatusOK:
		l.state.currentBackoff /= 2
		l.state.consecutiveRateLimits = 0
	}
}

// Stats returns a snapshot of the limiter's configuration and state.
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.ensureStateLocked(now)
	l.refillLocked(now)
	l.pruneWindowLocked(now)

	return LimiterStats{
		Destination:           l.Config.Destination,
		Enabled:               l.Config.Enabled,
		RequestsPerMinute:     l.Config.RequestsPerMinute,
		BurstSize:             l.Config.BurstSize,
		Tokens:                l.state.tokens,
		RecentRequests:        len(l.state.recent),
		HeaderLimit:           l.state.headerLimit,
		HeaderRemaining:       l.state.headerRemaining,
		HeaderReset:           l.state.headerReset,
		CurrentBackoff:        l.state.currentBackoff,
		ConsecutiveRateLimits: l.state.consecutiveRateLimits,
		TotalRequests:         l.state.totalRequests,
		TotalWaits:            l.state.totalWaits,
		TotalWaitTime:         l.state.totalWaitTime,
	}
}

// Reset reinitializes the limiter to a full bucket, preserving its
// configuration.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = limiterState{}
	l.ensureStateLocked(l.now())
}

func (l *Limiter) ensureStateLocked(now time.Time) {
	if l.state.lastRefill.IsZero() {
		l.state.tokens = float64(l.Config.BurstSize)
		l.state.lastRefill = now
	}
}

func (l *Limiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.state.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.state.tokens += elapsed * l.ratePerSecond()
	if burst := float64(l.Config.BurstSize); l.state.tokens > burst {
		l.state.tokens = burst
	}
	l.state.lastRefill = now
}

func (l *Limiter) grantLocked(now time.Time) {
	l.state.tokens--
	if l.state.tokens < 0 {
		l.state.tokens = 0
	}
	l.state.lastGranted = now
	l.state.totalRequests++
	l.state.recent = append(l.state.recent, now)
	l.pruneWindowLocked(now)
}

func (l *Limiter) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-slidingWindow)
	recent := l.state.recent
	for len(recent) > 0 && recent[0].Before(cutoff) {
		recent = recent[1:]
	}
	if len(recent) > maxWindowSamples {
		recent = recent[len(recent)-maxWindowSamples:]
	}
	l.state.recent = recent
}

// requiredDelayLocked computes the gap before the next grant: the largest
// of the usage-derived backoff (when charged), the configured minimum
// interval, and the refill wait for one whole token.
func (l *Limiter) requiredDelayLocked(now time.Time, includePenalty bool) time.Duration {
	var delay time.Duration
	if includePenalty {
		delay = l.backoffDelayLocked()
	}
	if d := l.minIntervalDelayLocked(now); d > delay {
		delay = d
	}
	if d := l.refillDelayLocked(); d > delay {
		delay = d
	}
	return delay
}

// backoffDelayLocked derives extra delay from provider headers when known,
// falling back to token scarcity. Header-derived delay scales up to the
// full max backoff; scarcity-derived delay scales only up to one token
// interval so a drained bucket degrades to the steady refill rate.
func (l *Limiter) backoffDelayLocked() time.Duration {
	delay := l.state.currentBackoff

	threshold := l.Config.BackoffThreshold
	if threshold > 0 && threshold < 1 {
		var usage float64
		ceiling := l.maxBackoff()
		if l.state.headerLimit > 0 {
			usage = 1 - float64(l.state.headerRemaining)/float64(l.state.headerLimit)
		} else if l.Config.BurstSize > 0 {
			usage = 1 - l.state.tokens/float64(l.Config.BurstSize)
			ceiling = l.tokenInterval()
		}
		if usage >= threshold {
			scale := (usage - threshold) / (1 - threshold)
			if scale > 1 {
				scale = 1
			}
			if scaled := time.Duration(scale * float64(ceiling)); scaled > delay {
				delay = scaled
			}
		}
	}

	if max := l.maxBackoff(); delay > max {
		delay = max
	}
	return delay
}

func (l *Limiter) minIntervalDelayLocked(now time.Time) time.Duration {
	if l.Config.MinRequestInterval <= 0 || l.state.lastGranted.IsZero() {
		return 0
	}
	gap := now.Sub(l.state.lastGranted)
	if gap >= l.Config.MinRequestInterval {
		return 0
	}
	return l.Config.MinRequestInterval - gap
}

func (l *Limiter) refillDelayLocked() time.Duration {
	if l.state.tokens >= 1 {
		return 0
	}
	rate := l.ratePerSecond()
	if rate <= 0 {
		return l.maxBackoff()
	}
	return time.Duration((1 - l.state.tokens) / rate * float64(time.Second))
}

func (l *Limiter) ratePerSecond() float64 {
	return l.Config.RequestsPerMinute / 60
}

// tokenInterval is the steady-state gap between grants.
func (l *Limiter) tokenInterval() time.Duration {
	rate := l.ratePerSecond()
	if rate <= 0 {
		return l.maxBackoff()
	}
	return time.Duration(float64(time.Second) / rate)
}

func (l *Limiter) maxBackoff() time.Duration {
	if l.Config.MaxBackoff > 0 {
		return l.Config.MaxBackoff
	}
	return 60 * time.Second
}

func (l *Limiter) now() time.Time {
	if l.Clock != nil {
		return l.Clock()
	}
	return time.Now()
}

func (l *Limiter) sleep(ctx context.Context, d time.Duration) bool {
	if l.Sleep != nil {
		return l.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Limiter) logger() *zap.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return zap.NewNop()
}

func exponentialSeconds(count int) time.Duration {
	if count < 0 {
		count = 0
	}
	if count > maxBackoffExponent {
		count = maxBackoffExponent
	}
	return time.Duration(math.Pow(2, float64(count)) * float64(time.Second))
}
