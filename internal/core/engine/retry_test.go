package engine

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oddsgate/oddsgate/internal/config"
)

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxRetries:              3,
		BaseBackoff:             time.Second,
		MaxBackoff:              120 * time.Second,
		RespectRetryAfter:       true,
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 10,
		CircuitBreakerTimeout:   5 * time.Minute,
	}
}

// newTestPolicy pins the clock and centers the jitter so computed waits
// are exact.
func newTestPolicy(cfg config.RetryConfig) (*RetryPolicy, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := &now
	policy := &RetryPolicy{
		Config: cfg,
		Clock:  func() time.Time { return *current },
		Jitter: func() float64 { return 0.5 },
	}
	return policy, current
}

func TestParseRetryAfterSeconds(t *testing.T) {
	policy, _ := newTestPolicy(testRetryConfig())

	d, ok := policy.ParseRetryAfter(response(http.StatusTooManyRequests, map[string]string{"Retry-After": "60"}))
	require.True(t, ok)
	require.Equal(t, 60*time.Second, d)

	d, ok = policy.ParseRetryAfter(response(http.StatusTooManyRequests, map[string]string{"retry-after": "1.5"}))
	require.True(t, ok)
	require.Equal(t, 1500*time.Millisecond, d)

	_, ok = policy.ParseRetryAfter(response(http.StatusTooManyRequests, map[string]string{"Retry-After": "whenever"}))
	require.False(t, ok)

	_, ok = policy.ParseRetryAfter(response(http.StatusTooManyRequests, nil))
	require.False(t, ok)

	_, ok = policy.ParseRetryAfter(nil)
	require.False(t, ok)
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	policy, now := newTestPolicy(testRetryConfig())

	at := now.Add(2 * time.Minute).UTC().Format(http.TimeFormat)
	d, ok := policy.ParseRetryAfter(response(http.StatusTooManyRequests, map[string]string{"Retry-After": at}))
	require.True(t, ok)
	require.GreaterOrEqual(t, d, 110*time.Second)
	require.LessOrEqual(t, d, 130*time.Second)

	// A date in the past clamps to zero rather than going negative.
	past := now.Add(-time.Hour).UTC().Format(http.TimeFormat)
	d, ok = policy.ParseRetryAfter(response(http.StatusTooManyRequests, map[string]string{"Retry-After": past}))
	require.True(t, ok)
	require.Equal(t, time.Duration(0), d)
}

func TestBackoffRetryAfterOverridesExponential(t *testing.T) {
	policy, _ := newTestPolicy(testRetryConfig())
	retryAfter := 60 * time.Second

	// Centered jitter makes the wait exactly Retry-After, for any attempt.
	for _, attempt := range []int{0, 1, 7, 100} {
		require.Equal(t, 60*time.Second, policy.Backoff(attempt, &retryAfter))
	}

	// Jitter extremes stay inside the ±10% band.
	policy.Jitter = func() float64 { return 0 }
	require.Equal(t, 54*time.Second, policy.Backoff(0, &retryAfter))
	policy.Jitter = func() float64 { return 1 }
	require.Equal(t, 66*time.Second, policy.Backoff(0, &retryAfter))

	// And the cap still applies.
	long := time.Hour
	require.Equal(t, 120*time.Second, policy.Backoff(0, &long))
}

func TestBackoffExponential(t *testing.T) {
	policy, _ := newTestPolicy(testRetryConfig())

	require.Equal(t, time.Second, policy.Backoff(0, nil))
	require.Equal(t, 2*time.Second, policy.Backoff(1, nil))
	require.Equal(t, 8*time.Second, policy.Backoff(3, nil))
	require.Equal(t, 120*time.Second, policy.Backoff(30, nil))

	// Attempt 0 yields a nonzero delay even at the jitter floor.
	policy.Jitter = func() float64 { return 0 }
	require.Equal(t, 500*time.Millisecond, policy.Backoff(0, nil))
}

func TestBackoffJitterBand(t *testing.T) {
	policy, _ := newTestPolicy(testRetryConfig())
	policy.Jitter = nil // real randomness
	retryAfter := 10 * time.Second

	for i := 0; i < 200; i++ {
		d := policy.Backoff(5, &retryAfter)
		require.GreaterOrEqual(t, d, 9*time.Second)
		require.LessOrEqual(t, d, 11*time.Second)
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cfg := testRetryConfig()
	cfg.CircuitBreakerThreshold = 3
	policy, _ := newTestPolicy(cfg)

	policy.RecordRateLimited("api.sportsdata.io")
	policy.RecordRateLimited("api.sportsdata.io")
	require.False(t, policy.IsCircuitOpen("api.sportsdata.io"))

	policy.RecordRateLimited("api.sportsdata.io")
	require.True(t, policy.IsCircuitOpen("api.sportsdata.io"))

	// Other destinations are unaffected.
	require.False(t, policy.IsCircuitOpen("stats.nba.com"))
}

func TestCircuitBreakerClosesAfterTimeout(t *testing.T) {
	cfg := testRetryConfig()
	cfg.CircuitBreakerThreshold = 2
	cfg.CircuitBreakerTimeout = time.Minute
	policy, now := newTestPolicy(cfg)

	policy.RecordRateLimited("api.example")
	policy.RecordRateLimited("api.example")
	require.True(t, policy.IsCircuitOpen("api.example"))

	*now = now.Add(time.Minute)
	require.False(t, policy.IsCircuitOpen("api.example"))

	// Closing reset the failure run: reopening takes a full threshold.
	policy.RecordRateLimited("api.example")
	require.False(t, policy.IsCircuitOpen("api.example"))
	policy.RecordRateLimited("api.example")
	require.True(t, policy.IsCircuitOpen("api.example"))

	require.Equal(t, uint64(2), policy.Metrics().BreakerTrips["api.example"])
}

func TestRecordSuccessClosesImmediately(t *testing.T) {
	cfg := testRetryConfig()
	cfg.CircuitBreakerThreshold = 1
	policy, _ := newTestPolicy(cfg)

	policy.RecordRateLimited("api.example")
	require.True(t, policy.IsCircuitOpen("api.example"))

	policy.RecordSuccess("api.example")
	require.False(t, policy.IsCircuitOpen("api.example"))
	require.Equal(t, 0, policy.Metrics().Breakers["api.example"].ConsecutiveFailures)
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cfg := testRetryConfig()
	cfg.CircuitBreakerEnabled = false
	cfg.CircuitBreakerThreshold = 1
	policy, _ := newTestPolicy(cfg)

	policy.RecordRateLimited("api.example")
	policy.RecordRateLimited("api.example")
	require.False(t, policy.IsCircuitOpen("api.example"))
}

func TestShouldRetryExhaustsAttempts(t *testing.T) {
	policy, _ := newTestPolicy(testRetryConfig())
	resp := response(http.StatusTooManyRequests, nil)

	ok, wait := policy.ShouldRetry(resp, 3, "api.example")
	require.False(t, ok)
	require.Equal(t, time.Duration(0), wait)

	ok, wait = policy.ShouldRetry(resp, 7, "api.example")
	require.False(t, ok)
	require.Equal(t, time.Duration(0), wait)
}

func TestShouldRetryWaitRespectsRetryAfter(t *testing.T) {
	policy, _ := newTestPolicy(testRetryConfig())
	policy.Jitter = nil // real randomness
	resp := response(http.StatusTooManyRequests, map[string]string{"Retry-After": "60"})

	ok, wait := policy.ShouldRetry(resp, 0, "api.example")
	require.True(t, ok)
	require.GreaterOrEqual(t, wait, 54*time.Second)
	require.LessOrEqual(t, wait, 66*time.Second)

	metrics := policy.Metrics()
	require.Equal(t, uint64(1), metrics.RateLimited["api.example"])
	require.Equal(t, uint64(1), metrics.RetryAfterRespected)
	require.Equal(t, uint64(0), metrics.RetryAfterMissing)
}

func TestShouldRetryCountsMissingRetryAfter(t *testing.T) {
	policy, _ := newTestPolicy(testRetryConfig())

	ok, wait := policy.ShouldRetry(response(http.StatusTooManyRequests, nil), 1, "api.example")
	require.True(t, ok)
	require.Equal(t, 2*time.Second, wait)

	metrics := policy.Metrics()
	require.Equal(t, uint64(0), metrics.RetryAfterRespected)
	require.Equal(t, uint64(1), metrics.RetryAfterMissing)
}

func TestShouldRetryTripsBreakerOnTenthConsecutive(t *testing.T) {
	cfg := testRetryConfig()
	cfg.MaxRetries = 20
	policy, _ := newTestPolicy(cfg)
	resp := response(http.StatusTooManyRequests, nil)

	for attempt := 0; attempt < 10; attempt++ {
		ok, _ := policy.ShouldRetry(resp, attempt, "api.example")
		require.True(t, ok, "attempt %d should still retry", attempt)
	}
	require.True(t, policy.IsCircuitOpen("api.example"))

	ok, wait := policy.ShouldRetry(resp, 10, "api.example")
	require.False(t, ok)
	require.Equal(t, time.Duration(0), wait)
}

func TestShouldRetryOpenCircuitSkipsBookkeeping(t *testing.T) {
	cfg := testRetryConfig()
	cfg.CircuitBreakerThreshold = 1
	policy, _ := newTestPolicy(cfg)
	resp := response(http.StatusTooManyRequests, nil)

	policy.RecordRateLimited("api.example")
	require.True(t, policy.IsCircuitOpen("api.example"))
	before := policy.Metrics()

	ok, wait := policy.ShouldRetry(resp, 0, "api.example")
	require.False(t, ok)
	require.Equal(t, time.Duration(0), wait)

	after := policy.Metrics()
	require.Equal(t, before.RateLimited["api.example"], after.RateLimited["api.example"])
	require.Equal(t, before.RetryAfterMissing, after.RetryAfterMissing)
	require.Equal(t, before.Breakers["api.example"].ConsecutiveFailures, after.Breakers["api.example"].ConsecutiveFailures)
}

func TestRetryPolicyReset(t *testing.T) {
	policy, _ := newTestPolicy(testRetryConfig())
	policy.ShouldRetry(response(http.StatusTooManyRequests, nil), 0, "api.example")

	policy.Reset()
	metrics := policy.Metrics()
	require.Empty(t, metrics.RateLimited)
	require.Empty(t, metrics.Breakers)
	require.Equal(t, uint64(0), metrics.RetryAfterMissing)
}

func TestDefaultPolicyLifecycle(t *testing.T) {
	t.Cleanup(ResetDefaults)

	first := DefaultPolicy()
	require.Same(t, first, DefaultPolicy())

	ResetDefaults()
	require.NotSame(t, first, DefaultPolicy())
}
