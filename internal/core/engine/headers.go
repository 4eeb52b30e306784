package engine

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Providers spell their quota headers several ways; lookup tries each in
// order. http.Header.Get is already case-insensitive per name.
var (
	limitHeaderNames     = []string{"X-RateLimit-Limit", "X-Rate-Limit-Limit", "RateLimit-Limit"}
	remainingHeaderNames = []string{"X-RateLimit-Remaining", "X-Rate-Limit-Remaining", "RateLimit-Remaining"}
	resetHeaderNames     = []string{"X-RateLimit-Reset", "X-Rate-Limit-Reset", "RateLimit-Reset"}
)

// epochThreshold disambiguates reset values: anything larger is an
// absolute Unix timestamp, anything smaller is seconds from now.
const epochThreshold = 1e9

func headerValue(h http.Header, names []string) string {
	if h == nil {
		return ""
	}
	for _, name := range names {
		if value := strings.TrimSpace(h.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

func headerInt(h http.Header, names []string) (int, bool) {
	value := headerValue(h, names)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, false
	}
	return parsed, true
}

func headerReset(h http.Header, now time.Time) (time.Time, bool) {
	value := headerValue(h, resetHeaderNames)
	if value == "" {
		return time.Time{}, false
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return time.Time{}, false
	}
	if parsed > epochThreshold {
		return time.Unix(int64(parsed), 0), true
	}
	return now.Add(time.Duration(parsed * float64(time.Second))), true
}

// retryAfterSeconds parses a numeric Retry-After value (integer or decimal
// seconds). HTTP-date values are not accepted here; the retry policy
// handles those.
func retryAfterSeconds(h http.Header) (time.Duration, bool) {
	value := headerValue(h, []string{"Retry-After"})
	if value == "" {
		return 0, false
	}
	seconds, err := time.ParseDuration(value + "s")
	if err != nil || seconds < 0 {
		return 0, false
	}
	return seconds, true
}

// parseRetryAfter accepts both numeric seconds and an HTTP-date, returning
// the delta from now clamped to zero. Unparseable or absent values report
// false.
func parseRetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	value := headerValue(h, []string{"Retry-After"})
	if value == "" {
		return 0, false
	}

	if seconds, err := time.ParseDuration(value + "s"); err == nil {
		if seconds < 0 {
			seconds = 0
		}
		return seconds, true
	}

	if at, err := http.ParseTime(value); err == nil {
		delta := at.Sub(now)
		if delta < 0 {
			delta = 0
		}
		return delta, true
	}

	return 0, false
}
