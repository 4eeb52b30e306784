package client

import (
	"net/http"

	"github.com/oddsgate/oddsgate/internal/core/engine"
)

// roundTripper is an http.RoundTripper that gates each outbound request
// on its destination's limiter and feeds the response back. It makes the
// throttling transparent to code holding a plain *http.Client; retry
// decisions stay with the caller.
type roundTripper struct {
	registry *engine.Registry
	next     http.RoundTripper
}

// NewRoundTripper wraps next with per-destination throttling from
// registry. A nil next uses http.DefaultTransport; a nil registry uses
// the process-wide one.
func NewRoundTripper(registry *engine.Registry, next http.RoundTripper) http.RoundTripper {
	if registry == nil {
		registry = engine.DefaultRegistry()
	}
	if next == nil {
		next = http.DefaultTransport
	}
	return &roundTripper{registry: registry, next: next}
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	limiter := rt.registry.GetLimiter(req.URL.Host)
	if !limiter.Wait(req.Context()) {
		return nil, req.Context().Err()
	}

	resp, err := rt.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	limiter.UpdateFromResponse(resp)
	return resp, nil
}
