// Package client wraps an *http.Client with oddsgate's outbound rate
// governance: per-destination token-bucket acquisition before each send,
// response feedback into the limiter, and retry/circuit-breaker decisions
// on failure statuses.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/oddsgate/oddsgate/internal/core/engine"
)

const requestIDHeader = "X-Request-ID"

// Client issues throttled HTTP requests. Construct with New.
type Client struct {
	http     *http.Client
	registry *engine.Registry
	policy   *engine.RetryPolicy
	global   *rate.Limiter
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) bool
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRegistry replaces the limiter registry (default: process-wide).
func WithRegistry(r *engine.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithRetryPolicy replaces the retry policy (default: process-wide).
func WithRetryPolicy(p *engine.RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithGlobalRPS adds a process-wide ceiling across all destinations on
// top of the per-destination buckets.
func WithGlobalRPS(rps float64, burst int) Option {
	return func(c *Client) { c.global = rate.NewLimiter(rate.Limit(rps), burst) }
}

// New builds a throttled client over the default registry and policy
// unless overridden.
func New(opts ...Option) *Client {
	c := &Client{http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = engine.DefaultRegistry()
	}
	if c.policy == nil {
		c.policy = engine.DefaultPolicy()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Do sends the request through the destination's limiter, retrying
// failure statuses per the retry policy. The returned response is the
// last one received; a non-2xx final response is not an error. Requests
// with a body are retried only when GetBody is set.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	destination := engine.NormalizeDestination(req.URL.String())
	limiter := c.registry.GetLimiter(destination)

	requestID := req.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
		req.Header.Set(requestIDHeader, requestID)
	}
	log := c.logger.With(
		zap.String("destination", destination),
		zap.String("request_id", requestID),
	)

	for attempt := 0; ; attempt++ {
		if c.global != nil {
			if err := c.global.Wait(ctx); err != nil {
				return nil, fmt.Errorf("global rate limit: %w", err)
			}
		}
		if !limiter.Wait(ctx) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, engine.ErrNotAcquired
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		limiter.UpdateFromResponse(resp)

		if !retryableStatus(resp.StatusCode) {
			if resp.StatusCode == http.StatusOK {
				c.policy.RecordSuccess(destination)
			}
			return resp, nil
		}

		retry, wait := c.policy.ShouldRetry(resp, attempt, destination)
		if !retry {
			return resp, nil
		}
		if req.Body != nil && req.GetBody == nil {
			return resp, nil
		}

		drain(resp)
		log.Debug("retrying after failure status",
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
		if !c.doSleep(ctx, wait) {
			return nil, ctx.Err()
		}

		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewinding request body: %w", err)
			}
			req.Body = body
		}
	}
}

// Get issues a throttled GET against url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *Client) doSleep(ctx context.Context, d time.Duration) bool {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err() == nil
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

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
