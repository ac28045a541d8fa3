// Package providerapi provides the shared HTTP request client used by all
// hosting-provider implementations. It layers retry with jittered exponential
// backoff for transient failures and blocking waits for provider throttling
// on top of a plain HTTP transport.
package providerapi

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/devmetrics/contrib-count/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryConfig configures retry behavior for transient failures. Rate-limit
// waits are governed by RateLimitPolicy and never count against MaxAttempts.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         bool
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallMetadata reports execution metadata for a client call.
type CallMetadata struct {
	Attempts     int
	ThrottleHits int
	LastDecision Decision
}

// Client wraps provider HTTP requests with retry and rate-limit controls.
type Client struct {
	doer       HTTPDoer
	retry      RetryConfig
	ratePolicy RateLimitPolicy
	// Sleep is injected for testability.
	Sleep func(duration time.Duration)
}

// NewClient creates a provider API client wrapper.
func NewClient(doer HTTPDoer, retry RetryConfig, ratePolicy RateLimitPolicy) *Client {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Client{
		doer:       doer,
		retry:      retry,
		ratePolicy: ratePolicy,
		Sleep:      time.Sleep,
	}
}

// Do executes a request, transparently retrying transient failures and
// pausing for provider throttling. A throttled response is always retried
// after the provider-declared wait; only transport errors and 5xx responses
// consume retry attempts.
func (c *Client) Do(req *http.Request) (*http.Response, CallMetadata, error) {
	if req == nil {
		return nil, CallMetadata{}, fmt.Errorf("request is nil")
	}

	ctx := req.Context()
	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("contrib-count/internal/providerapi").Start(
			ctx,
			"providerapi.client.do",
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.path", req.URL.EscapedPath()),
				attribute.Int("provider.max_attempts", c.retry.MaxAttempts),
			),
		)
		defer span.End()
	}

	metadata := CallMetadata{}
	failures := 0
	for {
		metadata.Attempts++

		nextReq := req.Clone(ctx)
		resp, err := c.doer.Do(nextReq)
		if err != nil {
			failures++
			if span != nil {
				span.RecordError(err)
				span.AddEvent("attempt_failed", trace.WithAttributes(
					attribute.Int("provider.attempt", metadata.Attempts),
				))
			}
			if failures >= c.retry.MaxAttempts {
				if span != nil {
					span.SetStatus(codes.Error, err.Error())
				}
				return nil, metadata, err
			}
			c.Sleep(c.backoffForFailure(failures))
			continue
		}

		headers := ParseRateLimitHeaders(resp.Header, resp.StatusCode)
		decision := c.ratePolicy.Evaluate(headers)
		metadata.LastDecision = decision

		if span != nil {
			span.AddEvent("attempt_completed", trace.WithAttributes(
				attribute.Int("provider.attempt", metadata.Attempts),
				attribute.Int("http.status_code", resp.StatusCode),
				attribute.Int("provider.rate_limit_remaining", headers.Remaining),
				attribute.Bool("provider.rate_limit_allow", decision.Allow),
				attribute.String("provider.rate_limit_reason", decision.Reason),
			))
		}

		if !decision.Allow {
			metadata.ThrottleHits++
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			c.Sleep(decision.WaitFor)
			continue
		}

		if isTransientStatus(resp.StatusCode) {
			failures++
			if failures >= c.retry.MaxAttempts {
				if span != nil {
					span.SetStatus(codes.Error, fmt.Sprintf("transient status %d", resp.StatusCode))
				}
				return resp, metadata, nil
			}
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			c.Sleep(c.backoffForFailure(failures))
			continue
		}

		if span != nil {
			span.SetStatus(codes.Ok, "request completed")
		}
		return resp, metadata, nil
	}
}

func isTransientStatus(statusCode int) bool {
	return statusCode >= 500 && statusCode <= 599
}

func (c *Client) backoffForFailure(failures int) time.Duration {
	return BackoffForAttempt(c.retry, failures)
}

// BackoffForAttempt computes the wait before retrying after the given number
// of consecutive failures, doubling from InitialBackoff up to MaxBackoff,
// with optional jitter in [50%, 100%] of the computed value.
func BackoffForAttempt(retry RetryConfig, failures int) time.Duration {
	backoff := retry.InitialBackoff
	for i := 1; i < failures; i++ {
		backoff *= 2
		if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
			backoff = retry.MaxBackoff
			break
		}
	}
	if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
		backoff = retry.MaxBackoff
	}
	if retry.Jitter && backoff > 0 {
		half := backoff / 2
		backoff = half + time.Duration(rand.Int64N(int64(half)+1))
	}
	return backoff
}
