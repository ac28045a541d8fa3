package providerapi

import (
	"net/http"
	"strconv"
	"time"
)

// RateLimitHeaders contains parsed provider throttling headers. GitHub uses
// the X-RateLimit-* family, GitLab the draft RateLimit-* family; Bitbucket
// and Azure DevOps only send Retry-After alongside a 429.
type RateLimitHeaders struct {
	Remaining  int
	HasBudget  bool
	ResetUnix  int64
	RetryAfter time.Duration
	Throttled  bool
}

// Decision represents a rate-limit action decision.
type Decision struct {
	Allow   bool
	WaitFor time.Duration
	Reason  string
}

// RateLimitPolicy evaluates throttling decisions from parsed headers.
type RateLimitPolicy struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	ThrottleBackoff       time.Duration
	Now                   func() time.Time
}

// ParseRateLimitHeaders parses rate-limit and retry headers from a response.
func ParseRateLimitHeaders(header http.Header, statusCode int) RateLimitHeaders {
	parsed := RateLimitHeaders{}

	remaining := header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		remaining = header.Get("RateLimit-Remaining")
	}
	if remaining != "" {
		if value, err := strconv.Atoi(remaining); err == nil {
			parsed.Remaining = value
			parsed.HasBudget = true
		}
	}

	reset := header.Get("X-RateLimit-Reset")
	if reset == "" {
		reset = header.Get("RateLimit-Reset")
	}
	if value, err := strconv.ParseInt(reset, 10, 64); err == nil {
		parsed.ResetUnix = value
	}

	if seconds, err := strconv.Atoi(header.Get("Retry-After")); err == nil && seconds > 0 {
		parsed.RetryAfter = time.Duration(seconds) * time.Second
	}

	if statusCode == http.StatusTooManyRequests {
		parsed.Throttled = true
	}
	if statusCode == http.StatusForbidden && parsed.RetryAfter > 0 {
		// GitHub signals secondary limits as 403 plus Retry-After.
		parsed.Throttled = true
	}

	return parsed
}

// Evaluate decides whether calls may continue or should pause first.
func (p RateLimitPolicy) Evaluate(headers RateLimitHeaders) Decision {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}

	if headers.Throttled {
		waitFor := p.ThrottleBackoff
		if headers.RetryAfter > waitFor {
			waitFor = headers.RetryAfter
		}
		resetAt := time.Unix(headers.ResetUnix, 0)
		if wait := resetAt.Sub(now); headers.ResetUnix > 0 && wait > waitFor {
			waitFor = wait
		}
		return Decision{
			Allow:   false,
			WaitFor: waitFor,
			Reason:  "throttled",
		}
	}

	if !headers.HasBudget || headers.Remaining >= p.MinRemainingThreshold {
		return Decision{
			Allow:  true,
			Reason: "within_budget",
		}
	}

	resetAt := time.Unix(headers.ResetUnix, 0)
	if !resetAt.After(now) {
		return Decision{
			Allow:  true,
			Reason: "reset_elapsed",
		}
	}

	return Decision{
		Allow:   false,
		WaitFor: resetAt.Sub(now) + p.MinResetBuffer,
		Reason:  "remaining_below_threshold",
	}
}
