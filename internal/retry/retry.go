// Package retry provides the single retry policy shared by every provider
// adapter: attempt count, exponential backoff with jitter, and the retryable
// HTTP status set. The circuit breaker decides whether an attempt happens at
// all; this policy decides how many times one attempt is retried before being
// reported as a single failure.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Policy describes one retry schedule.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultPolicy mirrors the limits used across provider adapters.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
	}
}

// RetryableStatus reports whether an HTTP status should trigger a retry.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// RetryAfter parses a Retry-After header, seconds format only.
func RetryAfter(headers http.Header) time.Duration {
	v := headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Backoff returns the wait before the given attempt (1-based), exponential
// with ±25% jitter, capped at MaxBackoff.
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.BaseBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(attempt-1)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

type retryable interface{ IsRetryable() bool }

type retryAfterHinter interface{ RetryAfterHint() time.Duration }

// IsRetryable reports whether an error advertises itself as retryable.
// Errors without the probe are treated as retryable (network-level failures).
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// Do runs fn until it succeeds, fails non-retryably, or attempts run out.
// A Retry-After hint on the error stretches the backoff when it is longer.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := p.Backoff(attempt - 1)
			var h retryAfterHinter
			if errors.As(lastErr, &h) && h.RetryAfterHint() > wait {
				wait = h.RetryAfterHint()
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
