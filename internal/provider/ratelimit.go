package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Plan describes the API usage limits of one provider subscription tier.
type Plan struct {
	Name             string
	DailyLimit       int // 0 = no daily cap
	PerMinuteLimit   int // 0 = no per-minute cap
	ConcurrencyLimit int

	// Daily usage resets at this wall-clock time in ResetTimezone, aligned
	// with the vendor's own reset schedule (market open by default).
	ResetHour     int
	ResetMinute   int
	ResetTimezone string
}

// Known subscription plans. Unknown plan names are a configuration error,
// raised at startup rather than at call time.
var plans = map[string]Plan{
	"eodhd-free":        {Name: "eodhd-free", DailyLimit: 20, PerMinuteLimit: 0, ConcurrencyLimit: 2},
	"eodhd-all-in-one":  {Name: "eodhd-all-in-one", DailyLimit: 100000, PerMinuteLimit: 1000, ConcurrencyLimit: 5},
	"marketdata-free":   {Name: "marketdata-free", DailyLimit: 100, PerMinuteLimit: 0, ConcurrencyLimit: 2},
	"marketdata-trader": {Name: "marketdata-trader", DailyLimit: 10000, PerMinuteLimit: 60, ConcurrencyLimit: 5},
	"unlimited":         {Name: "unlimited", DailyLimit: 0, PerMinuteLimit: 0, ConcurrencyLimit: 5},
}

// LookupPlan resolves a plan identifier.
func LookupPlan(name string) (Plan, error) {
	p, ok := plans[name]
	if !ok {
		return Plan{}, &ProviderError{Code: ErrCodeConfiguration, Message: fmt.Sprintf("unknown rate limit plan %q", name)}
	}
	return p, nil
}

// RateLimiter gates outbound calls for one provider according to its plan:
// a daily quota with an anchored reset, an optional per-minute token bucket,
// and a concurrency ceiling. One limiter per provider, owned by the concrete
// adapter.
type RateLimiter struct {
	plan Plan

	mu         sync.Mutex
	dailyUsage int
	dailyReset time.Time
	bucket     *rate.Limiter // nil when the plan has no per-minute cap
	active     int

	sem chan struct{}

	now func() time.Time
}

// NewRateLimiter builds a limiter for the given plan.
func NewRateLimiter(plan Plan) *RateLimiter {
	if plan.ConcurrencyLimit <= 0 {
		plan.ConcurrencyLimit = 5
	}
	if plan.ResetTimezone == "" {
		plan.ResetTimezone = "America/New_York"
		plan.ResetHour = 9
		plan.ResetMinute = 30
	}

	rl := &RateLimiter{
		plan: plan,
		sem:  make(chan struct{}, plan.ConcurrencyLimit),
		now:  time.Now,
	}
	if plan.PerMinuteLimit > 0 {
		// Capacity = per-minute limit, refilling at capacity/60 tokens per
		// second; token accounting is lazy inside rate.Limiter.
		rl.bucket = rate.NewLimiter(rate.Limit(float64(plan.PerMinuteLimit)/60.0), plan.PerMinuteLimit)
	}
	rl.dailyReset = rl.nextReset(rl.now())
	return rl
}

// nextReset returns the first reset anchor strictly after t. Falls back to UTC
// when tzdata for the configured zone is unavailable.
func (rl *RateLimiter) nextReset(t time.Time) time.Time {
	loc, err := time.LoadLocation(rl.plan.ResetTimezone)
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)
	anchor := time.Date(local.Year(), local.Month(), local.Day(), rl.plan.ResetHour, rl.plan.ResetMinute, 0, 0, loc)
	if !anchor.After(t) {
		anchor = anchor.Add(24 * time.Hour)
	}
	return anchor
}

// maybeResetDaily zeroes the daily counter once the wall clock crosses the
// reset anchor and advances the anchor by 24h. Caller holds rl.mu.
func (rl *RateLimiter) maybeResetDaily(now time.Time) {
	for !now.Before(rl.dailyReset) {
		rl.dailyUsage = 0
		rl.dailyReset = rl.dailyReset.Add(24 * time.Hour)
	}
}

// CheckRateLimit verifies that a request needing creditsNeeded credits could
// proceed right now. It has no side effects beyond the daily reset check; it
// does not reserve capacity. The daily and per-minute failures carry a
// retry-after hint; the concurrency failure does not, because the caller
// should block on Acquire rather than sleep and retry.
func (rl *RateLimiter) CheckRateLimit(creditsNeeded int) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.checkLocked(creditsNeeded)
}

func (rl *RateLimiter) checkLocked(creditsNeeded int) error {
	now := rl.now()
	rl.maybeResetDaily(now)

	if rl.plan.DailyLimit > 0 && rl.dailyUsage+creditsNeeded > rl.plan.DailyLimit {
		return &ProviderError{
			Code:       ErrCodeRateLimit,
			Message:    fmt.Sprintf("daily quota exhausted (%d/%d used)", rl.dailyUsage, rl.plan.DailyLimit),
			Retryable:  true,
			RetryAfter: rl.dailyReset.Sub(now),
		}
	}

	if rl.bucket != nil && rl.bucket.TokensAt(now) < float64(creditsNeeded) {
		refillPerSec := float64(rl.plan.PerMinuteLimit) / 60.0
		return &ProviderError{
			Code:       ErrCodeRateLimit,
			Message:    fmt.Sprintf("per-minute quota exhausted (plan %s)", rl.plan.Name),
			Retryable:  true,
			RetryAfter: time.Duration(float64(creditsNeeded) / refillPerSec * float64(time.Second)),
		}
	}

	if rl.active >= rl.plan.ConcurrencyLimit {
		return &ProviderError{
			Code:      ErrCodeRateLimit,
			Message:   fmt.Sprintf("concurrency limit reached (%d)", rl.plan.ConcurrencyLimit),
			Retryable: false,
		}
	}

	return nil
}

// Slot is a held concurrency slot. Done must be called exactly once with the
// credits the request actually consumed, which may differ from the estimate
// passed to Acquire.
type Slot struct {
	rl   *RateLimiter
	once sync.Once
}

// Done releases the slot and records actual usage against the daily quota.
func (s *Slot) Done(creditsConsumed int) {
	s.once.Do(func() {
		s.rl.mu.Lock()
		s.rl.active--
		s.rl.mu.Unlock()
		<-s.rl.sem
		if creditsConsumed > 0 {
			s.rl.RecordUsage(creditsConsumed)
		}
	})
}

// Acquire blocks until a concurrency slot is available, after the quota checks
// pass. The estimated credits are drawn from the per-minute bucket here;
// actual daily usage is recorded when the slot is released.
func (rl *RateLimiter) Acquire(ctx context.Context, creditsNeeded int) (*Slot, error) {
	rl.mu.Lock()
	now := rl.now()
	rl.maybeResetDaily(now)

	if rl.plan.DailyLimit > 0 && rl.dailyUsage+creditsNeeded > rl.plan.DailyLimit {
		retryAfter := rl.dailyReset.Sub(now)
		rl.mu.Unlock()
		return nil, &ProviderError{
			Code:       ErrCodeRateLimit,
			Message:    fmt.Sprintf("daily quota exhausted (%d/%d used)", rl.dailyUsage, rl.plan.DailyLimit),
			Retryable:  true,
			RetryAfter: retryAfter,
		}
	}

	if rl.bucket != nil && !rl.bucket.AllowN(now, creditsNeeded) {
		refillPerSec := float64(rl.plan.PerMinuteLimit) / 60.0
		rl.mu.Unlock()
		return nil, &ProviderError{
			Code:       ErrCodeRateLimit,
			Message:    fmt.Sprintf("per-minute quota exhausted (plan %s)", rl.plan.Name),
			Retryable:  true,
			RetryAfter: time.Duration(float64(creditsNeeded) / refillPerSec * float64(time.Second)),
		}
	}
	rl.mu.Unlock()

	select {
	case rl.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	rl.mu.Lock()
	rl.active++
	rl.mu.Unlock()

	return &Slot{rl: rl}, nil
}

// RecordUsage adds consumed credits to the daily counter. Called exactly once
// per completed request with the real cost.
func (rl *RateLimiter) RecordUsage(creditsConsumed int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.maybeResetDaily(rl.now())
	rl.dailyUsage += creditsConsumed
}

// UsageStats is a point-in-time snapshot of limiter state.
type UsageStats struct {
	Plan             string    `json:"plan"`
	DailyUsage       int       `json:"daily_usage"`
	DailyLimit       int       `json:"daily_limit"`
	ActiveRequests   int       `json:"active_requests"`
	ConcurrencyLimit int       `json:"concurrency_limit"`
	NextReset        time.Time `json:"next_reset"`
	MinuteTokens     float64   `json:"minute_tokens"` // -1 when the plan has no per-minute cap
}

// GetUsageStats snapshots current usage.
func (rl *RateLimiter) GetUsageStats() UsageStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.maybeResetDaily(now)

	tokens := -1.0
	if rl.bucket != nil {
		tokens = rl.bucket.TokensAt(now)
	}
	return UsageStats{
		Plan:             rl.plan.Name,
		DailyUsage:       rl.dailyUsage,
		DailyLimit:       rl.plan.DailyLimit,
		ActiveRequests:   rl.active,
		ConcurrencyLimit: rl.plan.ConcurrencyLimit,
		NextReset:        rl.dailyReset,
		MinuteTokens:     tokens,
	}
}
