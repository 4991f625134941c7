package provider

import (
	"context"
	"fmt"
	"net/http"
)

// Chain is the reduced-contract selection path: try the preferred provider,
// then the first breaker-available provider that supports the operation. No
// health scoring and no concurrency semaphores; breakers are shared with the
// factory so both paths agree on circuit state.
type Chain struct {
	name    string
	entries []chainEntry
}

type chainEntry struct {
	provider DataProvider
	breaker  *CircuitBreaker
	supports map[OperationType]bool
}

// NewChain creates an empty chain.
func NewChain(name string) *Chain {
	return &Chain{name: name}
}

// Add appends a provider with its breaker and supported operations. Providers
// are consulted in insertion order.
func (c *Chain) Add(p DataProvider, breaker *CircuitBreaker, ops ...OperationType) *Chain {
	supports := make(map[OperationType]bool, len(ops))
	for _, op := range ops {
		supports[op] = true
	}
	c.entries = append(c.entries, chainEntry{provider: p, breaker: breaker, supports: supports})
	return c
}

// Execute tries the preferred provider first (when given and available), then
// the remaining supporting providers in insertion order, returning the first
// success. Exhaustion yields a structured 503-equivalent response.
func (c *Chain) Execute(ctx context.Context, op OperationType, preferred ProviderType, fn func(ctx context.Context, p DataProvider) (*Response, error)) *Response {
	ordered := make([]chainEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.provider.Type() == preferred {
			ordered = append([]chainEntry{e}, ordered...)
		} else {
			ordered = append(ordered, e)
		}
	}

	var lastErr *ProviderError
	for _, e := range ordered {
		if !e.supports[op] {
			continue
		}
		if e.breaker != nil && !e.breaker.Allow() {
			lastErr = &ProviderError{Provider: e.provider.Type(), Code: ErrCodeCircuitOpen, Message: "circuit breaker open", Retryable: true}
			continue
		}

		resp, err := fn(ctx, e.provider)
		if err != nil {
			lastErr = AsProviderError(e.provider.Type(), err)
			if e.breaker != nil {
				e.breaker.RecordFailure()
			}
			continue
		}
		if e.breaker != nil {
			e.breaker.RecordSuccess()
		}
		if resp == nil {
			resp = NoData(e.provider.Type())
		}
		resp.Provider = e.provider.Type()
		return resp
	}

	return ErrorResponse("", &ProviderError{
		Code:       ErrCodeAllProvidersFailed,
		Message:    fmt.Sprintf("chain %s: all providers failed for %s", c.name, op),
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
		Cause:      lastErr,
	})
}
