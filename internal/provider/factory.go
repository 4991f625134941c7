package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FallbackStrategy selects how candidate providers are ordered per operation.
type FallbackStrategy string

const (
	// StrategyNone uses exactly one designated provider, no fallback.
	StrategyNone FallbackStrategy = "none"
	// StrategyRoundRobin cycles through supporting providers with a rotating index.
	StrategyRoundRobin FallbackStrategy = "round_robin"
	// StrategyHealthBased orders candidates by descending health score.
	StrategyHealthBased FallbackStrategy = "health_based"
	// StrategyOperationSpecific prefers providers that declare the operation
	// in their preferred set, health-ordered within each group.
	StrategyOperationSpecific FallbackStrategy = "operation_specific"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (FallbackStrategy, error) {
	switch FallbackStrategy(s) {
	case StrategyNone, StrategyRoundRobin, StrategyHealthBased, StrategyOperationSpecific:
		return FallbackStrategy(s), nil
	default:
		return "", &ProviderError{Code: ErrCodeConfiguration, Message: fmt.Sprintf("unknown fallback strategy %q", s)}
	}
}

// Factory owns the configured providers, their circuit breakers, concurrency
// semaphores and health state, and executes operations with fallback across
// them. The registry maps are append-only after startup; per-provider state
// mutation is serialized inside the breaker and tracker.
type Factory struct {
	strategy FallbackStrategy

	mu        sync.RWMutex
	configs   map[ProviderType]ProviderConfig
	instances map[ProviderType]DataProvider
	breakers  map[ProviderType]*CircuitBreaker
	sems      map[ProviderType]chan struct{}
	order     []ProviderType // registration order, for stable tie-breaks

	health    *HealthTracker
	telemetry *Telemetry
	rrCounter map[OperationType]int

	log zerolog.Logger
}

// NewFactory creates an empty factory with the given selection strategy.
func NewFactory(strategy FallbackStrategy, telemetry *Telemetry) *Factory {
	return &Factory{
		strategy:  strategy,
		configs:   make(map[ProviderType]ProviderConfig),
		instances: make(map[ProviderType]DataProvider),
		breakers:  make(map[ProviderType]*CircuitBreaker),
		sems:      make(map[ProviderType]chan struct{}),
		health:    NewHealthTracker(),
		telemetry: telemetry,
		rrCounter: make(map[OperationType]int),
		log:       log.With().Str("component", "provider_factory").Logger(),
	}
}

// RegisterProvider stores the config and creates the breaker and semaphore.
// The provider instance itself is created lazily on first use.
func (f *Factory) RegisterProvider(cfg ProviderConfig) error {
	if cfg.Type == "" {
		return &ProviderError{Code: ErrCodeConfiguration, Message: "provider config must have a type"}
	}
	if cfg.New == nil {
		return &ProviderError{Code: ErrCodeConfiguration, Message: fmt.Sprintf("provider %s has no constructor", cfg.Type)}
	}
	if len(cfg.SupportedOperations) == 0 {
		return &ProviderError{Code: ErrCodeConfiguration, Message: fmt.Sprintf("provider %s supports no operations", cfg.Type)}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = DefaultBreakerConfig()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.configs[cfg.Type]; exists {
		return &ProviderError{Code: ErrCodeConfiguration, Message: fmt.Sprintf("provider %s already registered", cfg.Type)}
	}

	f.configs[cfg.Type] = cfg
	f.breakers[cfg.Type] = NewCircuitBreaker(string(cfg.Type), cfg.Breaker)
	f.sems[cfg.Type] = make(chan struct{}, cfg.MaxConcurrent)
	f.order = append(f.order, cfg.Type)

	f.log.Info().
		Str("provider", string(cfg.Type)).
		Int("priority", cfg.Priority).
		Int("max_concurrent", cfg.MaxConcurrent).
		Msg("provider registered")
	return nil
}

// instance returns the cached provider, constructing it on first use.
// Construction is idempotent per type.
func (f *Factory) instance(p ProviderType) (DataProvider, error) {
	f.mu.RLock()
	inst, ok := f.instances[p]
	f.mu.RUnlock()
	if ok {
		return inst, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[p]; ok {
		return inst, nil
	}
	cfg, ok := f.configs[p]
	if !ok {
		return nil, &ProviderError{Code: ErrCodeConfiguration, Message: fmt.Sprintf("provider %s not registered", p)}
	}
	inst, err := cfg.New(cfg)
	if err != nil {
		return nil, AsProviderError(p, err)
	}
	f.instances[p] = inst
	return inst, nil
}

// supporting returns providers that support op, in registration order.
func (f *Factory) supporting(op OperationType) []ProviderType {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []ProviderType
	for _, p := range f.order {
		if f.configs[p].Supports(op) {
			out = append(out, p)
		}
	}
	return out
}

// candidates builds the ordered fallback chain for op. A caller-designated
// preferred provider goes first when it supports the operation; the rest
// follow the active strategy, de-duplicated.
func (f *Factory) candidates(op OperationType, preferred ProviderType) []ProviderType {
	supporting := f.supporting(op)
	if len(supporting) == 0 {
		return nil
	}

	var ordered []ProviderType
	switch f.strategy {
	case StrategyNone:
		if preferred != "" {
			for _, p := range supporting {
				if p == preferred {
					return []ProviderType{preferred}
				}
			}
		}
		return []ProviderType{f.byPriority(supporting)[0]}
	case StrategyRoundRobin:
		f.mu.Lock()
		start := f.rrCounter[op] % len(supporting)
		f.rrCounter[op]++
		f.mu.Unlock()
		ordered = append(supporting[start:], supporting[:start]...)
	case StrategyOperationSpecific:
		var prefers, rest []ProviderType
		f.mu.RLock()
		for _, p := range supporting {
			if f.configs[p].Prefers(op) {
				prefers = append(prefers, p)
			} else {
				rest = append(rest, p)
			}
		}
		f.mu.RUnlock()
		ordered = append(f.byHealth(prefers), f.byHealth(rest)...)
	default: // StrategyHealthBased
		ordered = f.byHealth(supporting)
	}

	if preferred == "" {
		return ordered
	}
	out := make([]ProviderType, 0, len(ordered))
	for _, p := range ordered {
		if p == preferred {
			out = append([]ProviderType{preferred}, out...)
		} else {
			out = append(out, p)
		}
	}
	return out
}

// byHealth orders providers descending by health score, stable on input order.
func (f *Factory) byHealth(providers []ProviderType) []ProviderType {
	out := make([]ProviderType, len(providers))
	copy(out, providers)
	scores := make(map[ProviderType]float64, len(out))
	for _, p := range out {
		scores[p] = f.health.Score(p)
		f.telemetry.recordHealthScore(p, scores[p])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i]] > scores[out[j]]
	})
	return out
}

// byPriority orders providers descending by configured priority.
func (f *Factory) byPriority(providers []ProviderType) []ProviderType {
	out := make([]ProviderType, len(providers))
	copy(out, providers)
	f.mu.RLock()
	defer f.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return f.configs[out[i]].Priority > f.configs[out[j]].Priority
	})
	return out
}

// Execute runs fn against the ordered candidate providers for op, returning
// the first successful response. Providers are tried strictly in order, never
// in parallel. Provider errors never escape as raw errors: when every
// candidate is skipped or fails, the returned envelope carries the last
// observed error with a 503-equivalent status.
func (f *Factory) Execute(ctx context.Context, op OperationType, preferred ProviderType, fn func(ctx context.Context, p DataProvider) (*Response, error)) *Response {
	candidates := f.candidates(op, preferred)
	if len(candidates) == 0 {
		f.telemetry.recordAllFailed(op)
		return ErrorResponse("", &ProviderError{
			Code:       ErrCodeUnsupported,
			Message:    fmt.Sprintf("no registered provider supports %s", op),
			HTTPStatus: http.StatusServiceUnavailable,
		})
	}

	var lastErr *ProviderError
	for i, pt := range candidates {
		breaker := f.breaker(pt)
		if !breaker.Allow() {
			f.telemetry.recordCircuitSkip(pt)
			f.log.Debug().Str("provider", string(pt)).Str("operation", string(op)).Msg("skipping provider, circuit open")
			lastErr = &ProviderError{Provider: pt, Code: ErrCodeCircuitOpen, Message: "circuit breaker open", Retryable: true}
			continue
		}

		inst, err := f.instance(pt)
		if err != nil {
			lastErr = AsProviderError(pt, err)
			breaker.RecordFailure()
			continue
		}

		resp, perr := f.attempt(ctx, op, pt, inst, fn)
		if perr == nil {
			f.telemetry.recordSuccessDepth(op, i+1)
			return resp
		}
		if perr.Code == ErrCodeRateLimit {
			f.telemetry.recordRateLimit(pt)
		}
		lastErr = perr
	}

	f.telemetry.recordAllFailed(op)
	f.log.Warn().Str("operation", string(op)).Err(lastErr).Msg("all providers exhausted")
	return ErrorResponse("", &ProviderError{
		Code:       ErrCodeAllProvidersFailed,
		Message:    fmt.Sprintf("all providers failed for %s", op),
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
		Cause:      lastErr,
	})
}

// attempt performs a single provider call: concurrency slot, per-provider
// timeout, outcome bookkeeping for health and breaker.
func (f *Factory) attempt(ctx context.Context, op OperationType, pt ProviderType, inst DataProvider, fn func(ctx context.Context, p DataProvider) (*Response, error)) (*Response, *ProviderError) {
	f.mu.RLock()
	sem := f.sems[pt]
	timeout := f.configs[pt].Timeout
	f.mu.RUnlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, AsProviderError(pt, ctx.Err())
	}
	defer func() { <-sem }()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	breaker := f.breaker(pt)
	start := time.Now()
	resp, err := fn(callCtx, inst)
	latency := time.Since(start)

	if err != nil {
		perr := AsProviderError(pt, err)
		f.health.RecordOutcome(pt, latency, perr)
		breaker.RecordFailure()
		f.telemetry.recordAttempt(pt, op, "failure", latency.Seconds())
		f.log.Warn().
			Str("provider", string(pt)).
			Str("operation", string(op)).
			Dur("latency", latency).
			Err(perr).
			Msg("provider call failed")
		return nil, perr
	}

	f.health.RecordOutcome(pt, latency, nil)
	breaker.RecordSuccess()
	f.telemetry.recordAttempt(pt, op, "success", latency.Seconds())

	if resp == nil {
		resp = NoData(pt)
	}
	resp.Provider = pt
	resp.Latency = latency
	return resp, nil
}

func (f *Factory) breaker(p ProviderType) *CircuitBreaker {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.breakers[p]
}

// Typed operation helpers. Each builds the fallback chain for its operation
// and invokes the uniform provider method.

func (f *Factory) GetStockQuote(ctx context.Context, symbol string) *Response {
	return f.Execute(ctx, OpGetStockQuote, "", func(ctx context.Context, p DataProvider) (*Response, error) {
		return p.GetStockQuote(ctx, symbol)
	})
}

func (f *Factory) GetStockQuotes(ctx context.Context, symbols []string) *Response {
	return f.Execute(ctx, OpGetStockQuotes, "", func(ctx context.Context, p DataProvider) (*Response, error) {
		return p.GetStockQuotes(ctx, symbols)
	})
}

func (f *Factory) GetOptionsChain(ctx context.Context, req ChainRequest) *Response {
	return f.Execute(ctx, OpGetOptionsChain, "", func(ctx context.Context, p DataProvider) (*Response, error) {
		return p.GetOptionsChain(ctx, req)
	})
}

func (f *Factory) ScreenStocks(ctx context.Context, criteria ScreenCriteria) *Response {
	return f.Execute(ctx, OpScreenStocks, "", func(ctx context.Context, p DataProvider) (*Response, error) {
		return p.ScreenStocks(ctx, criteria)
	})
}

func (f *Factory) GetGreeks(ctx context.Context, optionSymbol string) *Response {
	return f.Execute(ctx, OpGetGreeks, "", func(ctx context.Context, p DataProvider) (*Response, error) {
		return p.GetGreeks(ctx, optionSymbol)
	})
}

// HealthCheckAll probes every registered provider, caches the result, and
// feeds the boolean outcome into the same breaker update rule as real
// operations.
func (f *Factory) HealthCheckAll(ctx context.Context) map[ProviderType]ProviderHealth {
	f.mu.RLock()
	providers := make([]ProviderType, len(f.order))
	copy(providers, f.order)
	f.mu.RUnlock()

	out := make(map[ProviderType]ProviderHealth, len(providers))
	for _, pt := range providers {
		inst, err := f.instance(pt)
		if err != nil {
			result := HealthCheckResult{Healthy: false, Error: err.Error()}
			f.health.RecordProbe(pt, result)
			f.breaker(pt).RecordFailure()
			out[pt] = f.health.Snapshot(pt)
			continue
		}

		result := inst.HealthCheck(ctx)
		f.health.RecordProbe(pt, result)
		if result.Healthy {
			f.breaker(pt).RecordSuccess()
		} else {
			f.breaker(pt).RecordFailure()
		}
		out[pt] = f.health.Snapshot(pt)
	}
	return out
}

// ProviderStatus is the per-provider observability snapshot. Never used for
// control flow.
type ProviderStatus struct {
	Type                ProviderType    `json:"type"`
	Priority            int             `json:"priority"`
	SupportedOperations []OperationType `json:"supported_operations"`
	PreferredOperations []OperationType `json:"preferred_operations,omitempty"`
	Breaker             BreakerStatus   `json:"circuit_breaker"`
	Health              ProviderHealth  `json:"health"`
}

// GetProviderStatus reports the state of every registered provider.
func (f *Factory) GetProviderStatus() map[ProviderType]ProviderStatus {
	f.mu.RLock()
	providers := make([]ProviderType, len(f.order))
	copy(providers, f.order)
	f.mu.RUnlock()

	out := make(map[ProviderType]ProviderStatus, len(providers))
	for _, pt := range providers {
		f.mu.RLock()
		cfg := f.configs[pt]
		f.mu.RUnlock()
		out[pt] = ProviderStatus{
			Type:                pt,
			Priority:            cfg.Priority,
			SupportedOperations: cfg.SupportedOperations,
			PreferredOperations: cfg.PreferredOperations,
			Breaker:             f.breaker(pt).Status(),
			Health:              f.health.Snapshot(pt),
		}
	}
	return out
}

// Health exposes the tracker for components that share outcome reporting.
func (f *Factory) Health() *HealthTracker { return f.health }

// Breaker exposes a provider's breaker, mainly for the reduced-contract chain
// so both selection paths agree on breaker state.
func (f *Factory) Breaker(p ProviderType) *CircuitBreaker { return f.breaker(p) }
