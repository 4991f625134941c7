package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"
)

// mockProvider is a scriptable DataProvider for factory tests.
type mockProvider struct {
	typ     ProviderType
	err     error
	price   float64
	healthy bool

	mu    sync.Mutex
	calls int
}

func (m *mockProvider) respond() (*Response, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return Success(m.typ, &StockQuote{Symbol: "TEST", Price: m.price}), nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockProvider) Type() ProviderType { return m.typ }
func (m *mockProvider) GetStockQuote(ctx context.Context, symbol string) (*Response, error) {
	return m.respond()
}
func (m *mockProvider) GetStockQuotes(ctx context.Context, symbols []string) (*Response, error) {
	return m.respond()
}
func (m *mockProvider) GetOptionsChain(ctx context.Context, req ChainRequest) (*Response, error) {
	return m.respond()
}
func (m *mockProvider) ScreenStocks(ctx context.Context, criteria ScreenCriteria) (*Response, error) {
	return m.respond()
}
func (m *mockProvider) GetGreeks(ctx context.Context, optionSymbol string) (*Response, error) {
	return m.respond()
}
func (m *mockProvider) HealthCheck(ctx context.Context) HealthCheckResult {
	return HealthCheckResult{Healthy: m.healthy, Latency: 10 * time.Millisecond}
}

var allOps = []OperationType{OpGetStockQuote, OpGetStockQuotes, OpGetOptionsChain, OpScreenStocks, OpGetGreeks}

func register(t *testing.T, f *Factory, mock *mockProvider, priority int, ops, preferred []OperationType) {
	t.Helper()
	err := f.RegisterProvider(ProviderConfig{
		Type:                mock.typ,
		Priority:            priority,
		SupportedOperations: ops,
		PreferredOperations: preferred,
		New: func(cfg ProviderConfig) (DataProvider, error) {
			return mock, nil
		},
	})
	if err != nil {
		t.Fatalf("register %s: %v", mock.typ, err)
	}
}

func TestFactory_FallbackOnFailure(t *testing.T) {
	f := NewFactory(StrategyHealthBased, nil)
	a := &mockProvider{typ: ProviderType("alpha"), err: errors.New("alpha down")}
	b := &mockProvider{typ: ProviderType("beta"), price: 150.0}
	register(t, f, a, 10, allOps, nil)
	register(t, f, b, 5, allOps, nil)

	resp := f.GetStockQuote(context.Background(), "TEST")
	if !resp.IsSuccess() {
		t.Fatalf("expected fallback success, got %+v", resp)
	}
	if resp.Provider != b.typ {
		t.Errorf("served by %s, want beta", resp.Provider)
	}
	quote := resp.Data.(*StockQuote)
	if quote.Price != 150.0 {
		t.Errorf("price = %v, want 150.0", quote.Price)
	}
	if a.callCount() != 1 {
		t.Errorf("alpha attempted %d times, want 1", a.callCount())
	}
}

func TestFactory_SkipsOpenCircuitWithoutProbing(t *testing.T) {
	f := NewFactory(StrategyHealthBased, nil)
	a := &mockProvider{typ: ProviderType("alpha"), price: 100}
	b := &mockProvider{typ: ProviderType("beta"), price: 150.0}
	register(t, f, a, 10, allOps, nil)
	register(t, f, b, 5, allOps, nil)

	for i := 0; i < 3; i++ {
		f.Breaker(a.typ).RecordFailure()
	}
	if f.Breaker(a.typ).State() != CircuitOpen {
		t.Fatal("alpha breaker should be open")
	}

	resp := f.Execute(context.Background(), OpGetStockQuote, a.typ, func(ctx context.Context, p DataProvider) (*Response, error) {
		return p.GetStockQuote(ctx, "TEST")
	})
	if !resp.IsSuccess() {
		t.Fatalf("expected beta to serve, got %+v", resp)
	}
	if quote := resp.Data.(*StockQuote); quote.Price != 150.0 {
		t.Errorf("price = %v, want 150.0 from beta", quote.Price)
	}
	if a.callCount() != 0 {
		t.Errorf("alpha was called %d times through an open circuit", a.callCount())
	}
	if f.Breaker(a.typ).State() != CircuitOpen {
		t.Error("skipping must not mutate the open breaker")
	}
}

func TestFactory_AllProvidersFailed(t *testing.T) {
	f := NewFactory(StrategyHealthBased, nil)
	a := &mockProvider{typ: ProviderType("alpha"), err: errors.New("down")}
	b := &mockProvider{typ: ProviderType("beta"), err: errors.New("also down")}
	register(t, f, a, 10, allOps, nil)
	register(t, f, b, 5, allOps, nil)

	resp := f.GetStockQuote(context.Background(), "TEST")
	if resp.Status != StatusError {
		t.Fatalf("exhaustion must return a structured error response, got %s", resp.Status)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeAllProvidersFailed {
		t.Errorf("error code = %+v, want ALL_PROVIDERS_FAILED", resp.Error)
	}
	if resp.Error.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("http status = %d, want 503", resp.Error.HTTPStatus)
	}
}

func TestFactory_UnsupportedOperation(t *testing.T) {
	f := NewFactory(StrategyHealthBased, nil)
	a := &mockProvider{typ: ProviderType("alpha"), price: 1}
	register(t, f, a, 10, []OperationType{OpGetStockQuote}, nil)

	resp := f.ScreenStocks(context.Background(), ScreenCriteria{})
	if resp.Status != StatusError || resp.Error == nil || resp.Error.Code != ErrCodeUnsupported {
		t.Errorf("expected UNSUPPORTED_OPERATION envelope, got %+v", resp)
	}
}

func TestFactory_HealthBasedOrdering(t *testing.T) {
	f := NewFactory(StrategyHealthBased, nil)
	a := &mockProvider{typ: ProviderType("alpha"), price: 1}
	b := &mockProvider{typ: ProviderType("beta"), price: 2}
	register(t, f, a, 10, allOps, nil)
	register(t, f, b, 5, allOps, nil)

	// Degrade alpha: 1 success, 2 failures => 33% success rate.
	f.Health().RecordOutcome(a.typ, 10*time.Millisecond, nil)
	f.Health().RecordOutcome(a.typ, 10*time.Millisecond, errors.New("x"))
	f.Health().RecordOutcome(a.typ, 10*time.Millisecond, errors.New("x"))
	// Keep beta pristine.
	f.Health().RecordOutcome(b.typ, 10*time.Millisecond, nil)

	if got := f.candidates(OpGetStockQuote, ""); len(got) != 2 || got[0] != b.typ {
		t.Errorf("candidates = %v, want beta first", got)
	}

	resp := f.GetStockQuote(context.Background(), "TEST")
	if resp.Provider != b.typ {
		t.Errorf("served by %s, want the healthier beta", resp.Provider)
	}
}

func TestFactory_RoundRobinRotates(t *testing.T) {
	f := NewFactory(StrategyRoundRobin, nil)
	a := &mockProvider{typ: ProviderType("alpha"), price: 1}
	b := &mockProvider{typ: ProviderType("beta"), price: 2}
	register(t, f, a, 10, allOps, nil)
	register(t, f, b, 5, allOps, nil)

	first := f.GetStockQuote(context.Background(), "TEST").Provider
	second := f.GetStockQuote(context.Background(), "TEST").Provider
	third := f.GetStockQuote(context.Background(), "TEST").Provider

	if first == second {
		t.Errorf("round robin did not rotate: %s then %s", first, second)
	}
	if third != first {
		t.Errorf("rotation should cycle back, got %s %s %s", first, second, third)
	}
}

func TestFactory_OperationSpecificPreference(t *testing.T) {
	f := NewFactory(StrategyOperationSpecific, nil)
	a := &mockProvider{typ: ProviderType("alpha"), price: 1}
	b := &mockProvider{typ: ProviderType("beta"), price: 2}
	register(t, f, a, 10, allOps, nil)
	register(t, f, b, 5, allOps, []OperationType{OpGetGreeks})

	if got := f.candidates(OpGetGreeks, ""); got[0] != b.typ {
		t.Errorf("greeks candidates = %v, want the declaring beta first", got)
	}
	if got := f.candidates(OpGetStockQuote, ""); got[0] != a.typ {
		t.Errorf("quote candidates = %v, want registration order for undeclared ops", got)
	}
}

func TestFactory_StrategyNoneUsesSingleProvider(t *testing.T) {
	f := NewFactory(StrategyNone, nil)
	a := &mockProvider{typ: ProviderType("alpha"), err: errors.New("down")}
	b := &mockProvider{typ: ProviderType("beta"), price: 2}
	register(t, f, a, 10, allOps, nil)
	register(t, f, b, 5, allOps, nil)

	resp := f.GetStockQuote(context.Background(), "TEST")
	if resp.Status != StatusError {
		t.Fatalf("no-fallback strategy must not fail over, got %+v", resp)
	}
	if b.callCount() != 0 {
		t.Errorf("beta called %d times under strategy none", b.callCount())
	}
}

func TestFactory_PreferredProviderGoesFirst(t *testing.T) {
	f := NewFactory(StrategyHealthBased, nil)
	a := &mockProvider{typ: ProviderType("alpha"), price: 1}
	b := &mockProvider{typ: ProviderType("beta"), price: 2}
	register(t, f, a, 10, allOps, nil)
	register(t, f, b, 5, allOps, nil)

	resp := f.Execute(context.Background(), OpGetStockQuote, b.typ, func(ctx context.Context, p DataProvider) (*Response, error) {
		return p.GetStockQuote(ctx, "TEST")
	})
	if resp.Provider != b.typ {
		t.Errorf("served by %s, want the caller-preferred beta", resp.Provider)
	}
	if a.callCount() != 0 {
		t.Error("alpha should not be tried when the preferred provider succeeds")
	}
}

func TestFactory_RegisterValidation(t *testing.T) {
	f := NewFactory(StrategyHealthBased, nil)

	cases := []struct {
		name string
		cfg  ProviderConfig
	}{
		{"missing type", ProviderConfig{SupportedOperations: allOps, New: func(ProviderConfig) (DataProvider, error) { return nil, nil }}},
		{"missing constructor", ProviderConfig{Type: "x", SupportedOperations: allOps}},
		{"no operations", ProviderConfig{Type: "x", New: func(ProviderConfig) (DataProvider, error) { return nil, nil }}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := f.RegisterProvider(tc.cfg); err == nil {
				t.Error("expected a configuration error")
			}
		})
	}

	ok := &mockProvider{typ: ProviderType("dup")}
	register(t, f, ok, 1, allOps, nil)
	err := f.RegisterProvider(ProviderConfig{
		Type:                ok.typ,
		SupportedOperations: allOps,
		New:                 func(ProviderConfig) (DataProvider, error) { return ok, nil },
	})
	if err == nil {
		t.Error("duplicate registration should fail")
	}
}

func TestFactory_ConstructorFailureCountsAsProviderFailure(t *testing.T) {
	f := NewFactory(StrategyHealthBased, nil)
	err := f.RegisterProvider(ProviderConfig{
		Type:                ProviderType("broken"),
		SupportedOperations: allOps,
		New: func(cfg ProviderConfig) (DataProvider, error) {
			return nil, fmt.Errorf("bad credentials")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := f.GetStockQuote(context.Background(), "TEST")
	if resp.Status != StatusError || resp.Error.Code != ErrCodeAllProvidersFailed {
		t.Fatalf("expected exhaustion envelope, got %+v", resp)
	}
	if f.Breaker(ProviderType("broken")).Status().FailureCount == 0 {
		t.Error("constructor failures should count against the breaker")
	}
}

func TestFactory_HealthCheckAllFeedsBreakers(t *testing.T) {
	f := NewFactory(StrategyHealthBased, nil)
	good := &mockProvider{typ: ProviderType("good"), healthy: true}
	bad := &mockProvider{typ: ProviderType("bad"), healthy: false}
	register(t, f, good, 10, allOps, nil)
	register(t, f, bad, 5, allOps, nil)

	out := f.HealthCheckAll(context.Background())
	if out[good.typ].Status != HealthHealthy {
		t.Errorf("good provider status = %s", out[good.typ].Status)
	}
	if out[bad.typ].Status != HealthUnhealthy {
		t.Errorf("failed probe should mark the provider unhealthy, got %s", out[bad.typ].Status)
	}
	if got := f.Breaker(bad.typ).Status().FailureCount; got != 1 {
		t.Errorf("probe failure should feed the breaker, failure count = %d", got)
	}
}
