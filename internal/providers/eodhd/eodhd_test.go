package eodhd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ft1-1/pmcc-scanner-sub002/internal/provider"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(provider.ProviderConfig{
		Type:        provider.ProviderEODHD,
		BaseURL:     srv.URL,
		Timeout:     5 * time.Second,
		Credentials: map[string]string{"api_key": "test-key"},
	}, Options{Plan: provider.Plan{Name: "unlimited", ConcurrencyLimit: 5}})
	if err != nil {
		t.Fatal(err)
	}
	// Fail fast in tests, no backoff sleeps.
	c.policy.MaxAttempts = 1
	return c, srv
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(provider.ProviderConfig{Type: provider.ProviderEODHD}, Options{})
	var perr *provider.ProviderError
	if !errors.As(err, &perr) || perr.Code != provider.ErrCodeConfiguration {
		t.Fatalf("expected CONFIGURATION error, got %v", err)
	}
}

func TestGetStockQuote(t *testing.T) {
	var gotPath, gotToken string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("api_token")
		fmt.Fprint(w, `{"code":"AAPL.US","close":150.25,"volume":1000000,"change":1.5,"change_p":1.01,"timestamp":1767283200}`)
	}))

	resp, err := c.GetStockQuote(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("GetStockQuote failed: %v", err)
	}
	if gotPath != "/real-time/AAPL.US" {
		t.Errorf("path = %s", gotPath)
	}
	if gotToken != "test-key" {
		t.Errorf("api_token = %s", gotToken)
	}

	quote := resp.Data.(*provider.StockQuote)
	if quote.Symbol != "AAPL" {
		t.Errorf("symbol = %s, want .US suffix stripped", quote.Symbol)
	}
	if quote.Price != 150.25 || quote.Volume != 1000000 {
		t.Errorf("quote = %+v", quote)
	}
}

func TestGetStockQuote_ServedFromCache(t *testing.T) {
	var calls int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"code":"AAPL.US","close":150.25}`)
	}))

	for i := 0; i < 3; i++ {
		if _, err := c.GetStockQuote(context.Background(), "AAPL"); err != nil {
			t.Fatal(err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("backend hit %d times, want 1 with warm cache", got)
	}
}

func TestStatusErrorMapping(t *testing.T) {
	cases := []struct {
		status    int
		wantCode  string
		retryable bool
	}{
		{http.StatusUnauthorized, provider.ErrCodeAuthentication, false},
		{http.StatusForbidden, provider.ErrCodeAuthentication, false},
		{http.StatusNotFound, provider.ErrCodeInvalidSymbol, false},
		{http.StatusTooManyRequests, provider.ErrCodeRateLimit, true},
		{http.StatusInternalServerError, provider.ErrCodeAPIError, true},
		{http.StatusBadRequest, provider.ErrCodeAPIError, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			_, err := c.GetStockQuote(context.Background(), "AAPL")
			var perr *provider.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("expected a ProviderError, got %v", err)
			}
			if perr.Code != tc.wantCode {
				t.Errorf("code = %s, want %s", perr.Code, tc.wantCode)
			}
			if perr.IsRetryable() != tc.retryable {
				t.Errorf("retryable = %v, want %v", perr.IsRetryable(), tc.retryable)
			}
			if perr.HTTPStatus != tc.status {
				t.Errorf("http status = %d", perr.HTTPStatus)
			}
		})
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.GetStockQuote(context.Background(), "AAPL")
	var perr *provider.ProviderError
	if !errors.As(err, &perr) {
		t.Fatal(err)
	}
	if perr.RetryAfterHint() != 42*time.Second {
		t.Errorf("retry-after = %v, want 42s", perr.RetryAfterHint())
	}
}

const chainBody = `{"data":[
  {"expirationDate":"2027-01-15","options":{"CALL":[
    {"contractName":"AAPL270115C00080000","strike":80,"bid":24.0,"ask":24.4,"openInterest":500,"delta":0.85}
  ],"PUT":[
    {"contractName":"AAPL270115P00080000","strike":80,"bid":1.0,"ask":1.1,"openInterest":900,"delta":-0.15}
  ]}},
  {"expirationDate":"2026-04-17","options":{"CALL":[
    {"contractName":"AAPL260417C00110000","strike":110,"bid":2.0,"ask":2.1,"openInterest":30,"delta":0.30}
  ],"PUT":[]}}
]}`

func TestGetOptionsChain(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chainBody)
	}))

	t.Run("call side filter", func(t *testing.T) {
		resp, err := c.GetOptionsChain(context.Background(), provider.ChainRequest{Symbol: "AAPL", Side: "call"})
		if err != nil {
			t.Fatal(err)
		}
		chain := resp.Data.(*provider.OptionsChain)
		for _, contract := range chain.Contracts {
			if contract.Side != "call" {
				t.Errorf("put leaked through call filter: %s", contract.OptionSymbol)
			}
		}
		if len(chain.Contracts) != 2 {
			t.Errorf("calls = %d, want 2", len(chain.Contracts))
		}
	})

	t.Run("open interest floor", func(t *testing.T) {
		resp, err := c.GetOptionsChain(context.Background(), provider.ChainRequest{Symbol: "AAPL", Side: "call", MinOpen: 50})
		if err != nil {
			t.Fatal(err)
		}
		chain := resp.Data.(*provider.OptionsChain)
		if len(chain.Contracts) != 1 || chain.Contracts[0].OptionSymbol != "AAPL270115C00080000" {
			t.Errorf("contracts = %+v, want only the liquid call", chain.Contracts)
		}
	})

	t.Run("contract fields", func(t *testing.T) {
		resp, err := c.GetOptionsChain(context.Background(), provider.ChainRequest{Symbol: "AAPL"})
		if err != nil {
			t.Fatal(err)
		}
		chain := resp.Data.(*provider.OptionsChain)
		first := chain.Contracts[0]
		if first.Underlying != "AAPL" || first.Strike != 80 || first.Greeks.Delta != 0.85 {
			t.Errorf("contract = %+v", first)
		}
		if first.Expiration.Format("2006-01-02") != "2027-01-15" {
			t.Errorf("expiration = %v", first.Expiration)
		}
	})
}

func TestGetOptionsChain_NoData(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))
	resp, err := c.GetOptionsChain(context.Background(), provider.ChainRequest{Symbol: "XXXX"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.IsNoData() {
		t.Errorf("empty chain should be no_data, got %s", resp.Status)
	}
}

func TestScreenStocks(t *testing.T) {
	var gotFilters string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFilters = r.URL.Query().Get("filters")
		fmt.Fprint(w, `{"data":[{"code":"KSS.US","adjusted_close":25.5,"avgvol_200d":4000000,"market_capitalization":2800000000}]}`)
	}))

	resp, err := c.ScreenStocks(context.Background(), provider.ScreenCriteria{MinPrice: 10, MinVolume: 1000000})
	if err != nil {
		t.Fatal(err)
	}
	if gotFilters == "" {
		t.Error("criteria should be pushed to the screener as filters")
	}
	results := resp.Data.([]provider.ScreenResult)
	if len(results) != 1 || results[0].Symbol != "KSS" {
		t.Errorf("results = %+v", results)
	}
}

func TestGetGreeks(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chainBody)
	}))

	resp, err := c.GetGreeks(context.Background(), "AAPL270115C00080000")
	if err != nil {
		t.Fatal(err)
	}
	g := resp.Data.(*provider.Greeks)
	if g.Delta != 0.85 {
		t.Errorf("delta = %v, want 0.85", g.Delta)
	}

	t.Run("unknown contract", func(t *testing.T) {
		resp, err := c.GetGreeks(context.Background(), "AAPL270115C00099000")
		if err != nil {
			t.Fatal(err)
		}
		if !resp.IsNoData() {
			t.Errorf("missing contract should be no_data, got %s", resp.Status)
		}
	})

	t.Run("malformed symbol", func(t *testing.T) {
		_, err := c.GetGreeks(context.Background(), "123")
		var perr *provider.ProviderError
		if !errors.As(err, &perr) || perr.Code != provider.ErrCodeInvalidSymbol {
			t.Errorf("expected INVALID_SYMBOL, got %v", err)
		}
	})
}

func TestUnderlyingOf(t *testing.T) {
	cases := []struct{ in, want string }{
		{"AAPL260116C00150000", "AAPL"},
		{"KSS260116P00020000", "KSS"},
		{"123", ""},
	}
	for _, tc := range cases {
		if got := underlyingOf(tc.in); got != tc.want {
			t.Errorf("underlyingOf(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"SPY.US","close":500.0}`)
	}))
	if result := c.HealthCheck(context.Background()); !result.Healthy {
		t.Errorf("healthy backend reported unhealthy: %s", result.Error)
	}

	down, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	if result := down.HealthCheck(context.Background()); result.Healthy {
		t.Error("failing backend reported healthy")
	}
}
