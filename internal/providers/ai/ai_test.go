package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ft1-1/pmcc-scanner-sub002/internal/provider"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/scoring"
)

func analysisBody(results string) string {
	content, _ := json.Marshal(results)
	return fmt.Sprintf(`{"content":[{"type":"text","text":%s}]}`, content)
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		MaxBatchSize: 2,
		BreakerTrips: 2,
		BreakerReset: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	c.policy.MaxAttempts = 1
	return c
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected an error without an api key")
	}
}

func TestAnalyzeOpportunities(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		fmt.Fprint(w, analysisBody(`[{"symbol":"AAPL","score":85,"confidence":90,"recommendation":"buy","reasoning":"solid setup","sub_scores":{"risk":80}}]`))
	}))

	results, err := c.AnalyzeOpportunities(context.Background(), []scoring.Opportunity{
		{Symbol: "AAPL", TraditionalScore: 70},
	})
	if err != nil {
		t.Fatal(err)
	}
	r, ok := results["AAPL"]
	if !ok {
		t.Fatal("missing AAPL result")
	}
	if r.Score != 85 || r.Confidence != 90 || r.Recommendation != "buy" {
		t.Errorf("result = %+v", r)
	}
	if r.SubScores["risk"] != 80 {
		t.Errorf("sub scores = %v", r.SubScores)
	}
}

func TestAnalyzeOpportunities_Batches(t *testing.T) {
	var calls int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, analysisBody(`[{"symbol":"X","score":50,"confidence":50}]`))
	}))

	opps := make([]scoring.Opportunity, 5)
	for i := range opps {
		opps[i] = scoring.Opportunity{Symbol: fmt.Sprintf("S%d", i)}
	}
	if _, err := c.AnalyzeOpportunities(context.Background(), opps); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("batch calls = %d, want ceil(5/2)=3", got)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	opp := []scoring.Opportunity{{Symbol: "AAPL"}}
	for i := 0; i < 2; i++ {
		if _, err := c.AnalyzeOpportunities(context.Background(), opp); err == nil {
			t.Fatal("expected failure")
		}
	}
	if c.Available() {
		t.Error("breaker should be open after consecutive failures")
	}

	before := atomic.LoadInt32(&calls)
	_, err := c.AnalyzeOpportunities(context.Background(), opp)
	if err == nil {
		t.Fatal("open breaker should fail fast")
	}
	var perr *provider.ProviderError
	if !errors.As(err, &perr) || perr.Code != provider.ErrCodeCircuitOpen {
		t.Errorf("expected CIRCUIT_OPEN, got %v", err)
	}
	if atomic.LoadInt32(&calls) != before {
		t.Error("open breaker must not reach the backend")
	}
}

func TestParseResults(t *testing.T) {
	t.Run("markdown fenced", func(t *testing.T) {
		mr := messageResponse{Content: []contentBlock{
			{Type: "text", Text: "```json\n[{\"symbol\":\"KSS\",\"score\":70,\"confidence\":60}]\n```"},
		}}

		results, err := parseResults(mr)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 1 || results[0].Symbol != "KSS" {
			t.Errorf("results = %+v", results)
		}
	})

	t.Run("out of range entries dropped", func(t *testing.T) {
		mr := messageResponse{Content: []contentBlock{{Type: "text", Text: `[
			{"symbol":"OK","score":50,"confidence":50},
			{"symbol":"BADSCORE","score":150,"confidence":50},
			{"symbol":"BADCONF","score":50,"confidence":-1},
			{"score":50,"confidence":50}
		]`}}}

		results, err := parseResults(mr)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 1 || results[0].Symbol != "OK" {
			t.Errorf("results = %+v", results)
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		mr := messageResponse{Content: []contentBlock{{Type: "text", Text: "I could not analyze these."}}}

		if _, err := parseResults(mr); err == nil {
			t.Error("prose instead of JSON should error")
		}
	})
}
