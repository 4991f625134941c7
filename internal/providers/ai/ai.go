// Package ai calls the external analysis API that produces per-symbol
// scores, confidence and recommendations for PMCC candidates. The whole
// client sits behind a circuit breaker so a degraded AI backend never
// stalls a scan; callers treat AI results as optional enrichment.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/ft1-1/pmcc-scanner-sub002/internal/provider"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/retry"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/scoring"
)

const defaultBaseURL = "https://api.anthropic.com/v1"

// Config tunes the AI client.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	Timeout      time.Duration
	MaxBatchSize int
	BreakerTrips uint32 // consecutive failures before the breaker opens
	BreakerReset time.Duration
}

// Client analyzes scan opportunities through the AI API.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	policy  retry.Policy
	log     zerolog.Logger
}

// New builds the client. The API key is required.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ai: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	trips := cfg.BreakerTrips
	if trips == 0 {
		trips = 3
	}
	reset := cfg.BreakerReset
	if reset <= 0 {
		reset = 2 * time.Minute
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ai-analysis",
		Timeout: reset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("ai breaker state change")
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		policy:  retry.Policy{MaxAttempts: 2, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second},
		log:     log.With().Str("provider", "ai").Logger(),
	}, nil
}

// Available reports whether the breaker currently admits requests.
func (c *Client) Available() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// AnalyzeOpportunities scores a scan's opportunities in batches. Symbols the
// backend fails to score are simply absent from the result map; a fully failed
// call returns an error and the caller proceeds without AI enrichment.
func (c *Client) AnalyzeOpportunities(ctx context.Context, opps []scoring.Opportunity) (map[string]scoring.AIResult, error) {
	results := make(map[string]scoring.AIResult)
	for start := 0; start < len(opps); start += c.cfg.MaxBatchSize {
		end := start + c.cfg.MaxBatchSize
		if end > len(opps) {
			end = len(opps)
		}
		batch, err := c.analyzeBatch(ctx, opps[start:end])
		if err != nil {
			if len(results) > 0 {
				// Partial coverage beats none.
				c.log.Warn().Err(err).Int("scored", len(results)).Msg("ai batch failed mid-scan")
				return results, nil
			}
			return nil, err
		}
		for _, r := range batch {
			results[r.Symbol] = r
		}
	}
	return results, nil
}

// AnalyzeOpportunity scores a single candidate.
func (c *Client) AnalyzeOpportunity(ctx context.Context, opp scoring.Opportunity) (*scoring.AIResult, error) {
	results, err := c.analyzeBatch(ctx, []scoring.Opportunity{opp})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("ai: no result for %s", opp.Symbol)
	}
	return &results[0], nil
}

type messageRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messageResponse struct {
	Content []contentBlock `json:"content"`
}

const systemPrompt = `You are an options strategist evaluating poor man's covered call candidates.
For each candidate, respond with a JSON array of objects:
{"symbol","score" (0-100),"confidence" (0-100),"recommendation" (strong_buy|buy|hold|sell|strong_sell),"reasoning","sub_scores":{"risk","fundamental","technical","calendar","strategy"}}.
Respond with the JSON array only.`

func (c *Client) analyzeBatch(ctx context.Context, opps []scoring.Opportunity) ([]scoring.AIResult, error) {
	payload, err := json.Marshal(opps)
	if err != nil {
		return nil, err
	}

	out, err := c.breaker.Execute(func() (any, error) {
		var results []scoring.AIResult
		err := c.policy.Do(ctx, func(ctx context.Context) error {
			var callErr error
			results, callErr = c.call(ctx, payload)
			return callErr
		})
		return results, err
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &provider.ProviderError{
				Provider:  provider.ProviderAI,
				Code:      provider.ErrCodeCircuitOpen,
				Message:   "ai analysis circuit is open",
				Retryable: true,
			}
		}
		return nil, err
	}
	return out.([]scoring.AIResult), nil
}

func (c *Client) call(ctx context.Context, candidates []byte) ([]scoring.AIResult, error) {
	body, err := json.Marshal(messageRequest{
		Model:     c.cfg.Model,
		MaxTokens: 4096,
		System:    systemPrompt,
		Messages:  []message{{Role: "user", Content: string(candidates)}},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &provider.ProviderError{
			Provider:  provider.ProviderAI,
			Code:      provider.ErrCodeNetworkError,
			Message:   err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &provider.ProviderError{
			Provider:   provider.ProviderAI,
			Code:       provider.ErrCodeAPIError,
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("ai api http %d: %s", resp.StatusCode, snippet),
			Retryable:  retry.RetryableStatus(resp.StatusCode),
			RetryAfter: retry.RetryAfter(resp.Header),
		}
	}

	var mr messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, err
	}
	return parseResults(mr)
}

// parseResults extracts the JSON array from the model's text content, which
// may be wrapped in markdown fences.
func parseResults(mr messageResponse) ([]scoring.AIResult, error) {
	var text string
	for _, block := range mr.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var results []scoring.AIResult
	if err := json.Unmarshal([]byte(text), &results); err != nil {
		return nil, fmt.Errorf("ai: malformed analysis payload: %w", err)
	}
	out := results[:0]
	for _, r := range results {
		if r.Symbol == "" {
			continue
		}
		if r.Score < 0 || r.Score > 100 || r.Confidence < 0 || r.Confidence > 100 {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
