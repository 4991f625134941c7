// Package eodhd adapts the EODHD REST API to the uniform provider interface.
package eodhd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ft1-1/pmcc-scanner-sub002/internal/cache"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/provider"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/retry"
)

const defaultBaseURL = "https://eodhd.com/api"

// API credit costs per endpoint, used as the acquire estimate.
const (
	creditsQuote  = 1
	creditsChain  = 10
	creditsScreen = 5
)

// Client is the EODHD provider adapter. One rate limiter per client, owned
// here rather than shared.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *provider.RateLimiter
	policy  retry.Policy
	cache   cache.Cache
	ttl     time.Duration
	log     zerolog.Logger
}

// Options configure the adapter beyond the registry-level ProviderConfig.
type Options struct {
	Plan     provider.Plan
	Cache    cache.Cache
	CacheTTL time.Duration
	HTTP     *http.Client
}

// New builds the adapter from its registry config.
func New(cfg provider.ProviderConfig, opts Options) (*Client, error) {
	apiKey := cfg.Credentials["api_key"]
	if apiKey == "" {
		return nil, &provider.ProviderError{
			Provider: provider.ProviderEODHD,
			Code:     provider.ErrCodeConfiguration,
			Message:  "eodhd api key is required",
		}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	c := opts.Cache
	if c == nil {
		c = cache.NewMemory()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
		limiter: provider.NewRateLimiter(opts.Plan),
		policy:  retry.DefaultPolicy(),
		cache:   c,
		ttl:     ttl,
		log:     log.With().Str("provider", "eodhd").Logger(),
	}, nil
}

func (c *Client) Type() provider.ProviderType { return provider.ProviderEODHD }

// Limiter exposes usage stats for status reporting.
func (c *Client) Limiter() *provider.RateLimiter { return c.limiter }

// getJSON performs one rate-limited, retried GET and decodes into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, credits int, out any) error {
	slot, err := c.limiter.Acquire(ctx, credits)
	if err != nil {
		return err
	}
	defer slot.Done(credits)

	query.Set("api_token", c.apiKey)
	query.Set("fmt", "json")
	u := fmt.Sprintf("%s%s?%s", c.baseURL, path, query.Encode())

	return c.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return &provider.ProviderError{
				Provider:  provider.ProviderEODHD,
				Code:      provider.ErrCodeNetworkError,
				Message:   err.Error(),
				Retryable: true,
				Cause:     err,
			}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return statusError(resp.StatusCode, string(body), resp.Header)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func statusError(code int, body string, headers http.Header) *provider.ProviderError {
	pe := &provider.ProviderError{
		Provider:   provider.ProviderEODHD,
		HTTPStatus: code,
		Message:    fmt.Sprintf("http %d: %s", code, body),
		Retryable:  retry.RetryableStatus(code),
		RetryAfter: retry.RetryAfter(headers),
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		pe.Code = provider.ErrCodeAuthentication
	case http.StatusNotFound:
		pe.Code = provider.ErrCodeInvalidSymbol
		pe.Retryable = false
	case http.StatusTooManyRequests:
		pe.Code = provider.ErrCodeRateLimit
	default:
		pe.Code = provider.ErrCodeAPIError
	}
	return pe
}

type quoteDTO struct {
	Code          string  `json:"code"`
	Close         float64 `json:"close"`
	Volume        int64   `json:"volume"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_p"`
	Timestamp     int64   `json:"timestamp"`
}

func (q quoteDTO) toQuote() provider.StockQuote {
	return provider.StockQuote{
		Symbol:    strings.TrimSuffix(q.Code, ".US"),
		Price:     q.Close,
		Volume:    q.Volume,
		Change:    q.Change,
		ChangePct: q.ChangePercent,
		Timestamp: time.Unix(q.Timestamp, 0),
	}
}

// GetStockQuote fetches a single real-time quote.
func (c *Client) GetStockQuote(ctx context.Context, symbol string) (*provider.Response, error) {
	key := "eodhd:quote:" + symbol
	var cached provider.StockQuote
	if cache.GetJSON(c.cache, key, &cached) {
		return provider.Success(c.Type(), &cached), nil
	}

	var dto quoteDTO
	if err := c.getJSON(ctx, "/real-time/"+url.PathEscape(symbol+".US"), url.Values{}, creditsQuote, &dto); err != nil {
		return nil, err
	}
	if dto.Close == 0 && dto.Code == "" {
		return provider.NoData(c.Type()), nil
	}
	quote := dto.toQuote()
	if quote.Symbol == "" {
		quote.Symbol = symbol
	}
	cache.SetJSON(c.cache, key, &quote, c.ttl)
	return provider.Success(c.Type(), &quote), nil
}

// GetStockQuotes fetches a batch of quotes in one call.
func (c *Client) GetStockQuotes(ctx context.Context, symbols []string) (*provider.Response, error) {
	if len(symbols) == 0 {
		return provider.NoData(c.Type()), nil
	}
	suffixed := make([]string, len(symbols))
	for i, s := range symbols {
		suffixed[i] = s + ".US"
	}
	query := url.Values{}
	if len(suffixed) > 1 {
		query.Set("s", strings.Join(suffixed[1:], ","))
	}

	var dtos []quoteDTO
	if err := c.getJSON(ctx, "/real-time/"+url.PathEscape(suffixed[0]), query, creditsQuote*len(symbols), &dtos); err != nil {
		return nil, err
	}
	quotes := make([]provider.StockQuote, 0, len(dtos))
	for _, dto := range dtos {
		quotes = append(quotes, dto.toQuote())
	}
	if len(quotes) == 0 {
		return provider.NoData(c.Type()), nil
	}
	return provider.Success(c.Type(), quotes), nil
}

type chainDTO struct {
	Data []struct {
		ExpirationDate string `json:"expirationDate"`
		Options        struct {
			Call []contractDTO `json:"CALL"`
			Put  []contractDTO `json:"PUT"`
		} `json:"options"`
	} `json:"data"`
}

type contractDTO struct {
	ContractName string  `json:"contractName"`
	Strike       float64 `json:"strike"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	LastPrice    float64 `json:"lastPrice"`
	OpenInterest int64   `json:"openInterest"`
	Volume       int64   `json:"volume"`
	Delta        float64 `json:"delta"`
	Gamma        float64 `json:"gamma"`
	Theta        float64 `json:"theta"`
	Vega         float64 `json:"vega"`
	IV           float64 `json:"impliedVolatility"`
}

func (d contractDTO) toContract(underlying, side, expiration string) provider.OptionContract {
	exp, _ := time.Parse("2006-01-02", expiration)
	return provider.OptionContract{
		OptionSymbol: d.ContractName,
		Underlying:   underlying,
		Strike:       d.Strike,
		Expiration:   exp,
		Side:         side,
		Bid:          d.Bid,
		Ask:          d.Ask,
		Last:         d.LastPrice,
		OpenInterest: d.OpenInterest,
		Volume:       d.Volume,
		Greeks: provider.Greeks{
			Delta: d.Delta,
			Gamma: d.Gamma,
			Theta: d.Theta,
			Vega:  d.Vega,
			IV:    d.IV,
		},
	}
}

// GetOptionsChain fetches the chain for an underlying, applying the request's
// DTE window server-side where the API allows and client-side otherwise.
func (c *Client) GetOptionsChain(ctx context.Context, req provider.ChainRequest) (*provider.Response, error) {
	query := url.Values{}
	if req.MinDTE > 0 {
		query.Set("from", time.Now().AddDate(0, 0, req.MinDTE).Format("2006-01-02"))
	}
	if req.MaxDTE > 0 {
		query.Set("to", time.Now().AddDate(0, 0, req.MaxDTE).Format("2006-01-02"))
	}

	var dto chainDTO
	if err := c.getJSON(ctx, "/options/"+url.PathEscape(req.Symbol+".US"), query, creditsChain, &dto); err != nil {
		return nil, err
	}

	chain := provider.OptionsChain{Underlying: req.Symbol, Timestamp: time.Now()}
	for _, exp := range dto.Data {
		for _, call := range exp.Options.Call {
			if req.Side == "put" {
				continue
			}
			contract := call.toContract(req.Symbol, "call", exp.ExpirationDate)
			if req.MinOpen > 0 && contract.OpenInterest < req.MinOpen {
				continue
			}
			chain.Contracts = append(chain.Contracts, contract)
		}
		for _, put := range exp.Options.Put {
			if req.Side == "call" {
				continue
			}
			contract := put.toContract(req.Symbol, "put", exp.ExpirationDate)
			if req.MinOpen > 0 && contract.OpenInterest < req.MinOpen {
				continue
			}
			chain.Contracts = append(chain.Contracts, contract)
		}
	}
	if len(chain.Contracts) == 0 {
		return provider.NoData(c.Type()), nil
	}
	return provider.Success(c.Type(), &chain), nil
}

type screenDTO struct {
	Data []struct {
		Code          string  `json:"code"`
		AdjustedClose float64 `json:"adjusted_close"`
		AvgVolume     int64   `json:"avgvol_200d"`
		MarketCap     float64 `json:"market_capitalization"`
	} `json:"data"`
}

// ScreenStocks runs the EODHD screener with the given criteria.
func (c *Client) ScreenStocks(ctx context.Context, criteria provider.ScreenCriteria) (*provider.Response, error) {
	var filters []string
	if criteria.MinPrice > 0 {
		filters = append(filters, fmt.Sprintf(`["adjusted_close",">",%g]`, criteria.MinPrice))
	}
	if criteria.MaxPrice > 0 {
		filters = append(filters, fmt.Sprintf(`["adjusted_close","<",%g]`, criteria.MaxPrice))
	}
	if criteria.MinVolume > 0 {
		filters = append(filters, fmt.Sprintf(`["avgvol_200d",">",%d]`, criteria.MinVolume))
	}
	if criteria.MinMarketCap > 0 {
		filters = append(filters, fmt.Sprintf(`["market_capitalization",">",%g]`, criteria.MinMarketCap))
	}

	query := url.Values{}
	if len(filters) > 0 {
		query.Set("filters", "["+strings.Join(filters, ",")+"]")
	}
	limit := criteria.Limit
	if limit <= 0 {
		limit = 100
	}
	query.Set("limit", fmt.Sprintf("%d", limit))

	var dto screenDTO
	if err := c.getJSON(ctx, "/screener", query, creditsScreen, &dto); err != nil {
		return nil, err
	}
	results := make([]provider.ScreenResult, 0, len(dto.Data))
	for _, row := range dto.Data {
		results = append(results, provider.ScreenResult{
			Symbol:    strings.TrimSuffix(row.Code, ".US"),
			Price:     row.AdjustedClose,
			Volume:    row.AvgVolume,
			MarketCap: row.MarketCap,
		})
	}
	if len(results) == 0 {
		return provider.NoData(c.Type()), nil
	}
	return provider.Success(c.Type(), results), nil
}

// GetGreeks returns the Greeks for one option contract by scanning its
// underlying's chain; EODHD has no per-contract endpoint.
func (c *Client) GetGreeks(ctx context.Context, optionSymbol string) (*provider.Response, error) {
	underlying := underlyingOf(optionSymbol)
	if underlying == "" {
		return nil, &provider.ProviderError{
			Provider: c.Type(),
			Code:     provider.ErrCodeInvalidSymbol,
			Message:  fmt.Sprintf("cannot derive underlying from %q", optionSymbol),
		}
	}

	resp, err := c.GetOptionsChain(ctx, provider.ChainRequest{Symbol: underlying})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return resp, nil
	}
	chain := resp.Data.(*provider.OptionsChain)
	for _, contract := range chain.Contracts {
		if contract.OptionSymbol == optionSymbol {
			g := contract.Greeks
			return provider.Success(c.Type(), &g), nil
		}
	}
	return provider.NoData(c.Type()), nil
}

// underlyingOf extracts the ticker from an OCC-style option symbol
// (e.g. AAPL260116C00150000 -> AAPL).
func underlyingOf(optionSymbol string) string {
	for i, r := range optionSymbol {
		if r >= '0' && r <= '9' {
			return optionSymbol[:i]
		}
	}
	return ""
}

// HealthCheck probes a liquid benchmark quote.
func (c *Client) HealthCheck(ctx context.Context) provider.HealthCheckResult {
	start := time.Now()
	var dto quoteDTO
	err := c.getJSON(ctx, "/real-time/SPY.US", url.Values{}, creditsQuote, &dto)
	latency := time.Since(start)
	if err != nil {
		c.log.Warn().Err(err).Msg("health check failed")
		return provider.HealthCheckResult{Healthy: false, Latency: latency, Error: err.Error()}
	}
	return provider.HealthCheckResult{Healthy: true, Latency: latency}
}
