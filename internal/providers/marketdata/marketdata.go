// Package marketdata adapts the MarketData.app REST API to the uniform
// provider interface. It does not support screening.
package marketdata

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

const defaultBaseURL = "https://api.marketdata.app/v1"

// Client is the MarketData.app provider adapter.
type Client struct {
	baseURL string
	token   string
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
	token := cfg.Credentials["api_token"]
	if token == "" {
		return nil, &provider.ProviderError{
			Provider: provider.ProviderMarketData,
			Code:     provider.ErrCodeConfiguration,
			Message:  "marketdata api token is required",
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
		token:   token,
		http:    httpClient,
		limiter: provider.NewRateLimiter(opts.Plan),
		policy:  retry.DefaultPolicy(),
		cache:   c,
		ttl:     ttl,
		log:     log.With().Str("provider", "marketdata").Logger(),
	}, nil
}

func (c *Client) Type() provider.ProviderType { return provider.ProviderMarketData }

// Limiter exposes usage stats for status reporting.
func (c *Client) Limiter() *provider.RateLimiter { return c.limiter }

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, credits int, out any) error {
	slot, err := c.limiter.Acquire(ctx, credits)
	if err != nil {
		return err
	}
	defer slot.Done(credits)

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return c.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		resp, err := c.http.Do(req)
		if err != nil {
			return &provider.ProviderError{
				Provider:  provider.ProviderMarketData,
				Code:      provider.ErrCodeNetworkError,
				Message:   err.Error(),
				Retryable: true,
				Cause:     err,
			}
		}
		defer resp.Body.Close()

		// 203 is served from the vendor's cache and still carries data.
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNonAuthoritativeInfo {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return statusError(resp.StatusCode, string(body), resp.Header)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func statusError(code int, body string, headers http.Header) *provider.ProviderError {
	pe := &provider.ProviderError{
		Provider:   provider.ProviderMarketData,
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

// MarketData returns parallel arrays per field.
type quotesDTO struct {
	Status  string    `json:"s"`
	Symbol  []string  `json:"symbol"`
	Bid     []float64 `json:"bid"`
	Ask     []float64 `json:"ask"`
	Mid     []float64 `json:"mid"`
	Last    []float64 `json:"last"`
	Volume  []int64   `json:"volume"`
	Updated []int64   `json:"updated"`
}

func (d quotesDTO) toQuotes() []provider.StockQuote {
	quotes := make([]provider.StockQuote, 0, len(d.Symbol))
	for i, sym := range d.Symbol {
		q := provider.StockQuote{Symbol: sym}
		if i < len(d.Last) {
			q.Price = d.Last[i]
		}
		if q.Price == 0 && i < len(d.Mid) {
			q.Price = d.Mid[i]
		}
		if i < len(d.Bid) {
			q.Bid = d.Bid[i]
		}
		if i < len(d.Ask) {
			q.Ask = d.Ask[i]
		}
		if i < len(d.Volume) {
			q.Volume = d.Volume[i]
		}
		if i < len(d.Updated) {
			q.Timestamp = time.Unix(d.Updated[i], 0)
		}
		quotes = append(quotes, q)
	}
	return quotes
}

// GetStockQuote fetches one quote.
func (c *Client) GetStockQuote(ctx context.Context, symbol string) (*provider.Response, error) {
	key := "marketdata:quote:" + symbol
	var cached provider.StockQuote
	if cache.GetJSON(c.cache, key, &cached) {
		return provider.Success(c.Type(), &cached), nil
	}

	var dto quotesDTO
	if err := c.getJSON(ctx, "/stocks/quotes/"+url.PathEscape(symbol)+"/", url.Values{}, 1, &dto); err != nil {
		return nil, err
	}
	quotes := dto.toQuotes()
	if dto.Status == "no_data" || len(quotes) == 0 {
		return provider.NoData(c.Type()), nil
	}
	cache.SetJSON(c.cache, key, &quotes[0], c.ttl)
	return provider.Success(c.Type(), &quotes[0]), nil
}

// GetStockQuotes fetches each symbol individually; the vendor has no batch
// stock endpoint.
func (c *Client) GetStockQuotes(ctx context.Context, symbols []string) (*provider.Response, error) {
	quotes := make([]provider.StockQuote, 0, len(symbols))
	for _, symbol := range symbols {
		resp, err := c.GetStockQuote(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if resp.IsSuccess() {
			quotes = append(quotes, *resp.Data.(*provider.StockQuote))
		}
	}
	if len(quotes) == 0 {
		return provider.NoData(c.Type()), nil
	}
	return provider.Success(c.Type(), quotes), nil
}

type chainDTO struct {
	Status          string    `json:"s"`
	OptionSymbol    []string  `json:"optionSymbol"`
	Underlying      []string  `json:"underlying"`
	Strike          []float64 `json:"strike"`
	Expiration      []int64   `json:"expiration"`
	Side            []string  `json:"side"`
	Bid             []float64 `json:"bid"`
	Ask             []float64 `json:"ask"`
	Last            []float64 `json:"last"`
	OpenInterest    []int64   `json:"openInterest"`
	Volume          []int64   `json:"volume"`
	Delta           []float64 `json:"delta"`
	Gamma           []float64 `json:"gamma"`
	Theta           []float64 `json:"theta"`
	Vega            []float64 `json:"vega"`
	IV              []float64 `json:"iv"`
	UnderlyingPrice []float64 `json:"underlyingPrice"`
}

func (d chainDTO) contract(i int) provider.OptionContract {
	at := func(xs []float64) float64 {
		if i < len(xs) {
			return xs[i]
		}
		return 0
	}
	atI := func(xs []int64) int64 {
		if i < len(xs) {
			return xs[i]
		}
		return 0
	}
	atS := func(xs []string) string {
		if i < len(xs) {
			return xs[i]
		}
		return ""
	}
	return provider.OptionContract{
		OptionSymbol: atS(d.OptionSymbol),
		Underlying:   atS(d.Underlying),
		Strike:       at(d.Strike),
		Expiration:   time.Unix(atI(d.Expiration), 0),
		Side:         atS(d.Side),
		Bid:          at(d.Bid),
		Ask:          at(d.Ask),
		Last:         at(d.Last),
		OpenInterest: atI(d.OpenInterest),
		Volume:       atI(d.Volume),
		Greeks: provider.Greeks{
			Delta: at(d.Delta),
			Gamma: at(d.Gamma),
			Theta: at(d.Theta),
			Vega:  at(d.Vega),
			IV:    at(d.IV),
		},
	}
}

// GetOptionsChain fetches the chain, pushing the DTE window to the vendor.
func (c *Client) GetOptionsChain(ctx context.Context, req provider.ChainRequest) (*provider.Response, error) {
	query := url.Values{}
	if req.Side != "" {
		query.Set("side", req.Side)
	}
	if req.MinDTE > 0 {
		query.Set("from", time.Now().AddDate(0, 0, req.MinDTE).Format("2006-01-02"))
	}
	if req.MaxDTE > 0 {
		query.Set("to", time.Now().AddDate(0, 0, req.MaxDTE).Format("2006-01-02"))
	}
	if req.MinOpen > 0 {
		query.Set("minOpenInterest", fmt.Sprintf("%d", req.MinOpen))
	}

	var dto chainDTO
	if err := c.getJSON(ctx, "/options/chain/"+url.PathEscape(req.Symbol)+"/", query, 1, &dto); err != nil {
		return nil, err
	}
	if dto.Status == "no_data" || len(dto.OptionSymbol) == 0 {
		return provider.NoData(c.Type()), nil
	}

	chain := provider.OptionsChain{Underlying: req.Symbol, Timestamp: time.Now()}
	if len(dto.UnderlyingPrice) > 0 {
		chain.Spot = dto.UnderlyingPrice[0]
	}
	for i := range dto.OptionSymbol {
		chain.Contracts = append(chain.Contracts, dto.contract(i))
	}
	return provider.Success(c.Type(), &chain), nil
}

// ScreenStocks is not offered by this vendor.
func (c *Client) ScreenStocks(ctx context.Context, criteria provider.ScreenCriteria) (*provider.Response, error) {
	return nil, &provider.ProviderError{
		Provider: c.Type(),
		Code:     provider.ErrCodeUnsupported,
		Message:  "marketdata does not support stock screening",
	}
}

// GetGreeks fetches a single option quote.
func (c *Client) GetGreeks(ctx context.Context, optionSymbol string) (*provider.Response, error) {
	var dto chainDTO
	if err := c.getJSON(ctx, "/options/quotes/"+url.PathEscape(optionSymbol)+"/", url.Values{}, 1, &dto); err != nil {
		return nil, err
	}
	if dto.Status == "no_data" || len(dto.OptionSymbol) == 0 {
		return provider.NoData(c.Type()), nil
	}
	g := dto.contract(0).Greeks
	return provider.Success(c.Type(), &g), nil
}

// HealthCheck probes a liquid benchmark quote.
func (c *Client) HealthCheck(ctx context.Context) provider.HealthCheckResult {
	start := time.Now()
	var dto quotesDTO
	err := c.getJSON(ctx, "/stocks/quotes/SPY/", url.Values{}, 1, &dto)
	latency := time.Since(start)
	if err != nil {
		c.log.Warn().Err(err).Msg("health check failed")
		return provider.HealthCheckResult{Healthy: false, Latency: latency, Error: err.Error()}
	}
	return provider.HealthCheckResult{Healthy: true, Latency: latency}
}
