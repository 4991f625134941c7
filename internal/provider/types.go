package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ProviderType identifies a data source. Used as a map key throughout the
// factory; never mutated after registration.
type ProviderType string

const (
	ProviderEODHD      ProviderType = "eodhd"
	ProviderMarketData ProviderType = "marketdata"
	ProviderAI         ProviderType = "ai"
)

// OperationType identifies one of the uniform data operations every provider
// may support.
type OperationType string

const (
	OpGetStockQuote   OperationType = "get_stock_quote"
	OpGetStockQuotes  OperationType = "get_stock_quotes"
	OpGetOptionsChain OperationType = "get_options_chain"
	OpScreenStocks    OperationType = "screen_stocks"
	OpGetGreeks       OperationType = "get_greeks"
)

// DataProvider is the uniform interface every concrete vendor adapter exposes.
// Transport-level failures and vendor-reported failures both surface as
// *ProviderError; the factory converts them into circuit breaker signals.
type DataProvider interface {
	Type() ProviderType

	GetStockQuote(ctx context.Context, symbol string) (*Response, error)
	GetStockQuotes(ctx context.Context, symbols []string) (*Response, error)
	GetOptionsChain(ctx context.Context, req ChainRequest) (*Response, error)
	ScreenStocks(ctx context.Context, criteria ScreenCriteria) (*Response, error)
	GetGreeks(ctx context.Context, optionSymbol string) (*Response, error)

	HealthCheck(ctx context.Context) HealthCheckResult
}

// ResponseStatus classifies a provider response.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusNoData  ResponseStatus = "no_data"
	StatusError   ResponseStatus = "error"
)

// Response is the uniform envelope returned by provider operations and by the
// factory's fallback execution. When every candidate provider is exhausted the
// factory returns a Response with StatusError rather than a raw error, so
// callers can treat "no provider available" as a normal outcome.
type Response struct {
	Status    ResponseStatus `json:"status"`
	Provider  ProviderType   `json:"provider,omitempty"`
	Data      any            `json:"data,omitempty"`
	Error     *ProviderError `json:"error,omitempty"`
	Latency   time.Duration  `json:"latency"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsSuccess reports whether the response carries usable data.
func (r *Response) IsSuccess() bool {
	return r != nil && r.Status == StatusSuccess
}

// IsNoData reports a valid-but-empty result.
func (r *Response) IsNoData() bool {
	return r != nil && r.Status == StatusNoData
}

// Success builds a success envelope.
func Success(p ProviderType, data any) *Response {
	return &Response{Status: StatusSuccess, Provider: p, Data: data, Timestamp: time.Now()}
}

// NoData builds an empty-but-valid envelope (e.g. no chain for a symbol).
func NoData(p ProviderType) *Response {
	return &Response{Status: StatusNoData, Provider: p, Timestamp: time.Now()}
}

// ErrorResponse wraps a provider error into the uniform envelope.
func ErrorResponse(p ProviderType, err *ProviderError) *Response {
	return &Response{Status: StatusError, Provider: p, Error: err, Timestamp: time.Now()}
}

// StockQuote is a single equity quote.
type StockQuote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Volume    int64     `json:"volume,omitempty"`
	Change    float64   `json:"change,omitempty"`
	ChangePct float64   `json:"change_pct,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Greeks are consumed as opaque numeric inputs by scoring, never computed here.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	IV    float64 `json:"iv,omitempty"`
}

// OptionContract is one listed option.
type OptionContract struct {
	OptionSymbol string    `json:"option_symbol"`
	Underlying   string    `json:"underlying"`
	Strike       float64   `json:"strike"`
	Expiration   time.Time `json:"expiration"`
	Side         string    `json:"side"` // "call" or "put"
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Last         float64   `json:"last,omitempty"`
	OpenInterest int64     `json:"open_interest"`
	Volume       int64     `json:"volume"`
	Greeks       Greeks    `json:"greeks"`
}

// DTE returns calendar days to expiration as of now.
func (c OptionContract) DTE(now time.Time) int {
	return int(c.Expiration.Sub(now).Hours() / 24)
}

// Mid returns the bid/ask midpoint, falling back to last when the book is empty.
func (c OptionContract) Mid() float64 {
	if c.Bid > 0 && c.Ask > 0 {
		return (c.Bid + c.Ask) / 2
	}
	return c.Last
}

// OptionsChain is the full (or filtered) chain for one underlying.
type OptionsChain struct {
	Underlying string           `json:"underlying"`
	Spot       float64          `json:"spot,omitempty"`
	Contracts  []OptionContract `json:"contracts"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ChainRequest narrows a chain fetch.
type ChainRequest struct {
	Symbol  string    `json:"symbol"`
	Side    string    `json:"side,omitempty"`
	MinDTE  int       `json:"min_dte,omitempty"`
	MaxDTE  int       `json:"max_dte,omitempty"`
	AsOf    time.Time `json:"as_of,omitempty"`
	MinOpen int64     `json:"min_open_interest,omitempty"`
}

// ScreenCriteria filters a stock screen.
type ScreenCriteria struct {
	MinPrice     float64 `json:"min_price,omitempty"`
	MaxPrice     float64 `json:"max_price,omitempty"`
	MinVolume    int64   `json:"min_volume,omitempty"`
	MinMarketCap float64 `json:"min_market_cap,omitempty"`
	HasOptions   bool    `json:"has_options,omitempty"`
	Limit        int     `json:"limit,omitempty"`
}

// ScreenResult is one row of a stock screen.
type ScreenResult struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    int64   `json:"volume"`
	MarketCap float64 `json:"market_cap,omitempty"`
}

// HealthCheckResult is the outcome of a provider health probe.
type HealthCheckResult struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// ProviderConfig is the static description of one provider, created at startup
// and immutable afterward. Instances are built lazily via New on first use.
type ProviderConfig struct {
	Type          ProviderType
	Priority      int // higher = preferred
	MaxConcurrent int
	Timeout       time.Duration

	SupportedOperations []OperationType
	PreferredOperations []OperationType

	// Opaque connection details passed through to the constructor.
	BaseURL     string
	Credentials map[string]string

	Breaker BreakerConfig

	// New constructs the concrete provider. Called at most once per type for
	// the lifetime of the factory.
	New func(cfg ProviderConfig) (DataProvider, error)
}

// Supports reports whether op is in the supported set.
func (c ProviderConfig) Supports(op OperationType) bool {
	for _, o := range c.SupportedOperations {
		if o == op {
			return true
		}
	}
	return false
}

// Prefers reports whether op is in the preferred set.
func (c ProviderConfig) Prefers(op OperationType) bool {
	for _, o := range c.PreferredOperations {
		if o == op {
			return true
		}
	}
	return false
}

// ProviderError carries a machine-readable failure from a provider or from the
// access layer itself.
type ProviderError struct {
	Provider   ProviderType  `json:"provider,omitempty"`
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsRetryable satisfies the retry package's probe without an import cycle.
func (e *ProviderError) IsRetryable() bool { return e.Retryable }

// RetryAfterHint reports how long the caller should wait before retrying.
// Zero means no hint was provided.
func (e *ProviderError) RetryAfterHint() time.Duration { return e.RetryAfter }

// Error codes shared across the access layer.
const (
	ErrCodeRateLimit          = "RATE_LIMIT"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeInvalidSymbol      = "INVALID_SYMBOL"
	ErrCodeAuthentication     = "AUTH_ERROR"
	ErrCodeAPIError           = "API_ERROR"
	ErrCodeNetworkError       = "NETWORK_ERROR"
	ErrCodeNoData             = "NO_DATA"
	ErrCodeUnsupported        = "UNSUPPORTED_OPERATION"
	ErrCodeAllProvidersFailed = "ALL_PROVIDERS_FAILED"
	ErrCodeConfiguration      = "CONFIGURATION"
)

// AsProviderError normalizes an arbitrary error into a *ProviderError.
func AsProviderError(p ProviderType, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = p
		}
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Provider: p, Code: ErrCodeTimeout, Message: "request timed out", Retryable: true, Cause: err}
	}
	return &ProviderError{Provider: p, Code: ErrCodeAPIError, Message: err.Error(), Retryable: true, Cause: err}
}
