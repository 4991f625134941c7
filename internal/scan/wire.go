package scan

import (
	"time"

	"github.com/ft1-1/pmcc-scanner-sub002/internal/cache"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/config"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/provider"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/providers/eodhd"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/providers/marketdata"
)

// BuildFactory assembles the provider factory from configuration: one
// registered provider per config entry, each with its own rate plan, breaker
// and constructor closure. Instances are still created lazily by the factory.
func BuildFactory(cfg *config.Config, store cache.Cache, telemetry *provider.Telemetry) (*provider.Factory, error) {
	strategy, err := provider.ParseStrategy(cfg.FallbackStrategy)
	if err != nil {
		return nil, err
	}
	factory := provider.NewFactory(strategy, telemetry)

	for _, pc := range cfg.Providers {
		reg, err := providerConfig(pc, store, cfg.Cache.DefaultTTL)
		if err != nil {
			return nil, err
		}
		if err := factory.RegisterProvider(reg); err != nil {
			return nil, err
		}
	}
	return factory, nil
}

func providerConfig(pc config.ProviderConfig, store cache.Cache, ttl time.Duration) (provider.ProviderConfig, error) {
	switch pc.Name {
	case "eodhd":
		plan, err := planFor(pc.Plan, "eodhd-free")
		if err != nil {
			return provider.ProviderConfig{}, err
		}
		return provider.ProviderConfig{
			Type:          provider.ProviderEODHD,
			Priority:      pc.Priority,
			MaxConcurrent: pc.MaxConcurrent,
			Timeout:       pc.Timeout(),
			SupportedOperations: []provider.OperationType{
				provider.OpGetStockQuote,
				provider.OpGetStockQuotes,
				provider.OpGetOptionsChain,
				provider.OpScreenStocks,
				provider.OpGetGreeks,
			},
			PreferredOperations: preferredOps(pc.Preferred),
			BaseURL:             pc.BaseURL,
			Credentials:         map[string]string{"api_key": pc.APIKey},
			New: func(cfg provider.ProviderConfig) (provider.DataProvider, error) {
				return eodhd.New(cfg, eodhd.Options{Plan: plan, Cache: store, CacheTTL: ttl})
			},
		}, nil

	case "marketdata":
		plan, err := planFor(pc.Plan, "marketdata-free")
		if err != nil {
			return provider.ProviderConfig{}, err
		}
		return provider.ProviderConfig{
			Type:          provider.ProviderMarketData,
			Priority:      pc.Priority,
			MaxConcurrent: pc.MaxConcurrent,
			Timeout:       pc.Timeout(),
			SupportedOperations: []provider.OperationType{
				provider.OpGetStockQuote,
				provider.OpGetStockQuotes,
				provider.OpGetOptionsChain,
				provider.OpGetGreeks,
			},
			PreferredOperations: preferredOps(pc.Preferred),
			BaseURL:             pc.BaseURL,
			Credentials:         map[string]string{"api_token": pc.APIKey},
			New: func(cfg provider.ProviderConfig) (provider.DataProvider, error) {
				return marketdata.New(cfg, marketdata.Options{Plan: plan, Cache: store, CacheTTL: ttl})
			},
		}, nil

	default:
		return provider.ProviderConfig{}, &provider.ProviderError{
			Code:    provider.ErrCodeConfiguration,
			Message: "unknown provider " + pc.Name,
		}
	}
}

func planFor(name, fallback string) (provider.Plan, error) {
	if name == "" {
		name = fallback
	}
	return provider.LookupPlan(name)
}

func preferredOps(names []string) []provider.OperationType {
	ops := make([]provider.OperationType, 0, len(names))
	for _, n := range names {
		ops = append(ops, provider.OperationType(n))
	}
	return ops
}
