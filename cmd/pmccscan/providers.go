package main

import (
	"encoding/json"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ft1-1/pmcc-scanner-sub002/internal/cache"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/config"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/provider"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/scan"
)

func providersCmd() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show configured providers, breaker state and usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			store := cache.New(cache.Config{
				RedisAddr:  cfg.Cache.RedisAddr,
				RedisDB:    cfg.Cache.RedisDB,
				DefaultTTL: cfg.Cache.DefaultTTL,
			})
			factory, err := scan.BuildFactory(cfg, store, provider.NewTelemetry(prometheus.NewRegistry()))
			if err != nil {
				return err
			}

			out := struct {
				Providers map[provider.ProviderType]provider.ProviderStatus `json:"providers"`
				Health    map[provider.ProviderType]provider.ProviderHealth `json:"health,omitempty"`
			}{}
			if probe {
				out.Health = factory.HealthCheckAll(cmd.Context())
			}
			out.Providers = factory.GetProviderStatus()

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "actively probe each provider's health endpoint")
	return cmd
}
