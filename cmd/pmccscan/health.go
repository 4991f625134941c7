package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ft1-1/pmcc-scanner-sub002/internal/cache"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/config"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/provider"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/scan"
)

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every configured provider and report health",
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

			health := factory.HealthCheckAll(cmd.Context())
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(health); err != nil {
				return err
			}

			for _, h := range health {
				if h.Status != provider.HealthUnhealthy {
					return nil
				}
			}
			return fmt.Errorf("all providers unhealthy")
		},
	}
}
