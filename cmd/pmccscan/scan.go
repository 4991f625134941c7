package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ft1-1/pmcc-scanner-sub002/internal/analysis"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/cache"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/config"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/provider"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/providers/ai"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/scan"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/scoring"
)

func scanCmd() *cobra.Command {
	var symbols []string
	var output string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a PMCC scan over the configured symbol universe",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if len(symbols) > 0 {
				cfg.Scan.Symbols = symbols
			}
			if len(cfg.Scan.Symbols) == 0 {
				return fmt.Errorf("no symbols to scan; set scan.symbols or pass --symbols")
			}

			scanner, err := buildScanner(cfg)
			if err != nil {
				return err
			}

			criteria := analysis.DefaultCriteria()
			criteria.MinLongDTE = cfg.Scan.MinLongDTE
			criteria.MinShortDTE = cfg.Scan.MinShortDTE
			criteria.MaxShortDTE = cfg.Scan.MaxShortDTE
			criteria.MinLongDelta = cfg.Scan.MinLongDelta
			criteria.MinOpenInt = cfg.Scan.MinOpenInt

			report, err := scanner.Run(cmd.Context(), scan.Options{
				Symbols:  cfg.Scan.Symbols,
				Workers:  cfg.Scan.Workers,
				Criteria: criteria,
				Filter: scoring.FilterCriteria{
					MinCombinedScore: cfg.Scoring.MinScore,
					MinConfidence:    cfg.Scoring.MinConfidence,
				},
			})
			if err != nil {
				return err
			}
			return writeReport(report, output)
		},
	}

	cmd.Flags().StringSliceVarP(&symbols, "symbols", "s", nil, "symbols to scan (overrides config)")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "write the report to this file instead of stdout")
	return cmd
}

func buildScanner(cfg *config.Config) (*scan.Scanner, error) {
	store := cache.New(cache.Config{
		RedisAddr:  cfg.Cache.RedisAddr,
		RedisDB:    cfg.Cache.RedisDB,
		DefaultTTL: cfg.Cache.DefaultTTL,
	})
	telemetry := provider.NewTelemetry(prometheus.DefaultRegisterer)

	factory, err := scan.BuildFactory(cfg, store, telemetry)
	if err != nil {
		return nil, err
	}
	combiner, err := scoring.NewCombiner(cfg.Scoring.Weights)
	if err != nil {
		return nil, err
	}

	var analyzer scan.AIAnalyzer
	if cfg.AI.Enabled() {
		client, err := ai.New(ai.Config{
			BaseURL:      cfg.AI.BaseURL,
			APIKey:       cfg.AI.APIKey,
			Model:        cfg.AI.Model,
			Timeout:      cfg.AI.Timeout,
			MaxBatchSize: cfg.AI.MaxBatchSize,
			BreakerTrips: cfg.AI.BreakerTrips,
			BreakerReset: cfg.AI.BreakerReset,
		})
		if err != nil {
			return nil, err
		}
		analyzer = client
	}

	return scan.New(factory, combiner, analyzer), nil
}

func writeReport(report *scan.Report, path string) error {
	out := os.Stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
