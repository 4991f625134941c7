package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagVerbose bool
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pmccscan",
		Short: "Poor man's covered call opportunity scanner",
		Long: `pmccscan scans a symbol universe for poor man's covered call setups:
deep ITM LEAPS calls paired with short near-dated calls. Market data flows
through a multi-provider layer with health-aware failover, and candidates are
scored by traditional criteria optionally blended with AI analysis.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "config.yaml", "path to configuration file")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(scanCmd())
	cmd.AddCommand(providersCmd())
	cmd.AddCommand(healthCmd())
	return cmd
}
