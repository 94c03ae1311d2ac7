package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agatticelli/labcache/internal/platform/config"
)

var (
	configPath string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "labcache",
		Short: "Tiered cache for the lab calculator catalog",
		Long: `labcache keeps computed calculator results in a three-tier cache:
an in-process LRU (L1), a SQLite file (L2) and an optional Redis or
DynamoDB remote (L3).

Use 'labcache serve' to run the HTTP API, or the other subcommands to
inspect and seed the persistent tiers directly.

Configuration comes from config.yaml (or --config) and LABCACHE_*
environment variables, e.g. LABCACHE_CACHE_CAPACITY=500.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch cmd.Name() {
			case "help", "completion":
				return nil
			}

			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml or ./config/config.yaml)")
	rootCmd.Version = version
}
