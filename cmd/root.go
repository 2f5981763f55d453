package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/licensemap/licensemap/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "licensemap",
	Short: "Address resolution and incremental geocoding for license records",
	Long:  "Normalizes professional-license addresses, aggregates them into unique locations, classifies commercial vs residential, and geocodes incrementally against a persistent cache.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
