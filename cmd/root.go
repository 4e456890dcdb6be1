package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leadwise/attribution/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "attribution",
	Short: "Marketing attribution correlation engine",
	Long:  "Captures click fingerprints, correlates inbound chat contacts to campaigns via click tokens or multi-factor scoring, and surfaces retrospective suggestions for orphan leads.",
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
