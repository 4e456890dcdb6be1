package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run one session expiry and purge sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		expired, purged, err := e.Sweeper.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		zap.L().Info("sweep finished",
			zap.Int("expired", expired),
			zap.Int("purged", purged))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
