package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peercounsel/internal/app"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear counselor presence (every counselor becomes offline)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stores, err := app.OpenStores(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer stores.Close()
		if err := stores.Presence.Reset(cmd.Context()); err != nil {
			return err
		}
		logger.Info("presence reset", zap.String("store", cfg.StoreBackend))
		return nil
	},
}
