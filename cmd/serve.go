package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peercounsel/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, lobby websocket and metrics endpoint",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("config loaded",
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.StoreBackend),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("history_driver", cfg.HistoryDriver),
		zap.Duration("answer_timeout", cfg.AnswerTimeout),
		zap.Duration("instant_claim_timeout", cfg.InstantClaimTimeout),
		zap.Duration("disconnect_grace", cfg.DisconnectGrace),
		zap.String("replace_track", cfg.ReplaceTrack),
	)

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	// Nobody is connected to the lobby yet.
	if err := stores.Presence.Reset(ctx); err != nil {
		logger.Warn("reset presence", zap.Error(err))
	}

	return app.NewAPI(cfg, stores, logger).Run(ctx)
}
