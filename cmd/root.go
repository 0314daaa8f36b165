package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peercounsel/internal/config"
	"peercounsel/internal/logging"
)

var (
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "peercounsel",
	Short: "Peer counseling call sessions: negotiation, instant matching, lobby",
	Long:  `HTTP + WebSocket API and headless call peers. Commands: serve, peer, reset.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnv(); err != nil {
			return err
		}
		var problems []error
		cfg, problems = config.Load()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		var err error
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		for _, p := range problems {
			logger.Warn("config value ignored", zap.Error(p))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE:         runServe, // default: same as "peercounsel serve"
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(resetCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}
