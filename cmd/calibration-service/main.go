package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TogetherForABetterAI/calibration-service/cmd/calibration-service/commands"
	"github.com/TogetherForABetterAI/calibration-service/logger"
)

var rootCmd = &cobra.Command{
	Use:   "calibration-service",
	Short: "Per-client conformal-calibration orchestrator",
	Long: `calibration-service consumes per-client model inputs and outputs,
drives a three-stage conformal calibration pipeline per session, and
persists crash-safe progress to Postgres.

Available commands:
  serve       - Start the session listener and its worker pool
  config show - Print the current configuration (secrets redacted)`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput := false
		if cfg, err := commands.TryLoadConfig(); err == nil {
			jsonOutput = cfg.Environment == commands.ProductionEnvironment
		}
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
