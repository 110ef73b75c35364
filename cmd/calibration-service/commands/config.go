package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/TogetherForABetterAI/calibration-service/config"
)

// ProductionEnvironment mirrors config.Production, re-exported so main
// doesn't need to import config directly just to compare Environment.
const ProductionEnvironment = config.Production

// TryLoadConfig loads configuration without failing startup outright;
// callers that only need a best-effort hint (e.g. which log encoder to
// use) fall back to a reasonable default on error.
func TryLoadConfig() (*config.Config, error) {
	return config.Load()
}

// ConfigCmd groups configuration-inspection subcommands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the service's configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration with secrets redacted",
	RunE:  runConfigShow,
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	data := pterm.TableData{
		{"Field", "Value"},
		{"RabbitMQ", fmt.Sprintf("%s:%d", cfg.RabbitMQ.Host, cfg.RabbitMQ.Port)},
		{"Postgres", fmt.Sprintf("%s:%d/%s", cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.DB)},
		{"Connections service", cfg.Connections.BaseURL},
		{"Email sender", cfg.Email.Sender},
		{"Pod name", cfg.PodName},
		{"Environment", string(cfg.Environment)},
		{"Upper bound clients", fmt.Sprintf("%d", cfg.Tunables.UpperBoundClients)},
		{"Client timeout (s)", fmt.Sprintf("%d", cfg.Tunables.ClientTimeoutSeconds)},
		{"Max retries", fmt.Sprintf("%d", cfg.Tunables.MaxRetries)},
		{"Calibration limit", fmt.Sprintf("%d", cfg.Thresholds.CalibrationLimit)},
		{"Uncertainty limit", fmt.Sprintf("%d", cfg.Thresholds.UncertaintyLimit)},
	}

	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
