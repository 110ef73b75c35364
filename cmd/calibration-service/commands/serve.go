package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	amqpbroker "github.com/TogetherForABetterAI/calibration-service/broker/amqp"
	"github.com/TogetherForABetterAI/calibration-service/config"
	pgdao "github.com/TogetherForABetterAI/calibration-service/dao/postgres"
	"github.com/TogetherForABetterAI/calibration-service/errors"
	"github.com/TogetherForABetterAI/calibration-service/logger"
	"github.com/TogetherForABetterAI/calibration-service/reporter"
	"github.com/TogetherForABetterAI/calibration-service/session"
	"github.com/TogetherForABetterAI/calibration-service/status"
)

// ServeCmd boots the Listener and blocks until SIGINT/SIGTERM.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session listener and its worker pool",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}
	logger.Logger.Infow("starting calibration-service", "pod_name", cfg.PodName, "environment", cfg.Environment)

	db, err := pgdao.OpenWithMigrations(cfg.Postgres.DSN(), logger.Logger)
	if err != nil {
		return errors.Wrap(err, "connecting to postgres")
	}
	defer db.Close()
	store := pgdao.NewWithRetries(db, cfg.Tunables.MaxRetries)

	br, err := amqpbroker.Dial(cfg.RabbitMQ.URL())
	if err != nil {
		return errors.Wrap(err, "connecting to rabbitmq")
	}
	defer br.Close()

	statusClient, err := status.New(cfg.Connections.BaseURL, statusClientTimeout, true)
	if err != nil {
		return errors.Wrap(err, "building connections-service client")
	}

	rep, err := reporter.NewFileReporter(reportDir)
	if err != nil {
		return errors.Wrap(err, "building report generator")
	}

	workerConfig := session.WorkerConfig{
		DAO:                  store,
		Broker:               br,
		Status:               statusClient,
		Reporter:             rep,
		NewUQ:                func() session.UQ { return newUnconfiguredUQ() },
		CalibrationLimit:     int32(cfg.Thresholds.CalibrationLimit),
		UncertaintyLimit:     int32(cfg.Thresholds.UncertaintyLimit),
		ClientTimeoutSeconds: cfg.Tunables.ClientTimeoutSeconds,
		IsProduction:         cfg.IsProduction(),
	}

	listener := session.NewListener(br, workerConfig, cfg.Tunables.UpperBoundClients)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return listener.Run(ctx)
}
