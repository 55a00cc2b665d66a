package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/derivedflow/dflow/pkg/worker"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var (
	workerCfgFile string
	workerCmd     = &cobra.Command{
		Use:   "worker",
		Short: "Run the dflow worker process",
		Long: `Runs the worker process: dequeues registry reload and materialized
view refresh tasks from Asynq, and, while holding the leader lock, arms the
periodic side of both on pkg/scheduler.Pool.`,
		RunE: runWorker,
	}
)

func init() {
	workerCmd.Flags().StringVar(&workerCfgFile, "config", "worker.yaml", "worker config file")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(_ *cobra.Command, _ []string) error {
	cfg, err := worker.LoadConfig(workerCfgFile)
	if err != nil {
		return err
	}

	level, err := parseLogLevel(cfg.Logging)
	if err != nil {
		logger.WithError(err).Warn("invalid log level in worker config, defaulting to info")
	} else {
		logger.SetLevel(level)
	}

	app := worker.NewApplication(cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	return app.Stop()
}
