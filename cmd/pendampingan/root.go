package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/pendampingan/internal/application"
	"github.com/JonMunkholm/pendampingan/internal/config"
	"github.com/JonMunkholm/pendampingan/internal/logging"
	"github.com/JonMunkholm/pendampingan/internal/tracing"
)

func newRootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "pendampingan",
		Short:         "Import and reconcile pendampingan assignments",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// a missing .env is fine; the environment may already be set
			_ = godotenv.Overload(envFile)
		},
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load")

	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newFailuresCmd())
	return cmd
}

// runtime is the configuration, logger and wired app of one command.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	app    *application.App
	close  func()
}

// openRuntime loads configuration and connects the backends. Logs go to
// stderr so stdout carries only the JSON result.
func openRuntime(ctx context.Context, opts application.Options) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, os.Stderr, logger)
	if err != nil {
		return nil, err
	}

	app, err := application.New(ctx, cfg, logger, opts)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return nil, err
	}

	return &runtime{
		cfg:    cfg,
		logger: logger,
		app:    app,
		close: func() {
			app.Close()
			_ = shutdownTracing(context.Background())
		},
	}, nil
}
