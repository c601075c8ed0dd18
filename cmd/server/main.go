package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/pendampingan/internal/application"
	"github.com/JonMunkholm/pendampingan/internal/config"
	"github.com/JonMunkholm/pendampingan/internal/logging"
	"github.com/JonMunkholm/pendampingan/internal/tracing"
	"github.com/JonMunkholm/pendampingan/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	if err := run(cfg); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, os.Stderr, slog.Default())
	if err != nil {
		return err
	}

	app, err := application.New(ctx, cfg, slog.Default(), application.Options{})
	if err != nil {
		return err
	}
	defer app.Close()

	slog.Info("connected",
		"dataset_backend", cfg.Dataset.Backend,
		"report_backend", cfg.Report.Backend,
		"max_concurrent_runs", cfg.Import.MaxConcurrent,
	)

	server := web.NewServer(cfg, web.Deps{
		Service:  app.Service,
		Datasets: app.Datasets,
		Reports:  app.Reports,
		DB:       app.Store,
		Logger:   slog.Default(),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop taking requests, then cancel runs and wait for their windows
		// to roll back.
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		if status := app.Service.Status(); status.Limiter.Active > 0 {
			slog.Info("cancelling active runs", "active", status.Limiter.Active)
		}
		if err := app.Service.Shutdown(shutdownCtx); err != nil {
			slog.Warn("runs did not finish in time", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}
