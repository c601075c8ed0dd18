// Package application assembles the runtime from configuration: the
// postgres store, the dataset and report backends, and the run service.
// Both binaries build on it.
package application

import (
	"context"
	"log/slog"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/pendampingan/internal/config"
	"github.com/JonMunkholm/pendampingan/internal/core"
	"github.com/JonMunkholm/pendampingan/internal/dataset"
	"github.com/JonMunkholm/pendampingan/internal/report"
	"github.com/JonMunkholm/pendampingan/internal/store/postgres"
)

// App holds the wired components and the resources they own.
type App struct {
	Store      *postgres.Store
	Datasets   dataset.Store
	Reports    *report.Writer
	Importer   *core.Importer
	Reconciler *core.Reconciler
	Service    *core.Service

	pool    *pgxpool.Pool
	redis   *redis.Client
	storage *storage.Client
}

// Options adjust a build for one caller.
type Options struct {
	// BatchSize overrides IMPORT_BATCH_SIZE when positive.
	BatchSize int
}

// New connects every backend named by cfg. On error, whatever was opened is
// closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (_ *App, err error) {
	app := &App{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.pool, err = postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	app.Store = postgres.New(app.pool)

	if app.Datasets, err = app.openDatasets(ctx, cfg.Dataset); err != nil {
		return nil, err
	}

	sink, err := app.openReportSink(ctx, cfg.Report)
	if err != nil {
		return nil, err
	}
	app.Reports = report.NewWriter(sink, logger)

	batchSize := cfg.Import.BatchSize
	if opts.BatchSize > 0 {
		batchSize = opts.BatchSize
	}

	app.Importer = core.NewImporter(app.Store, core.ImporterConfig{
		BatchSize:   batchSize,
		DefaultNote: cfg.Import.DefaultNote,
		Reporter:    app.Reports,
		Logger:      logger,
	})
	app.Reconciler = core.NewReconciler(app.Store, core.ReconcilerConfig{
		BatchSize:   batchSize,
		SampleLimit: cfg.Import.SampleLimit,
		DefaultNote: cfg.Import.DefaultNote,
		Logger:      logger,
	})
	app.Service = core.NewService(app.Datasets, app.Importer, app.Reconciler, core.ServiceConfig{
		RunTimeout:         cfg.Import.Timeout,
		ResultRetention:    cfg.Import.ResultRetention,
		MaxConcurrent:      cfg.Import.MaxConcurrent,
		MaxWait:            cfg.Import.MaxWaitTime,
		CancelOnDisconnect: cfg.Import.CancelOnDisconnect,
		Logger:             logger,
	})

	return app, nil
}

func (a *App) openDatasets(ctx context.Context, cfg config.DatasetConfig) (dataset.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "redis":
		rdb, err := dataset.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.redis = rdb
		return dataset.NewRedisStore(rdb, cfg.RedisPrefix, cfg.TTL), nil
	case "memory", "":
		return dataset.NewMemoryStore(cfg.TTL), nil
	default:
		return nil, errors.Errorf("unknown dataset backend %q", cfg.Backend)
	}
}

func (a *App) openReportSink(ctx context.Context, cfg config.ReportConfig) (report.Sink, error) {
	switch strings.ToLower(cfg.Backend) {
	case "gcs":
		client, err := report.NewGCSClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.storage = client
		return report.NewGCSSink(client, cfg.GCSBucket, cfg.GCSPrefix), nil
	case "file", "":
		return report.NewFileSink(cfg.ExportDir)
	default:
		return nil, errors.Errorf("unknown report backend %q", cfg.Backend)
	}
}

// Close releases the pool and backend clients.
func (a *App) Close() {
	if a.storage != nil {
		_ = a.storage.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
