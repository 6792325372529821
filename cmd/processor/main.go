// Command processor runs the export job processor: it polls the job store,
// executes user queries against their Oracle databases, exports the result
// sets and pushes the files to the users' drop hosts.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/dbexport/internal/adapter/dbsource/oracle"
	"github.com/fairyhunter13/dbexport/internal/adapter/export"
	"github.com/fairyhunter13/dbexport/internal/adapter/observability"
	"github.com/fairyhunter13/dbexport/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/dbexport/internal/adapter/transfer/sshtransfer"
	"github.com/fairyhunter13/dbexport/internal/app"
	"github.com/fairyhunter13/dbexport/internal/config"
	"github.com/fairyhunter13/dbexport/internal/dispatcher"
	"github.com/fairyhunter13/dbexport/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("processor exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	queryRepo := postgres.NewQueryRepo(pool)
	settingsRepo := postgres.NewSettingsRepo(pool,
		cfg.DefaultMaxParallelQueries, cfg.DefaultExportType, cfg.DefaultExportLocation, cfg.DefaultSSHPort)
	cleanup := postgres.NewCleanupService(pool, cfg.DataRetentionDays)

	runner := oracle.NewRunner(cfg.ExportChunkSize)
	exports := &export.Factory{ChunkRows: cfg.ExportChunkSize}
	transfer := sshtransfer.NewAgent(cfg.SSHTimeout())

	disp := dispatcher.New(queryRepo, settingsRepo, runner, exports, transfer, cfg)
	queries := usecase.NewQueryService(queryRepo, cfg.DefaultExportType)

	ops := &app.OpsServer{DB: pool, Counts: queries, Port: cfg.OpsPort}

	errCh := make(chan error, 1)
	go func() {
		if err := ops.Serve(ctx); err != nil {
			errCh <- err
		}
	}()
	go cleanup.Run(ctx, cfg.CleanupInterval)

	logger.Info("processor starting",
		slog.String("env", cfg.AppEnv),
		slog.Int("ops_port", cfg.OpsPort),
		slog.String("spool_dir", cfg.SpoolDir))

	done := make(chan struct{})
	go func() {
		disp.Run(ctx)
		close(done)
	}()

	select {
	case err := <-errCh:
		stop()
		<-done
		return err
	case <-done:
	}

	if shutdownTracing != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}

	logger.Info("processor stopped")
	return nil
}
