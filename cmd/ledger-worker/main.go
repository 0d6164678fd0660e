package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"splitledger/internal/backend"
	"splitledger/internal/cache"
	"splitledger/internal/cli"
	"splitledger/internal/config"
	gsheet "splitledger/internal/sheets/google"
	"splitledger/internal/worker"
)

const (
	exportedVersionsSize = 10000
	exportedVersionsTTL  = 24 * time.Hour
	consumeRetryDelay    = 5 * time.Second
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), "ledger-worker")
	logger.Info("Starting ledger-worker")

	cfg := cli.LoadAndValidateConfig(logger, (*config.Config).ValidateWorker)
	if cfg.DataBackend == config.BackendMemory {
		logger.Warn("Memory backend is process-local; the worker will not see the server's ledger")
	}

	backendConfig, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}
	ledger, err := backend.NewFactory(logger).CreateBackend(context.Background(), backendConfig)
	if err != nil {
		logger.Error("Failed to initialize backend", "error", err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	if ledger.AMQP == nil {
		logger.Error("AMQP broker unavailable, nothing to consume", "url_set", cfg.AMQPURL != "")
		_ = ledger.Cleanup()
		os.Exit(1)
	}

	exporter, err := gsheet.New(context.Background(), gsheet.Config{
		SpreadsheetID:   cfg.GoogleSpreadsheetID,
		SheetPrefix:     cfg.GoogleSheetPrefix,
		CredentialsFile: cfg.GoogleCredentialsFile,
		CredentialsJSON: cfg.GoogleCredentialsJSON,
	})
	if err != nil {
		logger.Error("Failed to initialize Google Sheets exporter", "error", err)
		_ = ledger.Cleanup()
		os.Exit(1)
	}
	logger.Info("Google Sheets exporter initialized", "spreadsheet_id", cfg.GoogleSpreadsheetID)

	exported := cache.NewLRUCache[int64, int64](exportedVersionsSize, exportedVersionsTTL)
	exportWorker := worker.NewExportWorker(ledger.Groups, ledger.Expenses, exporter, exported)

	ctx, done := cli.GracefulShutdown(logger, cfg.ShutdownTimeout, func(context.Context) {
		if err := ledger.Cleanup(); err != nil {
			logger.Error("Backend cleanup error", "error", err)
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			err := ledger.AMQP.ConsumeLedgerEvents(gctx, exportWorker.HandleLedgerEvent)
			if gctx.Err() != nil {
				return nil
			}
			logger.Error("Message consumption stopped, reconnecting", "error", err, "retry_in", consumeRetryDelay)
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(consumeRetryDelay):
			}
			if err := ledger.AMQP.Reconnect(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := exported.CleanExpired(); n > 0 {
					logger.Debug("Expired export versions", "count", n)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("Worker failed", "error", err)
		_ = ledger.Cleanup()
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped gracefully")
}
