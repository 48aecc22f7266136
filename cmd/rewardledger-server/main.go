package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"rewardledger/analytics"
)

func main() {
	ctx := context.Background()
	app, cleanup, err := BuildApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	cfg := app.Config
	logger := app.Logger

	logger.Info("starting reward ledger server",
		"environment", cfg.Environment,
		"profile", cfg.Profile,
		"address", cfg.Server.Address,
		"storage_adapter", cfg.Storage.Adapter,
		"reward_amount", cfg.Reward.Amount,
		"reward_interval", cfg.Reward.Interval)

	srv := app.Server
	errCh := make(chan error, 2)

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if app.Metrics != nil {
		go func() {
			logger.Info("metrics listening", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
			if err := app.Metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	exportCtx, stopExport := context.WithCancel(ctx)
	exportDone := make(chan struct{})
	if app.Analytics != nil && cfg.Analytics.ExportEndpoint != "" {
		exp := analytics.NewHTTPExporter(cfg.Analytics.ExportEndpoint, cfg.Analytics.ExportAPIKey, 0)
		go func() {
			defer close(exportDone)
			app.Analytics.Start(exportCtx, exp, cfg.Analytics.ExportInterval, logger)
		}()
	} else {
		close(exportDone)
	}

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String(), "timeout", cfg.Server.ShutdownTimeout)
	case err := <-errCh:
		logger.Error("failed to start server", "error", err)
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", "error", err)
		exitCode = 1
	}
	if app.Metrics != nil {
		if err := app.Metrics.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during metrics shutdown", "error", err)
		}
	}

	stopExport()
	<-exportDone

	logger.Info("server stopped")
	if exitCode != 0 {
		cancel()
		cleanup()
		os.Exit(exitCode)
	}
}
