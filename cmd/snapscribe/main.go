package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/snapscribe/snapscribe/internal/common"
	appcfg "github.com/snapscribe/snapscribe/internal/config"
	"github.com/snapscribe/snapscribe/internal/jobs"
	"github.com/snapscribe/snapscribe/internal/llm"
	"github.com/snapscribe/snapscribe/internal/llm/mock"
	"github.com/snapscribe/snapscribe/internal/llm/ollama"
	"github.com/snapscribe/snapscribe/internal/processor"
	"github.com/snapscribe/snapscribe/internal/server"
	"github.com/snapscribe/snapscribe/internal/storage"
)

func main() {
	// Load config first so the log level can honor it
	cfg, err := appcfg.Load("")
	if err != nil {
		bootstrapLogger().Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Store (SQLite)
	store, err := jobs.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		logger.Error("sqlite open", "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// Uploader
	uploader := storage.NewUploader(cfg.Server.StorageDir)

	// OCR client. A failed reachability probe is fatal: the client would be
	// unusable, so the process does not come up.
	var ocrClient llm.Client
	switch strings.ToLower(cfg.OCR.Provider) {
	case "ollama":
		ocrClient, err = ollama.New(rootCtx, cfg.OCR.Ollama, logger)
		if err != nil {
			logger.Error("init ollama client", "host", cfg.OCR.Ollama.Host, "err", err)
			os.Exit(1)
		}
	case "mock":
		ocrClient = mock.New(cfg.OCR.Mock, logger)
	default:
		logger.Error("unsupported ocr provider", "provider", cfg.OCR.Provider)
		os.Exit(1)
	}

	// Worker and queue
	worker := processor.New(logger, cfg, store, ocrClient)
	queue := jobs.NewQueue(logger, common.DefaultQueueCapacity, cfg.Server.WorkerCount)
	if err := queue.Start(rootCtx, worker); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}

	// HTTP server
	svc := &server.Service{
		Log:       logger,
		Cfg:       cfg,
		Store:     store,
		Queue:     queue,
		Uploader:  uploader,
		Processor: worker,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Stop workers
	queue.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
}

func bootstrapLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
