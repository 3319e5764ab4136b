package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/speech-stream/backend/internal/api"
	"github.com/speech-stream/backend/internal/config"
	"github.com/speech-stream/backend/internal/engine"
	"github.com/speech-stream/backend/internal/fetch"
	"github.com/speech-stream/backend/internal/gpu"
	"github.com/speech-stream/backend/internal/job"
	"github.com/speech-stream/backend/internal/logging"
	"github.com/speech-stream/backend/internal/modelcache"
	"github.com/speech-stream/backend/internal/pipeline"
	"github.com/speech-stream/backend/internal/store"
	"github.com/speech-stream/backend/internal/transcript"
	"github.com/speech-stream/backend/internal/webhook"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(logging.Options{Format: cfg.LogFormat, Level: cfg.LogLevel})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
		logger.Fatal("create data directory", zap.String("path", cfg.DataPath), zap.Error(err))
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("open job store", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer st.Close()

	// Detect GPU hardware
	info := gpu.Detect()
	if info.Present() {
		logger.Info("GPU detected",
			zap.String("device", info.Device),
			zap.Int64("vram_total", info.VRAMTotal),
			zap.String("driver", info.Driver))
	} else {
		logger.Warn("no discrete GPU detected, readiness checks will fail")
	}

	eng := engine.NewRemote(cfg.EngineURL, logger)
	cache := modelcache.New(eng, transcript.DefaultModelConfig(cfg.Model, cfg.ComputeType), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cache.Preload(ctx, cfg.PreloadLanguages); err != nil {
		logger.Fatal("load default model", zap.String("model", cfg.Model), zap.Error(err))
	}

	orch := pipeline.New(eng, cache, cfg.BatchSize, cfg.Language, logger)
	fetcher := fetch.NewFetcher(time.Duration(cfg.FetchTimeoutSecs)*time.Second, logger)
	notifier := webhook.NewNotifier(st, logger)
	manager := job.NewManager(st, orch, fetcher, notifier, cfg.JobWorkers, logger)

	router := api.NewRouter(cfg, manager, cache, logger)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		manager.Stop()
	}()

	logger.Info("starting server",
		zap.String("addr", addr),
		zap.String("model", cfg.Model),
		zap.String("engine_url", cfg.EngineURL))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server failed", zap.Error(err))
	}
}
