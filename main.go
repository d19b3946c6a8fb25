package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/bootstrap"
	"github.com/Kocoro-lab/deepresearch/internal/config"
	"github.com/Kocoro-lab/deepresearch/internal/health"
	"github.com/Kocoro-lab/deepresearch/internal/httpapi"
	"github.com/Kocoro-lab/deepresearch/internal/temporal"
	"github.com/Kocoro-lab/deepresearch/internal/tracing"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := config.DefaultPath()
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Hot reload only applies when the file exists; otherwise defaults and
	// environment overrides stand.
	var watcher *config.Watcher
	if _, statErr := os.Stat(path); statErr == nil {
		if watcher, err = config.NewWatcher(path, logger); err != nil {
			logger.Fatal("Failed to watch configuration", zap.Error(err))
		}
	}

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	comps, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build research engine", zap.Error(err))
	}
	defer comps.Close()

	if watcher != nil {
		watcher.OnChange(comps.Reload)
		watcher.OnPolicyChange(comps.ReloadPolicy)
		if dir := policyDir(cfg.Policy.Path); dir != "" {
			watcher.WatchPolicies(dir)
		}
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Configuration hot reload disabled", zap.Error(err))
		}
		defer watcher.Stop()
	}

	// Admin HTTP: health, event streams, review decisions, runs, timelines.
	httpMux := http.NewServeMux()
	health.NewHTTPHandler(comps.Health, logger).RegisterRoutes(httpMux)

	streams := httpapi.NewStreamingHandler(comps.Streams, logger)
	var replayer httpapi.Replayer
	if comps.EventLog != nil {
		replayer = comps.EventLog
		streams.WithReplayer(replayer)
	}
	streams.RegisterRoutes(httpMux)

	token := cfg.Server.AuthToken
	httpapi.NewReviewHandler(comps.Reviews, comps.Reviews, token, logger).RegisterRoutes(httpMux)

	var checkpoints httpapi.CheckpointLoader
	if comps.Checkpoints != nil {
		checkpoints = comps.Checkpoints
	}
	httpapi.NewTimelineHandler(comps.Streams, replayer, checkpoints, logger).RegisterRoutes(httpMux)

	var localRuns *httpapi.LocalRuns
	if cfg.Temporal.Host == "" {
		localRuns = httpapi.NewLocalRuns(ctx, comps.Engine, 1024, 24*time.Hour, logger)
		httpapi.NewRunsHandler(localRuns, token, logger).RegisterRoutes(httpMux)
	}

	adminServer := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Server.AdminPort),
		Handler:     httpMux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Server.AdminPort))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.MetricsPort), Handler: metricsMux}
	go func() {
		logger.Info("Metrics server listening", zap.String("address", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start metrics server", zap.Error(err))
		}
	}()

	// Temporal: the worker hosts the engine and /runs starts workflows.
	var tWorker worker.Worker
	if host := cfg.Temporal.Host; host != "" {
		tClient, err := temporal.Dial(ctx, host, cfg.Temporal.Namespace, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Temporal", zap.Error(err))
		}
		defer tClient.Close()
		_ = comps.Health.RegisterChecker(health.NewTemporalHealthChecker(tClient))
		httpapi.NewRunsHandler(httpapi.NewTemporalRuns(tClient, cfg.Temporal.TaskQueue), token, logger).RegisterRoutes(httpMux)

		w := temporal.NewWorker(tClient, cfg.Temporal.TaskQueue, temporal.NewActivities(comps.Engine, logger), cfg.Temporal.MaxConcurrentRuns)
		if err := w.Start(); err != nil {
			logger.Fatal("Failed to start Temporal worker", zap.Error(err))
		}
		logger.Info("Temporal worker started", zap.String("queue", cfg.Temporal.TaskQueue))
		tWorker = w
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down research service")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown", zap.Error(err))
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	if tWorker != nil {
		tWorker.Stop()
	}
	cancel()
	if localRuns != nil {
		localRuns.Wait()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown", zap.Error(err))
	}
}

func policyDir(path string) string {
	if path == "" {
		return ""
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return path
	}
	return filepath.Dir(path)
}
