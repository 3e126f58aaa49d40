// Package main runs the anomaly detection and alerting service.
//
// The service exposes:
//   - batch detection endpoints (z-score, p95/p99, trend, aggregation, timeline)
//   - streamed ingestion scored against a rolling per-series history
//   - alert creation with deduplication, querying and resolution
//   - Prometheus metrics and pprof
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"anomaly-service/internal/alerts"
	"anomaly-service/internal/analytics"
	"anomaly-service/internal/cache"
	"anomaly-service/internal/config"
	"anomaly-service/internal/handlers"
	"anomaly-service/internal/logging"
	"anomaly-service/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting anomaly service",
		zap.String("go_version", runtime.Version()),
		zap.Int("num_cpu", runtime.NumCPU()),
		zap.String("store", cfg.Store.Backend),
	)

	ctx := context.Background()

	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache = connectRedis(ctx, cfg.Redis, cfg.History.Size, logger)
		if redisCache == nil && cfg.Store.Backend == config.BackendRedis {
			return errors.New("redis alert store requested but redis is unreachable")
		}
	}

	store, err := openStore(ctx, cfg, redisCache)
	if err != nil {
		return err
	}

	alertOpts := []alerts.Option{
		alerts.WithLogger(logger),
		alerts.WithDedupWindow(cfg.Alerts.DedupWindow),
		alerts.WithBatchLimit(cfg.Alerts.BatchLimit),
	}
	// share dedup claims across instances when redis is around
	if redisCache != nil {
		alertOpts = append(alertOpts, alerts.WithDeduplicator(alerts.NewRedisDeduplicator(redisCache.Client())))
	}
	alertService := alerts.NewService(store, alertOpts...)

	detector := analytics.NewDetector(logger)
	history := analytics.NewShardedHistory(cfg.History.Size, cfg.History.Shards)
	analyzer := analytics.NewAnalyzer(analytics.AnalyzerConfig{
		BufferSize: cfg.Analyzer.BufferSize,
		MinSamples: cfg.Analyzer.MinSamples,
	}, history, detector, alertService, logger)
	analyzer.Start(cfg.Analyzer.Workers)
	logger.Info("analytics engine started", zap.Int("workers", cfg.Analyzer.Workers))

	handler := handlers.NewHandler(handlers.Deps{
		Detector:  detector,
		Analyzer:  analyzer,
		Alerts:    alertService,
		Cache:     redisCache,
		Logger:    logger,
		StoreName: cfg.Store.Backend,
	})
	router := handlers.NewRouter(handler, logger)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handlers.CORS(router, cfg.CORS.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go updateMetricsLoop(loopCtx, analyzer)
	go processAnalysisResults(loopCtx, analyzer, handler, logger)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case runErr = <-serverErr:
		logger.Error("server error", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	// stop accepting requests before the analyzer and stores go away
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	analyzer.Stop()
	stopLoops()

	if err := store.Close(); err != nil {
		logger.Error("failed to close alert store", zap.Error(err))
	}
	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			logger.Error("failed to close redis", zap.Error(err))
		}
	}

	logger.Info("server stopped")
	return runErr
}

// connectRedis retries with a linear backoff and returns nil when Redis
// stays unreachable. The service then runs without the sample mirror.
func connectRedis(ctx context.Context, cfg config.RedisConfig, historySize int, logger *zap.Logger) *cache.RedisCache {
	retries := max(cfg.ConnectRetries, 1)
	opts := cache.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		HistorySize: historySize,
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		c, err := cache.NewRedisCache(ctx, opts)
		if err == nil {
			logger.Info("connected to redis", zap.String("addr", cfg.Addr))
			return c
		}
		lastErr = err
		logger.Warn("redis connection attempt failed",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", retries),
			zap.Error(err),
		)
		if i < retries-1 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}

	logger.Warn("running without redis", zap.Error(lastErr))
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, redisCache *cache.RedisCache) (alerts.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := alerts.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		store, err := alerts.NewPostgresStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	case config.BackendRedis:
		return alerts.NewRedisStore(redisCache.Client()), nil
	default:
		return alerts.NewMemoryStore(), nil
	}
}

// updateMetricsLoop periodically refreshes the Prometheus gauges.
func updateMetricsLoop(ctx context.Context, analyzer *analytics.Analyzer) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st := analyzer.Stats()
			metrics.TrackedSeries.Set(float64(len(analyzer.Series())))
			metrics.QueueDropped.Set(float64(st.Dropped))
			metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))
		case <-ctx.Done():
			return
		}
	}
}

// processAnalysisResults drains results of asynchronously ingested samples.
func processAnalysisResults(ctx context.Context, analyzer *analytics.Analyzer, handler *handlers.Handler, logger *zap.Logger) {
	for {
		select {
		case result := <-analyzer.Results():
			handler.RecordResult(ctx, result)
			if result.Score.IsAnomaly {
				logger.Info("anomaly detected",
					zap.String("metric", result.Sample.Metric),
					zap.Float64("value", result.Sample.Value),
					zap.Float64("score", result.Score.Score),
					zap.String("severity", string(result.Score.Severity)),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}
