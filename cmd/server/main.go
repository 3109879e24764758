// Package main provides the entry point for the kvpk service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/kvpk/internal/auth"
	"github.com/devrev/kvpk/internal/config"
	"github.com/devrev/kvpk/internal/health"
	"github.com/devrev/kvpk/internal/indexstore"
	"github.com/devrev/kvpk/internal/kv"
	"github.com/devrev/kvpk/internal/metrics"
	"github.com/devrev/kvpk/internal/server"
	"github.com/devrev/kvpk/internal/validation"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// statser is implemented by stores that can report their footprint.
type statser interface {
	Stats() (keys, bytes int)
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode configuration: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("starting kvpk",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("auth_url", cfg.Auth.URL),
	)

	// Metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// Index store
	ctx := context.Background()
	store, err := indexstore.New(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal("failed to open index store", zap.Error(err))
	}
	defer closeStore(store, logger)

	backend := store
	if cached, ok := store.(*indexstore.CachedStore); ok {
		cached.OnLookup(m.IncStoreCacheHit, m.IncStoreCacheMiss)
		backend = cached.Unwrap()
	}
	if ps, ok := backend.(*indexstore.PebbleStore); ok {
		reg.MustRegister(indexstore.NewPebbleCollector(ps.DB()))
	}

	// Engine
	validator := validation.NewValidatorWithLimits(cfg.Limits.MaxKeyLength, cfg.Limits.MaxValueBytes)
	engine := kv.NewEngine(store, validator, m, logger, kv.Options{
		ScanPageSize:     cfg.Store.ScanPageSize,
		FetchConcurrency: cfg.Engine.FetchConcurrency,
	})

	// Authentication
	pfpk, err := auth.NewPFPKClient(cfg.Auth.URL, cfg.Auth.Role, &http.Client{Timeout: cfg.Auth.Timeout}, m, logger)
	if err != nil {
		logger.Fatal("failed to create auth client", zap.Error(err))
	}
	var authn auth.Authenticator = pfpk
	if cfg.Auth.CacheTTL > 0 {
		cache := auth.NewCachedAuthenticator(pfpk, cfg.Auth.CacheTTL, cfg.Auth.CacheSize, m, logger)
		defer cache.Close()
		authn = cache
		logger.Info("auth cache enabled", zap.Duration("ttl", cfg.Auth.CacheTTL))
	}

	// Health
	healthCheck := health.NewHealthCheck(store, m, logger)
	healthCheck.Start()
	defer healthCheck.Stop()

	// Metrics server
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, reg, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	// HTTP server
	httpServer := server.NewServer(cfg, engine, authn, healthCheck, m, logger)
	httpServer.SetupRoutes()

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("server error", zap.Error(err))
	}

	logger.Info("initiating graceful shutdown")
	m.SetHealthStatus(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}

	logger.Info("kvpk shutdown complete")
}

func closeStore(store indexstore.Store, logger *zap.Logger) {
	inner := store
	if cached, ok := store.(*indexstore.CachedStore); ok {
		inner = cached.Unwrap()
	}
	if s, ok := inner.(statser); ok {
		keys, size := s.Stats()
		logger.Info("index store contents discarded",
			zap.Int("records", keys),
			zap.String("size", humanize.Bytes(uint64(size))))
	}

	if err := store.Close(); err != nil {
		logger.Error("failed to close index store", zap.Error(err))
	}
}

// initLogger builds the zap logger from configuration. LOG_LEVEL and
// LOG_FORMAT override the configured values.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	logLevel := cfg.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		logLevel = env
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = zapcore.InfoLevel
	}

	logFormat := cfg.Format
	if env := os.Getenv("LOG_FORMAT"); env != "" {
		logFormat = env
	}

	var zcfg zap.Config
	if logFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	output := cfg.Output
	if output == "" {
		output = "stdout"
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{output}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}
