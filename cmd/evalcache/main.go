package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/NikhilSetiya/evalcache/internal/api"
	"github.com/NikhilSetiya/evalcache/internal/evaluator"
	"github.com/NikhilSetiya/evalcache/internal/performance"
	"github.com/NikhilSetiya/evalcache/pkg/alerting"
	"github.com/NikhilSetiya/evalcache/pkg/config"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
	"github.com/NikhilSetiya/evalcache/pkg/metrics"
	"github.com/NikhilSetiya/evalcache/pkg/tracing"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatalf("evalcache: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "evalcache",
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)
	api.Version = version

	ts, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "evalcache",
		ServiceVersion: version,
		Environment:    cfg.Server.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: "evalcache",
		Enabled:   cfg.Metrics.Enabled,
	})

	managerOpts := []performance.Option{
		performance.WithLogger(logger),
		performance.WithMetrics(m),
		performance.WithTracer(ts.Tracer()),
	}
	if alerts := newAlerting(cfg.Alerting, logger); alerts != nil {
		managerOpts = append(managerOpts, performance.WithBreakerListener(alerts.BreakerListener()))
	}

	manager, err := performance.NewManager(cfg.Performance, managerOpts...)
	if err != nil {
		return fmt.Errorf("failed to create performance manager: %w", err)
	}

	client, err := evaluator.NewClient(cfg.Evaluator,
		evaluator.WithLogger(logger),
		evaluator.WithTracing(ts),
	)
	if err != nil {
		return fmt.Errorf("failed to create evaluator client: %w", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// background work stops through manager.Shutdown, after the server drains
	if err := manager.Initialize(context.Background(), client); err != nil {
		return fmt.Errorf("failed to initialize performance manager: %w", err)
	}

	collector := metrics.NewStatsCollector(m, manager, cfg.Metrics.CollectInterval, logger)
	go collector.Start(rootCtx)

	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      api.NewRouter(cfg, manager, m, ts, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting API server", "addr", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	collector.Stop()
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error("Performance manager shutdown incomplete", "error", err)
	}
	if err := ts.Shutdown(ctx); err != nil {
		logger.Error("Tracing shutdown failed", "error", err)
	}

	logger.Info("Server exited")
	return nil
}

func newAlerting(cfg config.AlertingConfig, logger *logging.Logger) *alerting.Service {
	if cfg.WebhookURL == "" && cfg.SlackWebhookURL == "" {
		return nil
	}

	alerts := alerting.NewService(logger, alerting.DefaultConfig())
	if cfg.WebhookURL != "" {
		alerts.AddChannel(alerting.NewWebhookChannel(cfg.WebhookURL, nil))
	}
	if cfg.SlackWebhookURL != "" {
		alerts.AddChannel(alerting.NewSlackChannel(cfg.SlackWebhookURL, cfg.SlackChannel, "evalcache"))
	}
	return alerts
}
