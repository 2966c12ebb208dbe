// Package main is the entry point for the HeatLink fetch engine daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/heatlink-project/heatlink"
	"github.com/heatlink-project/heatlink/internal/config"
	"github.com/heatlink-project/heatlink/internal/observability"
)

func main() {
	configPath := flag.String("config", "config/heatlink.yaml", "path to configuration file")
	metricsAddr := flag.String("metrics-addr", ":9090", "metrics listen address")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath, nil)
	if err != nil {
		observability.NewLogger(observability.LoggerConfig{JSONFormat: true}, os.Stderr).
			Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.Format == "json",
	}, os.Stdout)

	logger.Info("starting heatlink", "version", heatlink.Version, "config", *configPath)

	opts := []heatlink.Option{
		heatlink.WithConfig(cfg),
		heatlink.WithLogger(logger),
	}

	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, heatlink.WithMetrics(registry))
	}

	eng, err := heatlink.New(opts...)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	cfgManager.OnChange(func(next *config.Config) {
		// Proxy changes apply live; source and connection changes need a
		// restart.
		eng.Control().UpdateProxies(next.Proxies.Endpoints)
	})

	eng.Start(ctx)

	var metricsServer *http.Server
	if registry != nil {
		mux := http.NewServeMux()
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", *metricsAddr, "path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	if err := eng.Close(); err != nil {
		logger.Error("shutdown finished with errors", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
