package cmd

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/appid"
	"github.com/marketsync/marketsync/internal/config"
	errwrap "github.com/marketsync/marketsync/internal/errors"
	"github.com/marketsync/marketsync/internal/metrics"
	"github.com/marketsync/marketsync/internal/observability"
	"github.com/marketsync/marketsync/internal/server"
	"github.com/marketsync/marketsync/internal/server/handlers"
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server: health probes, /metrics, and the /v1 API for
endpoint rates, single quantity updates, and activation cycles.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload and validate config (restart to apply)

Shutdown stops the HTTP server, flushes tracker snapshots, closes the store,
and syncs the logger.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "server host (default from config)")
	serveCmd.Flags().IntP("port", "p", 0, "server port (default from config)")
}

// serveOverrides layers explicitly set flags over the loaded config.
func serveOverrides(cmd *cobra.Command) map[string]any {
	srv := map[string]any{}
	if cmd.Flags().Changed("host") {
		host, _ := cmd.Flags().GetString("host")
		srv["host"] = host
	}
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		srv["port"] = port
	}
	if len(srv) == 0 {
		return map[string]any{}
	}
	return map[string]any{"server": srv}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	overrides := serveOverrides(cmd)

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return errwrap.WrapConfigInvalid(ctx, err, "failed to load configuration")
	}

	observability.InitServerLogger(observability.ServerLoggerOptions{
		Service:     appid.ServiceName,
		Level:       cfg.Logging.Level,
		Environment: os.Getenv(appid.EnvPrefix + "ENV"),
		Namespace:   appid.ServiceName,
	})
	log := observability.ServerLogger

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(appid.ServiceName, cfg.Metrics.Port); err != nil {
			log.Error("Failed to initialize metrics", zap.Error(err))
			return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
		}
		metrics.SetServerStartTime(time.Now().Unix())
	}

	a, err := newApp(ctx, appOptions{overrides: []map[string]any{overrides}, logger: log})
	if err != nil {
		return err
	}
	a.startFlusher(context.WithoutCancel(ctx))

	log.Info("Initializing server",
		zap.String("service", appid.ServiceName),
		zap.String("version", versionInfo.Version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("metrics_port", observability.GetMetricsPort()),
		zap.String("store", a.backend.Driver()),
		zap.String("run_id", a.runID))

	if cfg.Health.Enabled {
		hm := handlers.InitHealthManager(versionInfo.Version)
		hm.RegisterChecker("store", handlers.StoreChecker{Store: a.backend})
		hm.RegisterChecker("marketplace_breakers", handlers.BreakerChecker{Source: a.requester, Categories: a.categories()})
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}
	}

	opts := server.OptionsFromConfig(cfg)
	opts.AdminToken = strings.TrimSpace(os.Getenv(appid.EnvPrefix + "ADMIN_TOKEN"))
	opts.API = &handlers.API{
		Rates:   a.backend,
		Updater: a.mutator(),
		Cycles:  a.orchestrator(),
		Logger:  log,
	}
	srv := server.New(opts)

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	// Shutdown handlers run last-registered first.
	signals.OnShutdown(func(ctx context.Context) error {
		log.Info("Flushing logger...")
		if err := log.Sync(); err != nil {
			log.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		log.Info("Flushing tracker and closing store...")
		if err := a.Close(); err != nil {
			return errwrap.WrapDatabaseError(ctx, err, "store close failed")
		}
		return observability.ShutdownMetrics()
	})

	signals.OnShutdown(func(ctx context.Context) error {
		log.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}
		log.Info("HTTP server stopped gracefully")
		return nil
	})

	signals.OnReload(func(ctx context.Context) error {
		log.Info("Received SIGHUP: reloading config")
		reloaded, err := config.Load(ctx, overrides)
		if err != nil {
			log.Error("Config reload failed", zap.Error(err))
			return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
		}
		log.Info("Configuration reloaded; restart to apply",
			zap.String("log_level", reloaded.Logging.Level),
			zap.String("store_driver", reloaded.Store.Driver))
		return nil
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		log.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server...",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	go func() {
		if err := signals.Listen(ctx); err != nil {
			log.Error("Signal handler error", zap.Error(err))
			errChan <- err
		}
	}()

	if err := <-errChan; err != nil {
		_ = a.Close()
		return errwrap.WrapInternal(ctx, err, "server error")
	}
	return nil
}
