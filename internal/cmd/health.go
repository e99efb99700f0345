package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/config"
	"github.com/marketsync/marketsync/internal/core/store"
	errwrap "github.com/marketsync/marketsync/internal/errors"
	"github.com/marketsync/marketsync/internal/marketplace"
	"github.com/marketsync/marketsync/internal/observability"
)

var healthSkipStore bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify version info, configuration, marketplace client settings, and store connectivity.",
	Run: func(cmd *cobra.Command, args []string) {
		if observability.CLILogger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("Logger not initialized"))
			return
		}
		log := observability.CLILogger
		log.Info("Running health check...")

		if versionInfo.Version == "" {
			log.Error("❌ FAIL: Version information missing")
			ExitWithCode(log, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		log.Info("✅ Version information available", zap.String("version", versionInfo.Version))

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			log.Error("❌ FAIL: Configuration invalid")
			ExitWithCode(log, foundry.ExitConfigInvalid, "Configuration invalid", errwrap.WrapConfigInvalid(cmd.Context(), err, "config load failed"))
			return
		}
		log.Info("✅ Configuration loaded")

		if _, err := marketplace.NewRequester(requesterConfig(cfg, nil, log)); err != nil {
			log.Error("❌ FAIL: Marketplace client settings invalid")
			ExitWithCode(log, foundry.ExitConfigInvalid, "Marketplace client settings invalid", errwrap.WrapConfigInvalid(cmd.Context(), err, "requester config invalid"))
			return
		}
		if cfg.Marketplace.Token == "" {
			log.Warn("⚠️  Marketplace token not set; upstream calls will be rejected")
		} else {
			log.Info("✅ Marketplace client configured")
		}

		if healthSkipStore {
			log.Info("✅ All health checks passed (store skipped)")
			return
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		backend, err := store.OpenBackend(ctx, cfg.Store)
		if err == nil {
			err = backend.PingContext(ctx)
			_ = backend.Close()
		}
		if err != nil {
			log.Error("❌ FAIL: Store unreachable", zap.String("driver", cfg.Store.Driver))
			ExitWithCode(log, foundry.ExitExternalServiceUnavailable, "Store unreachable", errwrap.WrapDatabaseError(ctx, err, "store check failed"))
			return
		}
		log.Info("✅ Store reachable", zap.String("driver", cfg.Store.Driver))

		log.Info("")
		log.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthSkipStore, "skip-store", false, "skip the store connectivity check")
}
