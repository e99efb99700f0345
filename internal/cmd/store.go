package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/config"
	"github.com/marketsync/marketsync/internal/core/store"
	apperrors "github.com/marketsync/marketsync/internal/errors"
	"github.com/marketsync/marketsync/internal/observability"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the local or Postgres store",
}

var storeMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := config.Load(ctx)
		if err != nil {
			return apperrors.WrapConfigInvalid(ctx, err, "failed to load configuration")
		}

		backend, err := store.OpenBackend(ctx, cfg.Store)
		if err != nil {
			return apperrors.WrapDatabaseError(ctx, err, "migration failed")
		}
		defer backend.Close() // nolint:errcheck // best-effort cleanup

		if err := backend.EnsureListingIndexes(ctx); err != nil {
			return apperrors.WrapDatabaseError(ctx, err, "failed to create listing indexes")
		}

		observability.CLILogger.Info("Store ready",
			zap.String("driver", backend.Driver()),
			zap.String("location", storeLocation(cfg.Store)))
		return nil
	},
}

var storePingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the store is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		backend, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() // nolint:errcheck // best-effort cleanup

		if err := backend.PingContext(ctx); err != nil {
			return apperrors.WrapDatabaseError(ctx, err, "store ping failed")
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s store reachable at %s\n", backend.Driver(), storeLocation(config.GetConfig().Store))
		return err
	},
}

// storeLocation describes where the store lives without leaking credentials.
func storeLocation(cfg config.StoreConfig) string {
	switch {
	case cfg.Driver == "postgres":
		return "(postgres dsn)"
	case cfg.URL != "":
		return cfg.URL
	default:
		return cfg.Path
	}
}

func init() {
	storeCmd.AddCommand(storeMigrateCmd)
	storeCmd.AddCommand(storePingCmd)
	rootCmd.AddCommand(storeCmd)
}
