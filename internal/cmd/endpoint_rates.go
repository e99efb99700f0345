package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marketsync/marketsync/internal/config"
	"github.com/marketsync/marketsync/internal/core/store"
	apperrors "github.com/marketsync/marketsync/internal/errors"
	"github.com/marketsync/marketsync/internal/output"
)

var endpointRatesCmd = &cobra.Command{
	Use:   "endpoint-rates",
	Short: "Inspect learned per-endpoint rate snapshots",
}

var endpointRatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored endpoint rate snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		query, err := endpointRateQueryFromFlags(cmd)
		if err != nil {
			return err
		}
		if !query.All && query.Endpoint == "" && query.Prefix == "" {
			query.All = true
		}

		backend, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() // nolint:errcheck // best-effort cleanup

		entries, err := backend.ListEndpointRates(ctx, query)
		if err != nil {
			return apperrors.WrapDatabaseError(ctx, err, "failed to list endpoint rates")
		}

		rendered, err := output.RenderEndpointRates(format, entries)
		if err != nil {
			return err
		}
		return writeRendered(cmd, "endpoint-rates", format, rendered)
	},
}

// rateSnapshotPruner is implemented by stores that can delete snapshots.
type rateSnapshotPruner interface {
	CountEndpointRates(ctx context.Context, q store.EndpointRateQuery) (int, error)
	PruneEndpointRates(ctx context.Context, q store.EndpointRateQuery) (int64, error)
}

var endpointRatesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stored endpoint rate snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		query, err := endpointRateQueryFromFlags(cmd)
		if err != nil {
			return err
		}
		if err := query.Validate(); err != nil {
			return err
		}
		yes, _ := cmd.Flags().GetBool("yes")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if query.All && !yes && !dryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		backend, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() // nolint:errcheck // best-effort cleanup

		pruner, ok := backend.(rateSnapshotPruner)
		if !ok {
			return fmt.Errorf("the %s store does not support pruning", backend.Driver())
		}

		matched, err := pruner.CountEndpointRates(ctx, query)
		if err != nil {
			return apperrors.WrapDatabaseError(ctx, err, "failed to count endpoint rates")
		}
		if dryRun {
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Would delete %d snapshot(s)\n", matched)
			return err
		}

		deleted, err := pruner.PruneEndpointRates(ctx, query)
		if err != nil {
			return apperrors.WrapDatabaseError(ctx, err, "failed to prune endpoint rates")
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d/%d snapshot(s)\n", deleted, matched)
		return err
	},
}

func endpointRateQueryFromFlags(cmd *cobra.Command) (store.EndpointRateQuery, error) {
	all, _ := cmd.Flags().GetBool("all")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	prefix, _ := cmd.Flags().GetString("prefix")
	// prune has no --limit; GetInt then yields 0.
	limit, _ := cmd.Flags().GetInt("limit")
	query := store.EndpointRateQuery{
		All:      all,
		Endpoint: strings.TrimSpace(endpoint),
		Prefix:   strings.TrimSpace(prefix),
		Limit:    limit,
	}
	if query.Endpoint != "" && query.Prefix != "" {
		return query, errors.New("--endpoint and --prefix are mutually exclusive")
	}
	if query.Limit < 0 {
		return query, errors.New("--limit must not be negative")
	}
	return query, nil
}

func openBackend(ctx context.Context) (store.Backend, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, apperrors.WrapConfigInvalid(ctx, err, "failed to load configuration")
	}
	backend, err := store.OpenBackend(ctx, cfg.Store)
	if err != nil {
		return nil, apperrors.WrapDatabaseError(ctx, err, "failed to open store")
	}
	return backend, nil
}

func init() {
	for _, c := range []*cobra.Command{endpointRatesListCmd, endpointRatesPruneCmd} {
		c.Flags().Bool("all", false, "Select every endpoint")
		c.Flags().String("endpoint", "", "Select one endpoint tag (exact match)")
		c.Flags().String("prefix", "", "Select endpoint tags with this prefix")
	}
	endpointRatesListCmd.Flags().Int("limit", 0, "Maximum snapshots to list (0 for no limit)")
	addOutputFlags(endpointRatesListCmd)

	endpointRatesPruneCmd.Flags().Bool("yes", false, "Confirm deleting every snapshot")
	endpointRatesPruneCmd.Flags().Bool("dry-run", false, "Show what would be deleted")

	endpointRatesCmd.AddCommand(endpointRatesListCmd)
	endpointRatesCmd.AddCommand(endpointRatesPruneCmd)
	rootCmd.AddCommand(endpointRatesCmd)
}
