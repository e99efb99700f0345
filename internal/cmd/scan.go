package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/core"
	apperrors "github.com/marketsync/marketsync/internal/errors"
	"github.com/marketsync/marketsync/internal/marketplace"
	"github.com/marketsync/marketsync/internal/output"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan marketplace listings",
}

var scanListingsCmd = &cobra.Command{
	Use:   "listings",
	Short: "Fetch every seller listing and optionally persist it",
	Long: `Fetch every seller listing, normalize prices and grades, and print a summary.
With --persist the normalized listings are upserted into the store in batches.`,
	RunE: runScanListings,
}

var scanBuybackCmd = &cobra.Command{
	Use:   "buyback",
	Short: "Walk the buyback listings with cursor pagination",
	RunE:  runScanBuyback,
}

func init() {
	scanListingsCmd.Flags().Bool("persist", false, "Upsert normalized listings into the store")
	scanListingsCmd.Flags().Bool("no-store", false, "Do not open the store (tracker snapshots are discarded)")
	addOutputFlags(scanListingsCmd)

	scanBuybackCmd.Flags().Int("page-size", 50, "Items per page")
	scanBuybackCmd.Flags().Duration("delay", marketplace.DefaultBuybackPageDelay, "Pause between pages")
	scanBuybackCmd.Flags().Int("sample", 10, "Number of items to show")
	scanBuybackCmd.Flags().Bool("no-store", false, "Do not open the store (tracker snapshots are discarded)")
	addOutputFlags(scanBuybackCmd)

	scanCmd.AddCommand(scanListingsCmd)
	scanCmd.AddCommand(scanBuybackCmd)
	rootCmd.AddCommand(scanCmd)
}

func runScanListings(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}
	persist, _ := cmd.Flags().GetBool("persist")
	noStore, _ := cmd.Flags().GetBool("no-store")
	if persist && noStore {
		return errors.New("--persist and --no-store are mutually exclusive")
	}

	a, err := newApp(ctx, appOptions{noStore: noStore})
	if err != nil {
		return err
	}
	defer a.Close() // nolint:errcheck // best-effort cleanup
	a.startFlusher(ctx)

	raw, err := a.requester.FetchAllListings(ctx)
	if err != nil {
		return err
	}
	listings, skipped := marketplace.NormalizeListings(raw, time.Now().UTC())
	scan := output.NewListingScan(listings, skipped)
	a.logger.Info("Listings scanned",
		zap.String("run_id", a.runID),
		zap.Int("total", scan.Total),
		zap.Int("active", scan.Active),
		zap.Int("skipped", skipped))

	if persist {
		if err := a.backend.EnsureListingIndexes(ctx); err != nil {
			return apperrors.WrapDatabaseError(ctx, err, "failed to create listing indexes")
		}
		result, err := a.backend.BulkUpsertListings(ctx, listings, a.cfg.Store.BatchSize)
		scan.Persisted = &result
		if err != nil {
			return apperrors.WrapDatabaseError(ctx, err, "failed to persist listings")
		}
	}

	rendered, err := output.RenderListingScan(format, scan)
	if err != nil {
		return err
	}
	return writeRendered(cmd, "listings", format, rendered)
}

func runScanBuyback(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}
	pageSize, _ := cmd.Flags().GetInt("page-size")
	delay, _ := cmd.Flags().GetDuration("delay")
	sample, _ := cmd.Flags().GetInt("sample")
	noStore, _ := cmd.Flags().GetBool("no-store")
	if pageSize < 1 {
		return errors.New("--page-size must be at least 1")
	}
	if delay < 0 {
		return errors.New("--delay must not be negative")
	}

	a, err := newApp(ctx, appOptions{noStore: noStore})
	if err != nil {
		return err
	}
	defer a.Close() // nolint:errcheck // best-effort cleanup
	a.startFlusher(ctx)

	scan, err := a.requester.FetchBuyback(ctx, pageSize, delay)
	if err != nil {
		return err
	}
	a.logger.Info("Buyback scanned",
		zap.String("run_id", a.runID),
		zap.Int("pages", scan.Pages),
		zap.Int("total", scan.Total))

	rendered, err := output.RenderBuybackScan(format, scan, sample)
	if err != nil {
		return err
	}
	return writeRendered(cmd, string(core.CategoryBuyback), format, rendered)
}
