package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/output"
)

var listingCmd = &cobra.Command{
	Use:   "listing",
	Short: "Inspect or change a single listing",
}

var listingGetCmd = &cobra.Command{
	Use:   "get <listing-id>",
	Short: "Print a listing as returned by the marketplace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appOptions{noStore: true})
		if err != nil {
			return err
		}
		defer a.Close() // nolint:errcheck // best-effort cleanup

		listing, err := a.requester.GetListing(ctx, strings.TrimSpace(args[0]))
		if err != nil {
			return err
		}
		payload, err := json.MarshalIndent(listing, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(payload))
		return err
	},
}

var listingSetQuantityCmd = &cobra.Command{
	Use:   "set-quantity <listing-id>",
	Short: "Set a listing's quantity to 0 or 1 and verify it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		quantity, _ := cmd.Flags().GetInt("quantity")
		price, _ := cmd.Flags().GetString("price")
		currency, _ := cmd.Flags().GetString("currency")
		if quantity != 0 && quantity != 1 {
			return errors.New("--quantity must be 0 or 1")
		}
		if price != "" {
			if _, err := core.NewMoney(price); err != nil {
				return fmt.Errorf("--price: %w", err)
			}
		}
		id := strings.TrimSpace(args[0])
		if id == "" {
			return errors.New("listing id is required")
		}

		a, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close() // nolint:errcheck // best-effort cleanup

		item := core.ActivationItem{
			ListingID: id,
			Child:     core.ChildInfo{PriceHint: price, Currency: strings.ToUpper(strings.TrimSpace(currency))},
		}
		result := a.mutator().UpdateQuantity(ctx, a.runID, item, quantity)

		rendered, err := output.RenderUpdateResult(format, result)
		if err != nil {
			return err
		}
		if err := writeRendered(cmd, "listing-"+id, format, rendered); err != nil {
			return err
		}
		if !result.OK {
			return fmt.Errorf("listing %s: %s", id, result.Error)
		}
		return nil
	},
}

func init() {
	listingSetQuantityCmd.Flags().Int("quantity", 0, "Desired quantity (0 or 1)")
	listingSetQuantityCmd.Flags().String("price", "", "Price to send with the update (default: configured fallback)")
	listingSetQuantityCmd.Flags().String("currency", "", "Currency for --price (default: configured currency)")
	_ = listingSetQuantityCmd.MarkFlagRequired("quantity")
	addOutputFlags(listingSetQuantityCmd)

	listingCmd.AddCommand(listingGetCmd)
	listingCmd.AddCommand(listingSetQuantityCmd)
	rootCmd.AddCommand(listingCmd)
}
