package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/output"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one activation cycle",
	Long: `Run one activation cycle over the listings in --items.

The cycle takes a baseline scan, activates the items that are currently
inactive, waits --settle, deactivates exactly what it activated, rescans,
and reconciles. Interrupting the run rolls back any activations it made.

The items file is YAML or JSON: either a list of items or a mapping with an
"items" key. Each item needs a listing_id; child.price_hint, child.max_price
and child.currency are optional.`,
	RunE: runCycle,
}

func init() {
	cycleCmd.Flags().String("items", "", "Items file (YAML or JSON, - for stdin)")
	cycleCmd.Flags().Duration("settle", 0, "Wait between activation and deactivation (default from config)")
	cycleCmd.Flags().Bool("abort-on-first-failure", false, "Stop activating after the first failed item")
	cycleCmd.Flags().Int("workers", 0, "Concurrent mutations (default from config)")
	cycleCmd.Flags().Int("chunk-size", 0, "Items per bulk chunk (default from config)")
	_ = cycleCmd.MarkFlagRequired("items")
	addOutputFlags(cycleCmd)

	rootCmd.AddCommand(cycleCmd)
}

func runCycle(cmd *cobra.Command, args []string) error {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("items")
	items, err := readItems(path, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{overrides: []map[string]any{cycleOverrides(cmd)}})
	if err != nil {
		return err
	}
	defer a.Close() // nolint:errcheck // best-effort cleanup
	a.startFlusher(context.WithoutCancel(ctx))

	orchestrator := a.orchestrator()
	a.logger.Info("Starting cycle",
		zap.String("run_id", a.runID),
		zap.Int("items", len(items)),
		zap.Duration("settle_wait", orchestrator.Config.SettleWait),
		zap.Int("workers", orchestrator.Config.Workers))

	report, err := orchestrator.Run(ctx, a.runID, items)
	if err != nil && report.RunID == "" {
		return err
	}

	rendered, renderErr := output.RenderCycleReport(format, report)
	if renderErr != nil {
		return renderErr
	}
	if werr := writeRendered(cmd, "cycle-"+a.runID, format, rendered); werr != nil {
		return werr
	}
	if err != nil {
		return err
	}
	if !report.ReconcileOK {
		return fmt.Errorf("cycle %s did not reconcile", a.runID)
	}
	return nil
}

// cycleOverrides turns explicitly set flags into a runtime config layer.
func cycleOverrides(cmd *cobra.Command) map[string]any {
	cycle := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("settle") {
		v, _ := flags.GetDuration("settle")
		cycle["settle_wait"] = v.String()
	}
	if flags.Changed("abort-on-first-failure") {
		v, _ := flags.GetBool("abort-on-first-failure")
		cycle["abort_on_first_failure"] = v
	}
	if flags.Changed("workers") {
		v, _ := flags.GetInt("workers")
		cycle["workers"] = v
	}
	if flags.Changed("chunk-size") {
		v, _ := flags.GetInt("chunk-size")
		cycle["chunk_size"] = v
	}
	if len(cycle) == 0 {
		return map[string]any{}
	}
	return map[string]any{"cycle": cycle}
}

func readItems(path string, stdin io.Reader) ([]core.ActivationItem, error) {
	path = strings.TrimSpace(path)
	var (
		data []byte
		err  error
	)
	switch path {
	case "":
		return nil, errors.New("--items is required")
	case "-":
		data, err = io.ReadAll(stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	return parseItems(data)
}

// parseItems accepts a YAML/JSON list of items or a mapping with an items key.
func parseItems(data []byte) ([]core.ActivationItem, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("items file is empty")
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse items: %w", err)
	}
	node := &root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}

	var items []core.ActivationItem
	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&items); err != nil {
			return nil, fmt.Errorf("parse items: %w", err)
		}
	case yaml.MappingNode:
		var wrapped struct {
			Items []core.ActivationItem `yaml:"items"`
		}
		if err := node.Decode(&wrapped); err != nil {
			return nil, fmt.Errorf("parse items: %w", err)
		}
		items = wrapped.Items
	default:
		return nil, errors.New("items must be a list or a mapping with an items key")
	}

	for i := range items {
		items[i].ListingID = strings.TrimSpace(items[i].ListingID)
		if items[i].ListingID == "" {
			return nil, fmt.Errorf("items[%d]: listing_id is required", i)
		}
		if price := items[i].Child.PriceHint; price != "" {
			if _, err := core.NewMoney(price); err != nil {
				return nil, fmt.Errorf("items[%d]: price_hint: %w", i, err)
			}
		}
	}
	return items, nil
}
