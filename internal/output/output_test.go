package output

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/core/store"
	"github.com/marketsync/marketsync/internal/marketplace"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "table", want: FormatTable},
		{in: "JSON", want: FormatJSON},
		{in: "", want: FormatTable},
		{in: "md", want: FormatMarkdown},
		{in: "csv", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func sampleReport() core.CycleReport {
	return core.CycleReport{
		RunID:            "run-7",
		StartedAt:        time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC),
		BaselineCount:    1000,
		ActivatedCount:   200,
		DeactivatedCount: 199,
		ReconcileOK:      false,
		Anomalies: map[string][]string{
			core.AnomalyActivatedStillActive:        {"L0042"},
			core.AnomalyInitialActiveBecameInactive: {},
		},
		Durations: map[string]time.Duration{
			"baseline": 1500 * time.Millisecond,
			"total":    3 * time.Minute,
		},
		Details: core.CycleDetails{InitialActiveCount: 800, FinalActiveCount: 801, DeactivationFailures: 1},
	}
}

func TestRenderCycleReport(t *testing.T) {
	report := sampleReport()

	rendered, err := RenderCycleReport(FormatTable, report)
	require.NoError(t, err)
	require.Contains(t, rendered, "Cycle run-7")
	require.Contains(t, rendered, "199 (1 failed)")
	require.Contains(t, rendered, "activated_still_active")
	require.Contains(t, rendered, "L0042")
	require.NotContains(t, rendered, "initial_active_became_inactive")
	require.Contains(t, rendered, "1.5s")

	rendered, err = RenderCycleReport(FormatJSON, report)
	require.NoError(t, err)
	var decoded core.CycleReport
	require.NoError(t, json.Unmarshal([]byte(rendered), &decoded))
	require.Equal(t, "run-7", decoded.RunID)

	rendered, err = RenderCycleReport(FormatMarkdown, report)
	require.NoError(t, err)
	require.Contains(t, rendered, "## Cycle run-7")
	require.Contains(t, rendered, "| reconcile ok |")
}

func TestSummarizeIDs(t *testing.T) {
	require.Equal(t, "2: a, b", summarizeIDs([]string{"a", "b"}, 5))
	require.Equal(t, "3: a, b, ...", summarizeIDs([]string{"a", "b", "c"}, 2))
}

func TestRenderEndpointRates(t *testing.T) {
	entries := []store.EndpointRateEntry{{
		ID: 3,
		Snapshot: core.EndpointSnapshot{
			RunID:              "run-7",
			EndpointTag:        "listing_update",
			Timestamp:          time.Date(2026, 3, 15, 9, 5, 0, 0, time.UTC),
			OK:                 40,
			RateLimit:          2,
			RecommendedDelayMS: 1250,
		},
	}}

	rendered, err := RenderEndpointRates(FormatTable, entries)
	require.NoError(t, err)
	require.Contains(t, rendered, "listing_update")
	require.Contains(t, rendered, "1.25s")
	require.Contains(t, rendered, "2026-03-15T09:05:00Z")

	rendered, err = RenderEndpointRates(FormatJSON, nil)
	require.NoError(t, err)
	require.Equal(t, "[]", rendered)
}

func TestRenderListingScan(t *testing.T) {
	price, err := core.NewMoney("19.9")
	require.NoError(t, err)
	scan := NewListingScan([]core.Listing{
		{ID: "A", SKU: "IPH-13", Grade: "GOOD", Quantity: 1, Active: true, Price: price, Currency: "GBP"},
		{ID: "B", SKU: "IPH-14", Grade: "FAIR"},
	}, 1)
	scan.Persisted = &core.BulkWriteResult{Upserted: 1, Modified: 1}
	require.Equal(t, 2, scan.Total)
	require.Equal(t, 1, scan.Active)

	rendered, err := RenderListingScan(FormatTable, scan)
	require.NoError(t, err)
	require.Contains(t, rendered, "19.90 GBP")
	require.Contains(t, rendered, "2 listings, 1 active, 1 skipped")
	require.Contains(t, rendered, "stored: 1 new, 1 updated")
}

func TestRenderBuybackScan(t *testing.T) {
	scan := marketplace.BuybackScan{
		Pages: 2,
		Total: 3,
		Items: []map[string]any{
			{"id": "b1", "sku": "S1", "productId": "p1"},
			{"id": "b2", "sku": "S2"},
			{"id": "b3", "sku": "S3"},
		},
	}

	rendered, err := RenderBuybackScan(FormatTable, scan, 2)
	require.NoError(t, err)
	require.Contains(t, rendered, "b2")
	require.NotContains(t, rendered, "b3")
	require.Contains(t, rendered, "3 items over 2 pages")

	rendered, err = RenderBuybackScan(FormatJSON, scan, 1)
	require.NoError(t, err)
	var summary BuybackSummary
	require.NoError(t, json.Unmarshal([]byte(rendered), &summary))
	require.Len(t, summary.Sample, 1)
	require.Equal(t, 3, summary.Total)
}

func TestRenderUpdateResult(t *testing.T) {
	verified := 1
	rendered, err := RenderUpdateResult(FormatTable, core.UpdateResult{ListingID: "L1", RequestedQuantity: 1, VerifiedQuantity: &verified, OK: true})
	require.NoError(t, err)
	require.Contains(t, rendered, "L1")
	require.Contains(t, rendered, "true")
}
