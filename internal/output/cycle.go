package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/marketsync/marketsync/internal/core"
)

var stageOrder = []string{"baseline", "activate", "settle", "pricing", "deactivate", "rescan", "total"}

type cycleView struct {
	report core.CycleReport
}

func (v cycleView) title() string { return "Cycle " + v.report.RunID }

func (v cycleView) header() []any { return []any{"Field", "Value"} }

func (v cycleView) rows() [][]any {
	r := v.report
	rows := [][]any{
		{"started", r.StartedAt.UTC().Format(time.RFC3339)},
		{"baseline listings", r.BaselineCount},
		{"initially active", r.Details.InitialActiveCount},
		{"activated", fmt.Sprintf("%d (%d failed)", r.ActivatedCount, r.Details.ActivationFailures)},
		{"deactivated", fmt.Sprintf("%d (%d failed)", r.DeactivatedCount, r.Details.DeactivationFailures)},
		{"finally active", r.Details.FinalActiveCount},
		{"aborted", r.Aborted},
		{"reconcile ok", r.ReconcileOK},
	}

	anomalyKeys := make([]string, 0, len(r.Anomalies))
	for key := range r.Anomalies {
		anomalyKeys = append(anomalyKeys, key)
	}
	sort.Strings(anomalyKeys)
	for _, key := range anomalyKeys {
		ids := r.Anomalies[key]
		if len(ids) == 0 {
			continue
		}
		rows = append(rows, []any{key, summarizeIDs(ids, 5)})
	}

	for _, stage := range stageOrder {
		if d, ok := r.Durations[stage]; ok {
			rows = append(rows, []any{stage + " duration", d.Round(time.Millisecond).String()})
		}
	}
	return rows
}

func (v cycleView) footer() []any { return nil }

// RenderCycleReport renders a finished cycle.
func RenderCycleReport(format Format, report core.CycleReport) (string, error) {
	return render(format, report, cycleView{report: report})
}

type updateView struct {
	result core.UpdateResult
}

func (v updateView) title() string { return "" }

func (v updateView) header() []any {
	return []any{"Listing", "Requested", "Verified", "OK", "Error"}
}

func (v updateView) rows() [][]any {
	verified := "-"
	if v.result.VerifiedQuantity != nil {
		verified = fmt.Sprint(*v.result.VerifiedQuantity)
	}
	return [][]any{{v.result.ListingID, v.result.RequestedQuantity, verified, v.result.OK, v.result.Error}}
}

func (v updateView) footer() []any { return nil }

// RenderUpdateResult renders a single quantity mutation.
func RenderUpdateResult(format Format, result core.UpdateResult) (string, error) {
	return render(format, result, updateView{result: result})
}

func summarizeIDs(ids []string, limit int) string {
	if len(ids) <= limit {
		return fmt.Sprintf("%d: %s", len(ids), strings.Join(ids, ", "))
	}
	return fmt.Sprintf("%d: %s, ...", len(ids), strings.Join(ids[:limit], ", "))
}
