package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/observability"
)

// ActivationJournal remembers which listings a run actually activated so they
// can be returned to quantity 0 if the run stops early.
type ActivationJournal struct {
	mu    sync.Mutex
	items map[string]core.ActivationItem
}

// NewActivationJournal returns an empty journal.
func NewActivationJournal() *ActivationJournal {
	return &ActivationJournal{items: make(map[string]core.ActivationItem)}
}

// Record notes a successful activation.
func (j *ActivationJournal) Record(item core.ActivationItem) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.items[item.ListingID] = item
}

// IDs returns the recorded listing ids in sorted order.
func (j *ActivationJournal) IDs() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	ids := make([]string, 0, len(j.items))
	for id := range j.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports how many activations are recorded.
func (j *ActivationJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.items)
}

// Rollback deactivates every recorded listing and clears the ones that were
// reverted. Failed reverts stay recorded for a later attempt.
func (j *ActivationJournal) Rollback(ctx context.Context, updater QuantityUpdater, runID string, opts BulkOptions, logger *logging.Logger) (core.BulkSummary, error) {
	j.mu.Lock()
	items := make([]core.ActivationItem, 0, len(j.items))
	for _, item := range j.items {
		items = append(items, item)
	}
	j.mu.Unlock()
	sort.Slice(items, func(a, b int) bool { return items[a].ListingID < items[b].ListingID })

	if opts.Phase == "" {
		opts.Phase = "rollback"
	}
	summary, err := BulkUpdate(ctx, updater, runID, items, 0, opts)

	failures := make([]string, 0)
	j.mu.Lock()
	for _, result := range summary.Results {
		if result.OK {
			delete(j.items, result.ListingID)
		} else {
			failures = append(failures, result.ListingID)
		}
	}
	j.mu.Unlock()

	observability.Events(logger).Info("activation_rollback_summary",
		zap.String("run_id", runID),
		zap.Int("count", len(items)),
		zap.Strings("failures", failures))
	return summary, err
}
