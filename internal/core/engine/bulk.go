package engine

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/observability"
)

const (
	DefaultWorkers   = 24
	DefaultChunkSize = 1000
)

// QuantityUpdater performs one listing quantity mutation. Failures are
// reported in the result, never as a panic or error.
type QuantityUpdater interface {
	UpdateQuantity(ctx context.Context, runID string, item core.ActivationItem, quantity int) core.UpdateResult
}

// BulkOptions bounds a bulk mutation.
type BulkOptions struct {
	Workers   int
	ChunkSize int
	// Phase names the caller in chunk log events.
	Phase  string
	Logger *logging.Logger
}

// BulkUpdate applies quantity to every item. Chunks run one after another;
// within a chunk at most Workers items are in flight. Item failures never
// stop the run. A cancelled ctx marks unstarted items failed and is returned.
func BulkUpdate(ctx context.Context, updater QuantityUpdater, runID string, items []core.ActivationItem, quantity int, opts BulkOptions) (core.BulkSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	phase := opts.Phase
	if phase == "" {
		phase = "bulk"
	}
	log := observability.Events(opts.Logger)

	results := make([]core.UpdateResult, len(items))
	for start := 0; start < len(items); start += chunkSize {
		end := min(start+chunkSize, len(items))
		chunkStarted := time.Now()
		log.Info(phase+"_chunk_start",
			zap.String("run_id", runID),
			zap.Int("offset", start),
			zap.Int("size", end-start))

		var group errgroup.Group
		group.SetLimit(workers)
		for i := start; i < end; i++ {
			group.Go(func() error {
				item := items[i]
				if err := ctx.Err(); err != nil {
					results[i] = core.UpdateResult{ListingID: item.ListingID, RequestedQuantity: quantity, Error: err.Error()}
					return nil
				}
				results[i] = updater.UpdateQuantity(ctx, runID, item, quantity)
				return nil
			})
		}
		_ = group.Wait()

		log.Info(phase+"_chunk_done",
			zap.String("run_id", runID),
			zap.Int("offset", start),
			zap.Int("size", end-start),
			zap.Duration("elapsed", time.Since(chunkStarted)))
	}

	summary := core.BulkSummary{Requested: len(items), Results: results}
	for _, result := range results {
		if result.OK {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	return summary, ctx.Err()
}
