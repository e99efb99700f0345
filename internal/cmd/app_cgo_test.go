//go:build cgo

package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketsync/marketsync/internal/config"
	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/core/store"
)

func TestAppCloseFlushesTrackerIntoStore(t *testing.T) {
	isolateConfig(t)
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "marketsync.db")

	a, err := newApp(ctx, appOptions{
		overrides: []map[string]any{{"store": map[string]any{"path": dbPath}}},
	})
	require.NoError(t, err)
	require.NotNil(t, a.backend)
	require.NotNil(t, a.orchestrator().Reports)

	a.tracker.Observe("listings_get_all", core.OutcomeOK, 40*time.Millisecond, 0)
	a.tracker.Observe("listings_get_all", core.OutcomeRateLimit, 10*time.Millisecond, 2*time.Second)
	runID := a.runID
	require.NoError(t, a.Close())

	backend, err := openBackendForTest(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	entries, err := backend.ListEndpointRates(ctx, store.EndpointRateQuery{Endpoint: "listings_get_all"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, runID, entries[0].Snapshot.RunID)
	require.Equal(t, 1, entries[0].Snapshot.OK)
	require.Equal(t, 1, entries[0].Snapshot.RateLimit)
}

func TestAppStartedFlusherStopsOnClose(t *testing.T) {
	isolateConfig(t)
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "marketsync.db")

	a, err := newApp(ctx, appOptions{
		overrides: []map[string]any{{"store": map[string]any{"path": dbPath}}},
	})
	require.NoError(t, err)

	a.startFlusher(ctx)
	a.tracker.Observe("listing_update", core.OutcomeServerError, time.Millisecond, 0)
	require.NoError(t, a.Close())

	backend, err := openBackendForTest(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	entries, err := backend.ListEndpointRates(ctx, store.EndpointRateQuery{All: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].Snapshot.ServerError)
}

func openBackendForTest(ctx context.Context, path string) (store.Backend, error) {
	return store.OpenBackend(ctx, config.StoreConfig{Driver: "libsql", Path: path})
}
