package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/core/engine"
	"github.com/marketsync/marketsync/internal/marketplace"
	"github.com/marketsync/marketsync/internal/observability"
	"github.com/marketsync/marketsync/internal/server"
	"github.com/marketsync/marketsync/internal/server/handlers"
)

// newAPI wires a real requester, mutator and orchestrator against upstream.
func newAPI(t *testing.T, upstreamURL string) *handlers.API {
	t.Helper()
	limits := map[core.Category]engine.RateLimit{}
	for category := range engine.DefaultLimits {
		limits[category] = engine.RateLimit{MaxPerWindow: 100000, Window: time.Second, RecoverAfterOK: 10}
	}
	requester, err := marketplace.NewRequester(marketplace.Config{
		BaseURL:           upstreamURL,
		Token:             "integration-token",
		Limits:            limits,
		GlobalConcurrency: 16,
		Backoff:           engine.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		Tracker:           engine.NewLearningTracker(time.Minute),
	})
	require.NoError(t, err)

	mutator := &marketplace.Mutator{Requester: requester, MaxAttempts: 3}
	return &handlers.API{
		Updater: mutator,
		Cycles: &engine.CycleOrchestrator{
			Scanner: requester,
			Updater: mutator,
			Config:  engine.CycleConfig{SettleWait: time.Hour, Workers: 24, ChunkSize: 1000},
		},
	}
}

func initLoggers() {
	observability.InitCLILogger("test", false)
	observability.InitServerLogger(observability.ServerLoggerOptions{Service: "test", Level: "error", Environment: "test"})
}

func TestCycleOverHTTP(t *testing.T) {
	initLoggers()
	handlers.InitHealthManager("test")

	upstream := newFakeMarketplace(1000, 5)
	upstreamTS := startHTTP(t, upstream)
	initialActive := upstream.activeSet()
	require.Len(t, initialActive, 800)

	ts, client := newTestServer(t, server.Options{API: newAPI(t, upstreamTS.URL)})

	ids := make([]string, 0, 1000)
	for id := range upstream.quantities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		items = append(items, map[string]any{"listing_id": id})
	}
	body, err := json.Marshal(map[string]any{"items": items, "settle_seconds": 0})
	require.NoError(t, err)

	resp, err := client.Post(ts.URL+"/v1/cycles", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck // test cleanup
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report core.CycleReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 1000, report.BaselineCount)
	assert.Equal(t, 200, report.ActivatedCount)
	assert.Equal(t, 200, report.DeactivatedCount)
	assert.True(t, report.ReconcileOK, "anomalies: %v", report.Anomalies)
	assert.False(t, report.Aborted)
	assert.Equal(t, initialActive, upstream.activeSet())
	assert.Equal(t, 400, upstream.writes)
}

func TestSetQuantityOverHTTP(t *testing.T) {
	initLoggers()

	upstream := newFakeMarketplace(3, 1)
	upstreamTS := startHTTP(t, upstream)
	ts, client := newTestServer(t, server.Options{API: newAPI(t, upstreamTS.URL)})

	resp, err := client.Post(ts.URL+"/v1/listings/L0001/quantity", "application/json", strings.NewReader(`{"quantity":1,"price":"25.00"}`))
	require.NoError(t, err)
	var result core.UpdateResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, result.OK)
	require.NotNil(t, result.VerifiedQuantity)
	require.Equal(t, 1, *result.VerifiedQuantity)

	resp, err = client.Post(ts.URL+"/v1/listings/NOPE/quantity", "application/json", strings.NewReader(`{"quantity":1}`))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.False(t, result.OK)
	require.NotEmpty(t, result.Error)
}

func TestMetricsEndpoint_Integration(t *testing.T) {
	initLoggers()
	initMetricsOrSkip(t)
	handlers.InitHealthManager("test")

	upstream := newFakeMarketplace(50, 2)
	upstreamTS := startHTTP(t, upstream)
	ts, client := newTestServer(t, server.Options{API: newAPI(t, upstreamTS.URL), MetricsPort: observability.GetMetricsPort()})

	for i := 0; i < 5; i++ {
		resp, err := client.Get(ts.URL + "/health")
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}
	resp, err := client.Post(ts.URL+"/v1/cycles", "application/json", strings.NewReader(`{"items":[{"listing_id":"L0000"}],"settle_seconds":0}`))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, readErr)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	contentType := resp.Header.Get("Content-Type")
	assert.True(t, strings.HasPrefix(contentType, "text/plain"), "unexpected content type %q", contentType)

	content := string(body)
	assert.Contains(t, content, "test_http_requests_total")
	assert.Contains(t, content, "test_marketplace_requests_total")
	assert.Contains(t, content, "test_bulk_items_total")
	assert.Contains(t, content, "test_cycle_runs_total")
}

func TestMetricsEndpoint_WithTelemetryDisabled(t *testing.T) {
	initLoggers()

	originalExporter := observability.PrometheusExporter
	originalTelemetry := observability.TelemetrySystem
	observability.PrometheusExporter = nil
	observability.TelemetrySystem = nil
	t.Cleanup(func() {
		observability.PrometheusExporter = originalExporter
		observability.TelemetrySystem = originalTelemetry
	})

	handlers.InitHealthManager("test")
	ts, client := newTestServer(t, server.Options{})

	resp, err := client.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = client.Get(ts.URL + "/v1/cycles")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
