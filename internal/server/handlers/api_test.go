package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/core/engine"
	"github.com/marketsync/marketsync/internal/core/store"
	"github.com/marketsync/marketsync/internal/marketplace"
)

type fakeRates struct {
	query   store.EndpointRateQuery
	entries []store.EndpointRateEntry
	err     error
}

func (f *fakeRates) ListEndpointRates(ctx context.Context, query store.EndpointRateQuery) ([]store.EndpointRateEntry, error) {
	f.query = query
	return f.entries, f.err
}

// fakeListings serves both the scanner and the updater side of a cycle.
type fakeListings struct {
	mu         sync.Mutex
	quantities map[string]int
	calls      []core.ActivationItem
	fail       bool
	scanErr    error
}

func (f *fakeListings) SnapshotIndex(ctx context.Context) (core.ListingIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	index := core.ListingIndex{}
	for id, qty := range f.quantities {
		index[id] = core.ListingIndexEntry{Quantity: qty, Active: qty > 0}
	}
	return index, nil
}

func (f *fakeListings) UpdateQuantity(ctx context.Context, runID string, item core.ActivationItem, quantity int) core.UpdateResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, item)
	result := core.UpdateResult{ListingID: item.ListingID, RequestedQuantity: quantity}
	if f.fail {
		result.Error = "server_error 500"
		return result
	}
	if f.quantities != nil {
		f.quantities[item.ListingID] = quantity
	}
	result.OK = true
	result.VerifiedQuantity = &quantity
	return result
}

func newTestAPI(rates RateLister, listings *fakeListings) (*API, http.Handler) {
	api := &API{
		Rates:    rates,
		Updater:  listings,
		NewRunID: func() string { return "run-test" },
	}
	if listings != nil {
		api.Cycles = &engine.CycleOrchestrator{
			Scanner: listings,
			Updater: listings,
			Config:  engine.CycleConfig{SettleWait: time.Hour, Workers: 2, ChunkSize: 10},
			Sleep:   func(ctx context.Context, d time.Duration) error { return nil },
		}
	}
	r := chi.NewRouter()
	r.Get("/v1/endpoint-rates", api.ListEndpointRates)
	r.Post("/v1/listings/{id}/quantity", api.SetQuantity)
	r.Post("/v1/cycles", api.RunCycle)
	return api, r
}

func TestListEndpointRates(t *testing.T) {
	rates := &fakeRates{entries: []store.EndpointRateEntry{
		{ID: 7, Snapshot: core.EndpointSnapshot{RunID: "r1", EndpointTag: "listing_get", OK: 3}},
	}}
	_, handler := newTestAPI(rates, nil)

	t.Run("prefix filter", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/endpoint-rates?prefix=listing&limit=5", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "listing", rates.query.Prefix)
		require.Equal(t, 5, rates.query.Limit)
		require.False(t, rates.query.All)

		var resp EndpointRatesResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		require.Equal(t, 1, resp.Count)
		require.Equal(t, "listing_get", resp.Entries[0].Snapshot.EndpointTag)
	})

	t.Run("no filter lists all", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/endpoint-rates", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.True(t, rates.query.All)
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/endpoint-rates?limit=-1", nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		rates.err = errors.New("disk gone")
		t.Cleanup(func() { rates.err = nil })
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/endpoint-rates", nil))
		require.Equal(t, http.StatusInternalServerError, rec.Code)

		var resp errorBody
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		require.Equal(t, "DATABASE_ERROR", resp.Error.Code)
	})
}

func TestListEndpointRatesWithoutStore(t *testing.T) {
	_, handler := newTestAPI(nil, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/endpoint-rates", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSetQuantity(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		fail       bool
		wantStatus int
		wantCalls  int
	}{
		{name: "activate", body: `{"quantity":1,"price":"19.9","currency":"gbp"}`, wantStatus: http.StatusOK, wantCalls: 1},
		{name: "deactivate", body: `{"quantity":0}`, wantStatus: http.StatusOK, wantCalls: 1},
		{name: "upstream failure", body: `{"quantity":1}`, fail: true, wantStatus: http.StatusBadGateway, wantCalls: 1},
		{name: "quantity out of range", body: `{"quantity":2}`, wantStatus: http.StatusBadRequest},
		{name: "quantity missing", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "bad price", body: `{"quantity":1,"price":"cheap"}`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", body: `{"quantity":1,"qty":1}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listings := &fakeListings{fail: tt.fail}
			_, handler := newTestAPI(nil, listings)

			req := httptest.NewRequest(http.MethodPost, "/v1/listings/L42/quantity", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			require.Len(t, listings.calls, tt.wantCalls)
			if tt.wantCalls == 0 {
				return
			}

			var result core.UpdateResult
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
			require.Equal(t, "L42", result.ListingID)
			require.Equal(t, !tt.fail, result.OK)
		})
	}
}

func TestSetQuantityPassesPriceHint(t *testing.T) {
	listings := &fakeListings{}
	_, handler := newTestAPI(nil, listings)

	req := httptest.NewRequest(http.MethodPost, "/v1/listings/L1/quantity", strings.NewReader(`{"quantity":1,"price":"25.00","currency":"EUR"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, listings.calls, 1)
	require.Equal(t, core.ChildInfo{PriceHint: "25.00", Currency: "EUR"}, listings.calls[0].Child)
}

func TestRunCycle(t *testing.T) {
	listings := &fakeListings{quantities: map[string]int{"A": 1, "B": 0, "C": 0}}
	_, handler := newTestAPI(nil, listings)

	body := `{"items":[{"listing_id":"A"},{"listing_id":"B"},{"listing_id":"C"}],"settle_seconds":0}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cycles", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var report core.CycleReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	require.Equal(t, "run-test", report.RunID)
	require.Equal(t, 3, report.BaselineCount)
	require.Equal(t, 2, report.ActivatedCount)
	require.Equal(t, 2, report.DeactivatedCount)
	require.True(t, report.ReconcileOK)
	require.Equal(t, map[string]int{"A": 1, "B": 0, "C": 0}, listings.quantities)
}

func TestRunCycleDoesNotLeakOverrides(t *testing.T) {
	listings := &fakeListings{quantities: map[string]int{}}
	api, handler := newTestAPI(nil, listings)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cycles", strings.NewReader(`{"items":[],"settle_seconds":1,"abort_on_first_failure":true}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, time.Hour, api.Cycles.Config.SettleWait)
	require.False(t, api.Cycles.Config.AbortOnFirstFailure)
}

func TestRunCycleErrors(t *testing.T) {
	t.Run("missing listing id", func(t *testing.T) {
		_, handler := newTestAPI(nil, &fakeListings{})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cycles", strings.NewReader(`{"items":[{"listing_id":""}]}`)))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("negative settle", func(t *testing.T) {
		_, handler := newTestAPI(nil, &fakeListings{})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cycles", strings.NewReader(`{"items":[],"settle_seconds":-1}`)))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("baseline rejected upstream", func(t *testing.T) {
		listings := &fakeListings{scanErr: &marketplace.Error{Kind: marketplace.KindAuth, Status: 401, EndpointTag: "listings_get_all"}}
		_, handler := newTestAPI(nil, listings)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cycles", strings.NewReader(`{"items":[]}`)))
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var resp errorBody
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		require.Equal(t, "UNAUTHORIZED", resp.Error.Code)
		require.Equal(t, "listings_get_all", resp.Error.Details["endpoint_tag"])
	})
}
