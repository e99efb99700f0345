package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/core/engine"
)

// listingsServer serves total listings in pages, reporting count as reported.
func listingsServer(total, reported int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		size, _ := strconv.Atoi(r.URL.Query().Get("page-size"))
		if page < 1 {
			page = 1
		}
		if size < 1 {
			size = 100
		}

		start := (page - 1) * size
		end := start + size
		if end > total {
			end = total
		}
		results := make([]map[string]any, 0, size)
		for i := start; i < end; i++ {
			qty := 0
			if i%2 == 0 {
				qty = 1
			}
			results = append(results, map[string]any{
				"id":       fmt.Sprintf("L%04d", i),
				"quantity": qty,
				"price":    "19.9",
			})
		}

		var next any
		if end < total {
			next = fmt.Sprintf("http://%s/ws/listings?page=%d&page-size=%d", r.Host, page+1, size)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count":   reported,
			"next":    next,
			"results": results,
		})
	}
}

func TestFetchAllListingsPageMode(t *testing.T) {
	requester, _, _ := newTestRequester(t, listingsServer(250, 250))

	items, err := requester.FetchAllListings(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 250)

	index, err := requester.SnapshotIndex(context.Background())
	require.NoError(t, err)
	require.Len(t, index, 250)
	require.Equal(t, core.ListingIndexEntry{Quantity: 1, Active: true, Price: "19.90"}, index["L0000"])
	require.False(t, index["L0001"].Active)
	require.Len(t, index.ActiveIDs(), 125)
}

func TestFetchAllListingsCountMismatch(t *testing.T) {
	requester, _, _ := newTestRequester(t, listingsServer(150, 151))

	_, err := requester.FetchAllListings(context.Background())
	require.ErrorIs(t, err, ErrData)
	require.Contains(t, err.Error(), "count mismatch")
}

func TestPaginateRetriesPageIndependently(t *testing.T) {
	var failures atomic.Int32
	inner := listingsServer(150, 150)
	requester, sleeper, _ := newTestRequester(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" && failures.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		inner(w, r)
	}))

	pages, err := requester.Paginate(context.Background(), PageRequest{
		Path:        ListingsPath,
		Category:    core.CategorySellerGeneric,
		EndpointTag: TagListingsGetAll,
		PageSize:    100,
	})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, 2, pages[1].Index)
	require.Len(t, sleeper.All(), 2)

	items, err := CollectResults(TagListingsGetAll, pages)
	require.NoError(t, err)
	require.Len(t, items, 150)
}

func TestPaginateExhaustionIsFatal(t *testing.T) {
	requester, _, _ := newTestRequester(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := requester.Paginate(context.Background(), PageRequest{
		Path:               ListingsPath,
		Category:           core.CategorySellerGeneric,
		EndpointTag:        TagListingsGetAll,
		MaxAttemptsPerPage: 3,
	})
	require.ErrorIs(t, err, ErrPaginationFailed)
	require.ErrorIs(t, err, ErrServer)
	require.Contains(t, err.Error(), "at page 1 after 3 attempts")
}

// steppingClock advances only when something sleeps on it.
type steppingClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

func TestPaginateWaitsOutOpenCircuit(t *testing.T) {
	var hits atomic.Int32
	inner := listingsServer(50, 50)
	requester, _, _ := newTestRequester(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 5 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		inner(w, r)
	}))
	clock := &steppingClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	requester.Sleep = clock.Sleep
	requester.Breaker(core.CategorySellerGeneric).Clock = clock.Now

	pages, err := requester.Paginate(context.Background(), PageRequest{
		Path:        ListingsPath,
		Category:    core.CategorySellerGeneric,
		EndpointTag: TagListingsGetAll,
		Backoff:     engine.Backoff{Base: time.Second, Max: time.Second},
	})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Len(t, pages[0].Results, 50)
	require.EqualValues(t, 6, hits.Load())

	// Five backoffs, then the rest of the 60s cooldown instead of another backoff.
	require.Equal(t, []time.Duration{
		time.Second, time.Second, time.Second, time.Second, time.Second,
		59 * time.Second,
	}, clock.sleeps)
}

func TestPaginateOpenCircuitSpendsPageBudget(t *testing.T) {
	var hits atomic.Int32
	requester, _, _ := newTestRequester(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	clock := &steppingClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	requester.Sleep = clock.Sleep
	requester.Breaker(core.CategorySellerGeneric).Clock = clock.Now

	_, err := requester.Paginate(context.Background(), PageRequest{
		Path:               ListingsPath,
		Category:           core.CategorySellerGeneric,
		EndpointTag:        TagListingsGetAll,
		MaxAttemptsPerPage: 6,
		Backoff:            engine.Backoff{Base: time.Second, Max: time.Second},
	})
	require.ErrorIs(t, err, ErrPaginationFailed)
	require.ErrorIs(t, err, ErrProtocol)
	require.Contains(t, err.Error(), "at page 1 after 6 attempts")
	require.EqualValues(t, 5, hits.Load())
}

func TestPaginateNonRetryableSurfacesImmediately(t *testing.T) {
	var hits atomic.Int32
	requester, _, _ := newTestRequester(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"bad token"}`))
	}))

	_, err := requester.Paginate(context.Background(), PageRequest{
		Path:        ListingsPath,
		Category:    core.CategorySellerGeneric,
		EndpointTag: TagListingsGetAll,
	})
	require.ErrorIs(t, err, ErrAuth)
	require.Contains(t, err.Error(), "page 1")
	require.EqualValues(t, 1, hits.Load())
}

func TestPaginateGuardTrips(t *testing.T) {
	requester, _, _ := newTestRequester(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count":   1,
			"next":    fmt.Sprintf("http://%s/ws/listings?page=2", r.Host),
			"results": []any{map[string]any{"id": "L1"}},
		})
	}))

	pages, err := requester.Paginate(context.Background(), PageRequest{
		Path:        ListingsPath,
		Category:    core.CategorySellerGeneric,
		EndpointTag: TagListingsGetAll,
	})
	require.ErrorIs(t, err, ErrPaginationFailed)
	require.Contains(t, err.Error(), "guard tripped at page 5")
	require.Len(t, pages, 5)
}

func TestPaginateRejectsBadPageShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "array page", body: `[1,2,3]`},
		{name: "results not list", body: `{"count":1,"results":{"id":"x"}}`},
		{name: "results missing", body: `{"next":null,"items":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requester, _, _ := newTestRequester(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			_, err := requester.Paginate(context.Background(), PageRequest{
				Path:     ListingsPath,
				Category: core.CategorySellerGeneric,
			})
			require.ErrorIs(t, err, ErrData)
		})
	}
}

func TestFetchBuybackCursorMode(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	requester, _, _ := newTestRequester(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		mu.Unlock()

		require.Equal(t, BuybackPath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("cursor") {
		case "":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"next":    fmt.Sprintf("http://%s%s?cursor=abc&pageSize=2", r.Host, BuybackPath),
				"results": []any{map[string]any{"id": "B1", "sku": "X"}, map[string]any{"id": "B2"}},
			})
		case "abc":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"next":    nil,
				"results": []any{map[string]any{"id": "B3"}},
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))

	scan, err := requester.FetchBuyback(context.Background(), 2, 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 2, scan.Pages)
	require.Equal(t, 3, scan.Total)
	require.Len(t, scan.Sample(2), 2)
	require.Equal(t, "X", scan.Sample(1)[0]["sku"])

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"pageSize=2", "cursor=abc&pageSize=2"}, queries)
}

func TestPageGuard(t *testing.T) {
	require.Equal(t, 15, pageGuard(PageRequest{Mode: PageModePage}, 3))
	require.Equal(t, defaultPageGuard, pageGuard(PageRequest{Mode: PageModePage}, 0))
	require.Equal(t, defaultPageGuard, pageGuard(PageRequest{Mode: PageModeCursor}, 3))
	require.Equal(t, 7, pageGuard(PageRequest{Mode: PageModeCursor, MaxPages: 7}, 3))
}
