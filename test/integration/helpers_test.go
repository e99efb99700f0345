package integration

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marketsync/marketsync/internal/observability"
	"github.com/marketsync/marketsync/internal/server"
)

// cleanupMetrics tears down global telemetry state so each test starts clean.
// Lingering exporters can block later binds in sandboxes.
func cleanupMetrics(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { _ = observability.ShutdownMetrics() })
}

// isPermissionError normalizes OS-specific permission errors so tests can
// skip when loopback sockets are blocked.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"permission denied", "operation not permitted", "not permitted"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func initMetricsOrSkip(t *testing.T) {
	t.Helper()
	if err := observability.InitMetrics("test", 0, "test"); err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping metrics tests due to sandbox permissions: %v", err)
		}
		require.NoError(t, err)
	}
	cleanupMetrics(t)
}

// listenOrSkip binds IPv4 loopback explicitly and skips when the sandbox
// refuses sockets.
func listenOrSkip(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping: cannot open loopback socket: %v", err)
		}
		require.NoError(t, err)
	}
	return listener
}

func startHTTP(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ts := &httptest.Server{
		Listener: listenOrSkip(t),
		Config:   &http.Server{Handler: handler},
	}
	ts.Start()
	t.Cleanup(ts.Close)
	return ts
}

func newTestServer(t *testing.T, opts server.Options) (*httptest.Server, *http.Client) {
	t.Helper()
	srv := server.New(opts)
	ts := startHTTP(t, srv.Handler())
	return ts, ts.Client()
}

// fakeMarketplace serves the listings scan, single reads, and idempotent
// writes over an in-memory quantity table.
type fakeMarketplace struct {
	mu         sync.Mutex
	quantities map[string]int
	applied    map[string]struct{}
	writes     int
}

func newFakeMarketplace(total, inactiveEvery int) *fakeMarketplace {
	f := &fakeMarketplace{quantities: map[string]int{}, applied: map[string]struct{}{}}
	for i := 0; i < total; i++ {
		qty := 1
		if inactiveEvery > 0 && i%inactiveEvery == 0 {
			qty = 0
		}
		f.quantities[fmt.Sprintf("L%04d", i)] = qty
	}
	return f
}

func (f *fakeMarketplace) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/ws/listings" {
		f.servePage(w, r)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/ws/listings/")
	if _, ok := f.quantities[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
		return
	}

	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Quantity int `json:"quantity"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		key := r.Header.Get("Idempotency-Key")
		if _, seen := f.applied[key]; !seen {
			f.applied[key] = struct{}{}
			f.quantities[id] = payload.Quantity
			f.writes++
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	default:
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "quantity": f.quantities[id]})
	}
}

func (f *fakeMarketplace) servePage(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(f.quantities))
	for id := range f.quantities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page-size"))
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 100
	}
	start := (page - 1) * size
	if start > len(ids) {
		start = len(ids)
	}
	end := start + size
	if end > len(ids) {
		end = len(ids)
	}

	results := make([]map[string]any, 0, end-start)
	for _, id := range ids[start:end] {
		results = append(results, map[string]any{
			"id":       id,
			"quantity": f.quantities[id],
			"price":    "19.90",
			"sku":      "SKU-" + id,
			"grade":    "GOOD",
		})
	}
	var next any
	if end < len(ids) {
		next = fmt.Sprintf("http://%s/ws/listings?page=%d&page-size=%d", r.Host, page+1, size)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"count": len(ids), "next": next, "results": results})
}

func (f *fakeMarketplace) activeSet() map[string]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]struct{}{}
	for id, qty := range f.quantities {
		if qty > 0 {
			out[id] = struct{}{}
		}
	}
	return out
}
