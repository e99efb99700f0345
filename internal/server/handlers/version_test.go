package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionHandler(t *testing.T) {
	SetVersionInfo("1.4.0", "9f1c2ab", "2026-10-01T08:00:00Z")
	t.Cleanup(func() { SetVersionInfo("dev", "unknown", "unknown") })

	rec := httptest.NewRecorder()
	VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp VersionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, AppInfo{
		Name:      "marketsync",
		Service:   "marketsync",
		Version:   "1.4.0",
		Commit:    "9f1c2ab",
		BuildDate: "2026-10-01T08:00:00Z",
	}, resp.App)
	require.NotEmpty(t, resp.Dependencies.Gofulmen)
	require.NotEmpty(t, resp.Dependencies.Crucible)
	require.Equal(t, runtime.Version(), resp.Runtime.GoVersion)
	require.GreaterOrEqual(t, resp.Runtime.UptimeSeconds, 0.0)
}
