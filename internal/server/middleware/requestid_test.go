package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestIDPropagation(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{name: "inbound id kept", inbound: "abc-123", keep: true},
		{name: "missing id generated", inbound: ""},
		{name: "control characters rejected", inbound: "abc\nforged=1"},
		{name: "oversized id rejected", inbound: strings.Repeat("x", maxRequestIDLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			require.Equal(t, seen, rec.Header().Get(RequestIDHeader))
			if tt.keep {
				require.Equal(t, tt.inbound, seen)
			} else {
				require.NotEqual(t, tt.inbound, seen)
				require.Len(t, seen, 36)
			}
		})
	}
}

func TestRecoveryWritesEnvelope(t *testing.T) {
	handler := RequestID(Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("listing index corrupted")
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/cycles", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":"INTERNAL_ERROR"`)
	require.Contains(t, rec.Body.String(), `"request_id":"req-1"`)
	require.NotContains(t, rec.Body.String(), "listing index corrupted")
}
