package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/observability"
)

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

var staticEndpoints = map[string]string{
	"/":                  "/",
	"/health":            "/health/*",
	"/health/live":       "/health/*",
	"/health/ready":      "/health/*",
	"/health/startup":    "/health/*",
	"/version":           "/version",
	"/metrics":           "/metrics",
	"/v1/endpoint-rates": "/v1/endpoint-rates",
	"/v1/cycles":         "/v1/cycles",
	"/admin/signal":      "/admin/signal",
}

// getEndpointPattern prefers the matched chi pattern so listing ids never
// become label values.
func getEndpointPattern(r *http.Request) string {
	if pattern := chi.RouteContext(r.Context()).RoutePattern(); pattern != "" {
		return pattern
	}
	path := r.URL.Path
	if endpoint, ok := staticEndpoints[path]; ok {
		return endpoint
	}
	if strings.HasPrefix(path, "/v1/listings/") && strings.HasSuffix(path, "/quantity") {
		return "/v1/listings/{id}/quantity"
	}
	return "/unknown"
}

// RequestMetrics emits HTTP request counters, durations, and sizes, then
// logs an http_request event carrying the request id.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		endpoint := getEndpointPattern(r)
		requestSize := r.ContentLength
		if requestSize < 0 {
			requestSize = 0
		}
		if raw := r.Header.Get("Content-Length"); requestSize == 0 && raw != "" {
			if size, err := strconv.ParseInt(raw, 10, 64); err == nil {
				requestSize = size
			}
		}

		emitRequestMetrics(r.Method, endpoint, rec.status, elapsed, requestSize, rec.bytes)

		if observability.ServerLogger != nil {
			observability.ServerLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("endpoint", endpoint),
				zap.Int("status", rec.status),
				zap.Duration("duration", elapsed),
				zap.Int64("request_size", requestSize),
				zap.Int64("response_size", rec.bytes),
				zap.String("request_id", GetRequestID(r.Context())),
			)
		}
	})
}

func emitRequestMetrics(method, endpoint string, status int, elapsed time.Duration, requestSize, responseSize int64) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	labels := map[string]string{
		"method":   method,
		"endpoint": endpoint,
		"status":   strconv.Itoa(status),
	}
	sizeLabels := map[string]string{
		"method":   method,
		"endpoint": endpoint,
	}

	_ = sys.Counter("http_requests_total", 1, labels)
	_ = sys.Histogram("http_request_duration_ms", elapsed, labels)
	_ = sys.Gauge("http_request_size_bytes", float64(requestSize), sizeLabels)
	_ = sys.Gauge("http_response_size_bytes", float64(responseSize), sizeLabels)

	if status < 400 {
		return
	}
	errorType := "client_error"
	if status >= 500 {
		errorType = "server_error"
	}
	_ = sys.Counter("http_errors_total", 1, map[string]string{
		"method":     method,
		"endpoint":   endpoint,
		"status":     strconv.Itoa(status),
		"error_type": errorType,
	})
}
