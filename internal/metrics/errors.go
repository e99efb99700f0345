package metrics

import (
	"strconv"

	"github.com/marketsync/marketsync/internal/observability"
)

const (
	APIErrorsTotal = "api_errors_total"
	PanicsTotal    = "panics_total"
)

// RecordAPIError counts an error response. Route is the matched pattern, not
// the raw path, so listing ids never become label values. Upstream is the
// marketplace error kind and stays empty for local failures.
func RecordAPIError(code string, status int, route, upstream string) {
	if observability.TelemetrySystem == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	labels := map[string]string{
		"error_code":  code,
		"http_status": strconv.Itoa(status),
		"route":       route,
	}
	if upstream != "" {
		labels["upstream_kind"] = upstream
	}
	_ = observability.TelemetrySystem.Counter(APIErrorsTotal, 1, labels)
}

func RecordPanic() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(PanicsTotal, 1, nil)
	}
}
