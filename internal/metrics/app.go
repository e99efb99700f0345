package metrics

import (
	"time"

	"github.com/marketsync/marketsync/internal/observability"
)

// Metric names follow Prometheus conventions.
const (
	MarketplaceRequestsTotal = "marketplace_requests_total"
	MarketplaceRateWait      = "marketplace_rate_wait_ms"
	MarketplaceBreakerOpen   = "marketplace_breaker_open_total"
	MarketplaceRequestTime   = "marketplace_request_duration_ms"

	CycleStageDuration = "cycle_stage_duration_ms"
	CycleAnomalies     = "cycle_anomalies_total"
	CycleRunsTotal     = "cycle_runs_total"
	BulkItemsTotal     = "bulk_items_total"

	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"
	ServerStartTime     = "app_server_start_time_seconds"
)

// RecordRequest counts one upstream call outcome and its latency.
func RecordRequest(category, endpointTag, outcome string, elapsed time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	labels := map[string]string{
		"category": category,
		"endpoint": endpointTag,
		"outcome":  outcome,
	}
	_ = observability.TelemetrySystem.Counter(MarketplaceRequestsTotal, 1, labels)
	_ = observability.TelemetrySystem.Histogram(MarketplaceRequestTime, elapsed, labels)
}

// RecordRateWait records time spent waiting on a category bucket.
func RecordRateWait(category string, wait time.Duration) {
	if observability.TelemetrySystem == nil || wait <= 0 {
		return
	}
	_ = observability.TelemetrySystem.Histogram(MarketplaceRateWait, wait, map[string]string{
		"category": category,
	})
}

// RecordBreakerOpen counts a circuit opening.
func RecordBreakerOpen(category string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(MarketplaceBreakerOpen, 1, map[string]string{
		"category": category,
	})
}

// RecordCycleStage records the duration of a cycle stage.
func RecordCycleStage(stage string, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Histogram(CycleStageDuration, duration, map[string]string{
		"stage": stage,
	})
}

// RecordCycleResult counts a finished cycle and its anomalies.
func RecordCycleResult(reconcileOK bool, anomalies map[string][]string) {
	if observability.TelemetrySystem == nil {
		return
	}
	status := "ok"
	if !reconcileOK {
		status = "anomalies"
	}
	_ = observability.TelemetrySystem.Counter(CycleRunsTotal, 1, map[string]string{"status": status})
	for key, ids := range anomalies {
		if len(ids) == 0 {
			continue
		}
		labels := map[string]string{"kind": key}
		for range ids {
			_ = observability.TelemetrySystem.Counter(CycleAnomalies, 1, labels)
		}
	}
}

// RecordBulkItem counts one bulk mutation item by desired quantity and result.
func RecordBulkItem(quantity int, ok bool) {
	if observability.TelemetrySystem == nil {
		return
	}
	action := "deactivate"
	if quantity > 0 {
		action = "activate"
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	_ = observability.TelemetrySystem.Counter(BulkItemsTotal, 1, map[string]string{
		"action": action,
		"status": status,
	})
}

// RecordHealthCheck records a health check execution.
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	_ = observability.TelemetrySystem.Counter(HealthCheckTotal, 1, map[string]string{
		"check":  checkName,
		"status": status,
	})
	_ = observability.TelemetrySystem.Histogram(HealthCheckDuration, duration, map[string]string{
		"check": checkName,
	})
}

// SetServerStartTime records the server start time as a Unix timestamp.
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Gauge(ServerStartTime, float64(timestamp), nil)
}
