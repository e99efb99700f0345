package observability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePort(t *testing.T) {
	port, err := resolvePort("[::]:9464")
	require.NoError(t, err)
	require.Equal(t, 9464, port)

	_, err = resolvePort("not-an-address")
	require.Error(t, err)
}

func TestShutdownMetricsWithoutExporter(t *testing.T) {
	prevSys, prevExp := TelemetrySystem, PrometheusExporter
	t.Cleanup(func() { TelemetrySystem, PrometheusExporter = prevSys, prevExp })

	PrometheusExporter = nil
	require.NoError(t, ShutdownMetrics())
	require.Nil(t, TelemetrySystem)
}

func TestInitMetricsOnEphemeralPort(t *testing.T) {
	prevSys, prevExp := TelemetrySystem, PrometheusExporter
	t.Cleanup(func() {
		_ = ShutdownMetrics()
		TelemetrySystem, PrometheusExporter = prevSys, prevExp
	})

	require.NoError(t, InitMetrics("marketsync-test", 0))
	require.NotNil(t, TelemetrySystem)
	require.NotNil(t, PrometheusExporter)
	require.Greater(t, GetMetricsPort(), 0)

	require.NoError(t, ShutdownMetrics())
	require.Nil(t, PrometheusExporter)
}
