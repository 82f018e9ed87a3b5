package metrics_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/go-taskhub/internal/metrics"
	"github.com/a-essam23/go-taskhub/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg), metrics.WithNamespace("test"))

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.FrameHandled("task:update", "ok", time.Millisecond)
	m.FrameHandled("task:update", "ok", time.Millisecond)
	m.FrameHandled("task:update", "auth_required", time.Millisecond)
	m.GatewayCall("store_comment", errors.New("down"), time.Millisecond)
	m.Notification("mention", "live")
	m.FrameDropped(transport.OverflowDropOldest)
	m.TransportError("write")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["test_connections"])
	assert.True(t, names["test_frames_total"])
	assert.True(t, names["test_gateway_call_duration_seconds"])

	expected := `
# HELP test_outbound_frames_dropped_total Outbound frames dropped because a peer's queue was full
# TYPE test_outbound_frames_dropped_total counter
test_outbound_frames_dropped_total{policy="drop_oldest"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_outbound_frames_dropped_total"))

	gauge := `
# HELP test_connections Number of live websocket connections
# TYPE test_connections gauge
test_connections 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(gauge), "test_connections"))

	count, err := testutil.GatherAndCount(reg, "test_frames_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per (type, code)")
}
