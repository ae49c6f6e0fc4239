package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTunnelMetrics_Recording(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewTunnelMetrics(registry)

	m.Forwarded(DirectionOutbound, 256)
	m.Forwarded(DirectionOutbound, 44)
	m.Forwarded(DirectionInbound, 8)
	m.ForwardFailed(DirectionInbound)
	m.QueueOverflowed(5)
	m.QueueOverflowed(0)
	m.DiscoveryFinished("local", 0.01, 2, 3)
	m.QueryAnswered()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesForwarded.WithLabelValues(DirectionOutbound)))
	assert.Equal(t, 300.0, testutil.ToFloat64(m.BytesForwarded.WithLabelValues(DirectionOutbound)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesForwarded.WithLabelValues(DirectionInbound)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForwardFailures.WithLabelValues(DirectionInbound)))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.QueueOverflows))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DiscoveryErrors))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ServicesTunneled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnnouncementQueries))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var tm *TunnelMetrics
	var rm *RouterMetrics

	assert.NotPanics(t, func() {
		tm.Forwarded(DirectionInbound, 1)
		tm.ForwardFailed(DirectionOutbound)
		tm.QueueOverflowed(3)
		tm.DiscoveryFinished("both", 1, 0, 0)
		tm.QueryAnswered()
		rm.SessionAttached()
		rm.SessionDetached()
		rm.FrameRouted("put")
		rm.FrameDropped()
		rm.SetQueriesPending(1)
	})
}

func TestRouterMetrics_Recording(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewRouterMetrics(registry)

	m.SessionAttached()
	m.SessionAttached()
	m.SessionDetached()
	m.FrameRouted("put")
	m.FrameDropped()
	m.SetQueriesPending(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesRouted.WithLabelValues("put")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.QueriesPending))
}

func TestHealthEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewTunnelMetrics(registry).QueryAnswered()

	ready := false
	mux := http.NewServeMux()
	NewHealthEndpoint(func() bool { return ready }, zaptest.NewLogger(t)).RegisterHandlers(mux, registry)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	ready = true
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)

	rec := get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ipctunnel_announcement_queries_total 1"))
}
