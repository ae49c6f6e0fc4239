package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// TunnelMetrics tracks discovery and forwarding of a single tunnel.
// A nil *TunnelMetrics records nothing.
type TunnelMetrics struct {
	// Discovery metrics
	ServicesTunneled  prometheus.Gauge
	DiscoveryRuns     *prometheus.CounterVec
	DiscoveryErrors   prometheus.Counter
	DiscoveryDuration prometheus.Histogram

	// Forwarding metrics
	MessagesForwarded *prometheus.CounterVec
	BytesForwarded    *prometheus.CounterVec
	ForwardFailures   *prometheus.CounterVec
	QueueOverflows    prometheus.Counter

	// Announcement metrics
	AnnouncementQueries prometheus.Counter
}

func NewTunnelMetrics(registry prometheus.Registerer) *TunnelMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &TunnelMetrics{
		ServicesTunneled: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ipctunnel_services_tunneled",
			Help: "Number of services with an active stream pair",
		}),
		DiscoveryRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ipctunnel_discovery_runs_total",
			Help: "Total number of discovery passes by scope",
		}, []string{"scope"}),
		DiscoveryErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ipctunnel_discovery_errors_total",
			Help: "Total number of per-service discovery failures",
		}),
		DiscoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ipctunnel_discovery_duration_seconds",
			Help:    "Duration of a discovery pass",
			Buckets: prometheus.DefBuckets,
		}),
		MessagesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ipctunnel_messages_forwarded_total",
			Help: "Total number of messages forwarded across the tunnel",
		}, []string{"direction"}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ipctunnel_bytes_forwarded_total",
			Help: "Total payload bytes forwarded across the tunnel",
		}, []string{"direction"}),
		ForwardFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ipctunnel_forward_failures_total",
			Help: "Total number of messages dropped because forwarding failed",
		}, []string{"direction"}),
		QueueOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "ipctunnel_inbound_queue_overflows_total",
			Help: "Total number of overlay samples discarded because the inbound queue was full",
		}),
		AnnouncementQueries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ipctunnel_announcement_queries_total",
			Help: "Total number of service detail queries answered",
		}),
	}
}

func (m *TunnelMetrics) Forwarded(direction string, bytes int) {
	if m == nil {
		return
	}
	m.MessagesForwarded.WithLabelValues(direction).Inc()
	m.BytesForwarded.WithLabelValues(direction).Add(float64(bytes))
}

func (m *TunnelMetrics) ForwardFailed(direction string) {
	if m == nil {
		return
	}
	m.ForwardFailures.WithLabelValues(direction).Inc()
}

// QueueOverflowed records n samples lost before the tunnel could read them.
func (m *TunnelMetrics) QueueOverflowed(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.QueueOverflows.Add(float64(n))
}

func (m *TunnelMetrics) DiscoveryFinished(scope string, seconds float64, failures int, tunneled int) {
	if m == nil {
		return
	}
	m.DiscoveryRuns.WithLabelValues(scope).Inc()
	m.DiscoveryDuration.Observe(seconds)
	m.DiscoveryErrors.Add(float64(failures))
	m.ServicesTunneled.Set(float64(tunneled))
}

func (m *TunnelMetrics) QueryAnswered() {
	if m == nil {
		return
	}
	m.AnnouncementQueries.Inc()
}

// RouterMetrics tracks the overlay router. A nil *RouterMetrics records nothing.
type RouterMetrics struct {
	SessionsActive prometheus.Gauge
	FramesRouted   *prometheus.CounterVec
	FramesDropped  prometheus.Counter
	QueriesPending prometheus.Gauge
}

func NewRouterMetrics(registry prometheus.Registerer) *RouterMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &RouterMetrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ipctunnel_router_sessions_active",
			Help: "Number of sessions attached to the router",
		}),
		FramesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ipctunnel_router_frames_total",
			Help: "Total number of frames handled by the router",
		}, []string{"kind"}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ipctunnel_router_frames_dropped_total",
			Help: "Total number of frames dropped for slow sessions",
		}),
		QueriesPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ipctunnel_router_queries_pending",
			Help: "Number of queries awaiting replies",
		}),
	}
}

func (m *RouterMetrics) SessionAttached() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *RouterMetrics) SessionDetached() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *RouterMetrics) FrameRouted(kind string) {
	if m != nil {
		m.FramesRouted.WithLabelValues(kind).Inc()
	}
}

func (m *RouterMetrics) FrameDropped() {
	if m != nil {
		m.FramesDropped.Inc()
	}
}

func (m *RouterMetrics) SetQueriesPending(n int) {
	if m != nil {
		m.QueriesPending.Set(float64(n))
	}
}
