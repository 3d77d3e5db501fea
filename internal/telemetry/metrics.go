package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine counters on a dedicated registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests      *prometheus.CounterVec
	authRetries      prometheus.Counter
	tokenRefreshes   *prometheus.CounterVec
	streamReconnects prometheus.Counter
	streamEvents     *prometheus.CounterVec
	sessionStates    *prometheus.CounterVec
	assetPatches     *prometheus.CounterVec
}

// NewMetrics registers the engine collectors.
func NewMetrics(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "flexa_api_requests_total",
			Help:        "Outbound platform requests by operation and status.",
			ConstLabels: labels,
		}, []string{"method", "operation", "status"}),
		authRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flexa_api_auth_retries_total",
			Help:        "Requests resent after a forced token refresh.",
			ConstLabels: labels,
		}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "flexa_token_refreshes_total",
			Help:        "Token refresh attempts by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		streamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flexa_event_stream_reconnects_total",
			Help:        "Event stream reconnect attempts.",
			ConstLabels: labels,
		}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "flexa_event_stream_events_total",
			Help:        "Events delivered by the stream by type.",
			ConstLabels: labels,
		}, []string{"type"}),
		sessionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "flexa_session_state_transitions_total",
			Help:        "Reconciler state transitions by target state.",
			ConstLabels: labels,
		}, []string{"state"}),
		assetPatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "flexa_asset_patches_total",
			Help:        "Asset patch outcomes.",
			ConstLabels: labels,
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.apiRequests,
		m.authRetries,
		m.tokenRefreshes,
		m.streamReconnects,
		m.streamEvents,
		m.sessionStates,
		m.assetPatches,
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(method, operation string, status int) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, operation, statusLabel(status)).Inc()
}

func (m *Metrics) AuthRetry() {
	if m == nil {
		return
	}
	m.authRetries.Inc()
}

func (m *Metrics) TokenRefresh(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.streamReconnects.Inc()
}

func (m *Metrics) StreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SessionState(state string) {
	if m == nil {
		return
	}
	m.sessionStates.WithLabelValues(state).Inc()
}

func (m *Metrics) AssetPatch(result string) {
	if m == nil {
		return
	}
	m.assetPatches.WithLabelValues(result).Inc()
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
