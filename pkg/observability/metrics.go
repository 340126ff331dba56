package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the hub
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication metrics
	AuthTotal *prometheus.CounterVec

	// Authorization metrics
	AuthzDeniedTotal *prometheus.CounterVec

	// Spawner metrics
	SpawnsTotal    *prometheus.CounterVec
	SpawnDuration  prometheus.Histogram
	ServersRunning prometheus.Gauge

	// Proxy metrics
	ProxySyncTotal *prometheus.CounterVec
	RoutesPending  prometheus.Gauge

	// Token metrics
	TokensActive prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubble_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hubble_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		AuthTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubble_auth_total",
				Help: "Total number of authentication attempts by outcome",
			},
			[]string{"outcome"},
		),
		AuthzDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubble_authz_denied_total",
				Help: "Total number of authorization denials by reason",
			},
			[]string{"reason"},
		),
		SpawnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubble_spawns_total",
				Help: "Total number of server spawn attempts by outcome",
			},
			[]string{"outcome"},
		),
		SpawnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hubble_spawn_duration_seconds",
				Help:    "Time from spawn request to server readiness",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		ServersRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hubble_servers_running",
				Help: "Number of single-user servers currently running",
			},
		),
		ProxySyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubble_proxy_sync_total",
				Help: "Total number of proxy synchronization calls by outcome",
			},
			[]string{"outcome"},
		),
		RoutesPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hubble_routes_pending",
				Help: "Number of routes not yet confirmed by the proxy",
			},
		),
		TokensActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hubble_tokens_active",
				Help: "Number of active (unrevoked, unexpired) tokens",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthTotal,
		m.AuthzDeniedTotal,
		m.SpawnsTotal,
		m.SpawnDuration,
		m.ServersRunning,
		m.ProxySyncTotal,
		m.RoutesPending,
		m.TokensActive,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware instruments an HTTP handler with request count and duration
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// statusWriter captures the response status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
