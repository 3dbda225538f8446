package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the site.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// PortalClients counts per-browser-session clients held by the registry.
	PortalClients prometheus.Gauge
	// LiveSubscriptions counts open registrations subscriptions.
	LiveSubscriptions prometheus.Gauge
	notifications     *prometheus.CounterVec
	chatRequests      *prometheus.CounterVec
}

// NewMetrics initialises the registry and the site metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsite_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventsite_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	clients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventsite_portal_clients",
		Help: "Browser sessions with a live session authority.",
	})
	subs := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventsite_live_subscriptions",
		Help: "Open registrations collection subscriptions.",
	})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsite_notifications_total",
		Help: "User-visible notifications by kind.",
	}, []string{"kind"})
	chat := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsite_chat_requests_total",
		Help: "Chat proxy requests by outcome.",
	}, []string{"outcome"})
	registry.MustRegister(requests, duration, clients, subs, notifications, chat)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		PortalClients:     clients,
		LiveSubscriptions: subs,
		notifications:     notifications,
		chatRequests:      chat,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and duration per route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Notified counts a user-visible notification.
func (m *Metrics) Notified(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

// ChatRequest counts a chat proxy request outcome.
func (m *Metrics) ChatRequest(outcome string) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(outcome).Inc()
}

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps server-sent event streams working behind the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
