package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/session-gateway/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the gateway.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	backendTotal    *prometheus.CounterVec
	throttleWait    *prometheus.HistogramVec
	refreshTotal    *prometheus.CounterVec
	resolveTotal    *prometheus.CounterVec
	guardTotal      *prometheus.CounterVec
	storeDuration   *prometheus.HistogramVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	backendDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credential_backend_call_duration_seconds",
		Help:    "Duration of calls to the credential service, excluding throttle wait",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	backendTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credential_backend_calls_total",
		Help: "Calls to the credential service by endpoint and classified outcome",
	}, []string{"endpoint", "outcome"})

	throttleWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credential_backend_throttle_wait_seconds",
		Help:    "Time callers spent waiting on the per-endpoint throttle",
		Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"endpoint"})

	refreshTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_token_refresh_total",
		Help: "Token refresh attempts by outcome",
	}, []string{"outcome"})

	resolveTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_resolutions_total",
		Help: "Session resolutions by resulting state",
	}, []string{"state"})

	guardTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "route_guard_decisions_total",
		Help: "Route guard decisions by route class and decision",
	}, []string{"route_class", "decision"})

	storeDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "token_store_operation_seconds",
		Help:    "Latency of token store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, backendDuration, backendTotal, throttleWait,
		refreshTotal, resolveTotal, guardTotal, storeDuration, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		backendDuration: backendDuration,
		backendTotal:    backendTotal,
		throttleWait:    throttleWait,
		refreshTotal:    refreshTotal,
		resolveTotal:    resolveTotal,
		guardTotal:      guardTotal,
		storeDuration:   storeDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records inbound request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveBackendCall records one classified call to the credential service.
func (m *MetricsService) ObserveBackendCall(endpoint Endpoint, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.backendDuration.WithLabelValues(string(endpoint)).Observe(duration.Seconds())
	m.backendTotal.WithLabelValues(string(endpoint), outcome).Inc()
}

// ObserveThrottleWait records how long a caller was held back.
func (m *MetricsService) ObserveThrottleWait(endpoint Endpoint, waited time.Duration) {
	if m == nil {
		return
	}
	m.throttleWait.WithLabelValues(string(endpoint)).Observe(waited.Seconds())
}

// RecordRefresh counts a refresh outcome (success, shared, rejected, failed).
func (m *MetricsService) RecordRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
}

// RecordResolution counts the state a session resolved to.
func (m *MetricsService) RecordResolution(state models.SessionState) {
	if m == nil {
		return
	}
	m.resolveTotal.WithLabelValues(string(state)).Inc()
}

// RecordGuardDecision counts a route guard decision.
func (m *MetricsService) RecordGuardDecision(class models.RouteClass, decision models.Decision) {
	if m == nil {
		return
	}
	m.guardTotal.WithLabelValues(string(class), string(decision.Kind)).Inc()
}

// ObserveStoreOperation records token store latency.
func (m *MetricsService) ObserveStoreOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}
