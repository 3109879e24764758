// Package metrics provides Prometheus metrics for the kvpk server.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge
	responseSize     *prometheus.HistogramVec

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	resultItems       *prometheus.HistogramVec

	authVerifications *prometheus.CounterVec
	authCacheHits     prometheus.Counter

	storeCacheHits   prometheus.Counter
	storeCacheMisses prometheus.Counter

	healthStatus prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvpk_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kvpk_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"method", "route", "status"},
		),
		requestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kvpk_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),
		responseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kvpk_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 1000000},
			},
			[]string{"method", "route"},
		),
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvpk_engine_operations_total",
				Help: "Total number of KV engine operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kvpk_engine_operation_duration_seconds",
				Help:    "KV engine operation duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"operation"},
		),
		resultItems: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kvpk_engine_result_items",
				Help:    "Number of items returned by list and reverse",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"operation"},
		),
		authVerifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvpk_auth_verifications_total",
				Help: "Total number of bearer token verifications by outcome",
			},
			[]string{"outcome"},
		),
		authCacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kvpk_auth_cache_hits_total",
				Help: "Total number of token verifications served from cache",
			},
		),
		storeCacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kvpk_store_cache_hits_total",
				Help: "Total number of index store reads served from the value cache",
			},
		),
		storeCacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kvpk_store_cache_misses_total",
				Help: "Total number of index store reads that missed the value cache",
			},
		),
		healthStatus: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kvpk_health_status",
				Help: "Readiness of the server (1 = ready, 0 = not ready)",
			},
		),
	}
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration, size int) {
	if m == nil {
		return
	}
	status := strconv.Itoa(statusCode)
	m.requestsTotal.WithLabelValues(method, route, status).Inc()
	m.requestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
	m.responseSize.WithLabelValues(method, route).Observe(float64(size))
}

// RecordOperation records one KV engine operation. outcome is "ok" or an
// error code.
func (m *Metrics) RecordOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordResultItems records the size of a list or reverse result.
func (m *Metrics) RecordResultItems(operation string, n int) {
	if m == nil {
		return
	}
	m.resultItems.WithLabelValues(operation).Observe(float64(n))
}

// RecordAuthVerification records the outcome of a token verification.
func (m *Metrics) RecordAuthVerification(outcome string) {
	if m == nil {
		return
	}
	m.authVerifications.WithLabelValues(outcome).Inc()
}

// IncAuthCacheHit counts a token verification served from cache.
func (m *Metrics) IncAuthCacheHit() {
	if m == nil {
		return
	}
	m.authCacheHits.Inc()
}

// IncStoreCacheHit counts a value cache hit.
func (m *Metrics) IncStoreCacheHit() {
	if m == nil {
		return
	}
	m.storeCacheHits.Inc()
}

// IncStoreCacheMiss counts a value cache miss.
func (m *Metrics) IncStoreCacheMiss() {
	if m == nil {
		return
	}
	m.storeCacheMisses.Inc()
}

// SetHealthStatus sets the health status.
func (m *Metrics) SetHealthStatus(healthy bool) {
	if m == nil {
		return
	}
	if healthy {
		m.healthStatus.Set(1)
	} else {
		m.healthStatus.Set(0)
	}
}

// MetricsServer provides a separate HTTP server for Prometheus metrics.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server exposing gatherer.
func NewMetricsServer(port int, path string, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server. It blocks until the server stops.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("starting metrics server", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// MetricsMiddleware creates router middleware that records HTTP metrics.
// Requests are labelled with their route template so paths carrying keys do
// not explode label cardinality.
func MetricsMiddleware(m *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}

			m.requestsInFlight.Inc()
			defer m.requestsInFlight.Dec()

			start := time.Now()
			rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			m.RecordHTTPRequest(r.Method, routeLabel(r), rw.statusCode, time.Since(start), rw.size)
		})
	}
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// metricsResponseWriter wraps http.ResponseWriter to capture metrics.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}
