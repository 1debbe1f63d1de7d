package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Evaluation metrics
	EvaluationsTotal      *prometheus.CounterVec
	EvaluationDuration    *prometheus.HistogramVec
	FallbacksTotal        *prometheus.CounterVec
	EvaluatorCallsTotal   *prometheus.CounterVec
	EvaluatorCallDuration *prometheus.HistogramVec

	// Cache metrics
	CacheLookupsTotal *prometheus.CounterVec
	CacheEntries      *prometheus.GaugeVec
	CacheSizeBytes    *prometheus.GaugeVec
	CacheHitRatio     *prometheus.GaugeVec
	CacheEvictions    *prometheus.GaugeVec

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec

	// Batch metrics
	BatchesTotal  *prometheus.CounterVec
	BatchSize     *prometheus.HistogramVec
	BatchDuration *prometheus.HistogramVec
	QueueDepth    *prometheus.GaugeVec
	ActiveBatches *prometheus.GaugeVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "evalcache",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all Prometheus metrics and registers them on a private
// registry. A disabled config yields a Metrics whose Record methods do nothing.
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labels)
	}

	latencyBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal:    counter("http_requests_total", "Total number of HTTP requests", "method", "path", "status_code"),
		HTTPRequestDuration:  histogram("http_request_duration_seconds", "HTTP request duration in seconds", prometheus.DefBuckets, "method", "path", "status_code"),
		HTTPRequestsInFlight: gauge("http_requests_in_flight", "Number of HTTP requests currently being processed", "method", "path"),

		EvaluationsTotal:      counter("evaluations_total", "Evaluations served, by path and outcome", "path", "outcome"),
		EvaluationDuration:    histogram("evaluation_duration_seconds", "End-to-end evaluation latency in seconds", latencyBuckets, "path"),
		FallbacksTotal:        counter("fallbacks_total", "Evaluations that fell back to a direct evaluator call", "reason"),
		EvaluatorCallsTotal:   counter("evaluator_calls_total", "Calls to the evaluator issued by the batch path", "agent_type", "outcome"),
		EvaluatorCallDuration: histogram("evaluator_call_duration_seconds", "Evaluator call latency in seconds", latencyBuckets, "outcome"),

		CacheLookupsTotal: counter("cache_lookups_total", "Cache lookups by result", "result"),
		CacheEntries:      gauge("cache_entries", "Number of cached entries", "cache"),
		CacheSizeBytes:    gauge("cache_size_bytes", "Estimated cache footprint in bytes", "cache"),
		CacheHitRatio:     gauge("cache_hit_ratio", "Cache hit ratio", "cache"),
		CacheEvictions:    gauge("cache_evictions", "Evictions since start", "cache"),

		CircuitBreakerState:       gauge("circuit_breaker_state", "Circuit breaker state (0 closed, 1 open, 2 half-open)", "name"),
		CircuitBreakerTransitions: counter("circuit_breaker_transitions_total", "Circuit breaker state transitions", "name", "from", "to"),

		BatchesTotal:  counter("batches_total", "Processed batches by status", "processor", "status"),
		BatchSize:     histogram("batch_size", "Items per processed batch", []float64{1, 2, 5, 10, 20, 50, 100}, "processor"),
		BatchDuration: histogram("batch_duration_seconds", "Batch processing time in seconds", latencyBuckets, "processor"),
		QueueDepth:    gauge("queue_depth", "Items waiting to be batched", "processor"),
		ActiveBatches: gauge("active_batches", "Batches currently being processed", "processor"),

		ErrorsTotal: counter("errors_total", "Total number of errors", "component", "error_type"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.FallbacksTotal,
		m.EvaluatorCallsTotal,
		m.EvaluatorCallDuration,
		m.CacheLookupsTotal,
		m.CacheEntries,
		m.CacheSizeBytes,
		m.CacheHitRatio,
		m.CacheEvictions,
		m.CircuitBreakerState,
		m.CircuitBreakerTransitions,
		m.BatchesTotal,
		m.BatchSize,
		m.BatchDuration,
		m.QueueDepth,
		m.ActiveBatches,
		m.ErrorsTotal,
	)

	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordEvaluation records one EvaluateResponse call. path is "optimized" or "direct".
func (m *Metrics) RecordEvaluation(path, outcome string, duration time.Duration) {
	if m == nil || m.EvaluationsTotal == nil {
		return
	}

	m.EvaluationsTotal.WithLabelValues(path, outcome).Inc()
	m.EvaluationDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordFallback records a switch to the direct evaluator path
func (m *Metrics) RecordFallback(reason string) {
	if m == nil || m.FallbacksTotal == nil {
		return
	}

	m.FallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordEvaluatorCall records a call made through the circuit breaker.
// outcome is "success", "error" or "rejected".
func (m *Metrics) RecordEvaluatorCall(agentType, outcome string, duration time.Duration) {
	if m == nil || m.EvaluatorCallsTotal == nil {
		return
	}

	m.EvaluatorCallsTotal.WithLabelValues(agentType, outcome).Inc()
	m.EvaluatorCallDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil || m.CacheLookupsTotal == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordBreakerTransition records a circuit breaker state change
func (m *Metrics) RecordBreakerTransition(name, from, to string, state int) {
	if m == nil || m.CircuitBreakerTransitions == nil {
		return
	}

	m.CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBatch records one processed batch
func (m *Metrics) RecordBatch(processor string, size int, aborted bool, duration time.Duration) {
	if m == nil || m.BatchesTotal == nil {
		return
	}

	status := "ok"
	if aborted {
		status = "aborted"
	}
	m.BatchesTotal.WithLabelValues(processor, status).Inc()
	m.BatchSize.WithLabelValues(processor).Observe(float64(size))
	m.BatchDuration.WithLabelValues(processor).Observe(duration.Seconds())
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil || m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// UpdateSnapshot copies a polled snapshot into the gauges
func (m *Metrics) UpdateSnapshot(s Snapshot) {
	if m == nil || m.CacheEntries == nil {
		return
	}

	m.CacheEntries.WithLabelValues(s.CacheName).Set(float64(s.CacheEntries))
	m.CacheSizeBytes.WithLabelValues(s.CacheName).Set(float64(s.CacheSizeBytes))
	m.CacheHitRatio.WithLabelValues(s.CacheName).Set(s.CacheHitRatio)
	m.CacheEvictions.WithLabelValues(s.CacheName).Set(float64(s.CacheEvictions))
	m.CircuitBreakerState.WithLabelValues(s.BreakerName).Set(float64(s.BreakerState))
	m.QueueDepth.WithLabelValues(s.ProcessorName).Set(float64(s.QueueDepth))
	m.ActiveBatches.WithLabelValues(s.ProcessorName).Set(float64(s.ActiveBatches))
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil || m.HTTPRequestsInFlight == nil {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
		defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()

		start := time.Now()
		c.Next()

		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
