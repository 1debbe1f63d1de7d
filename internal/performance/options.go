package performance

import (
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/NikhilSetiya/evalcache/pkg/logging"
	"github.com/NikhilSetiya/evalcache/pkg/metrics"
	"github.com/NikhilSetiya/evalcache/pkg/resilience"
)

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger shared by every component the manager builds
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics enables Prometheus recording
func WithMetrics(metrics *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithTracer sets the tracer for evaluation spans
func WithTracer(tracer oteltrace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithEvaluationConcurrency bounds concurrent evaluator calls per batch
func WithEvaluationConcurrency(n int) Option {
	return func(m *Manager) {
		m.evaluationConcurrency = n
	}
}

// WithBreakerListener registers fn for circuit breaker state changes. It runs
// on the transition path and must not block.
func WithBreakerListener(fn func(name string, from, to resilience.CircuitState)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.breakerListeners = append(m.breakerListeners, fn)
		}
	}
}
