package performance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/NikhilSetiya/evalcache/internal/batch"
	"github.com/NikhilSetiya/evalcache/internal/cache"
	"github.com/NikhilSetiya/evalcache/internal/evaluation"
	"github.com/NikhilSetiya/evalcache/pkg/config"
	apperrors "github.com/NikhilSetiya/evalcache/pkg/errors"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
	"github.com/NikhilSetiya/evalcache/pkg/metrics"
	"github.com/NikhilSetiya/evalcache/pkg/resilience"
	"github.com/NikhilSetiya/evalcache/pkg/tracing"
)

const (
	pathOptimized = "optimized"
	pathDirect    = "direct"

	breakerName   = "evaluator"
	cacheName     = "evaluations"
	processorName = "evaluation"
)

var errNoResult = errors.New("evaluator returned no result")

// Manager is the entry point for evaluations. It owns the cache, the circuit
// breaker and the evaluation processor, and falls back to calling the
// evaluator directly whenever the optimized path cannot serve a request.
type Manager struct {
	cfg     config.PerformanceConfig
	cache   *cache.Cache
	breaker *resilience.CircuitBreaker

	logger                *logging.Logger
	metrics               *metrics.Metrics
	tracer                oteltrace.Tracer
	evaluationConcurrency int

	mu          sync.RWMutex
	evaluator   evaluation.Evaluator
	processor   *evaluation.Processor
	initialized bool
	closed      bool

	enabled      atomic.Bool
	startedAt    time.Time
	shutdownOnce sync.Once
	shutdownErr  error

	breakerListeners []func(name string, from, to resilience.CircuitState)

	totalEvaluations atomic.Int64
	totalTimeNanos   atomic.Int64
	fallbacks        atomic.Int64
}

// NewManager validates cfg and builds the cache and the circuit breaker.
// Evaluations go straight to the evaluator until Initialize is called.
func NewManager(cfg config.PerformanceConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logging.GetLogger(),
		tracer:    otel.Tracer("github.com/NikhilSetiya/evalcache/internal/performance"),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.enabled.Store(cfg.Enabled)

	c, err := cache.New(cache.Config{
		MaxEntries:       cfg.CacheMaxEntries,
		TTL:              cfg.CacheTTL(),
		Strategy:         cache.Strategy(cfg.CacheStrategy),
		MemoryLimitBytes: cfg.CacheMemoryLimitBytes(),
		CleanupInterval:  cfg.CacheCleanupInterval,
	}, cache.WithLogger(m.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	m.cache = c

	m.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             breakerName,
		FailureThreshold: cfg.CircuitFailureThreshold,
		OpenTimeout:      cfg.CircuitOpenTimeout(),
		SuccessThreshold: cfg.CircuitSuccessThreshold,
		Logger:           m.logger,
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			m.metrics.RecordBreakerTransition(name, from.String(), to.String(), int(to))
			for _, listener := range m.breakerListeners {
				listener(name, from, to)
			}
		},
	})

	return m, nil
}

// Initialize builds the evaluation processor around evaluator and starts the
// background work. Cancelling ctx stops new batches and cache maintenance;
// evaluations already running finish, and Shutdown remains the orderly way
// to stop.
func (m *Manager) Initialize(ctx context.Context, evaluator evaluation.Evaluator) error {
	if evaluator == nil {
		return fmt.Errorf("%w: evaluator is required", apperrors.ErrInvalidConfig)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return apperrors.ErrProcessorStopped
	}
	if m.initialized {
		return errors.New("performance manager already initialized")
	}

	processor, err := evaluation.NewProcessor(batch.Config{
		Name:                 processorName,
		BatchSize:            m.cfg.BatchSize,
		MaxBatchWait:         m.cfg.BatchMaxWait(),
		MaxConcurrentBatches: m.cfg.MaxConcurrentBatches,
		QueueCapacity:        m.cfg.QueueCapacity,
	}, m.cache, m.breaker, evaluator,
		evaluation.WithLogger(m.logger),
		evaluation.WithMetrics(m.metrics),
		evaluation.WithTracer(m.tracer),
		evaluation.WithEvaluationConcurrency(m.evaluationConcurrency),
	)
	if err != nil {
		return fmt.Errorf("failed to create evaluation processor: %w", err)
	}

	if err := processor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start evaluation processor: %w", err)
	}
	m.cache.Start(ctx)

	m.evaluator = evaluator
	m.processor = processor
	m.initialized = true

	m.logger.Info("Performance manager initialized",
		"enabled", m.enabled.Load(),
		"cache_strategy", m.cfg.CacheStrategy,
		"cache_max_entries", m.cfg.CacheMaxEntries,
		"batch_size", m.cfg.BatchSize,
		"max_concurrent_batches", m.cfg.MaxConcurrentBatches,
	)

	return nil
}

// EvaluateResponse scores responseText. The optimized path serves it from the
// cache or a batch; evaluator failures are returned to the caller, while
// failures of the optimized path itself fall back to a direct evaluator call.
func (m *Manager) EvaluateResponse(ctx context.Context, agentType, responseText string, attrs map[string]interface{}) (*evaluation.Result, error) {
	m.mu.RLock()
	processor := m.processor
	evaluator := m.evaluator
	ready := m.initialized && !m.closed
	m.mu.RUnlock()

	if !m.enabled.Load() || !ready {
		return m.direct(ctx, evaluator, agentType, responseText, attrs)
	}

	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "evaluation.evaluate",
		oteltrace.WithAttributes(
			attribute.String("evaluation.agent_type", agentType),
			attribute.String("evaluation.path", pathOptimized),
		),
	)
	defer span.End()

	result, err := processor.Evaluate(ctx, agentType, responseText, attrs)
	if err == nil {
		elapsed := time.Since(start)
		m.totalEvaluations.Add(1)
		m.totalTimeNanos.Add(int64(elapsed))
		m.metrics.RecordEvaluation(pathOptimized, "success", elapsed)
		m.logger.LogEvaluationEvent(ctx, "evaluation_completed", agentType, pathOptimized, elapsed, nil)
		return result, nil
	}

	var evalErr *apperrors.EvaluationError
	if errors.As(err, &evalErr) {
		elapsed := time.Since(start)
		tracing.RecordError(span, err)
		m.metrics.RecordEvaluation(pathOptimized, "error", elapsed)
		m.logger.LogEvaluationEvent(ctx, "evaluation_failed", agentType, pathOptimized, elapsed, logrus.Fields{
			"error": err.Error(),
		})
		return nil, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		tracing.RecordError(span, ctxErr)
		return nil, ctxErr
	}

	reason := fallbackReason(err)
	m.fallbacks.Add(1)
	m.metrics.RecordFallback(reason)
	span.SetAttributes(attribute.String("evaluation.fallback", reason))
	m.logger.WithContext(ctx).WithFields(logrus.Fields{
		"agent_type": agentType,
		"reason":     reason,
		"error":      err.Error(),
	}).Warn("Optimized evaluation failed, falling back to direct call")

	return m.direct(ctx, evaluator, agentType, responseText, attrs)
}

// direct calls the evaluator without cache or breaker
func (m *Manager) direct(ctx context.Context, evaluator evaluation.Evaluator, agentType, responseText string, attrs map[string]interface{}) (*evaluation.Result, error) {
	if evaluator == nil {
		return nil, apperrors.ErrNotInitialized
	}

	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "evaluation.evaluate",
		oteltrace.WithAttributes(
			attribute.String("evaluation.agent_type", agentType),
			attribute.String("evaluation.path", pathDirect),
		),
	)
	defer span.End()

	result, err := evaluator.Evaluate(ctx, agentType, responseText, attrs)
	if err == nil && result == nil {
		err = &apperrors.EvaluationError{AgentType: agentType, Cause: errNoResult}
	}

	elapsed := time.Since(start)
	outcome, event := "success", "evaluation_completed"
	var fields logrus.Fields
	if err != nil {
		outcome, event = "error", "evaluation_failed"
		fields = logrus.Fields{"error": err.Error()}
		tracing.RecordError(span, err)
	}
	m.metrics.RecordEvaluation(pathDirect, outcome, elapsed)
	m.logger.LogEvaluationEvent(ctx, event, agentType, pathDirect, elapsed, fields)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, apperrors.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, apperrors.ErrBatchAborted):
		return "batch_aborted"
	case errors.Is(err, apperrors.ErrProcessorStopped):
		return "processor_stopped"
	default:
		return "unexpected"
	}
}

// SetEnabled switches the optimized path on or off at runtime
func (m *Manager) SetEnabled(enabled bool) {
	if m.enabled.Swap(enabled) != enabled {
		m.logger.Info("Performance optimization toggled", "enabled", enabled)
	}
}

// Enabled reports whether the optimized path is on
func (m *Manager) Enabled() bool {
	return m.enabled.Load()
}

// ClearCache drops every cached evaluation
func (m *Manager) ClearCache() {
	m.cache.Clear()
	m.logger.Info("Evaluation cache cleared")
}

// ResetCircuitBreaker forces the breaker back to closed
func (m *Manager) ResetCircuitBreaker() {
	m.breaker.Reset()
	m.logger.Info("Circuit breaker reset", "name", m.breaker.Name())
}

// Shutdown stops the evaluation processor, then the cache maintenance. Work
// still queued is rejected and those callers fall back to direct calls.
// Only the first call does anything; later calls return its result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		processor := m.processor
		m.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			if processor != nil {
				processor.Stop()
			}
			m.cache.Stop()
		}()

		select {
		case <-done:
			m.logger.Info("Performance manager stopped",
				"total_evaluations", m.totalEvaluations.Load(),
				"fallbacks", m.fallbacks.Load(),
			)
		case <-ctx.Done():
			m.shutdownErr = fmt.Errorf("performance manager shutdown: %w", ctx.Err())
		}
	})

	return m.shutdownErr
}
