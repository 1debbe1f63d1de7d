package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/evalcache/internal/batch"
	"github.com/NikhilSetiya/evalcache/internal/cache"
	apperrors "github.com/NikhilSetiya/evalcache/pkg/errors"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
	"github.com/NikhilSetiya/evalcache/pkg/metrics"
	"github.com/NikhilSetiya/evalcache/pkg/resilience"
	"github.com/NikhilSetiya/evalcache/pkg/tracing"
)

var errNoResult = errors.New("evaluator returned no result")

// Option configures a Processor
type Option func(*Processor)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records cache lookups, evaluator calls and batches
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithTracer sets the tracer used for batch and evaluator spans
func WithTracer(tracer oteltrace.Tracer) Option {
	return func(p *Processor) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithEvaluationConcurrency bounds concurrent evaluator calls within one
// batch. Zero or less means all misses of a batch run at once.
func WithEvaluationConcurrency(n int) Option {
	return func(p *Processor) {
		p.concurrency = n
	}
}

// Processor batches evaluation requests, answers what it can from the cache
// and sends the rest through the circuit breaker to the evaluator.
type Processor struct {
	*batch.Processor[Request, *Result]

	cache     *cache.Cache
	breaker   *resilience.CircuitBreaker
	evaluator Evaluator

	logger      *logging.Logger
	metrics     *metrics.Metrics
	tracer      oteltrace.Tracer
	concurrency int
}

// missGroup is one distinct evaluation and the batch positions waiting on it
type missGroup struct {
	key       string
	cacheable bool
	req       Request
	positions []int
}

// NewProcessor creates an evaluation processor. Start must be called before Submit.
func NewProcessor(cfg batch.Config, c *cache.Cache, breaker *resilience.CircuitBreaker, evaluator Evaluator, opts ...Option) (*Processor, error) {
	if c == nil || breaker == nil || evaluator == nil {
		return nil, fmt.Errorf("%w: cache, circuit breaker and evaluator are required", apperrors.ErrInvalidConfig)
	}
	if cfg.Name == "" {
		cfg.Name = "evaluation"
	}

	p := &Processor{
		cache:     c,
		breaker:   breaker,
		evaluator: evaluator,
		logger:    logging.GetLogger(),
		tracer:    otel.Tracer("github.com/NikhilSetiya/evalcache/internal/evaluation"),
	}
	for _, opt := range opts {
		opt(p)
	}

	bp, err := batch.New[Request, *Result](cfg, p,
		batch.WithLogger(p.logger),
		batch.WithBatchHook(func(r batch.BatchReport) {
			p.metrics.RecordBatch(r.Processor, r.Size, r.Aborted, r.Duration)
		}),
	)
	if err != nil {
		return nil, err
	}
	p.Processor = bp

	return p, nil
}

// Evaluate submits one request and waits for its result
func (p *Processor) Evaluate(ctx context.Context, agentType, responseText string, attrs map[string]interface{}) (*Result, error) {
	return p.Submit(ctx, Request{AgentType: agentType, ResponseText: responseText, Context: attrs})
}

// ProcessItems resolves a batch: cache hits first, then one evaluator call
// per distinct miss. Failures are isolated to the items they belong to, so
// the returned error is always nil.
func (p *Processor) ProcessItems(ctx context.Context, reqs []Request) ([]batch.Outcome[*Result], error) {
	ctx, span := p.tracer.Start(ctx, "evaluation.process_batch",
		oteltrace.WithAttributes(attribute.Int("batch.size", len(reqs))),
	)
	defer span.End()

	start := time.Now()
	outcomes := make([]batch.Outcome[*Result], len(reqs))
	groups := make(map[string]*missGroup)
	var misses []*missGroup
	hits := 0

	for i, req := range reqs {
		key, err := CacheKey(req.AgentType, req.ResponseText, req.Context)
		if err != nil {
			p.logger.Warn("Evaluation context is not cacheable",
				"agent_type", req.AgentType,
				"error", err,
			)
			misses = append(misses, &missGroup{req: req, positions: []int{i}})
			continue
		}

		if value, ok := p.cache.Get(key); ok {
			if result, ok := value.(*Result); ok {
				p.metrics.RecordCacheLookup(true)
				outcomes[i] = batch.Outcome[*Result]{Value: result}
				hits++
				continue
			}
		}
		p.metrics.RecordCacheLookup(false)

		if g, ok := groups[key]; ok {
			g.positions = append(g.positions, i)
			continue
		}
		g := &missGroup{key: key, cacheable: true, req: req, positions: []int{i}}
		groups[key] = g
		misses = append(misses, g)
	}

	if len(misses) > 0 {
		var eg errgroup.Group
		limit := p.concurrency
		if limit <= 0 {
			limit = len(misses)
		}
		eg.SetLimit(limit)

		for _, g := range misses {
			g := g
			eg.Go(func() error {
				result, err := p.evaluate(ctx, g)
				for _, pos := range g.positions {
					outcomes[pos] = batch.Outcome[*Result]{Value: result, Err: err}
				}
				return nil
			})
		}
		_ = eg.Wait()
	}

	span.SetAttributes(
		attribute.Int("batch.cache_hits", hits),
		attribute.Int("batch.evaluations", len(misses)),
	)

	p.logger.Debug("Evaluation batch processed",
		"batch_id", logging.GetBatchID(ctx),
		"size", len(reqs),
		"cache_hits", hits,
		"evaluations", len(misses),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return outcomes, nil
}

// evaluate runs one distinct miss through the breaker and caches a success
func (p *Processor) evaluate(ctx context.Context, g *missGroup) (result *Result, err error) {
	ctx, span := p.tracer.Start(ctx, "evaluation.evaluator_call",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("evaluation.agent_type", g.req.AgentType),
			attribute.Int("evaluation.waiters", len(g.positions)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		// the breaker has already counted the failure before re-panicking
		if r := recover(); r != nil {
			result = nil
			err = &apperrors.EvaluationError{
				AgentType: g.req.AgentType,
				CacheKey:  g.key,
				Cause:     fmt.Errorf("panic in evaluator: %v", r),
			}
		}
		p.record(span, g.req.AgentType, err, time.Since(start))
	}()

	value, err := p.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		res, err := p.evaluator.Evaluate(ctx, g.req.AgentType, g.req.ResponseText, g.req.Context)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, errNoResult
		}
		return res, nil
	})
	if err != nil {
		if resilience.IsCircuitBreakerError(err) {
			return nil, err
		}
		return nil, &apperrors.EvaluationError{AgentType: g.req.AgentType, CacheKey: g.key, Cause: err}
	}

	result = value.(*Result)
	if g.cacheable {
		if err := p.cache.Put(g.key, result); err != nil {
			p.logger.Warn("Failed to cache evaluation result",
				"agent_type", g.req.AgentType,
				"key", g.key,
				"error", err,
			)
			p.metrics.RecordError("cache", "put")
		}
	}

	return result, nil
}

func (p *Processor) record(span oteltrace.Span, agentType string, err error, d time.Duration) {
	outcome := "success"
	switch {
	case err == nil:
	case resilience.IsCircuitBreakerError(err):
		outcome = "rejected"
		span.SetAttributes(attribute.Bool("evaluation.rejected", true))
	default:
		outcome = "error"
		tracing.RecordError(span, err)
	}
	p.metrics.RecordEvaluatorCall(agentType, outcome, d)
}
