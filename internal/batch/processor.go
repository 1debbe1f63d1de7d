package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/NikhilSetiya/evalcache/pkg/errors"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
)

// minBatchWait keeps an idle collection loop from spinning
const minBatchWait = time.Millisecond

// Config holds batching configuration
type Config struct {
	Name                 string        `json:"name"`
	BatchSize            int           `json:"batch_size"`
	MaxBatchWait         time.Duration `json:"max_batch_wait"`
	MaxConcurrentBatches int           `json:"max_concurrent_batches"`
	QueueCapacity        int           `json:"queue_capacity"`
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive", apperrors.ErrInvalidConfig)
	case c.MaxBatchWait < 0:
		return fmt.Errorf("%w: max batch wait must not be negative", apperrors.ErrInvalidConfig)
	case c.MaxConcurrentBatches <= 0:
		return fmt.Errorf("%w: max concurrent batches must be positive", apperrors.ErrInvalidConfig)
	case c.QueueCapacity <= 0:
		return fmt.Errorf("%w: queue capacity must be positive", apperrors.ErrInvalidConfig)
	}
	return nil
}

// BatchReport describes one processed batch
type BatchReport struct {
	Processor   string
	BatchID     string
	Size        int
	FailedItems int
	Aborted     bool
	Duration    time.Duration
}

type settings struct {
	logger *logging.Logger
	hook   func(BatchReport)
}

// Option configures a Processor
type Option func(*settings)

// WithLogger sets the processor logger
func WithLogger(logger *logging.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBatchHook registers fn to observe every finished batch. It runs on the
// batch goroutine after all items have been resolved.
func WithBatchHook(fn func(BatchReport)) Option {
	return func(s *settings) {
		s.hook = fn
	}
}

type item[T, R any] struct {
	payload T
	result  chan Outcome[R]
	once    sync.Once
}

// resolve delivers the outcome. Only the first call has an effect.
func (it *item[T, R]) resolve(outcome Outcome[R]) {
	it.once.Do(func() {
		it.result <- outcome
	})
}

// Processor queues submitted payloads, groups them into batches bounded by
// size and wait time, and runs at most MaxConcurrentBatches batches at once.
type Processor[T, R any] struct {
	cfg     Config
	handler Handler[T, R]
	queue   chan *item[T, R]
	sem     *semaphore.Weighted
	logger  *logging.Logger
	hook    func(BatchReport)

	mu       sync.RWMutex
	running  bool
	stopped  bool
	stopCh   chan struct{}
	loopDone chan struct{}
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	// workCtx carries the values of the Start context but not its
	// cancellation. It ends in Stop, after running batches have finished.
	workCtx    context.Context
	cancelWork context.CancelFunc

	startedAt        time.Time
	activeBatches    atomic.Int64
	itemsProcessed   atomic.Int64
	batchesProcessed atomic.Int64
	batchesAborted   atomic.Int64
	processingNanos  atomic.Int64
}

// New creates a processor. It does not accept work until Start is called.
func New[T, R any](cfg Config, handler Handler[T, R], opts ...Option) (*Processor[T, R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: batch handler is required", apperrors.ErrInvalidConfig)
	}
	if cfg.Name == "" {
		cfg.Name = "batch"
	}
	if cfg.MaxBatchWait < minBatchWait {
		cfg.MaxBatchWait = minBatchWait
	}

	s := settings{logger: logging.GetLogger()}
	for _, opt := range opts {
		opt(&s)
	}

	return &Processor[T, R]{
		cfg:     cfg,
		handler: handler,
		queue:   make(chan *item[T, R], cfg.QueueCapacity),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches)),
		logger:  s.logger,
		hook:    s.hook,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start launches the collection loop. Cancelling ctx stops collection, but
// batches already dispatched run to completion.
func (p *Processor[T, R]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return apperrors.ErrProcessorStopped
	}
	if p.running {
		return fmt.Errorf("processor %s already running", p.cfg.Name)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.workCtx, p.cancelWork = context.WithCancel(context.WithoutCancel(ctx))
	p.running = true
	p.startedAt = time.Now()
	p.loopDone = make(chan struct{})

	go p.run(loopCtx)

	p.logger.Info("Batch processor started",
		"processor", p.cfg.Name,
		"batch_size", p.cfg.BatchSize,
		"max_batch_wait", p.cfg.MaxBatchWait.String(),
		"max_concurrent_batches", p.cfg.MaxConcurrentBatches,
		"queue_capacity", p.cfg.QueueCapacity,
	)

	return nil
}

// Submit enqueues payload and waits for its outcome. A full queue fails
// immediately with ErrQueueFull. When ctx ends first the caller stops
// waiting, but the item is still processed.
func (p *Processor[T, R]) Submit(ctx context.Context, payload T) (R, error) {
	var zero R
	it := &item[T, R]{payload: payload, result: make(chan Outcome[R], 1)}

	p.mu.RLock()
	if !p.running {
		p.mu.RUnlock()
		return zero, apperrors.ErrProcessorStopped
	}
	select {
	case p.queue <- it:
	default:
		p.mu.RUnlock()
		return zero, fmt.Errorf("%w: %d items pending in %s", apperrors.ErrQueueFull, cap(p.queue), p.cfg.Name)
	}
	p.mu.RUnlock()

	select {
	case outcome := <-it.result:
		return outcome.Value, outcome.Err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Stop stops accepting work, waits for the collection loop and all running
// batches, then rejects anything still queued with ErrProcessorStopped.
// The processor cannot be restarted.
func (p *Processor[T, R]) Stop() {
	p.mu.Lock()
	p.running = false
	if !p.stopped {
		p.stopped = true
		close(p.stopCh)
	}
	loopDone := p.loopDone
	cancel := p.cancel
	cancelWork := p.cancelWork
	p.mu.Unlock()

	if loopDone != nil {
		<-loopDone
	}
	p.inflight.Wait()
	p.rejectPending()

	if cancel != nil {
		cancel()
	}
	if cancelWork != nil {
		cancelWork()
	}
}

func (p *Processor[T, R]) run(ctx context.Context) {
	defer close(p.loopDone)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			p.halt()
			return
		default:
		}

		batch := p.collectBatch(ctx)
		if len(batch) == 0 {
			continue
		}

		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.rejectItems(batch, apperrors.ErrProcessorStopped)
			continue
		}

		p.inflight.Add(1)
		p.activeBatches.Add(1)
		go p.processBatch(p.workCtx, batch)
	}
}

// halt is the loop's own shutdown when its context ends without Stop
func (p *Processor[T, R]) halt() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.inflight.Wait()
	p.rejectPending()
	p.cancelWork()
}

// collectBatch gathers up to BatchSize items, waiting at most MaxBatchWait.
// It may return an empty batch.
func (p *Processor[T, R]) collectBatch(ctx context.Context) []*item[T, R] {
	batch := make([]*item[T, R], 0, p.cfg.BatchSize)

	timer := time.NewTimer(p.cfg.MaxBatchWait)
	defer timer.Stop()

	for len(batch) < p.cfg.BatchSize {
		select {
		case it := <-p.queue:
			batch = append(batch, it)
		case <-timer.C:
			return batch
		case <-p.stopCh:
			return batch
		case <-ctx.Done():
			return batch
		}
	}

	return batch
}

func (p *Processor[T, R]) processBatch(ctx context.Context, batch []*item[T, R]) {
	start := time.Now()
	batchID := uuid.New().String()

	defer func() {
		p.sem.Release(1)
		p.activeBatches.Add(-1)
		p.inflight.Done()
	}()

	payloads := make([]T, len(batch))
	for i, it := range batch {
		payloads[i] = it.payload
	}

	outcomes, err := p.invoke(logging.WithBatchID(ctx, batchID), payloads)
	if err == nil && len(outcomes) != len(batch) {
		err = fmt.Errorf("handler returned %d outcomes for %d items", len(outcomes), len(batch))
	}

	report := BatchReport{
		Processor: p.cfg.Name,
		BatchID:   batchID,
		Size:      len(batch),
	}

	if err != nil {
		aborted := &apperrors.BatchAbortedError{BatchID: batchID, Size: len(batch), Cause: err}
		for _, it := range batch {
			it.resolve(Outcome[R]{Err: aborted})
		}
		report.Aborted = true
		report.FailedItems = len(batch)
		p.batchesAborted.Add(1)

		p.logger.Error("Batch aborted",
			"processor", p.cfg.Name,
			"batch_id", batchID,
			"size", len(batch),
			"error", err,
		)
	} else {
		for i, it := range batch {
			if outcomes[i].Err != nil {
				report.FailedItems++
			}
			it.resolve(outcomes[i])
		}
	}

	report.Duration = time.Since(start)
	p.itemsProcessed.Add(int64(len(batch)))
	p.batchesProcessed.Add(1)
	p.processingNanos.Add(int64(report.Duration))

	if p.hook != nil {
		p.hook(report)
	}
}

// invoke runs the handler, turning a panic into a batch-level error
func (p *Processor[T, R]) invoke(ctx context.Context, payloads []T) (outcomes []Outcome[R], err error) {
	defer func() {
		if r := recover(); r != nil {
			outcomes = nil
			if e, ok := r.(error); ok {
				err = fmt.Errorf("panic in batch handler: %w", e)
				return
			}
			err = fmt.Errorf("panic in batch handler: %v", r)
		}
	}()

	return p.handler.ProcessItems(ctx, payloads)
}

func (p *Processor[T, R]) rejectPending() {
	for {
		select {
		case it := <-p.queue:
			it.resolve(Outcome[R]{Err: apperrors.ErrProcessorStopped})
		default:
			return
		}
	}
}

func (p *Processor[T, R]) rejectItems(batch []*item[T, R], err error) {
	for _, it := range batch {
		it.resolve(Outcome[R]{Err: err})
	}
}

// Stats is a point-in-time view of the processor
type Stats struct {
	Name                 string  `json:"name"`
	Running              bool    `json:"running"`
	QueueDepth           int     `json:"queue_depth"`
	QueueCapacity        int     `json:"queue_capacity"`
	ActiveBatches        int64   `json:"active_batches"`
	ItemsProcessed       int64   `json:"items_processed"`
	BatchesProcessed     int64   `json:"batches_processed"`
	BatchesAborted       int64   `json:"batches_aborted"`
	AverageBatchMS       float64 `json:"average_batch_ms"`
	ThroughputPerSecond  float64 `json:"throughput_per_second"`
	BatchSize            int     `json:"batch_size"`
	MaxConcurrentBatches int     `json:"max_concurrent_batches"`
}

// Stats returns the current counters
func (p *Processor[T, R]) Stats() Stats {
	p.mu.RLock()
	running := p.running
	startedAt := p.startedAt
	p.mu.RUnlock()

	stats := Stats{
		Name:                 p.cfg.Name,
		Running:              running,
		QueueDepth:           len(p.queue),
		QueueCapacity:        cap(p.queue),
		ActiveBatches:        p.activeBatches.Load(),
		ItemsProcessed:       p.itemsProcessed.Load(),
		BatchesProcessed:     p.batchesProcessed.Load(),
		BatchesAborted:       p.batchesAborted.Load(),
		BatchSize:            p.cfg.BatchSize,
		MaxConcurrentBatches: p.cfg.MaxConcurrentBatches,
	}

	if stats.BatchesProcessed > 0 {
		avg := time.Duration(p.processingNanos.Load() / stats.BatchesProcessed)
		stats.AverageBatchMS = float64(avg) / float64(time.Millisecond)
	}
	if !startedAt.IsZero() {
		if elapsed := time.Since(startedAt).Seconds(); elapsed > 0 {
			stats.ThroughputPerSecond = float64(stats.ItemsProcessed) / elapsed
		}
	}

	return stats
}
