package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/NikhilSetiya/evalcache/pkg/errors"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
)

func testConfig() Config {
	return Config{
		Name:                 "test",
		BatchSize:            3,
		MaxBatchWait:         50 * time.Millisecond,
		MaxConcurrentBatches: 2,
		QueueCapacity:        16,
	}
}

func startProcessor[T, R any](t *testing.T, cfg Config, handler Handler[T, R], opts ...Option) *Processor[T, R] {
	t.Helper()

	opts = append([]Option{WithLogger(logging.NewNopLogger())}, opts...)
	p, err := New(cfg, handler, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p
}

func times10() HandlerFunc[int, int] {
	return func(ctx context.Context, payloads []int) ([]Outcome[int], error) {
		outcomes := make([]Outcome[int], len(payloads))
		for i, v := range payloads {
			outcomes[i] = Outcome[int]{Value: v * 10}
		}
		return outcomes, nil
	}
}

func submitAll(p *Processor[int, int], payloads ...int) ([]int, []error) {
	results := make([]int, len(payloads))
	errs := make([]error, len(payloads))

	var wg sync.WaitGroup
	for i, payload := range payloads {
		wg.Add(1)
		go func(i, payload int) {
			defer wg.Done()
			results[i], errs[i] = p.Submit(context.Background(), payload)
		}(i, payload)
	}
	wg.Wait()
	return results, errs
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"negative wait", func(c *Config) { c.MaxBatchWait = -time.Millisecond }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentBatches = 0 }},
		{"zero capacity", func(c *Config) { c.QueueCapacity = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New[int, int](cfg, times10())
			assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
		})
	}

	_, err := New[int, int](testConfig(), nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestProcessor_PreservesOrderWithinBatch(t *testing.T) {
	var mu sync.Mutex
	var batches [][]int
	handler := HandlerFunc[int, int](func(ctx context.Context, payloads []int) ([]Outcome[int], error) {
		mu.Lock()
		batches = append(batches, append([]int(nil), payloads...))
		mu.Unlock()
		return times10()(ctx, payloads)
	})

	cfg := testConfig()
	cfg.MaxBatchWait = time.Second
	p := startProcessor[int, int](t, cfg, handler)

	results, errs := submitAll(p, 1, 2, 3)

	for i := range results {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, []int{10, 20, 30}, results)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 1)
	assert.ElementsMatch(t, []int{1, 2, 3}, batches[0])
}

func TestProcessor_BatchSizeBound(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	handler := HandlerFunc[int, int](func(ctx context.Context, payloads []int) ([]Outcome[int], error) {
		mu.Lock()
		sizes = append(sizes, len(payloads))
		mu.Unlock()
		return times10()(ctx, payloads)
	})

	cfg := testConfig()
	cfg.BatchSize = 2
	p := startProcessor[int, int](t, cfg, handler)

	results, errs := submitAll(p, 1, 2, 3, 4, 5)
	for i, payload := range []int{1, 2, 3, 4, 5} {
		require.NoError(t, errs[i])
		assert.Equal(t, payload*10, results[i])
	}

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, size := range sizes {
		assert.LessOrEqual(t, size, 2)
		total += size
	}
	assert.Equal(t, 5, total)
}

func TestProcessor_DeadlineFlushesPartialBatch(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.MaxBatchWait = 20 * time.Millisecond
	p := startProcessor[int, int](t, cfg, times10())

	start := time.Now()
	result, err := p.Submit(context.Background(), 7)

	require.NoError(t, err)
	assert.Equal(t, 70, result)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProcessor_Backpressure(t *testing.T) {
	release := make(chan struct{})
	handler := HandlerFunc[int, int](func(ctx context.Context, payloads []int) ([]Outcome[int], error) {
		<-release
		return times10()(ctx, payloads)
	})

	cfg := Config{BatchSize: 1, MaxBatchWait: time.Millisecond, MaxConcurrentBatches: 1, QueueCapacity: 2}
	p := startProcessor[int, int](t, cfg, handler)

	const submissions = 10
	var rejected, accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Submit(context.Background(), i)
			if errors.Is(err, apperrors.ErrQueueFull) {
				rejected.Add(1)
				return
			}
			if assert.NoError(t, err) {
				accepted.Add(1)
			}
		}(i)
	}

	// one batch running, one held for a slot, two queued
	require.Eventually(t, func() bool { return rejected.Load() >= submissions-4 }, 2*time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(submissions), rejected.Load()+accepted.Load())
}

func TestProcessor_BatchErrorAbortsEveryItem(t *testing.T) {
	cause := errors.New("handler bug")
	handler := HandlerFunc[int, int](func(ctx context.Context, payloads []int) ([]Outcome[int], error) {
		return nil, cause
	})

	cfg := testConfig()
	cfg.MaxBatchWait = time.Second
	p := startProcessor[int, int](t, cfg, handler)

	_, errs := submitAll(p, 1, 2, 3)
	for _, err := range errs {
		assert.ErrorIs(t, err, apperrors.ErrBatchAborted)
		assert.ErrorIs(t, err, cause)

		var aborted *apperrors.BatchAbortedError
		require.True(t, errors.As(err, &aborted))
		assert.Equal(t, 3, aborted.Size)
		assert.NotEmpty(t, aborted.BatchID)
	}

	assert.Equal(t, int64(1), p.Stats().BatchesAborted)
}

func TestProcessor_LengthMismatchAbortsBatch(t *testing.T) {
	handler := HandlerFunc[int, int](func(ctx context.Context, payloads []int) ([]Outcome[int], error) {
		return []Outcome[int]{{Value: 1}}, nil
	})

	cfg := testConfig()
	cfg.MaxBatchWait = time.Second
	p := startProcessor[int, int](t, cfg, handler)

	_, errs := submitAll(p, 1, 2, 3)
	for _, err := range errs {
		assert.ErrorIs(t, err, apperrors.ErrBatchAborted)
	}
}

func TestProcessor_HandlerPanicAbortsBatch(t *testing.T) {
	handler := HandlerFunc[int, int](func(ctx context.Context, payloads []int) ([]Outcome[int], error) {
		panic("boom")
	})
	p := startProcessor[int, int](t, testConfig(), handler)

	_, err := p.Submit(context.Background(), 1)
	assert.ErrorIs(t, err, apperrors.ErrBatchAborted)
	assert.Contains(t, err.Error(), "boom")

	// the processor keeps working after a panic
	_, err = p.Submit(context.Background(), 2)
	assert.ErrorIs(t, err, apperrors.ErrBatchAborted)
}

func TestSingleItemHandler_IsolatesFailures(t *testing.T) {
	handler := SingleItemHandler[int, string](func(ctx context.Context, v int) (string, error) {
		switch v {
		case 2:
			return "", fmt.Errorf("item %d failed", v)
		case 3:
			panic("bad item")
		}
		return fmt.Sprintf("ok-%d", v), nil
	})

	outcomes, err := handler.ProcessItems(context.Background(), []int{1, 2, 3, 4})
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	assert.Equal(t, "ok-1", outcomes[0].Value)
	assert.EqualError(t, outcomes[1].Err, "item 2 failed")
	assert.Contains(t, outcomes[2].Err.Error(), "bad item")
	assert.Equal(t, "ok-4", outcomes[3].Value)
}

func TestProcessor_ConcurrencyLimit(t *testing.T) {
	var current, peak atomic.Int32
	handler := HandlerFunc[int, int](func(ctx context.Context, payloads []int) ([]Outcome[int], error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return times10()(ctx, payloads)
	})

	cfg := Config{BatchSize: 1, MaxBatchWait: time.Millisecond, MaxConcurrentBatches: 2, QueueCapacity: 32}
	p := startProcessor[int, int](t, cfg, handler)

	_, errs := submitAll(p, 1, 2, 3, 4, 5, 6, 7, 8)
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProcessor_SubmitContextCancel(t *testing.T) {
	release := make(chan struct{})
	handler := HandlerFunc[int, int](func(ctx context.Context, payloads []int) ([]Outcome[int], error) {
		<-release
		return times10()(ctx, payloads)
	})
	p := startProcessor[int, int](t, testConfig(), handler)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Submit(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return p.Stats().ItemsProcessed == 1 }, time.Second, 5*time.Millisecond)
}

func TestProcessor_SubmitBeforeStart(t *testing.T) {
	p, err := New[int, int](testConfig(), times10(), WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), 1)
	assert.ErrorIs(t, err, apperrors.ErrProcessorStopped)
}

func TestProcessor_StopRejectsQueuedItems(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	handler := HandlerFunc[int, int](func(ctx context.Context, payloads []int) ([]Outcome[int], error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return times10()(ctx, payloads)
	})

	cfg := Config{BatchSize: 1, MaxBatchWait: time.Millisecond, MaxConcurrentBatches: 1, QueueCapacity: 8}
	p, err := New[int, int](cfg, handler, WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func(i int) {
			_, err := p.Submit(context.Background(), i)
			errs <- err
		}(i)
		if i == 0 {
			<-started
		}
	}
	require.Eventually(t, func() bool { return p.Stats().QueueDepth >= 3 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	var rejected int
	for i := 0; i < 5; i++ {
		err := <-errs
		if err != nil {
			require.ErrorIs(t, err, apperrors.ErrProcessorStopped)
			rejected++
		}
	}
	assert.GreaterOrEqual(t, rejected, 1)

	_, err = p.Submit(context.Background(), 9)
	assert.ErrorIs(t, err, apperrors.ErrProcessorStopped)
	assert.ErrorIs(t, p.Start(context.Background()), apperrors.ErrProcessorStopped)
	assert.False(t, p.Stats().Running)
}

func TestProcessor_ContextCancelHaltsLoop(t *testing.T) {
	p, err := New[int, int](testConfig(), times10(), WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return !p.Stats().Running }, time.Second, time.Millisecond)
	_, err = p.Submit(context.Background(), 1)
	assert.ErrorIs(t, err, apperrors.ErrProcessorStopped)
	p.Stop()
}

func TestProcessor_ContextCancelLetsRunningBatchFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	handler := HandlerFunc[int, int](func(ctx context.Context, payloads []int) ([]Outcome[int], error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return times10()(ctx, payloads)
	})

	cfg := testConfig()
	cfg.BatchSize = 1
	p, err := New[int, int](cfg, handler, WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	type outcome struct {
		value int
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := p.Submit(context.Background(), 4)
		done <- outcome{v, err}
	}()

	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, 40, got.value)
}

func TestProcessor_StatsAndHook(t *testing.T) {
	var reports []BatchReport
	var mu sync.Mutex
	hook := func(r BatchReport) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}

	handler := HandlerFunc[int, int](func(ctx context.Context, payloads []int) ([]Outcome[int], error) {
		outcomes := make([]Outcome[int], len(payloads))
		for i, v := range payloads {
			if v < 0 {
				outcomes[i] = Outcome[int]{Err: errors.New("negative")}
				continue
			}
			outcomes[i] = Outcome[int]{Value: v}
		}
		return outcomes, nil
	})

	cfg := testConfig()
	cfg.MaxBatchWait = time.Second
	p := startProcessor[int, int](t, cfg, handler, WithBatchHook(hook))

	_, errs := submitAll(p, 1, -1, 2)
	assert.NoError(t, errs[0])
	assert.EqualError(t, errs[1], "negative")
	assert.NoError(t, errs[2])

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reports) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, 3, reports[0].Size)
	assert.Equal(t, 1, reports[0].FailedItems)
	assert.False(t, reports[0].Aborted)
	assert.Equal(t, "test", reports[0].Processor)
	mu.Unlock()

	stats := p.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, int64(3), stats.ItemsProcessed)
	assert.Equal(t, int64(1), stats.BatchesProcessed)
	assert.Equal(t, 16, stats.QueueCapacity)
	assert.Greater(t, stats.ThroughputPerSecond, 0.0)
}
