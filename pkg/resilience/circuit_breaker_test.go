package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/NikhilSetiya/evalcache/pkg/errors"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		SuccessThreshold: 2,
		Logger:           logging.NewNopLogger(),
		Clock:            clock.Now,
	})
}

func succeed(ctx context.Context) (interface{}, error) { return "success", nil }

func fail(ctx context.Context) (interface{}, error) { return nil, errors.New("test error") }

func trip(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	for i := 0; i < 2; i++ {
		_, err := cb.Execute(context.Background(), fail)
		require.Error(t, err)
	}
	require.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_DefaultBehavior(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 5; i++ {
		result, err := cb.Execute(context.Background(), succeed)
		require.NoError(t, err)
		assert.Equal(t, "success", result)
		assert.Equal(t, StateClosed, cb.State())
	}
	assert.Equal(t, uint32(5), cb.Counts().Successes)
}

func TestCircuitBreaker_PropagatesOwnError(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	want := errors.New("scorer exploded")

	_, err := cb.Call(func() (interface{}, error) { return nil, want })
	assert.Same(t, want, err)
	assert.False(t, IsCircuitBreakerError(err))
}

func TestCircuitBreaker_TripsOnFailures(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	trip(t, cb)
	assert.Equal(t, uint32(2), cb.Counts().Failures)

	called := false
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		called = true
		return "should not execute", nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, IsCircuitBreakerError(err))
	assert.True(t, errors.Is(err, apperrors.ErrCircuitOpen))
	assert.Equal(t, uint64(1), cb.Stats().TotalRejections)
}

func TestCircuitBreaker_StaysOpenUntilTimeout(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	trip(t, cb)

	// exactly at the timeout is still open
	clock.Advance(time.Minute)
	_, err := cb.Execute(context.Background(), succeed)
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenState(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	trip(t, cb)

	clock.Advance(time.Minute + time.Millisecond)
	// state is only re-evaluated by a call
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().Successes)

	_, err = cb.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, Counts{}, cb.Counts())
}

func TestCircuitBreaker_HalfOpenFailure(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	trip(t, cb)

	clock.Advance(2 * time.Minute)

	_, err := cb.Execute(context.Background(), fail)
	require.Error(t, err)
	assert.False(t, IsCircuitBreakerError(err))
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, clock.Now(), cb.Stats().LastFailureTime)

	// the new failure restarts the open timeout
	clock.Advance(30 * time.Second)
	_, err = cb.Execute(context.Background(), succeed)
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	trip(t, cb)
	clock.Advance(2 * time.Minute)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
				started <- struct{}{}
				<-release
				return "ok", nil
			})
		}()
	}
	<-started
	<-started

	_, err := cb.Execute(context.Background(), succeed)
	var cbErr *CircuitBreakerError
	require.True(t, errors.As(err, &cbErr))
	assert.Equal(t, StateHalfOpen, cbErr.State)

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ClosedFailuresAccumulate(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	_, _ = cb.Execute(context.Background(), fail)
	_, _ = cb.Execute(context.Background(), succeed)
	assert.Equal(t, StateClosed, cb.State())

	_, _ = cb.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_IntervalClearsClosedCounts(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "interval",
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		Interval:         10 * time.Second,
		Logger:           logging.NewNopLogger(),
		Clock:            clock.Now,
	})

	_, _ = cb.Execute(context.Background(), fail)
	clock.Advance(11 * time.Second)
	_, _ = cb.Execute(context.Background(), fail)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().Failures)
}

func TestCircuitBreaker_StaleResultIgnoredAfterTransition(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	release := make(chan struct{})
	done := make(chan struct{})
	started := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, errors.New("late failure")
		})
	}()
	<-started

	cb.Reset()
	close(release)
	<-done

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(0), cb.Counts().Failures)
	assert.Equal(t, uint64(1), cb.Stats().TotalFailures)
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	assert.Panics(t, func() {
		_, _ = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			panic("boom")
		})
	})
	assert.Equal(t, uint32(1), cb.Counts().Failures)
}

func TestCircuitBreaker_ExcludedErrorsAreNotCounted(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
		SuccessThreshold: 1,
		Logger:           logging.NewNopLogger(),
		Clock:            clock.Now,
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	})
	cancelled := func(ctx context.Context) (interface{}, error) { return nil, context.Canceled }

	_, err := cb.Execute(context.Background(), cancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, Counts{}, cb.Counts())
	assert.Equal(t, uint64(0), cb.Stats().TotalFailures)

	// an excluded probe gives its half-open slot back
	_, _ = cb.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, cb.State())
	clock.Advance(2 * time.Minute)

	_, err = cb.Execute(context.Background(), cancelled)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = cb.Execute(context.Background(), succeed)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	trip(t, cb)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, Counts{}, cb.Counts())
	assert.True(t, cb.Stats().LastFailureTime.IsZero())

	_, err := cb.Execute(context.Background(), succeed)
	assert.NoError(t, err)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "cb",
		FailureThreshold: 1,
		OpenTimeout:      time.Second,
		SuccessThreshold: 1,
		Logger:           logging.NewNopLogger(),
		Clock:            clock.Now,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_, _ = cb.Execute(context.Background(), fail)
	clock.Advance(2 * time.Second)
	_, _ = cb.Execute(context.Background(), succeed)

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	_, _ = cb.Execute(context.Background(), succeed)
	_, _ = cb.Execute(context.Background(), fail)

	stats := cb.Stats()
	assert.Equal(t, "test-cb", stats.Name)
	assert.Equal(t, "CLOSED", stats.State)
	assert.Equal(t, uint32(1), stats.FailureCount)
	assert.Equal(t, uint32(1), stats.SuccessCount)
	assert.Equal(t, uint64(1), stats.TotalSuccesses)
	assert.Equal(t, uint64(1), stats.TotalFailures)
	assert.Equal(t, "test-cb", cb.Name())
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", CircuitState(99).String())
}
