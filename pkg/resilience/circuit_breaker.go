package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/NikhilSetiya/evalcache/pkg/errors"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, probe requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of failures in the closed state
	// that trips the breaker
	FailureThreshold int
	// OpenTimeout is how long after the last failure the breaker stays open
	// before letting a probe through
	OpenTimeout time.Duration
	// SuccessThreshold is the number of half-open successes needed to close again
	SuccessThreshold int
	// MaxHalfOpenRequests caps the probes admitted while half-open.
	// Defaults to SuccessThreshold.
	MaxHalfOpenRequests int
	// Interval is the cyclic period of the closed state after which
	// the counts are cleared. Zero keeps counts until the next transition.
	Interval time.Duration
	// IsExcluded reports errors that count as neither success nor failure,
	// such as the caller giving up. Nil excludes nothing.
	IsExcluded func(err error) bool
	// OnStateChange is called whenever the state of the circuit breaker changes.
	// It runs with the breaker lock held and must not call back into the breaker.
	OnStateChange func(name string, from CircuitState, to CircuitState)
	// Logger defaults to the global logger
	Logger *logging.Logger
	// Clock defaults to time.Now
	Clock func() time.Time
}

// Counts holds the counters of the current state
type Counts struct {
	Requests  uint32
	Successes uint32
	Failures  uint32
}

// BreakerStats is a point-in-time view of the breaker
type BreakerStats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    uint32    `json:"failure_count"`
	SuccessCount    uint32    `json:"success_count"`
	TotalSuccesses  uint64    `json:"total_successes"`
	TotalFailures   uint64    `json:"total_failures"`
	TotalRejections uint64    `json:"total_rejections"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	StateSince      time.Time `json:"state_since"`
}

// CircuitBreaker is a state machine to prevent sending requests that are likely to fail
type CircuitBreaker struct {
	name                string
	failureThreshold    uint32
	openTimeout         time.Duration
	successThreshold    uint32
	maxHalfOpenRequests uint32
	interval            time.Duration
	onStateChange       func(name string, from CircuitState, to CircuitState)
	isExcluded          func(err error) bool
	now                 func() time.Time

	mutex           sync.Mutex
	state           CircuitState
	generation      uint64
	counts          Counts
	expiry          time.Time
	lastFailureTime time.Time
	stateSince      time.Time

	totalSuccesses  uint64
	totalFailures   uint64
	totalRejections uint64

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          config.Name,
		openTimeout:   config.OpenTimeout,
		interval:      config.Interval,
		onStateChange: config.OnStateChange,
		isExcluded:    config.IsExcluded,
		logger:        config.Logger,
		now:           config.Clock,
	}

	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = config.SuccessThreshold
	}
	if cb.openTimeout <= 0 {
		cb.openTimeout = 60 * time.Second
	}
	cb.failureThreshold = uint32(config.FailureThreshold)
	cb.successThreshold = uint32(config.SuccessThreshold)
	cb.maxHalfOpenRequests = uint32(config.MaxHalfOpenRequests)

	if cb.logger == nil {
		cb.logger = logging.GetLogger()
	}
	if cb.now == nil {
		cb.now = time.Now
	}

	now := cb.now()
	cb.stateSince = now
	cb.toNewGeneration(now)
	return cb
}

// Execute runs the given request if the circuit breaker accepts it.
// The request's own error is returned unchanged; a rejection is a *CircuitBreakerError.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	result, err := req(ctx)
	if err != nil && cb.isExcluded != nil && cb.isExcluded(err) {
		cb.releaseRequest(generation)
		return result, err
	}
	cb.afterRequest(generation, err == nil)
	return result, err
}

// Call is a convenience method that wraps Execute for functions that don't need context
func (cb *CircuitBreaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	return cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return fn()
	})
}

// State returns the current state of the circuit breaker.
// An open breaker whose timeout has elapsed still reports OPEN until a call probes it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.state
}

// Counts returns a copy of the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.counts
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns a snapshot of the breaker's state and counters
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return BreakerStats{
		Name:            cb.name,
		State:           cb.state.String(),
		FailureCount:    cb.counts.Failures,
		SuccessCount:    cb.counts.Successes,
		TotalSuccesses:  cb.totalSuccesses,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
		LastFailureTime: cb.lastFailureTime,
		StateSince:      cb.stateSince,
	}
}

// Reset forces the breaker back to closed with zeroed counters.
// Calls still in flight from before the reset are not counted.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	cb.lastFailureTime = time.Time{}
	if cb.state != StateClosed {
		cb.setState(StateClosed, now)
		return
	}
	cb.toNewGeneration(now)
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		cb.totalRejections++
		return generation, &CircuitBreakerError{Name: cb.name, State: state}
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.maxHalfOpenRequests {
		cb.totalRejections++
		return generation, &CircuitBreakerError{Name: cb.name, State: state}
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	if success {
		cb.totalSuccesses++
	} else {
		cb.totalFailures++
	}

	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

// releaseRequest gives back an admitted request that produced no verdict
func (cb *CircuitBreaker) releaseRequest(before uint64) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	_, generation := cb.currentState(cb.now())
	if generation == before && cb.counts.Requests > 0 {
		cb.counts.Requests--
	}
}

func (cb *CircuitBreaker) onSuccess(state CircuitState, now time.Time) {
	cb.counts.Successes++

	if state == StateHalfOpen && cb.counts.Successes >= cb.successThreshold {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state CircuitState, now time.Time) {
	cb.lastFailureTime = now

	switch state {
	case StateClosed:
		cb.counts.Failures++
		if cb.counts.Failures >= cb.failureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.counts.Failures++
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (CircuitState, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if now.Sub(cb.lastFailureTime) > cb.openTimeout {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	counts := cb.counts
	cb.state = state
	cb.stateSince = now

	cb.toNewGeneration(now)
	if state == StateOpen {
		// failures that tripped the breaker stay visible while it is open
		cb.counts.Failures = counts.Failures
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
		"failures", counts.Failures,
		"successes", counts.Successes,
	)
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	if cb.state == StateClosed && cb.interval > 0 {
		cb.expiry = now.Add(cb.interval)
	} else {
		cb.expiry = time.Time{}
	}
}

// CircuitBreakerError represents an error when the circuit breaker rejects a call
type CircuitBreakerError struct {
	Name  string
	State CircuitState
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State.String())
}

// Is lets errors.Is(err, apperrors.ErrCircuitOpen) match rejections.
func (e *CircuitBreakerError) Is(target error) bool {
	return target == apperrors.ErrCircuitOpen
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
