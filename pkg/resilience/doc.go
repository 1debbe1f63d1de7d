// Package resilience provides the circuit breaker guarding the evaluator and
// the retry helper used by outbound HTTP clients.
//
// # Circuit Breaker Pattern
//
// The breaker counts failures while closed and trips to open once
// FailureThreshold is reached. While open every call is rejected with a
// *CircuitBreakerError without running the wrapped function. The first call
// after OpenTimeout has elapsed since the last failure moves the breaker to
// half-open; SuccessThreshold successes close it again, any failure reopens it.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "evaluator",
//		FailureThreshold: 5,
//		OpenTimeout:      time.Minute,
//		SuccessThreshold: 3,
//	})
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return evaluator.Evaluate(ctx, agentType, text, attrs)
//	})
//	if errors.Is(err, apperrors.ErrCircuitOpen) {
//		// rejected without calling the evaluator
//	}
//
// # Retry with Exponential Backoff
//
//	retrier := resilience.NewRetrier(resilience.DefaultRetryConfig())
//	res, err := resilience.ExecuteWithResult(ctx, retrier, func(ctx context.Context) (*Result, error) {
//		return client.post(ctx, body)
//	})
//
// Breaker rejections, cancellation and validation failures are never retried.
package resilience
