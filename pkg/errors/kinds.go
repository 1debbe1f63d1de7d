package errors

import (
	stderrors "errors"
	"fmt"
)

// EvaluationError attributes an evaluator failure to a single request.
type EvaluationError struct {
	AgentType string
	CacheKey  string
	Cause     error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation failed for agent type %q: %v", e.AgentType, e.Cause)
}

func (e *EvaluationError) Unwrap() error {
	return e.Cause
}

// Is reports ErrEvaluationFailed so callers can match on the kind.
func (e *EvaluationError) Is(target error) bool {
	return target == ErrEvaluationFailed
}

// BatchAbortedError is delivered to every item of a batch whose handler
// failed as a whole.
type BatchAbortedError struct {
	BatchID string
	Size    int
	Cause   error
}

func (e *BatchAbortedError) Error() string {
	return fmt.Sprintf("batch %s aborted (%d items): %v", e.BatchID, e.Size, e.Cause)
}

func (e *BatchAbortedError) Unwrap() error {
	return e.Cause
}

func (e *BatchAbortedError) Is(target error) bool {
	return target == ErrBatchAborted
}

// FromError maps any error onto an AppError suitable for API responses.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	// evaluator failures stay attributed to the evaluator even when they wrap an AppError
	var evalErr *EvaluationError
	if stderrors.As(err, &evalErr) {
		return NewExternalError("evaluator", err.Error()).
			WithDetail("agent_type", evalErr.AgentType).
			WithCause(err)
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	switch {
	case stderrors.Is(err, ErrEvaluationFailed):
		return NewExternalError("evaluator", err.Error()).WithCause(err)
	case stderrors.Is(err, ErrQueueFull):
		return NewRateLimitError("evaluation queue is full").WithCause(err)
	case stderrors.Is(err, ErrCircuitOpen), stderrors.Is(err, ErrProcessorStopped), stderrors.Is(err, ErrNotInitialized):
		return NewUnavailableError(err.Error()).WithCause(err)
	case stderrors.Is(err, ErrInvalidConfig):
		return NewValidationError(err.Error()).WithCause(err)
	default:
		return NewInternalError(err.Error()).WithCause(err)
	}
}
