package evaluation

import (
	"context"
	"time"
)

// Request is one evaluation submitted to the processor
type Request struct {
	AgentType    string                 `json:"agent_type"`
	ResponseText string                 `json:"response_text"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// Result is the evaluator's verdict. Cached results are shared between
// callers and must be treated as read-only.
type Result struct {
	Score       float64                `json:"score"`
	Passed      bool                   `json:"passed"`
	Feedback    string                 `json:"feedback,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	EvaluatedAt time.Time              `json:"evaluated_at"`
}

// Evaluator scores an agent response
type Evaluator interface {
	Evaluate(ctx context.Context, agentType, responseText string, attrs map[string]interface{}) (*Result, error)
}

// EvaluatorFunc adapts a function to Evaluator
type EvaluatorFunc func(ctx context.Context, agentType, responseText string, attrs map[string]interface{}) (*Result, error)

// Evaluate calls f
func (f EvaluatorFunc) Evaluate(ctx context.Context, agentType, responseText string, attrs map[string]interface{}) (*Result, error) {
	return f(ctx, agentType, responseText, attrs)
}
