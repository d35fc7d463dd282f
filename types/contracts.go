package types

import (
	"context"
	"time"
)

// =============================================================================
// External Collaborator Contracts
// =============================================================================
// These interfaces define the narrow boundary between the engine and the
// systems it coordinates (model inference, retrieval stores, agent runtimes).
// The engine calls them with deadline-carrying contexts and never holds a
// lock across a call.
//
// The types package is the lowest-level package with no internal dependencies,
// so placing these interfaces here avoids circular imports.
// =============================================================================

// Evaluator estimates the value of a candidate workflow state.
// Implementations are opaque to the engine; only the [0,1] value contract
// matters. A context deadline expiry is treated by callers as a neutral
// low-confidence evaluation, not a hard failure.
type Evaluator interface {
	// Evaluate returns a value in [0,1] for the given state description.
	Evaluate(ctx context.Context, state string) (float64, error)
}

// Executor runs a task on a concrete agent and reports the outcome.
// All agent variants share this contract: an identity (ID) and the ability
// to execute a task description with arbitrary context payload.
type Executor interface {
	// ID returns the agent's unique identifier.
	ID() string
	// ExecuteTask runs the task and returns its result.
	ExecuteTask(ctx context.Context, description string, taskCtx map[string]any) (*ExecutionResult, error)
}

// ExecutionResult is the outcome an agent reports for one task execution.
type ExecutionResult struct {
	// Result is the opaque payload produced by the agent.
	Result string `json:"result"`
	// QualitySignal is the agent's self-reported outcome quality in [-1,1].
	QualitySignal float64 `json:"quality_signal"`
	// Elapsed is how long the execution took.
	Elapsed time.Duration `json:"elapsed"`
}

// Retriever serves ranked passages for a query. The engine passes passage
// content through to agents without interpreting it.
type Retriever interface {
	// Retrieve returns up to topK passages ranked by relevance.
	Retrieve(ctx context.Context, query string, topK int) ([]Passage, error)
}

// Passage is one ranked retrieval result.
type Passage struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Named is an optional interface for executors that have a display name.
// Use a type assertion to check if an Executor also implements Named:
//
//	if named, ok := executor.(types.Named); ok {
//	    fmt.Println(named.Name())
//	}
type Named interface {
	// Name returns the executor's human-readable display name.
	Name() string
}
