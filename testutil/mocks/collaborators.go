// Package mocks provides test doubles for the external collaborator
// contracts: evaluator, executor, and retriever. All doubles support fixed
// replies, scripted behavior, error injection, and call recording.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agenthive/types"
)

// =============================================================================
// MockEvaluator
// =============================================================================

// MockEvaluator is a scriptable types.Evaluator.
type MockEvaluator struct {
	mu sync.Mutex

	value        float64
	values       []float64
	err          error
	delay        time.Duration
	stuck        bool
	evaluateFunc func(ctx context.Context, state string) (float64, error)

	calls int
}

var _ types.Evaluator = (*MockEvaluator)(nil)

// NewMockEvaluator creates an evaluator that returns 0.7 for every state.
func NewMockEvaluator() *MockEvaluator {
	return &MockEvaluator{value: 0.7}
}

// WithValue sets a fixed evaluation value.
func (m *MockEvaluator) WithValue(v float64) *MockEvaluator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = v
	return m
}

// WithValues cycles through the given values call by call.
func (m *MockEvaluator) WithValues(vs ...float64) *MockEvaluator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = vs
	return m
}

// WithError makes every call fail with err.
func (m *MockEvaluator) WithError(err error) *MockEvaluator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay makes every call wait before replying, honoring ctx.
func (m *MockEvaluator) WithDelay(d time.Duration) *MockEvaluator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Stuck makes every call block until the context is done, simulating a hung
// collaborator.
func (m *MockEvaluator) Stuck() *MockEvaluator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuck = true
	return m
}

// WithEvaluateFunc replaces the behavior entirely.
func (m *MockEvaluator) WithEvaluateFunc(f func(ctx context.Context, state string) (float64, error)) *MockEvaluator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluateFunc = f
	return m
}

// Evaluate implements types.Evaluator.
func (m *MockEvaluator) Evaluate(ctx context.Context, state string) (float64, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	value, values, err := m.value, m.values, m.err
	delay, stuck, fn := m.delay, m.stuck, m.evaluateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, state)
	}
	if stuck {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	}
	if len(values) > 0 {
		return values[(call-1)%len(values)], nil
	}
	return value, nil
}

// Calls returns how many times Evaluate ran.
func (m *MockEvaluator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// =============================================================================
// MockExecutor
// =============================================================================

// ExecutedTask records one ExecuteTask invocation.
type ExecutedTask struct {
	Description string
	Context     map[string]any
}

// MockExecutor is a scriptable types.Executor.
type MockExecutor struct {
	mu sync.Mutex

	id          string
	result      string
	quality     float64
	err         error
	delay       time.Duration
	stuck       bool
	failFirst   int
	executeFunc func(ctx context.Context, description string, taskCtx map[string]any) (*types.ExecutionResult, error)

	calls []ExecutedTask
}

var _ types.Executor = (*MockExecutor)(nil)

// NewMockExecutor creates an executor replying "done" with quality 0.8.
func NewMockExecutor(id string) *MockExecutor {
	return &MockExecutor{id: id, result: "done", quality: 0.8}
}

// WithResult sets the reply payload and quality signal.
func (m *MockExecutor) WithResult(result string, quality float64) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
	m.quality = quality
	return m
}

// WithError makes every call fail with err.
func (m *MockExecutor) WithError(err error) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// FailFirst makes the first n calls fail with err, then succeed.
func (m *MockExecutor) FailFirst(n int, err error) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirst = n
	m.err = err
	return m
}

// WithDelay makes every call wait before replying, honoring ctx.
func (m *MockExecutor) WithDelay(d time.Duration) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Stuck makes every call block until the context is done.
func (m *MockExecutor) Stuck() *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuck = true
	return m
}

// WithExecuteFunc replaces the behavior entirely.
func (m *MockExecutor) WithExecuteFunc(f func(ctx context.Context, description string, taskCtx map[string]any) (*types.ExecutionResult, error)) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executeFunc = f
	return m
}

// ID implements types.Executor.
func (m *MockExecutor) ID() string { return m.id }

// ExecuteTask implements types.Executor.
func (m *MockExecutor) ExecuteTask(ctx context.Context, description string, taskCtx map[string]any) (*types.ExecutionResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, ExecutedTask{Description: description, Context: taskCtx})
	call := len(m.calls)
	result, quality, err := m.result, m.quality, m.err
	delay, stuck, fn := m.delay, m.stuck, m.executeFunc
	failFirst := m.failFirst
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, description, taskCtx)
	}
	if stuck {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil && (failFirst == 0 || call <= failFirst) {
		return nil, err
	}
	return &types.ExecutionResult{Result: result, QualitySignal: quality}, nil
}

// CallCount returns how many times ExecuteTask ran.
func (m *MockExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns the recorded invocations.
func (m *MockExecutor) Calls() []ExecutedTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutedTask(nil), m.calls...)
}

// =============================================================================
// MockRetriever
// =============================================================================

// MockRetriever is a scriptable types.Retriever.
type MockRetriever struct {
	mu sync.Mutex

	passages []types.Passage
	err      error
	delay    time.Duration

	queries []string
}

var _ types.Retriever = (*MockRetriever)(nil)

// NewMockRetriever creates a retriever with no passages.
func NewMockRetriever() *MockRetriever {
	return &MockRetriever{}
}

// WithPassages sets the ranked passages to return.
func (m *MockRetriever) WithPassages(passages ...types.Passage) *MockRetriever {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passages = passages
	return m
}

// WithError makes every call fail with err.
func (m *MockRetriever) WithError(err error) *MockRetriever {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay makes every call wait before replying, honoring ctx.
func (m *MockRetriever) WithDelay(d time.Duration) *MockRetriever {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Retrieve implements types.Retriever.
func (m *MockRetriever) Retrieve(ctx context.Context, query string, topK int) ([]types.Passage, error) {
	m.mu.Lock()
	m.queries = append(m.queries, query)
	passages, err, delay := m.passages, m.err, m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if topK > 0 && topK < len(passages) {
		passages = passages[:topK]
	}
	return append([]types.Passage(nil), passages...), nil
}

// Queries returns the recorded queries.
func (m *MockRetriever) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}
