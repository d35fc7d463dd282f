// Package coordinator is the public entry point of the engine. It accepts
// task requests, drives the lifecycle manager through plan, route, execute,
// and record, and exposes read-only operator views over the live state.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/decision"
	"github.com/BaSui01/agenthive/incentive"
	"github.com/BaSui01/agenthive/internal/telemetry"
	"github.com/BaSui01/agenthive/knowledge"
	"github.com/BaSui01/agenthive/routing"
	"github.com/BaSui01/agenthive/store"
	"github.com/BaSui01/agenthive/task"
	"github.com/BaSui01/agenthive/types"
)

const (
	// maxPlanDepth bounds recursive decomposition; below it subgoals are
	// routed directly instead of searched.
	maxPlanDepth = 2
	// maxParallelSubgoals bounds concurrent subgoal execution per parent.
	maxParallelSubgoals = 4
	// knowledgeContextKey carries retrieved passages in the task context.
	knowledgeContextKey = "knowledge"
)

// Raw incentive scores by outcome. Completions always score positive so the
// evolution loop can tell success from failure by sign alone; timeouts are
// penalized harder than plain errors because they also held a worker slot.
const (
	rawScoreFloor       = 0.1
	rawScoreErrorFail   = -0.8
	rawScoreTimeoutFail = -1.0
)

// Request describes one unit of work submitted to the engine.
type Request struct {
	// Description is the natural-language statement of the work.
	Description string
	// Tags are the capability tags the work requires.
	Tags []string
	// Priority orders the pending queue; higher runs first.
	Priority int
	// Deadline is the optional completion deadline.
	Deadline *time.Time
	// Context is an opaque payload handed through to the executing agent.
	Context map[string]any
}

// Coordinator wires the engine together. It owns no domain state of its own:
// tasks live in the manager, profiles in the incentive model, policy in the
// routing store. Safe for concurrent use.
type Coordinator struct {
	manager  *task.Manager
	maker    *decision.Maker
	router   *routing.Router
	model    *incentive.Model
	policies *routing.Store

	knowledge *knowledge.Service
	writer    *store.Writer

	execTimeout time.Duration
	tracker     *failureTracker

	mu        sync.RWMutex
	executors map[string]types.Executor

	stats  analyticsCounters
	tracer trace.Tracer
	logger *zap.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithKnowledge attaches the retrieval service; retrieved passages are put
// into the task context under the "knowledge" key before execution.
func WithKnowledge(svc *knowledge.Service) Option {
	return func(c *Coordinator) { c.knowledge = svc }
}

// WithArchiveWriter attaches the async archive; terminal tasks and incentive
// records are persisted through it.
func WithArchiveWriter(w *store.Writer) Option {
	return func(c *Coordinator) { c.writer = w }
}

// WithFailureThreshold overrides how many consecutive failures of one kind
// trigger immediate capability relaxation on the next attempt.
func WithFailureThreshold(n int) Option {
	return func(c *Coordinator) { c.tracker = newFailureTracker(n) }
}

// New creates a coordinator over the given components.
func New(
	cfg config.ManagerConfig,
	manager *task.Manager,
	maker *decision.Maker,
	router *routing.Router,
	model *incentive.Model,
	policies *routing.Store,
	logger *zap.Logger,
	opts ...Option,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	execTimeout := cfg.ExecutionTimeout
	if execTimeout <= 0 {
		execTimeout = 2 * time.Minute
	}
	c := &Coordinator{
		manager:     manager,
		maker:       maker,
		router:      router,
		model:       model,
		policies:    policies,
		execTimeout: execTimeout,
		tracker:     newFailureTracker(defaultFailureThreshold),
		executors:   make(map[string]types.Executor),
		tracer:      telemetry.Tracer(),
		logger:      logger.With(zap.String("component", "coordinator")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterAgent makes an agent available for routing and execution.
// Re-registration updates the capability tags and keeps incentive state.
func (c *Coordinator) RegisterAgent(exec types.Executor, tags []string) error {
	if exec == nil {
		return types.NewError(types.ErrInvalidTask, "executor is nil")
	}
	if err := c.model.RegisterAgent(exec.ID(), tags); err != nil {
		return err
	}
	c.mu.Lock()
	c.executors[exec.ID()] = exec
	c.mu.Unlock()
	return nil
}

// DeregisterAgent removes an agent from routing. Archived records remain.
func (c *Coordinator) DeregisterAgent(agentID string) error {
	if err := c.model.DeregisterAgent(agentID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.executors, agentID)
	c.mu.Unlock()
	return nil
}

// ProcessRequest runs one request through its complete lifecycle and returns
// the terminal task. The error is non-nil when the task ended Failed; callers
// always get either a terminal task or a typed failure, never a hang.
func (c *Coordinator) ProcessRequest(ctx context.Context, req Request) (*task.Task, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.process_request",
		trace.WithAttributes(attribute.StringSlice("task.tags", req.Tags)),
	)
	defer span.End()
	c.stats.requests.Add(1)

	// Identifiers ride the context so agents and log hooks can read them
	// back without a side channel.
	ctx = types.WithRequestID(ctx, uuid.NewString())
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = types.WithTraceID(ctx, sc.TraceID().String())
	}

	opts := []task.Option{
		task.WithTags(req.Tags...),
		task.WithPriority(req.Priority),
		task.WithContext(req.Context),
	}
	if req.Deadline != nil {
		opts = append(opts, task.WithDeadline(*req.Deadline))
	}

	t, err := c.manager.Submit(req.Description, opts...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("task.id", t.ID))

	final, err := c.processTask(ctx, t, 0)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.stats.failed.Add(1)
		return final, err
	}
	c.stats.completed.Add(1)
	return final, nil
}

// CancelTask withdraws a task. Pending and assigned tasks are removed;
// executing tasks fail with the cancelled kind and are not retried.
func (c *Coordinator) CancelTask(ctx context.Context, taskID string) error {
	_, span := c.tracer.Start(ctx, "coordinator.cancel_task",
		trace.WithAttributes(attribute.String("task.id", taskID)),
	)
	defer span.End()
	return c.manager.Cancel(taskID)
}

// TaskStatus returns a read-only copy of the task.
func (c *Coordinator) TaskStatus(taskID string) (*task.Task, error) {
	return c.manager.Get(taskID)
}

// PolicySnapshot returns the live routing policy. Read-only by contract.
func (c *Coordinator) PolicySnapshot() *routing.Policy {
	return c.policies.Current()
}

// AgentScore returns the agent's current incentive score.
func (c *Coordinator) AgentScore(agentID string) (float64, error) {
	return c.model.Score(agentID)
}

// processTask drives one logical task to a terminal state, following retry
// re-submissions until the budget runs out.
func (c *Coordinator) processTask(ctx context.Context, t *task.Task, depth int) (*task.Task, error) {
	current := t
	relaxNext := false
	for {
		fresh, err := c.runAttempt(ctx, current, depth, relaxNext)
		if fresh == nil {
			final, getErr := c.manager.Get(current.ID)
			if getErr != nil {
				// Cancelled pending tasks are removed outright.
				return nil, err
			}
			c.archiveTask(final)
			return final, err
		}
		relaxNext = c.tracker.shouldRelax(current.FailureKind)
		if archived, getErr := c.manager.Get(current.ID); getErr == nil {
			c.archiveTask(archived)
		}
		current = fresh
	}
}

// runAttempt runs one attempt of a task: plan, route, execute, record. A
// non-nil fresh task means the attempt failed and was re-submitted; the error
// reports a terminal failure.
func (c *Coordinator) runAttempt(ctx context.Context, t *task.Task, depth int, relaxed bool) (*task.Task, error) {
	wf, err := c.plan(ctx, t, depth)
	if err != nil {
		return c.failAttempt(t, planFailureKind(err), err)
	}

	agentID := wf.AgentID
	if relaxed && wf.Kind == decision.ActionSingle {
		// Repeated failures of one kind: skip the strict capability pass
		// outright and take any intersecting agent.
		d, rerr := c.router.RouteRelaxed(t.ID, t.Tags)
		if rerr == nil {
			agentID = d.AgentID
			c.stats.adaptiveRelaxations.Add(1)
			c.logger.Info("adaptive relaxation applied",
				zap.String("task_id", t.ID),
				zap.String("agent_id", agentID),
			)
		}
	}

	if err := c.manager.Assign(t.ID, agentID); err != nil {
		return nil, err
	}
	if err := c.manager.Start(t.ID); err != nil {
		return nil, err
	}

	if wf.Kind == decision.ActionDecompose {
		return c.runDecomposition(ctx, t, wf, depth)
	}
	return c.runSingleStep(ctx, t, wf, agentID)
}

// plan chooses the workflow for the attempt. Deep subgoals skip the search
// and route directly as single steps.
func (c *Coordinator) plan(ctx context.Context, t *task.Task, depth int) (*decision.Workflow, error) {
	if depth >= maxPlanDepth {
		d, err := c.router.Route(t.ID, t.Tags)
		if err != nil {
			return nil, err
		}
		return &decision.Workflow{TaskID: t.ID, Kind: decision.ActionSingle, AgentID: d.AgentID}, nil
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.plan",
		trace.WithAttributes(attribute.String("task.id", t.ID)),
	)
	defer span.End()

	wf, err := c.maker.Decide(ctx, t.ID, t.Description, t.Tags)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("workflow.kind", string(wf.Kind)),
		attribute.Int("workflow.visits", wf.Visits),
		attribute.Bool("workflow.low_confidence", wf.LowConfidence),
	)
	return wf, nil
}

// runDecomposition fans the chosen subgoals out to bounded parallel
// execution. The parent reaches its terminal state through the manager's
// completion cascade; subgoal errors are reflected there, not returned.
func (c *Coordinator) runDecomposition(ctx context.Context, t *task.Task, wf *decision.Workflow, depth int) (*task.Task, error) {
	specs := make([]task.SubgoalSpec, len(wf.Subgoals))
	for i, desc := range wf.Subgoals {
		specs[i] = task.SubgoalSpec{Description: desc, Tags: t.Tags, Context: t.Context}
	}
	subgoals, err := c.manager.SubmitSubgoals(t.ID, specs)
	if err != nil {
		return c.failAttempt(t, task.FailureKindError, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelSubgoals)
	for _, sub := range subgoals {
		g.Go(func() error {
			// Subgoal failures surface through the parent cascade; the
			// group context is only cut by caller cancellation.
			_, _ = c.processTask(gctx, sub, depth+1)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil && errors.Is(err, context.Canceled) {
		c.logger.Warn("decomposition cancelled mid-flight", zap.String("task_id", t.ID))
	}

	final, err := c.manager.Get(t.ID)
	if err != nil {
		return nil, err
	}
	switch final.Status {
	case task.StatusCompleted:
		c.tracker.reset()
		return nil, nil
	case task.StatusFailed:
		return nil, types.NewError(types.ErrRetriesExhausted, "subgoal execution failed").
			WithTaskID(t.ID)
	default:
		// Subgoals all terminal but the parent is not: a programming error
		// in the cascade, surfaced as fatal rather than papered over.
		return nil, types.NewError(types.ErrInternalError, "parent task not terminal after subgoals").
			WithTaskID(t.ID)
	}
}

// runSingleStep executes the task on the selected agent and commits the
// outcome. No coordinator lock is held across the execution call.
func (c *Coordinator) runSingleStep(ctx context.Context, t *task.Task, wf *decision.Workflow, agentID string) (*task.Task, error) {
	exec, ok := c.executor(agentID)
	if !ok {
		// The agent deregistered between routing and execution.
		return c.failAttempt(t, task.FailureKindNoAgent,
			types.NewNoAgentAvailableError(t.ID).WithAgentID(agentID))
	}

	taskCtx := c.augmentContext(ctx, t)

	execCtx := types.WithAgentID(types.WithTaskID(ctx, t.ID), agentID)
	result, err := c.execute(execCtx, exec, t.Description, taskCtx)
	if err != nil {
		kind := task.FailureKindError
		raw := rawScoreErrorFail
		if errors.Is(err, context.DeadlineExceeded) || types.IsCode(err, types.ErrTimeout) {
			kind = task.FailureKindTimeout
			raw = rawScoreTimeoutFail
		}
		c.recordOutcome(agentID, t, raw)
		return c.failAttempt(t, kind, err)
	}

	res := task.Result{
		Output:        result.Result,
		QualitySignal: result.QualitySignal,
		AgentID:       agentID,
		LowConfidence: wf.LowConfidence,
		Uncertainty:   wf.Uncertainty,
	}
	if err := c.manager.Complete(t.ID, res); err != nil {
		return nil, err
	}
	c.recordOutcome(agentID, t, completionScore(result.QualitySignal))
	c.tracker.reset()
	return nil, nil
}

// execute runs the agent call in its own goroutine under the execution
// timeout, so a stuck agent never hangs the attempt.
func (c *Coordinator) execute(ctx context.Context, exec types.Executor, description string, taskCtx map[string]any) (*types.ExecutionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.execTimeout)
	defer cancel()

	type reply struct {
		result *types.ExecutionResult
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		r, err := exec.ExecuteTask(callCtx, description, taskCtx)
		done <- reply{result: r, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.result == nil {
			return nil, types.NewError(types.ErrInternalError, "executor returned no result")
		}
		return r.result, nil
	case <-callCtx.Done():
		return nil, types.NewTimeoutError("agent execution", callCtx.Err())
	}
}

// augmentContext copies the task context and adds retrieved passages when a
// knowledge service is attached. Retrieval failures degrade to no knowledge.
func (c *Coordinator) augmentContext(ctx context.Context, t *task.Task) map[string]any {
	taskCtx := make(map[string]any, len(t.Context)+1)
	for k, v := range t.Context {
		taskCtx[k] = v
	}
	if c.knowledge == nil {
		return taskCtx
	}

	passages, err := c.knowledge.Retrieve(ctx, t.Description, 0)
	if err != nil {
		c.logger.Warn("knowledge retrieval failed, executing without it",
			zap.String("task_id", t.ID),
			zap.Error(err),
		)
		return taskCtx
	}
	if len(passages) > 0 {
		taskCtx[knowledgeContextKey] = passages
	}
	return taskCtx
}

// failAttempt commits the failure and reports the fresh retry task, if any.
func (c *Coordinator) failAttempt(t *task.Task, kind string, cause error) (*task.Task, error) {
	c.tracker.record(kind)
	fresh, failErr := c.manager.Fail(t.ID, kind, cause)
	if failErr != nil {
		return nil, failErr
	}
	t.FailureKind = kind
	if fresh != nil {
		return fresh, nil
	}
	return nil, cause
}

// recordOutcome appends the incentive record and forwards it to the archive.
func (c *Coordinator) recordOutcome(agentID string, t *task.Task, raw float64) {
	rec, err := c.model.RecordOutcome(agentID, t.ID, raw, incentive.Complexity{
		Subgoals: len(t.SubgoalIDs),
		Deadline: t.Deadline,
	})
	if err != nil {
		c.logger.Warn("incentive record rejected",
			zap.String("agent_id", agentID),
			zap.String("task_id", t.ID),
			zap.Error(err),
		)
		return
	}
	if c.writer != nil {
		c.writer.ArchiveRecord(rec)
	}
}

// archiveTask forwards a terminal task to the archive writer.
func (c *Coordinator) archiveTask(t *task.Task) {
	if c.writer == nil || t == nil || !t.Status.IsTerminal() {
		return
	}
	c.writer.ArchiveTask(t)
}

func (c *Coordinator) executor(agentID string) (types.Executor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exec, ok := c.executors[agentID]
	return exec, ok
}

// completionScore maps a quality signal in [-1,1] to the positive raw score
// of a completed task. Sign carries the outcome; quality scales the reward.
func completionScore(quality float64) float64 {
	score := (1 + quality) / 2
	if score < rawScoreFloor {
		return rawScoreFloor
	}
	if score > 1 {
		return 1
	}
	return score
}

// planFailureKind maps a planning error to the failure kind recorded on the
// task. Missing agents are terminal; an unavailable decision maker follows
// the ordinary retry path.
func planFailureKind(err error) string {
	if types.IsCode(err, types.ErrNoAgentAvailable) {
		return task.FailureKindNoAgent
	}
	if types.IsCode(err, types.ErrTimeout) {
		return task.FailureKindTimeout
	}
	return task.FailureKindError
}
