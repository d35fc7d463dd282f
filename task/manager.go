package task

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

// Manager owns every task and serializes its lifecycle transitions.
// It is the single writer of task state; callers receive clones.
//
// External calls never happen under the manager lock: execution, evaluation,
// and archival live in the coordinator, which drives this state machine
// between calls.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	queue *pendingQueue

	bus    EventBus
	cfg    config.ManagerConfig
	logger *zap.Logger
}

// retryableKinds lists the failure kinds that consume retry budget.
// Cancellations, exhausted subgoals, and missing agents are terminal.
var retryableKinds = map[string]bool{
	FailureKindError:   true,
	FailureKindTimeout: true,
}

// NewManager creates a task manager.
func NewManager(cfg config.ManagerConfig, bus EventBus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = NewEventBus(cfg.EventBuffer, logger)
	}
	return &Manager{
		tasks:  make(map[string]*Task),
		queue:  newPendingQueue(),
		bus:    bus,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "task_manager")),
	}
}

// Bus exposes the lifecycle event bus for subscribers.
func (m *Manager) Bus() EventBus { return m.bus }

// Submit validates and registers a new pending task.
func (m *Manager) Submit(description string, opts ...Option) (*Task, error) {
	if strings.TrimSpace(description) == "" {
		return nil, types.NewInvalidTaskError("task description is empty")
	}

	t := NewTask(description, opts...)
	if !t.retriesSet {
		t.MaxRetries = m.cfg.MaxRetries
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.queue.push(t)
	clone := t.Clone()
	m.mu.Unlock()

	m.bus.Publish(&TransitionEvent{TaskID_: t.ID, From: "", To: StatusPending, Timestamp_: time.Now()})
	m.logger.Debug("task submitted",
		zap.String("task_id", t.ID),
		zap.Int("priority", t.Priority),
		zap.Strings("tags", t.Tags),
	)
	return clone, nil
}

// SubgoalSpec describes one subgoal to create under a parent.
type SubgoalSpec struct {
	Description string
	Tags        []string
	Context     map[string]any
}

// SubmitSubgoals creates pending subgoal tasks under a parent and links them.
func (m *Manager) SubmitSubgoals(parentID string, specs []SubgoalSpec) ([]*Task, error) {
	for _, s := range specs {
		if strings.TrimSpace(s.Description) == "" {
			return nil, types.NewInvalidTaskError("subgoal description is empty").WithTaskID(parentID)
		}
	}

	m.mu.Lock()
	parent, ok := m.tasks[parentID]
	if !ok {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrTaskNotFound, "parent task not found").WithTaskID(parentID)
	}
	if parent.Status.IsTerminal() {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrInvalidStateTransition, "cannot add subgoals to a terminal task").WithTaskID(parentID)
	}

	var events []Event
	children := make([]*Task, 0, len(specs))
	for _, s := range specs {
		child := NewTask(s.Description,
			WithTags(s.Tags...),
			WithParent(parentID),
			WithContext(s.Context),
			WithPriority(parent.Priority),
		)
		child.MaxRetries = parent.MaxRetries
		if parent.Deadline != nil {
			d := *parent.Deadline
			child.Deadline = &d
		}
		m.tasks[child.ID] = child
		m.queue.push(child)
		parent.SubgoalIDs = append(parent.SubgoalIDs, child.ID)
		children = append(children, child.Clone())
		events = append(events, &TransitionEvent{TaskID_: child.ID, From: "", To: StatusPending, Timestamp_: time.Now()})
	}
	m.mu.Unlock()

	m.publishAll(events)
	m.logger.Debug("subgoals submitted",
		zap.String("parent_id", parentID),
		zap.Int("count", len(children)),
	)
	return children, nil
}

// Assign moves a pending task to an agent.
func (m *Manager) Assign(taskID, agentID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrTaskNotFound, "task not found").WithTaskID(taskID)
	}
	if err := m.transitionLocked(t, StatusAssigned); err != nil {
		m.mu.Unlock()
		return err
	}
	t.AssignedAgent = agentID
	from := StatusPending
	m.mu.Unlock()

	m.bus.Publish(&TransitionEvent{TaskID_: taskID, From: from, To: StatusAssigned, AgentID: agentID, Timestamp_: time.Now()})
	return nil
}

// Start marks an assigned task as executing.
func (m *Manager) Start(taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrTaskNotFound, "task not found").WithTaskID(taskID)
	}
	if err := m.transitionLocked(t, StatusInProgress); err != nil {
		m.mu.Unlock()
		return err
	}
	agentID := t.AssignedAgent
	m.mu.Unlock()

	m.bus.Publish(&TransitionEvent{TaskID_: taskID, From: StatusAssigned, To: StatusInProgress, AgentID: agentID, Timestamp_: time.Now()})
	return nil
}

// Complete records a successful result and cascades parent completion.
func (m *Manager) Complete(taskID string, result Result) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrTaskNotFound, "task not found").WithTaskID(taskID)
	}

	var events []Event
	if err := m.completeLocked(t, result, &events); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.publishAll(events)
	return nil
}

// Fail records a failure. A retryable failure with remaining budget
// re-submits the work as a fresh task and returns it; otherwise the failure
// is terminal, the return is nil, and parent failure cascades.
func (m *Manager) Fail(taskID, kind string, cause error) (*Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrTaskNotFound, "task not found").WithTaskID(taskID)
	}

	var events []Event
	retry, err := m.failLocked(t, kind, &events)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	m.publishAll(events)
	if cause != nil {
		m.logger.Warn("task failed",
			zap.String("task_id", taskID),
			zap.String("kind", kind),
			zap.Bool("retried", retry != nil),
			zap.Error(cause),
		)
	}
	return retry, nil
}

// Cancel withdraws a task. Tasks that never started executing are removed
// outright; executing tasks fail with the cancelled kind and are not retried.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrTaskNotFound, "task not found").WithTaskID(taskID)
	}

	var events []Event
	err := m.cancelLocked(t, &events)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.publishAll(events)
	return nil
}

// Get returns a copy of the task.
func (m *Manager) Get(taskID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, types.NewError(types.ErrTaskNotFound, "task not found").WithTaskID(taskID)
	}
	return t.Clone(), nil
}

// NextPending pops the highest-priority pending task from the queue.
func (m *Manager) NextPending() (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.queue.pop(m.pendingLocked)
	if !ok {
		return nil, false
	}
	return m.tasks[id].Clone(), true
}

// Counts returns the number of tasks per status.
func (m *Manager) Counts() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int, 5)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts
}

// ListByStatus returns copies of all tasks in the given status.
func (m *Manager) ListByStatus(status Status) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	return out
}

// QueueStats returns pending-queue statistics.
func (m *Manager) QueueStats() QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.snapshot(m.pendingLocked)
}

// Stop shuts down the event bus.
func (m *Manager) Stop() {
	m.bus.Stop()
}

// =============================================================================
// Internal transitions (lock held)
// =============================================================================

// pendingLocked reports whether the ID names a live pending task.
func (m *Manager) pendingLocked(taskID string) bool {
	t, ok := m.tasks[taskID]
	return ok && t.Status == StatusPending
}

// transitionLocked validates and commits one edge.
func (m *Manager) transitionLocked(t *Task, to Status) error {
	if !CanTransition(t.Status, to) {
		return types.NewError(types.ErrInvalidStateTransition,
			"invalid state transition: "+string(t.Status)+" -> "+string(to)).
			WithTaskID(t.ID)
	}
	t.Status = to
	return nil
}

// completeLocked commits a completion and cascades to the parent.
func (m *Manager) completeLocked(t *Task, result Result, events *[]Event) error {
	from := t.Status
	if err := m.transitionLocked(t, StatusCompleted); err != nil {
		return err
	}
	result.CompletedAt = time.Now()
	if result.AgentID == "" {
		result.AgentID = t.AssignedAgent
	}
	t.Result = &result
	*events = append(*events, &TransitionEvent{TaskID_: t.ID, From: from, To: StatusCompleted, AgentID: t.AssignedAgent, Timestamp_: time.Now()})

	m.cascadeParentLocked(t.ParentID, events)
	return nil
}

// failLocked commits a failure, re-submitting a fresh task when the kind is
// retryable and budget remains. Terminal failures cancel live subgoals and
// cascade to the parent.
func (m *Manager) failLocked(t *Task, kind string, events *[]Event) (*Task, error) {
	from := t.Status
	if err := m.transitionLocked(t, StatusFailed); err != nil {
		return nil, err
	}
	if kind == "" {
		kind = FailureKindError
	}
	t.FailureKind = kind
	*events = append(*events, &TransitionEvent{TaskID_: t.ID, From: from, To: StatusFailed, AgentID: t.AssignedAgent, Timestamp_: time.Now()})

	if retryableKinds[kind] && t.Attempt <= t.MaxRetries {
		fresh := m.resubmitLocked(t)
		*events = append(*events,
			&TransitionEvent{TaskID_: fresh.ID, From: "", To: StatusPending, Timestamp_: time.Now()},
			&RetriedEvent{FailedID: t.ID, FreshID: fresh.ID, Attempt: fresh.Attempt, Timestamp_: time.Now()},
		)
		return fresh.Clone(), nil
	}

	// Terminal failure: withdraw whatever subgoal work is still live.
	for _, childID := range t.SubgoalIDs {
		child, ok := m.tasks[childID]
		if !ok || child.Status.IsTerminal() {
			continue
		}
		_ = m.cancelLocked(child, events)
	}

	m.cascadeParentLocked(t.ParentID, events)
	return nil, nil
}

// resubmitLocked creates the fresh retry task for a failed one.
func (m *Manager) resubmitLocked(failed *Task) *Task {
	fresh := NewTask(failed.Description,
		WithTags(failed.Tags...),
		WithPriority(failed.Priority),
		WithParent(failed.ParentID),
		WithContext(failed.Context),
	)
	fresh.Attempt = failed.Attempt + 1
	fresh.MaxRetries = failed.MaxRetries
	fresh.RetryOf = failed.ID
	if failed.Deadline != nil {
		d := *failed.Deadline
		fresh.Deadline = &d
	}

	m.tasks[fresh.ID] = fresh
	m.queue.push(fresh)

	// The fresh task takes the failed one's seat under the parent so the
	// completion check tracks the live attempt, not the dead one.
	if failed.ParentID != "" {
		if parent, ok := m.tasks[failed.ParentID]; ok {
			for i, id := range parent.SubgoalIDs {
				if id == failed.ID {
					parent.SubgoalIDs[i] = fresh.ID
					break
				}
			}
		}
	}
	return fresh
}

// cancelLocked withdraws one task: removal when it never started executing,
// a terminal cancelled failure when it did.
func (m *Manager) cancelLocked(t *Task, events *[]Event) error {
	switch t.Status {
	case StatusPending, StatusAssigned:
		delete(m.tasks, t.ID)
		*events = append(*events, &CancelledEvent{TaskID_: t.ID, LastStatus: t.Status, Timestamp_: time.Now()})
		// A withdrawn subgoal can never complete, so its parent fails.
		m.cascadeParentFailureLocked(t.ParentID, events)
		return nil
	case StatusInProgress:
		t.Status = StatusFailed
		t.FailureKind = FailureKindCancelled
		*events = append(*events, &TransitionEvent{TaskID_: t.ID, From: StatusInProgress, To: StatusFailed, AgentID: t.AssignedAgent, Timestamp_: time.Now()})
		for _, childID := range t.SubgoalIDs {
			child, ok := m.tasks[childID]
			if !ok || child.Status.IsTerminal() {
				continue
			}
			_ = m.cancelLocked(child, events)
		}
		m.cascadeParentFailureLocked(t.ParentID, events)
		return nil
	default:
		return types.NewError(types.ErrInvalidStateTransition,
			"cannot cancel a task in state "+string(t.Status)).
			WithTaskID(t.ID)
	}
}

// cascadeParentLocked re-examines a parent after a child reached a terminal
// state: all children completed → parent completes with a combined result;
// any child terminally failed → parent fails.
func (m *Manager) cascadeParentLocked(parentID string, events *[]Event) {
	if parentID == "" {
		return
	}
	parent, ok := m.tasks[parentID]
	if !ok || parent.Status.IsTerminal() || len(parent.SubgoalIDs) == 0 {
		return
	}

	allCompleted := true
	for _, childID := range parent.SubgoalIDs {
		child, ok := m.tasks[childID]
		if !ok {
			m.failParentLocked(parent, events)
			return
		}
		switch child.Status {
		case StatusCompleted:
		case StatusFailed:
			m.failParentLocked(parent, events)
			return
		default:
			allCompleted = false
		}
	}
	if !allCompleted {
		return
	}

	combined := m.combineSubgoalResultsLocked(parent)
	if !CanTransition(parent.Status, StatusCompleted) {
		m.logger.Warn("parent not completable after subgoals finished",
			zap.String("parent_id", parent.ID),
			zap.String("status", string(parent.Status)),
		)
		return
	}
	_ = m.completeLocked(parent, combined, events)
}

// cascadeParentFailureLocked fails the parent after a child was withdrawn.
func (m *Manager) cascadeParentFailureLocked(parentID string, events *[]Event) {
	if parentID == "" {
		return
	}
	parent, ok := m.tasks[parentID]
	if !ok || parent.Status.IsTerminal() {
		return
	}
	m.failParentLocked(parent, events)
}

// failParentLocked terminally fails a parent whose subgoal set cannot
// complete anymore. Subgoal failure does not consume the parent's retry
// budget; the coordinator decides whether to replan.
func (m *Manager) failParentLocked(parent *Task, events *[]Event) {
	if !CanTransition(parent.Status, StatusFailed) {
		return
	}
	from := parent.Status
	parent.Status = StatusFailed
	parent.FailureKind = FailureKindSubgoal
	*events = append(*events, &TransitionEvent{TaskID_: parent.ID, From: from, To: StatusFailed, AgentID: parent.AssignedAgent, Timestamp_: time.Now()})

	for _, childID := range parent.SubgoalIDs {
		child, ok := m.tasks[childID]
		if !ok || child.Status.IsTerminal() {
			continue
		}
		_ = m.cancelLocked(child, events)
	}

	m.cascadeParentLocked(parent.ParentID, events)
}

// combineSubgoalResultsLocked folds completed subgoal results into the
// parent's result: outputs joined in order, quality averaged, uncertainty
// compounded.
func (m *Manager) combineSubgoalResultsLocked(parent *Task) Result {
	var (
		outputs       []string
		quality       float64
		count         int
		survival      = 1.0
		lowConfidence bool
	)
	for _, childID := range parent.SubgoalIDs {
		child, ok := m.tasks[childID]
		if !ok || child.Result == nil {
			continue
		}
		outputs = append(outputs, child.Result.Output)
		quality += child.Result.QualitySignal
		count++
		survival *= 1 - child.Result.Uncertainty
		lowConfidence = lowConfidence || child.Result.LowConfidence
	}
	if count > 0 {
		quality /= float64(count)
	}
	return Result{
		Output:        strings.Join(outputs, "\n"),
		QualitySignal: quality,
		Uncertainty:   1 - survival,
		LowConfidence: lowConfidence,
	}
}

// publishAll emits events in commit order.
func (m *Manager) publishAll(events []Event) {
	for _, e := range events {
		m.bus.Publish(e)
	}
}
