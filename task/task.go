package task

import (
	"time"

	"github.com/google/uuid"
)

// Status represents a task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"     // Waiting for assignment
	StatusAssigned   Status = "assigned"    // Assigned to an agent
	StatusInProgress Status = "in_progress" // Executing
	StatusCompleted  Status = "completed"   // Terminal success
	StatusFailed     Status = "failed"      // Terminal failure
)

// validTransitions defines the legal lifecycle edges.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusFailed}, // fail: no agent available
	StatusAssigned:   {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// CanTransition checks whether a lifecycle transition is legal.
func CanTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is a lifecycle end state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one unit of work flowing through the engine.
// Retried work gets a fresh Task; a Task's ID never changes meaning.
type Task struct {
	// ID is the unique task identifier.
	ID string `json:"id"`

	// Description is the natural-language statement of the work.
	Description string `json:"description"`

	// Tags are the capability tags the task requires.
	Tags []string `json:"tags,omitempty"`

	// Priority orders the pending queue; higher runs first.
	Priority int `json:"priority"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// AssignedAgent is the agent currently responsible, if any.
	AssignedAgent string `json:"assigned_agent,omitempty"`

	// CreatedAt is when the task entered the engine.
	CreatedAt time.Time `json:"created_at"`

	// Deadline is the optional completion deadline.
	Deadline *time.Time `json:"deadline,omitempty"`

	// Result holds the outcome once the task completes.
	Result *Result `json:"result,omitempty"`

	// ParentID links a subgoal to its parent task.
	ParentID string `json:"parent_id,omitempty"`

	// SubgoalIDs lists the live subgoal tasks, in creation order.
	// A retried subgoal is replaced in place by its fresh task.
	SubgoalIDs []string `json:"subgoal_ids,omitempty"`

	// Attempt is the 1-based attempt number across retries.
	Attempt int `json:"attempt"`

	// MaxRetries is the retry budget; a task runs at most MaxRetries+1 times.
	MaxRetries int `json:"max_retries"`

	// RetryOf is the ID of the failed predecessor, if this is a retry.
	RetryOf string `json:"retry_of,omitempty"`

	// Context is the opaque payload handed to the executing agent.
	Context map[string]any `json:"context,omitempty"`

	// FailureKind records why the task failed (timeout, cancelled, ...).
	FailureKind string `json:"failure_kind,omitempty"`

	// retriesSet distinguishes an explicit WithMaxRetries(0) from the
	// manager-default budget applied on submission.
	retriesSet bool
}

// Result is the recorded outcome of a completed task.
type Result struct {
	// Output is the opaque payload produced by the agent.
	Output string `json:"output"`

	// QualitySignal is the reported outcome quality in [-1,1].
	QualitySignal float64 `json:"quality_signal"`

	// AgentID is the agent that produced the result.
	AgentID string `json:"agent_id,omitempty"`

	// LowConfidence marks results built from timed-out evaluations.
	LowConfidence bool `json:"low_confidence,omitempty"`

	// Uncertainty is the aggregated workflow uncertainty in [0,1].
	Uncertainty float64 `json:"uncertainty,omitempty"`

	// CompletedAt is when the result was recorded.
	CompletedAt time.Time `json:"completed_at"`
}

// FailureKind values recorded on failed tasks.
const (
	FailureKindError     = "error"
	FailureKindTimeout   = "timeout"
	FailureKindCancelled = "cancelled"
	FailureKindNoAgent   = "no_agent"
	FailureKindSubgoal   = "subgoal_failed"
)

// NewTask builds a pending task with a fresh ID.
func NewTask(description string, opts ...Option) *Task {
	t := &Task{
		ID:          uuid.NewString(),
		Description: description,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
		Attempt:     1,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Option configures a task at creation time.
type Option func(*Task)

// WithTags sets the capability tags the task requires.
func WithTags(tags ...string) Option {
	return func(t *Task) { t.Tags = tags }
}

// WithPriority sets the queue priority.
func WithPriority(p int) Option {
	return func(t *Task) { t.Priority = p }
}

// WithDeadline sets the completion deadline.
func WithDeadline(d time.Time) Option {
	return func(t *Task) { t.Deadline = &d }
}

// WithParent links the task to a parent.
func WithParent(parentID string) Option {
	return func(t *Task) { t.ParentID = parentID }
}

// WithContext attaches the opaque execution payload.
func WithContext(taskCtx map[string]any) Option {
	return func(t *Task) { t.Context = taskCtx }
}

// WithMaxRetries overrides the retry budget. Zero disables retries, so the
// task runs exactly once.
func WithMaxRetries(n int) Option {
	return func(t *Task) {
		t.MaxRetries = n
		t.retriesSet = true
	}
}

// Clone returns a deep copy safe to hand outside the manager.
func (t *Task) Clone() *Task {
	c := *t
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	c.Tags = append([]string(nil), t.Tags...)
	c.SubgoalIDs = append([]string(nil), t.SubgoalIDs...)
	if t.Context != nil {
		c.Context = make(map[string]any, len(t.Context))
		for k, v := range t.Context {
			c.Context[k] = v
		}
	}
	return &c
}
