package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(config.DefaultManagerConfig(), nil, zap.NewNop())
	t.Cleanup(m.Stop)
	return m
}

func TestManager_SubmitValidation(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Submit("")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidTask))

	_, err = m.Submit("   \t\n")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidTask))

	task, err := m.Submit("analyze dataset", WithTags("analysis"), WithPriority(2))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, 3, task.MaxRetries)
	assert.NotEmpty(t, task.ID)
}

func TestManager_HappyPathLifecycle(t *testing.T) {
	m := newTestManager(t)

	task, err := m.Submit("summarize report", WithTags("analysis"))
	require.NoError(t, err)

	require.NoError(t, m.Assign(task.ID, "agent-a"))
	require.NoError(t, m.Start(task.ID))
	require.NoError(t, m.Complete(task.ID, Result{Output: "done", QualitySignal: 0.9}))

	got, err := m.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "agent-a", got.AssignedAgent)
	require.NotNil(t, got.Result)
	assert.Equal(t, "done", got.Result.Output)
	assert.Equal(t, "agent-a", got.Result.AgentID)
	assert.False(t, got.Result.CompletedAt.IsZero())
}

func TestManager_InvalidTransitionsRejected(t *testing.T) {
	m := newTestManager(t)

	task, err := m.Submit("t")
	require.NoError(t, err)

	// pending -> in_progress skips assignment
	err = m.Start(task.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidStateTransition))

	// pending -> completed skips the whole pipeline
	err = m.Complete(task.ID, Result{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidStateTransition))

	// the rejected calls must not have moved the task
	got, err := m.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	// terminal states absorb everything
	require.NoError(t, m.Assign(task.ID, "a"))
	require.NoError(t, m.Start(task.ID))
	_, err = m.Fail(task.ID, FailureKindNoAgent, nil)
	require.NoError(t, err)

	err = m.Assign(task.ID, "b")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidStateTransition))

	_, err = m.Fail(task.ID, FailureKindError, nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidStateTransition))
}

func TestManager_UnknownTask(t *testing.T) {
	m := newTestManager(t)

	err := m.Assign("nope", "agent")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTaskNotFound))

	_, err = m.Get("nope")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTaskNotFound))
}

func TestManager_RetryBudget(t *testing.T) {
	m := newTestManager(t)

	task, err := m.Submit("flaky work", WithMaxRetries(3))
	require.NoError(t, err)

	current := task
	var freshIDs []string
	// attempts 1..3 fail with budget remaining: each yields a fresh task
	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, m.Assign(current.ID, "agent-a"))
		require.NoError(t, m.Start(current.ID))
		retry, err := m.Fail(current.ID, FailureKindTimeout, errors.New("deadline exceeded"))
		require.NoError(t, err)
		require.NotNil(t, retry, "attempt %d should re-submit", attempt)
		assert.Equal(t, attempt+1, retry.Attempt)
		assert.Equal(t, current.ID, retry.RetryOf)
		assert.Equal(t, StatusPending, retry.Status)

		failed, err := m.Get(current.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, failed.Status)
		assert.Equal(t, FailureKindTimeout, failed.FailureKind)

		freshIDs = append(freshIDs, retry.ID)
		current = retry
	}

	// attempt 4 exhausts the budget
	require.NoError(t, m.Assign(current.ID, "agent-a"))
	require.NoError(t, m.Start(current.ID))
	retry, err := m.Fail(current.ID, FailureKindTimeout, errors.New("deadline exceeded"))
	require.NoError(t, err)
	assert.Nil(t, retry)

	got, err := m.Get(current.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Len(t, freshIDs, 3)
}

func TestManager_ZeroRetriesIsTerminal(t *testing.T) {
	m := newTestManager(t)

	// an explicit zero budget is honored, not replaced by the default
	task, err := m.Submit("one shot", WithMaxRetries(0))
	require.NoError(t, err)
	assert.Equal(t, 0, task.MaxRetries)

	require.NoError(t, m.Assign(task.ID, "agent-a"))
	require.NoError(t, m.Start(task.ID))
	retry, err := m.Fail(task.ID, FailureKindTimeout, errors.New("deadline exceeded"))
	require.NoError(t, err)
	assert.Nil(t, retry, "a retryable kind must still respect the zero budget")

	got, err := m.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestManager_NonRetryableKinds(t *testing.T) {
	m := newTestManager(t)

	task, err := m.Submit("unroutable", WithMaxRetries(3))
	require.NoError(t, err)

	retry, err := m.Fail(task.ID, FailureKindNoAgent, nil)
	require.NoError(t, err)
	assert.Nil(t, retry, "no-agent failures must not burn retries")
}

func TestManager_CancelPendingRemoves(t *testing.T) {
	m := newTestManager(t)

	task, err := m.Submit("cancel me")
	require.NoError(t, err)

	require.NoError(t, m.Cancel(task.ID))

	_, err = m.Get(task.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTaskNotFound))
}

func TestManager_CancelInProgressFailsWithoutRetry(t *testing.T) {
	m := newTestManager(t)

	task, err := m.Submit("cancel me", WithMaxRetries(3))
	require.NoError(t, err)
	require.NoError(t, m.Assign(task.ID, "agent-a"))
	require.NoError(t, m.Start(task.ID))

	require.NoError(t, m.Cancel(task.ID))

	got, err := m.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, FailureKindCancelled, got.FailureKind)

	// no fresh task was queued
	_, ok := m.NextPending()
	assert.False(t, ok)
}

func TestManager_CancelTerminalRejected(t *testing.T) {
	m := newTestManager(t)

	task, err := m.Submit("done already")
	require.NoError(t, err)
	require.NoError(t, m.Assign(task.ID, "a"))
	require.NoError(t, m.Start(task.ID))
	require.NoError(t, m.Complete(task.ID, Result{Output: "x"}))

	err = m.Cancel(task.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidStateTransition))
}

func TestManager_ParentCompletesWhenAllSubgoalsComplete(t *testing.T) {
	m := newTestManager(t)

	parent, err := m.Submit("composite goal")
	require.NoError(t, err)
	require.NoError(t, m.Assign(parent.ID, "coordinator"))
	require.NoError(t, m.Start(parent.ID))

	children, err := m.SubmitSubgoals(parent.ID, []SubgoalSpec{
		{Description: "step one", Tags: []string{"research"}},
		{Description: "step two", Tags: []string{"analysis"}},
	})
	require.NoError(t, err)
	require.Len(t, children, 2)

	for i, child := range children {
		require.NoError(t, m.Assign(child.ID, "agent-a"))
		require.NoError(t, m.Start(child.ID))
		require.NoError(t, m.Complete(child.ID, Result{Output: "part", QualitySignal: float64(i)}))
	}

	got, err := m.Get(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "part\npart", got.Result.Output)
	assert.InDelta(t, 0.5, got.Result.QualitySignal, 1e-9)
}

func TestManager_ParentFailsWhenSubgoalTerminallyFails(t *testing.T) {
	m := newTestManager(t)

	parent, err := m.Submit("composite goal")
	require.NoError(t, err)
	require.NoError(t, m.Assign(parent.ID, "coordinator"))
	require.NoError(t, m.Start(parent.ID))

	children, err := m.SubmitSubgoals(parent.ID, []SubgoalSpec{
		{Description: "step one"},
		{Description: "step two"},
	})
	require.NoError(t, err)

	// first child completes
	require.NoError(t, m.Assign(children[0].ID, "agent-a"))
	require.NoError(t, m.Start(children[0].ID))
	require.NoError(t, m.Complete(children[0].ID, Result{Output: "ok"}))

	// second child fails terminally (cancelled kind burns no retries)
	require.NoError(t, m.Assign(children[1].ID, "agent-b"))
	require.NoError(t, m.Start(children[1].ID))
	_, err = m.Fail(children[1].ID, FailureKindCancelled, nil)
	require.NoError(t, err)

	got, err := m.Get(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, FailureKindSubgoal, got.FailureKind)
}

func TestManager_SubgoalRetryKeepsParentAlive(t *testing.T) {
	m := newTestManager(t)

	parent, err := m.Submit("composite goal")
	require.NoError(t, err)
	require.NoError(t, m.Assign(parent.ID, "coordinator"))
	require.NoError(t, m.Start(parent.ID))

	children, err := m.SubmitSubgoals(parent.ID, []SubgoalSpec{
		{Description: "only step"},
	})
	require.NoError(t, err)
	child := children[0]

	require.NoError(t, m.Assign(child.ID, "agent-a"))
	require.NoError(t, m.Start(child.ID))
	retry, err := m.Fail(child.ID, FailureKindError, errors.New("boom"))
	require.NoError(t, err)
	require.NotNil(t, retry)

	// the retry replaced its predecessor under the parent
	got, err := m.Get(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, []string{retry.ID}, got.SubgoalIDs)

	// completing the retry completes the parent
	require.NoError(t, m.Assign(retry.ID, "agent-b"))
	require.NoError(t, m.Start(retry.ID))
	require.NoError(t, m.Complete(retry.ID, Result{Output: "ok"}))

	got, err = m.Get(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestManager_NestedParentCascade(t *testing.T) {
	m := newTestManager(t)

	root, err := m.Submit("root goal")
	require.NoError(t, err)
	require.NoError(t, m.Assign(root.ID, "coordinator"))
	require.NoError(t, m.Start(root.ID))

	mids, err := m.SubmitSubgoals(root.ID, []SubgoalSpec{{Description: "mid"}})
	require.NoError(t, err)
	mid := mids[0]
	require.NoError(t, m.Assign(mid.ID, "coordinator"))
	require.NoError(t, m.Start(mid.ID))

	leaves, err := m.SubmitSubgoals(mid.ID, []SubgoalSpec{{Description: "leaf"}})
	require.NoError(t, err)
	leaf := leaves[0]

	require.NoError(t, m.Assign(leaf.ID, "agent-a"))
	require.NoError(t, m.Start(leaf.ID))
	require.NoError(t, m.Complete(leaf.ID, Result{Output: "leaf done"}))

	for _, id := range []string{mid.ID, root.ID} {
		got, err := m.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status, "task %s", id)
	}
}

func TestManager_TransitionEvents(t *testing.T) {
	m := newTestManager(t)

	events := make(chan Event, 16)
	m.Bus().Subscribe(EventTransition, func(e Event) { events <- e })

	task, err := m.Submit("observed")
	require.NoError(t, err)
	require.NoError(t, m.Assign(task.ID, "agent-a"))
	require.NoError(t, m.Start(task.ID))
	require.NoError(t, m.Complete(task.ID, Result{Output: "x"}))

	// handlers run in their own goroutines, so collect and compare as a set
	want := [][2]Status{
		{"", StatusPending},
		{StatusPending, StatusAssigned},
		{StatusAssigned, StatusInProgress},
		{StatusInProgress, StatusCompleted},
	}
	got := make([][2]Status, 0, len(want))
	timeout := time.After(2 * time.Second)
	for len(got) < len(want) {
		select {
		case e := <-events:
			te := e.(*TransitionEvent)
			assert.Equal(t, task.ID, te.TaskID_)
			got = append(got, [2]Status{te.From, te.To})
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d", len(got))
		}
	}
	assert.ElementsMatch(t, want, got)
}

func TestManager_QueueOrdering(t *testing.T) {
	m := newTestManager(t)

	low, err := m.Submit("low", WithPriority(1))
	require.NoError(t, err)
	high, err := m.Submit("high", WithPriority(5))
	require.NoError(t, err)
	mid1, err := m.Submit("mid first", WithPriority(3))
	require.NoError(t, err)
	mid2, err := m.Submit("mid second", WithPriority(3))
	require.NoError(t, err)

	wantOrder := []string{high.ID, mid1.ID, mid2.ID, low.ID}
	for _, want := range wantOrder {
		got, ok := m.NextPending()
		require.True(t, ok)
		assert.Equal(t, want, got.ID)
	}
	_, ok := m.NextPending()
	assert.False(t, ok)

	stats := m.QueueStats()
	assert.Equal(t, int64(4), stats.Enqueued)
	assert.Equal(t, int64(4), stats.Dequeued)
	assert.Equal(t, 0, stats.Depth)
}

func TestManager_QueueSkipsStaleEntries(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Submit("a", WithPriority(9))
	require.NoError(t, err)
	b, err := m.Submit("b", WithPriority(1))
	require.NoError(t, err)

	// a is assigned out of band, so the queue entry goes stale
	require.NoError(t, m.Assign(a.ID, "agent-a"))

	got, ok := m.NextPending()
	require.True(t, ok)
	assert.Equal(t, b.ID, got.ID)
}

func TestManager_Counts(t *testing.T) {
	m := newTestManager(t)

	a, _ := m.Submit("a")
	b, _ := m.Submit("b")
	_, _ = m.Submit("c")

	require.NoError(t, m.Assign(a.ID, "x"))
	require.NoError(t, m.Assign(b.ID, "y"))
	require.NoError(t, m.Start(b.ID))

	counts := m.Counts()
	assert.Equal(t, 1, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusAssigned])
	assert.Equal(t, 1, counts[StatusInProgress])

	pending := m.ListByStatus(StatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, "c", pending[0].Description)
}
