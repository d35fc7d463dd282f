package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

// TestTransitionTable_Properties checks structural properties of the
// transition table itself.
func TestTransitionTable_Properties(t *testing.T) {
	all := []Status{StatusPending, StatusAssigned, StatusInProgress, StatusCompleted, StatusFailed}

	rapid.Check(t, func(rt *rapid.T) {
		from := rapid.SampledFrom(all).Draw(rt, "from")
		to := rapid.SampledFrom(all).Draw(rt, "to")

		if from.IsTerminal() {
			assert.False(rt, CanTransition(from, to), "terminal state %s must absorb", from)
		}
		if CanTransition(from, to) {
			assert.NotEqual(rt, from, to, "self transitions are not legal")
		}
	})
}

// TestManager_RandomOpSequences drives a manager with random operation
// sequences against a lock-step model of the lifecycle.
func TestManager_RandomOpSequences(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := NewManager(config.DefaultManagerConfig(), nil, zap.NewNop())
		defer m.Stop()

		task, err := m.Submit("model checked")
		require.NoError(rt, err)

		// model mirrors what the manager should hold ("removed" = deleted)
		model := "pending"

		numOps := rapid.IntRange(1, 12).Draw(rt, "num_ops")
		for i := 0; i < numOps; i++ {
			op := rapid.SampledFrom([]string{"assign", "start", "complete", "fail", "cancel"}).Draw(rt, "op")

			var opErr error
			switch op {
			case "assign":
				opErr = m.Assign(task.ID, "agent-a")
			case "start":
				opErr = m.Start(task.ID)
			case "complete":
				opErr = m.Complete(task.ID, Result{Output: "ok"})
			case "fail":
				// terminal kind so the model does not need retry tracking
				_, opErr = m.Fail(task.ID, FailureKindNoAgent, nil)
			case "cancel":
				opErr = m.Cancel(task.ID)
			}

			if model == "removed" {
				require.Error(rt, opErr, "op %q on a removed task", op)
				assert.True(rt, types.IsCode(opErr, types.ErrTaskNotFound))
				continue
			}

			valid, next := stepModel(model, op)
			if valid {
				require.NoError(rt, opErr, "op %q from model state %q", op, model)
				model = next
			} else {
				require.Error(rt, opErr, "op %q from model state %q", op, model)
				assert.True(rt, types.IsCode(opErr, types.ErrInvalidStateTransition))
			}

			// rejected ops must not have moved the task
			if model != "removed" {
				got, err := m.Get(task.ID)
				require.NoError(rt, err)
				assert.Equal(rt, Status(model), got.Status)
			}
		}
	})
}

// stepModel returns whether an operation is legal in the model state and the
// state it leads to.
func stepModel(state, op string) (bool, string) {
	switch op {
	case "assign":
		if state == "pending" {
			return true, "assigned"
		}
	case "start":
		if state == "assigned" {
			return true, "in_progress"
		}
	case "complete":
		if state == "in_progress" {
			return true, "completed"
		}
	case "fail":
		switch state {
		case "pending", "assigned", "in_progress":
			return true, "failed"
		}
	case "cancel":
		switch state {
		case "pending", "assigned":
			return true, "removed"
		case "in_progress":
			return true, "failed"
		}
	}
	return false, state
}

// TestManager_RetryChainProperty checks that any run of retryable failures
// respects the retry bound and threads the lineage.
func TestManager_RetryChainProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := NewManager(config.DefaultManagerConfig(), nil, zap.NewNop())
		defer m.Stop()

		maxRetries := rapid.IntRange(1, 5).Draw(rt, "max_retries")
		failures := rapid.IntRange(1, 8).Draw(rt, "failures")

		task, err := m.Submit("retry chain", WithMaxRetries(maxRetries))
		require.NoError(rt, err)

		current := task
		resubmits := 0
		for i := 0; i < failures; i++ {
			require.NoError(rt, m.Assign(current.ID, "agent-a"))
			require.NoError(rt, m.Start(current.ID))
			retry, err := m.Fail(current.ID, FailureKindError, nil)
			require.NoError(rt, err)
			if retry == nil {
				break
			}
			assert.Equal(rt, current.ID, retry.RetryOf)
			assert.Equal(rt, current.Attempt+1, retry.Attempt)
			resubmits++
			current = retry
		}

		expected := failures
		if expected > maxRetries {
			expected = maxRetries
		}
		assert.Equal(rt, expected, resubmits, "re-submissions must stop at the bound")
		assert.LessOrEqual(rt, current.Attempt, maxRetries+1)
	})
}
