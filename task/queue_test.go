package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func alwaysAlive(string) bool { return true }

func TestPendingQueue_PriorityOrder(t *testing.T) {
	q := newPendingQueue()
	q.push(&Task{ID: "low", Priority: 1})
	q.push(&Task{ID: "high", Priority: 10})
	q.push(&Task{ID: "mid", Priority: 5})

	for _, want := range []string{"high", "mid", "low"} {
		got, ok := q.pop(alwaysAlive)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.pop(alwaysAlive)
	assert.False(t, ok)
}

func TestPendingQueue_FIFOWithinPriority(t *testing.T) {
	q := newPendingQueue()
	for _, id := range []string{"first", "second", "third"} {
		q.push(&Task{ID: id, Priority: 3})
	}

	for _, want := range []string{"first", "second", "third"} {
		got, ok := q.pop(alwaysAlive)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestPendingQueue_SkipsDeadEntries(t *testing.T) {
	q := newPendingQueue()
	q.push(&Task{ID: "dead", Priority: 10})
	q.push(&Task{ID: "live", Priority: 1})

	got, ok := q.pop(func(id string) bool { return id == "live" })
	require.True(t, ok)
	assert.Equal(t, "live", got)

	stats := q.snapshot(alwaysAlive)
	assert.Equal(t, int64(2), stats.Enqueued)
	assert.Equal(t, int64(1), stats.Dequeued, "skipped entries are not dequeues")
}

func TestPendingQueue_SnapshotDepth(t *testing.T) {
	q := newPendingQueue()
	q.push(&Task{ID: "a", Priority: 1})
	q.push(&Task{ID: "b", Priority: 1})
	q.push(&Task{ID: "c", Priority: 1})

	stats := q.snapshot(func(id string) bool { return id != "b" })
	assert.Equal(t, 2, stats.Depth, "stale entries do not count toward depth")
	assert.Equal(t, 3, stats.MaxDepth)
}

// TestPendingQueue_OrderProperty checks the full ordering contract on random
// workloads: strictly by priority descending, insertion order within one.
func TestPendingQueue_OrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q := newPendingQueue()

		n := rapid.IntRange(1, 50).Draw(rt, "n")
		type entry struct {
			id       string
			priority int
			seq      int
		}
		entries := make([]entry, n)
		for i := 0; i < n; i++ {
			p := rapid.IntRange(0, 5).Draw(rt, "priority")
			e := entry{id: string(rune('a'+i%26)) + string(rune('0'+i/26)), priority: p, seq: i}
			entries[i] = e
			q.push(&Task{ID: e.id, Priority: e.priority})
		}

		var prev *entry
		byID := make(map[string]entry, n)
		for _, e := range entries {
			byID[e.id] = e
		}
		for {
			id, ok := q.pop(alwaysAlive)
			if !ok {
				break
			}
			cur := byID[id]
			if prev != nil {
				if prev.priority == cur.priority {
					assert.Less(rt, prev.seq, cur.seq, "FIFO within priority")
				} else {
					assert.Greater(rt, prev.priority, cur.priority, "priority descending")
				}
			}
			prev = &cur
		}
	})
}
