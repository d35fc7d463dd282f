package task

import (
	"container/heap"
	"time"
)

// QueueStats is a point-in-time summary of pending-queue activity.
type QueueStats struct {
	Enqueued    int64         `json:"enqueued"`
	Dequeued    int64         `json:"dequeued"`
	Depth       int           `json:"depth"`
	MaxDepth    int           `json:"max_depth"`
	TotalWait   time.Duration `json:"total_wait"`
	LongestWait time.Duration `json:"longest_wait"`
}

// queueItem is one pending entry. Items are removed lazily: an item whose
// task left Pending by the time it is popped is skipped.
type queueItem struct {
	taskID     string
	priority   int
	seq        int64
	enqueuedAt time.Time
}

// pendingQueue orders pending tasks by priority (higher first), FIFO within
// a priority. Not safe for concurrent use; the manager's lock guards it.
type pendingQueue struct {
	items itemHeap
	seq   int64
	stats QueueStats
}

func newPendingQueue() *pendingQueue {
	q := &pendingQueue{}
	heap.Init(&q.items)
	return q
}

// push enqueues a task reference.
func (q *pendingQueue) push(t *Task) {
	q.seq++
	heap.Push(&q.items, &queueItem{
		taskID:     t.ID,
		priority:   t.Priority,
		seq:        q.seq,
		enqueuedAt: time.Now(),
	})
	q.stats.Enqueued++
	if d := q.items.Len(); d > q.stats.MaxDepth {
		q.stats.MaxDepth = d
	}
}

// pop removes and returns the best entry, or "" when empty.
// alive reports whether a task ID still refers to a pending task; stale
// entries are skipped and do not count as dequeues.
func (q *pendingQueue) pop(alive func(taskID string) bool) (string, bool) {
	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*queueItem)
		if !alive(item.taskID) {
			continue
		}
		wait := time.Since(item.enqueuedAt)
		q.stats.Dequeued++
		q.stats.TotalWait += wait
		if wait > q.stats.LongestWait {
			q.stats.LongestWait = wait
		}
		return item.taskID, true
	}
	return "", false
}

// snapshot returns the current stats with a live depth estimate.
func (q *pendingQueue) snapshot(alive func(taskID string) bool) QueueStats {
	s := q.stats
	depth := 0
	for _, item := range q.items {
		if alive(item.taskID) {
			depth++
		}
	}
	s.Depth = depth
	return s
}

// itemHeap implements heap.Interface.
type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(*queueItem))
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
