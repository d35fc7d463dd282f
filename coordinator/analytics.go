package coordinator

import (
	"sync"
	"sync/atomic"

	"github.com/BaSui01/agenthive/decision"
	"github.com/BaSui01/agenthive/incentive"
	"github.com/BaSui01/agenthive/routing"
	"github.com/BaSui01/agenthive/task"
)

// defaultFailureThreshold is how many consecutive failures of one kind make
// the next routing attempt relax capabilities immediately.
const defaultFailureThreshold = 3

// analyticsCounters aggregates request outcomes.
type analyticsCounters struct {
	requests            atomic.Uint64
	completed           atomic.Uint64
	failed              atomic.Uint64
	adaptiveRelaxations atomic.Uint64
}

// Analytics is a point-in-time introspection snapshot across the engine.
type Analytics struct {
	// Requests, Completed, Failed count ProcessRequest outcomes.
	Requests  uint64 `json:"requests"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	// AdaptiveRelaxations counts routing attempts relaxed by the failure
	// tracker rather than by an empty strict pass.
	AdaptiveRelaxations uint64 `json:"adaptive_relaxations"`

	// TaskCounts is the number of live tasks per lifecycle status.
	TaskCounts map[task.Status]int `json:"task_counts"`
	// Queue summarizes pending-queue activity.
	Queue task.QueueStats `json:"queue"`

	// Agents snapshots every registered profile, ordered by agent ID.
	Agents []incentive.Profile `json:"agents"`

	// Routing, Decision carry the component counters.
	Routing  routing.Stats  `json:"routing"`
	Decision decision.Stats `json:"decision"`

	// Policy is the live routing policy version.
	PolicyVersion int64 `json:"policy_version"`
}

// Analytics returns the introspection snapshot.
func (c *Coordinator) Analytics() Analytics {
	return Analytics{
		Requests:            c.stats.requests.Load(),
		Completed:           c.stats.completed.Load(),
		Failed:              c.stats.failed.Load(),
		AdaptiveRelaxations: c.stats.adaptiveRelaxations.Load(),
		TaskCounts:          c.manager.Counts(),
		Queue:               c.manager.QueueStats(),
		Agents:              c.model.Profiles(),
		Routing:             c.router.Stats(),
		Decision:            c.maker.Stats(),
		PolicyVersion:       c.policies.Current().Version,
	}
}

// failureTracker counts consecutive failures per failure kind. Any success
// resets every count: the tracker watches for a stuck pattern, not a rate.
type failureTracker struct {
	mu        sync.Mutex
	counts    map[string]int
	threshold int
}

func newFailureTracker(threshold int) *failureTracker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	return &failureTracker{
		counts:    make(map[string]int),
		threshold: threshold,
	}
}

func (f *failureTracker) record(kind string) {
	if kind == "" {
		return
	}
	f.mu.Lock()
	f.counts[kind]++
	f.mu.Unlock()
}

// shouldRelax reports whether the kind has failed more times in a row than
// the threshold allows.
func (f *failureTracker) shouldRelax(kind string) bool {
	if kind == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[kind] > f.threshold
}

func (f *failureTracker) reset() {
	f.mu.Lock()
	f.counts = make(map[string]int)
	f.mu.Unlock()
}
