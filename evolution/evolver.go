// Package evolution closes the coordination feedback loop. A background
// cycle folds the incentive records accumulated since the previous cycle
// into fresh routing preference weights and a new search exploration
// constant, then swaps the policy in atomically.
package evolution

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/incentive"
	"github.com/BaSui01/agenthive/routing"
	"github.com/BaSui01/agenthive/task"
	"github.com/BaSui01/agenthive/types"
)

// Learning-rate adaptation bounds.
const (
	minLearningRate = 0.001
	maxLearningRate = 0.1
)

// neutralWeight is the preference weight of a tag nobody has performed on.
const neutralWeight = 1.0

// PolicyGuard inspects a candidate policy before it replaces the current
// one. A non-nil error aborts the cycle and keeps the previous policy.
type PolicyGuard func(prev, next *routing.Policy) error

// Stats is a point-in-time snapshot of evolution activity.
type Stats struct {
	Cycles       uint64    `json:"cycles"`
	Skipped      uint64    `json:"skipped"`
	Rollbacks    uint64    `json:"rollbacks"`
	LastCycle    time.Time `json:"last_cycle"`
	LearningRate float64   `json:"learning_rate"`
	SuccessRate  float64   `json:"success_rate"`
}

// Evolver periodically rewrites the routing policy from observed outcomes.
// A cycle triggers after the configured number of completed tasks or after
// the configured wall-clock interval, whichever comes first; at most one
// cycle runs at a time and extra triggers are skipped, not queued.
type Evolver struct {
	cfg      config.EvolutionConfig
	policies *routing.Store
	model    *incentive.Model
	bus      task.EventBus
	guard    PolicyGuard
	logger   *zap.Logger
	now      func() time.Time

	cycleHook    func(applied bool)
	rollbackHook func()

	inCycle   atomic.Bool
	completed atomic.Int64

	mu           sync.Mutex
	cursor       int
	learningRate float64
	successRate  float64
	lastCycle    time.Time
	cycles       uint64
	skipped      uint64
	rollbacks    uint64

	started  atomic.Bool
	subID    string
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option customizes an Evolver.
type Option func(*Evolver)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Evolver) { e.now = now }
}

// WithGuard installs a guard consulted before each policy swap.
func WithGuard(guard PolicyGuard) Option {
	return func(e *Evolver) { e.guard = guard }
}

// WithCycleHook calls fn after every finished cycle; applied is false when
// the window was empty and the policy was left unchanged. The metrics
// collector hangs off this.
func WithCycleHook(fn func(applied bool)) Option {
	return func(e *Evolver) { e.cycleHook = fn }
}

// WithRollbackHook calls fn whenever a cycle rolls back to the previous
// policy.
func WithRollbackHook(fn func()) Option {
	return func(e *Evolver) { e.rollbackHook = fn }
}

// NewEvolver creates an evolver over the given policy store and incentive
// model. The bus may be nil when completion-count triggering is not wanted.
func NewEvolver(cfg config.EvolutionConfig, policies *routing.Store, model *incentive.Model, bus task.EventBus, logger *zap.Logger, opts ...Option) *Evolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TaskInterval <= 0 {
		cfg.TaskInterval = 50
	}
	if cfg.TimeInterval <= 0 {
		cfg.TimeInterval = 30 * time.Minute
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}
	if cfg.WeightMax <= cfg.WeightMin {
		cfg.WeightMin, cfg.WeightMax = 0.0, 2.0
	}
	if cfg.ExplorationMax <= cfg.ExplorationMin {
		cfg.ExplorationMin, cfg.ExplorationMax = 0.5, 3.0
	}

	e := &Evolver{
		cfg:          cfg,
		policies:     policies,
		model:        model,
		bus:          bus,
		logger:       logger.With(zap.String("component", "evolver")),
		now:          time.Now,
		learningRate: cfg.LearningRate,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes to task completions and launches the wall-clock trigger.
func (e *Evolver) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	if e.bus != nil {
		e.subID = e.bus.Subscribe(task.EventTransition, e.handleEvent)
	}
	go e.loop()
	e.logger.Info("evolution loop started",
		zap.Int("task_interval", e.cfg.TaskInterval),
		zap.Duration("time_interval", e.cfg.TimeInterval),
	)
}

// Stop halts the trigger loop. It does not interrupt a cycle in flight.
func (e *Evolver) Stop() {
	if !e.started.Load() {
		return
	}
	e.stopOnce.Do(func() {
		close(e.stop)
		<-e.done
		if e.bus != nil && e.subID != "" {
			e.bus.Unsubscribe(e.subID)
		}
		e.logger.Info("evolution loop stopped")
	})
}

func (e *Evolver) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.TimeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.TryCycle()
		case <-e.stop:
			return
		}
	}
}

func (e *Evolver) handleEvent(event task.Event) {
	te, ok := event.(*task.TransitionEvent)
	if !ok || te.To != task.StatusCompleted {
		return
	}
	if e.completed.Add(1) >= int64(e.cfg.TaskInterval) {
		e.TryCycle()
	}
}

// TryCycle runs one evolution cycle unless one is already in flight, in
// which case the trigger is skipped. It reports whether a cycle ran.
func (e *Evolver) TryCycle() bool {
	if !e.inCycle.CompareAndSwap(false, true) {
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		e.logger.Debug("evolution trigger skipped, cycle already running")
		return false
	}
	defer e.inCycle.Store(false)
	e.runCycle()
	return true
}

// runCycle computes and publishes the next policy. Any failure keeps the
// previous policy in effect and is logged as recoverable; task processing
// never observes it.
func (e *Evolver) runCycle() {
	start := e.now()
	prev := e.policies.Current()

	e.mu.Lock()
	cursor := e.cursor
	lr := e.learningRate
	e.mu.Unlock()

	records, nextCursor := e.model.RecordsSince(cursor)
	if len(records) == 0 {
		e.completed.Store(0)
		e.mu.Lock()
		e.lastCycle = start
		e.cycles++
		e.mu.Unlock()
		if e.cycleHook != nil {
			e.cycleHook(false)
		}
		e.logger.Debug("no outcomes since last cycle, policy left unchanged")
		return
	}
	rate := successRate(records)

	next, err := e.computePolicy(prev, records, lr, rate)
	if err == nil && e.guard != nil {
		err = e.guard(prev, next)
	}
	if err != nil {
		e.policies.Swap(prev)
		// The same window would fail again on every completion event, so the
		// completion trigger resets and re-attempts ride the wall clock.
		e.completed.Store(0)
		e.mu.Lock()
		e.rollbacks++
		e.mu.Unlock()
		if e.rollbackHook != nil {
			e.rollbackHook()
		}
		e.logger.Warn("evolution cycle rolled back",
			zap.Int64("kept_version", prev.Version),
			zap.Error(types.NewEvolutionFailedError(err)),
		)
		return
	}

	e.policies.Swap(next)
	e.completed.Store(0)

	e.mu.Lock()
	e.cursor = nextCursor
	e.learningRate = adaptLearningRate(lr, rate)
	e.successRate = rate
	e.lastCycle = start
	e.cycles++
	newLR := e.learningRate
	e.mu.Unlock()

	if e.cycleHook != nil {
		e.cycleHook(true)
	}
	e.logger.Info("policy evolved",
		zap.Int64("version", next.Version),
		zap.Int("records", len(records)),
		zap.Float64("success_rate", rate),
		zap.Float64("exploration_constant", next.ExplorationConstant),
		zap.Float64("learning_rate", newLR),
		zap.Duration("elapsed", e.now().Sub(start)),
	)
}

// computePolicy derives the next policy: per-tag average adjusted scores are
// smoothed into the preference weights, and the exploration constant moves
// inversely to the success rate. All outputs are bounded.
func (e *Evolver) computePolicy(prev *routing.Policy, records []incentive.Record, lr, rate float64) (*routing.Policy, error) {
	weights := prev.Weights()
	for tag, avg := range e.tagAverages(records) {
		current := prev.WeightFor(tag, neutralWeight)
		target := clamp(neutralWeight+avg, e.cfg.WeightMin, e.cfg.WeightMax)
		weights[tag] = clamp(current+lr*(target-current), e.cfg.WeightMin, e.cfg.WeightMax)
	}

	cTarget := e.cfg.ExplorationMax - rate*(e.cfg.ExplorationMax-e.cfg.ExplorationMin)
	c := clamp(prev.ExplorationConstant+lr*(cTarget-prev.ExplorationConstant), e.cfg.ExplorationMin, e.cfg.ExplorationMax)

	for tag, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("weight for tag %q is not finite", tag)
		}
	}
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return nil, fmt.Errorf("exploration constant is not finite")
	}

	return prev.Next(weights, prev.ExplorationRate, c), nil
}

// tagAverages maps each capability tag to the average adjusted score of the
// agents declaring it, over the cycle's record window. Records of agents
// deregistered since then carry no tags and are skipped.
func (e *Evolver) tagAverages(records []incentive.Record) map[string]float64 {
	agentTags := make(map[string][]string)
	for _, p := range e.model.Profiles() {
		agentTags[p.AgentID] = p.Tags
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range records {
		for _, tag := range agentTags[r.AgentID] {
			sums[tag] += r.AdjustedScore
			counts[tag]++
		}
	}

	averages := make(map[string]float64, len(sums))
	for tag, sum := range sums {
		averages[tag] = sum / float64(counts[tag])
	}
	return averages
}

// Stats returns a snapshot of evolution activity.
func (e *Evolver) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Cycles:       e.cycles,
		Skipped:      e.skipped,
		Rollbacks:    e.rollbacks,
		LastCycle:    e.lastCycle,
		LearningRate: e.learningRate,
		SuccessRate:  e.successRate,
	}
}

// successRate is the completed fraction over the window's outcomes. Positive
// adjusted scores come from completions, non-positive ones from failures. An
// empty window reports full success so exploration is left alone.
func successRate(records []incentive.Record) float64 {
	if len(records) == 0 {
		return 1.0
	}
	positive := 0
	for _, r := range records {
		if r.AdjustedScore > 0 {
			positive++
		}
	}
	return float64(positive) / float64(len(records))
}

// adaptLearningRate stabilizes when outcomes are good and adapts faster when
// they are poor: above 0.8 success the rate shrinks by 10%, below 0.6 it
// grows by 10%, always inside [minLearningRate, maxLearningRate].
func adaptLearningRate(lr, successRate float64) float64 {
	switch {
	case successRate > 0.8:
		lr *= 0.9
	case successRate < 0.6:
		lr *= 1.1
	}
	return clamp(lr, minLearningRate, maxLearningRate)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
