// Package decision chooses workflows for tasks with Monte-Carlo tree search
// over single-step execution versus decomposition into subgoals, valued by an
// opaque evaluation collaborator under uncertainty.
package decision

import (
	"context"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/routing"
	"github.com/BaSui01/agenthive/types"
)

// Workflow is the plan a search episode settles on.
type Workflow struct {
	// TaskID is the task the plan belongs to.
	TaskID string `json:"task_id"`
	// Kind says whether the task runs directly or decomposes.
	Kind ActionKind `json:"kind"`
	// AgentID is the router's suggested agent for direct execution.
	AgentID string `json:"agent_id,omitempty"`
	// Subgoals holds the ordered subgoal descriptions for a decomposition.
	Subgoals []string `json:"subgoals,omitempty"`

	// Visits is the chosen root child's visit count.
	Visits int `json:"visits"`
	// Value is the chosen root child's average value.
	Value float64 `json:"value"`
	// Uncertainty aggregates the neutral evaluations on the chosen branch:
	// 1 - (1-u)^n with u = 0.5 per neutral sample.
	Uncertainty float64 `json:"uncertainty"`
	// LowConfidence is set when Uncertainty exceeds the configured threshold.
	LowConfidence bool `json:"low_confidence"`

	// Iterations is the number of search iterations performed.
	Iterations int `json:"iterations"`
	// NeutralEvals counts evaluations that timed out or failed.
	NeutralEvals int `json:"neutral_evals"`
}

// Stats counts search activity since startup.
type Stats struct {
	Searches     uint64 `json:"searches"`
	Evaluations  uint64 `json:"evaluations"`
	NeutralEvals uint64 `json:"neutral_evals"`
	Unavailable  uint64 `json:"unavailable"`
}

// Router is the slice of the agent router the search consults.
type Router interface {
	Route(taskID string, tags []string) (routing.Decision, error)
}

// Maker runs workflow searches. The exploration constant is read from the
// current routing policy snapshot so the evolution loop can steer it.
type Maker struct {
	cfg      config.DecisionConfig
	policies *routing.Store
	router   Router
	eval     *guardedEvaluator
	logger   *zap.Logger

	episodeHook func(iterations int, timedOut bool)

	searches     atomic.Uint64
	evaluations  atomic.Uint64
	neutralEvals atomic.Uint64
	unavailable  atomic.Uint64
}

// MakerOption customizes a Maker.
type MakerOption func(*Maker)

// WithEpisodeHook calls fn after every search episode with the iterations
// consumed and whether the episode was cut off before any successful
// evaluation. The metrics collector hangs off this.
func WithEpisodeHook(fn func(iterations int, timedOut bool)) MakerOption {
	return func(m *Maker) { m.episodeHook = fn }
}

// NewMaker creates a decision maker.
func NewMaker(cfg config.DecisionConfig, policies *routing.Store, router Router, evaluator types.Evaluator, logger *zap.Logger, opts ...MakerOption) *Maker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 100
	}
	if cfg.MaxWidth < 2 {
		cfg.MaxWidth = 2
	}
	m := &Maker{
		cfg:      cfg,
		policies: policies,
		router:   router,
		eval:     newGuardedEvaluator(evaluator, cfg.EvalTimeout, cfg.EvalRateLimit),
		logger:   logger.With(zap.String("component", "decision_maker")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Decide searches the workflow space for the task and returns the plan whose
// root candidate accumulated the most visits. It returns
// NoAgentAvailableError when routing yields no candidate for the task at
// all, and DecisionMakerUnavailableError when every evaluation in the
// episode came back neutral.
func (m *Maker) Decide(ctx context.Context, taskID, description string, tags []string) (*Workflow, error) {
	m.searches.Add(1)

	// one routing consult covers the episode: all candidate steps carry the
	// task's tags, so routability and the suggested agent are shared
	route, err := m.router.Route(taskID, tags)
	if err != nil {
		return nil, err
	}

	c := m.cfg.ExplorationConstant
	if m.policies != nil {
		c = m.policies.Current().ExplorationConstant
	}

	root, successes, neutrals, iterations := m.runSearch(ctx, description, c)

	ctxErr := ctx.Err()
	if m.episodeHook != nil {
		m.episodeHook(iterations, ctxErr != nil && successes == 0)
	}
	if ctxErr != nil && successes == 0 {
		return nil, types.NewTimeoutError("workflow search", ctxErr).WithTaskID(taskID)
	}
	if successes == 0 {
		m.unavailable.Add(1)
		m.logger.Warn("workflow search produced no usable result",
			zap.String("task_id", taskID),
			zap.Int("iterations", iterations),
			zap.Int("neutral_evals", neutrals),
		)
		return nil, types.NewDecisionUnavailableError(taskID)
	}

	chosen := bestChild(root)
	if chosen == nil {
		m.unavailable.Add(1)
		return nil, types.NewDecisionUnavailableError(taskID)
	}

	uncertainty := 1 - math.Pow(0.5, float64(chosen.subtreeNeutrals()))
	wf := &Workflow{
		TaskID:        taskID,
		Kind:          chosen.Action.Kind,
		Visits:        chosen.VisitCount,
		Value:         chosen.meanValue(),
		Uncertainty:   uncertainty,
		LowConfidence: uncertainty > m.cfg.UncertaintyThreshold,
		Iterations:    iterations,
		NeutralEvals:  neutrals,
	}
	if wf.Kind == ActionSingle {
		wf.AgentID = route.AgentID
	} else {
		wf.Subgoals = append([]string(nil), chosen.Action.Subgoals...)
	}

	m.logger.Debug("workflow chosen",
		zap.String("task_id", taskID),
		zap.String("kind", string(wf.Kind)),
		zap.Int("visits", wf.Visits),
		zap.Float64("value", wf.Value),
		zap.Float64("uncertainty", wf.Uncertainty),
	)
	return wf, nil
}

// runSearch grows the tree under the iteration budget and returns it with
// the episode counters. Caller cancellation stops the loop; the partial tree
// may still carry a usable result.
func (m *Maker) runSearch(ctx context.Context, description string, c float64) (root *WorkflowNode, successes, neutrals, iterations int) {
	root = newRoot(description)

	for i := 0; i < m.cfg.Budget; i++ {
		if err := ctx.Err(); err != nil {
			break
		}
		iterations++

		node := m.selectNode(root, c)
		if !node.terminal() && len(node.Children) == 0 {
			for _, action := range candidateActions(description, m.cfg.MaxWidth) {
				node.addChild(action)
			}
			node = node.Children[0]
		}

		outcome := m.eval.evaluate(ctx, node.State)
		if outcome.err != nil && ctx.Err() != nil {
			// caller cancelled; the partial tree may still be usable
			iterations--
			break
		}
		m.evaluations.Add(1)
		value := outcome.value
		if outcome.err != nil || outcome.timedOut {
			value = 0.5
			node.NeutralEvals++
			neutrals++
			m.neutralEvals.Add(1)
		} else {
			successes++
		}

		for cur := node; cur != nil; cur = cur.Parent {
			cur.VisitCount++
			cur.TotalValue += value
		}
	}

	return root, successes, neutrals, iterations
}

// selectNode descends from the root by upper confidence bound until it
// reaches a node without children. Unvisited children win before any
// revisit; exact ties keep the earliest candidate.
func (m *Maker) selectNode(root *WorkflowNode, c float64) *WorkflowNode {
	node := root
	for len(node.Children) > 0 {
		var next *WorkflowNode
		for _, child := range node.Children {
			if child.VisitCount == 0 {
				next = child
				break
			}
		}
		if next == nil {
			best := math.Inf(-1)
			for _, child := range node.Children {
				ucb := child.meanValue() + c*math.Sqrt(math.Log(float64(node.VisitCount))/float64(child.VisitCount))
				if ucb > best {
					best = ucb
					next = child
				}
			}
		}
		node = next
	}
	return node
}

// bestChild picks the root child with the most visits, breaking ties by
// higher average value; remaining ties keep the earliest candidate.
func bestChild(root *WorkflowNode) *WorkflowNode {
	var best *WorkflowNode
	for _, child := range root.Children {
		if best == nil {
			best = child
			continue
		}
		if child.VisitCount > best.VisitCount {
			best = child
			continue
		}
		if child.VisitCount == best.VisitCount && child.meanValue() > best.meanValue() {
			best = child
		}
	}
	return best
}

// Stats returns the search counters.
func (m *Maker) Stats() Stats {
	return Stats{
		Searches:     m.searches.Load(),
		Evaluations:  m.evaluations.Load(),
		NeutralEvals: m.neutralEvals.Load(),
		Unavailable:  m.unavailable.Load(),
	}
}
