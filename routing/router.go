// Package routing selects agents for tasks from incentive scores, declared
// capabilities, and the current routing policy.
package routing

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/incentive"
	"github.com/BaSui01/agenthive/types"
)

// ProfileSource supplies the registered agent profiles in a stable order.
// *incentive.Model satisfies it.
type ProfileSource interface {
	Profiles() []incentive.Profile
}

// Decision is the outcome of one routing call.
type Decision struct {
	// AgentID is the selected agent.
	AgentID string `json:"agent_id"`
	// Score is the winning routing score.
	Score float64 `json:"score"`
	// Relaxed is true when no agent declared the full tag set and the
	// any-intersection retry produced the selection.
	Relaxed bool `json:"relaxed"`
	// Tags is the effective tag set the selection was made against.
	Tags []string `json:"tags"`
	// Candidates is how many agents survived the intersection filter.
	Candidates int `json:"candidates"`
}

// Stats counts routing outcomes since startup.
type Stats struct {
	Assignments  uint64 `json:"assignments"`
	Relaxations  uint64 `json:"relaxations"`
	NoAgent      uint64 `json:"no_agent"`
	LastDecision int64  `json:"last_decision_unix,omitempty"`
}

// Router scores registered agents for a task and picks the best match.
//
//	score = incentive_score * weight_match + exploration_rate * jitter
//
// weight_match sums the policy weights of the tags the agent shares with the
// task; agents sharing no tag are excluded outright. Jitter comes from the
// injected seed, so selection is deterministic under test.
type Router struct {
	policies *Store
	profiles ProfileSource
	cfg      config.RouterConfig
	logger   *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	decisionHook func(outcome string)

	assignments  atomic.Uint64
	relaxations  atomic.Uint64
	noAgent      atomic.Uint64
	lastDecision atomic.Int64
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithDecisionHook calls fn after every routing decision with its outcome:
// "strict", "relaxed", or "unroutable". The metrics collector hangs off this.
func WithDecisionHook(fn func(outcome string)) RouterOption {
	return func(r *Router) { r.decisionHook = fn }
}

// NewRouter creates a router. A zero seed derives one from the clock.
func NewRouter(cfg config.RouterConfig, policies *Store, profiles ProfileSource, logger *zap.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := &Router{
		policies: policies,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "agent_router")),
		rng:      rand.New(rand.NewSource(seed)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route selects an agent for the task's capability tags. The first pass
// considers agents declaring every required tag; when it matches nothing the
// router retries exactly once accepting any tag intersection, then surfaces
// NoAgentAvailableError. Both passes exclude agents sharing no tag at all,
// so a selected agent always intersects the task's required set.
func (r *Router) Route(taskID string, tags []string) (Decision, error) {
	policy := r.policies.Current()

	if d, ok := r.selectAgent(policy, tags, false); ok {
		r.assignments.Add(1)
		r.lastDecision.Store(time.Now().Unix())
		r.observe("strict")
		return d, nil
	}

	if len(tags) > 1 {
		r.relaxations.Add(1)
		r.logger.Debug("relaxing capability requirement to any-tag match",
			zap.String("task_id", taskID),
			zap.Strings("tags", tags),
		)
		if d, ok := r.selectAgent(policy, tags, true); ok {
			r.assignments.Add(1)
			r.lastDecision.Store(time.Now().Unix())
			r.observe("relaxed")
			return d, nil
		}
	}

	r.noAgent.Add(1)
	r.observe("unroutable")
	r.logger.Warn("no agent available",
		zap.String("task_id", taskID),
		zap.Strings("tags", tags),
	)
	return Decision{}, types.NewNoAgentAvailableError(taskID)
}

// RouteRelaxed skips the strict pass and scores any tag intersection
// directly. Used when repeated failures suggest the strict capability match
// itself is the bottleneck; the zero-intersection exclusion still holds.
func (r *Router) RouteRelaxed(taskID string, tags []string) (Decision, error) {
	policy := r.policies.Current()

	if d, ok := r.selectAgent(policy, tags, true); ok {
		r.assignments.Add(1)
		r.relaxations.Add(1)
		r.lastDecision.Store(time.Now().Unix())
		r.observe("relaxed")
		return d, nil
	}

	r.noAgent.Add(1)
	r.observe("unroutable")
	return Decision{}, types.NewNoAgentAvailableError(taskID)
}

func (r *Router) observe(outcome string) {
	if r.decisionHook != nil {
		r.decisionHook(outcome)
	}
}

// selectAgent runs one scoring pass over the profiles. The strict pass
// requires the agent to declare every task tag; the relaxed pass accepts any
// intersection. Agents sharing no tag never become candidates.
func (r *Router) selectAgent(policy *Policy, tags []string, relaxed bool) (Decision, bool) {
	var (
		best       Decision
		found      bool
		candidates int
	)
	for _, profile := range r.profiles.Profiles() {
		match, shared := weightMatch(policy, profile.Tags, tags, r.cfg.DefaultTagWeight)
		if shared == 0 {
			continue
		}
		if !relaxed && shared < len(tags) {
			continue
		}
		candidates++

		score := profile.Score*match + policy.ExplorationRate*r.jitter()
		// strict greater keeps the earliest candidate on exact ties,
		// so profile order decides and selection stays reproducible
		if !found || score > best.Score {
			best = Decision{AgentID: profile.AgentID, Score: score, Relaxed: relaxed}
			found = true
		}
	}
	if !found {
		return Decision{}, false
	}
	best.Tags = append([]string(nil), tags...)
	best.Candidates = candidates
	return best, true
}

// weightMatch sums the policy weights over the intersection of the agent's
// and the task's tags and returns the intersection size. Exclusion keys on
// the intersection, not the sum: a shared tag whose learned weight is zero
// still makes the agent a candidate.
func weightMatch(policy *Policy, agentTags, taskTags []string, fallback float64) (float64, int) {
	sum := 0.0
	shared := 0
	for _, want := range taskTags {
		for _, have := range agentTags {
			if want == have {
				sum += policy.WeightFor(want, fallback)
				shared++
				break
			}
		}
	}
	return sum, shared
}

func (r *Router) jitter() float64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64()
}

// Stats returns the routing counters.
func (r *Router) Stats() Stats {
	return Stats{
		Assignments:  r.assignments.Load(),
		Relaxations:  r.relaxations.Load(),
		NoAgent:      r.noAgent.Load(),
		LastDecision: r.lastDecision.Load(),
	}
}
