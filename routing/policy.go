package routing

import (
	"sync/atomic"
	"time"
)

// Policy is one immutable routing-policy snapshot: the preference weights
// and exploration parameters the router and the workflow search read.
//
// Policies are never mutated in place. The evolution loop derives a new
// snapshot with Next and swaps it into the Store; readers keep whatever
// snapshot they loaded until their decision completes.
type Policy struct {
	// PreferenceWeights maps a capability tag to its learned weight.
	PreferenceWeights map[string]float64 `json:"preference_weights"`

	// ExplorationRate scales the routing jitter term.
	ExplorationRate float64 `json:"exploration_rate"`

	// ExplorationConstant is the UCB constant used by the workflow search.
	ExplorationConstant float64 `json:"exploration_constant"`

	// Version increments on every swap.
	Version int64 `json:"version"`

	// UpdatedAt is when this snapshot was created.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPolicy builds the initial snapshot, version 1.
func NewPolicy(explorationRate, explorationConstant float64) *Policy {
	return &Policy{
		PreferenceWeights:   make(map[string]float64),
		ExplorationRate:     explorationRate,
		ExplorationConstant: explorationConstant,
		Version:             1,
		UpdatedAt:           time.Now(),
	}
}

// WeightFor returns the learned weight for a tag, or the fallback for tags
// the policy has not learned yet.
func (p *Policy) WeightFor(tag string, fallback float64) float64 {
	if w, ok := p.PreferenceWeights[tag]; ok {
		return w
	}
	return fallback
}

// Next derives a successor snapshot with the given parameters. The weights
// map is copied, never shared.
func (p *Policy) Next(weights map[string]float64, explorationRate, explorationConstant float64) *Policy {
	copied := make(map[string]float64, len(weights))
	for tag, w := range weights {
		copied[tag] = w
	}
	return &Policy{
		PreferenceWeights:   copied,
		ExplorationRate:     explorationRate,
		ExplorationConstant: explorationConstant,
		Version:             p.Version + 1,
		UpdatedAt:           time.Now(),
	}
}

// Weights returns a copy of the preference weights.
func (p *Policy) Weights() map[string]float64 {
	out := make(map[string]float64, len(p.PreferenceWeights))
	for tag, w := range p.PreferenceWeights {
		out[tag] = w
	}
	return out
}

// Store holds the current policy snapshot behind an atomic pointer: reads
// are lock-free and always observe a fully formed policy.
type Store struct {
	current atomic.Pointer[Policy]
}

// NewStore creates a policy store seeded with the initial snapshot.
func NewStore(initial *Policy) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Current returns the live snapshot. Callers must treat it as read-only.
func (s *Store) Current() *Policy {
	return s.current.Load()
}

// Swap replaces the live snapshot. The evolution loop is the single writer;
// it serializes its own cycles.
func (s *Store) Swap(next *Policy) {
	s.current.Store(next)
}
