package incentive

import "sync"

// Profile is a read-only view of one agent's incentive state.
type Profile struct {
	AgentID string   `json:"agent_id"`
	Tags    []string `json:"tags"`
	// Score is the exponentially weighted moving average of the agent's
	// adjusted scores, newest weighted most.
	Score float64 `json:"score"`
	// Outcomes is the number of records currently in the bounded history.
	Outcomes int `json:"outcomes"`
}

// HasAnyTag reports whether the profile declares at least one of the tags.
func (p Profile) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range p.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// agentState is the mutable per-agent record behind the registry.
type agentState struct {
	mu      sync.Mutex
	id      string
	tags    []string
	score   float64
	history []Record
}

func (s *agentState) snapshot() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Profile{
		AgentID:  s.id,
		Tags:     append([]string(nil), s.tags...),
		Score:    s.score,
		Outcomes: len(s.history),
	}
}
