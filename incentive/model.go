// Package incentive scores agent performance from task outcomes.
//
// The model owns the agent profiles: registration, a bounded per-agent
// performance history, and an incentive score recomputed from that history on
// every outcome. Records are append-only and feed the policy evolution loop.
package incentive

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

// Record is one immutable scoring entry.
type Record struct {
	AgentID       string    `json:"agent_id"`
	TaskID        string    `json:"task_id"`
	RawScore      float64   `json:"raw_score"`
	AdjustedScore float64   `json:"adjusted_score"`
	Timestamp     time.Time `json:"timestamp"`
}

// Complexity carries the task facts the complexity factor is computed from.
type Complexity struct {
	// Subgoals is the number of subgoals the task was decomposed into.
	Subgoals int
	// Deadline is the task deadline, if any.
	Deadline *time.Time
}

// Model maintains per-agent incentive state.
//
// The registry lock guards the agent set and the append-only log; each agent
// carries its own lock so score updates serialize per agent, not globally.
type Model struct {
	mu     sync.RWMutex
	agents map[string]*agentState
	log    []Record

	cfg    config.IncentiveConfig
	logger *zap.Logger
	now    func() time.Time
}

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithClock injects the time source.
func WithClock(now func() time.Time) ModelOption {
	return func(m *Model) { m.now = now }
}

// NewModel creates an incentive model.
func NewModel(cfg config.IncentiveConfig, logger *zap.Logger, opts ...ModelOption) *Model {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Decay <= 0 || cfg.Decay >= 1 {
		cfg.Decay = 0.9
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 64
	}
	if cfg.MaxComplexityFactor < 1 {
		cfg.MaxComplexityFactor = 2.0
	}
	if cfg.DeadlineWindow <= 0 {
		cfg.DeadlineWindow = time.Hour
	}
	m := &Model{
		agents: make(map[string]*agentState),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "incentive_model")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterAgent adds an agent or updates the tags of an existing one.
// Re-registration keeps the accumulated incentive state.
func (m *Model) RegisterAgent(agentID string, tags []string) error {
	if agentID == "" {
		return types.NewError(types.ErrInvalidTask, "agent id is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.agents[agentID]; ok {
		existing.mu.Lock()
		existing.tags = normalizeTags(tags)
		existing.mu.Unlock()
		m.logger.Info("agent re-registered", zap.String("agent_id", agentID), zap.Strings("tags", tags))
		return nil
	}

	m.agents[agentID] = &agentState{
		id:   agentID,
		tags: normalizeTags(tags),
	}
	m.logger.Info("agent registered", zap.String("agent_id", agentID), zap.Strings("tags", tags))
	return nil
}

// DeregisterAgent removes an agent. Its log entries remain.
func (m *Model) DeregisterAgent(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agentID]; !ok {
		return types.NewError(types.ErrAgentNotFound, "agent not registered").WithAgentID(agentID)
	}
	delete(m.agents, agentID)
	m.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	return nil
}

// RecordOutcome appends a scoring record for an outcome and recomputes the
// agent's incentive score from its bounded history.
//
// rawScore is clamped to [-1, 1]; the stored adjusted score is the clamped
// raw score multiplied by the task complexity factor.
func (m *Model) RecordOutcome(agentID, taskID string, rawScore float64, c Complexity) (Record, error) {
	m.mu.RLock()
	state, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return Record{}, types.NewError(types.ErrAgentNotFound, "agent not registered").WithAgentID(agentID).WithTaskID(taskID)
	}

	raw := clamp(rawScore, -1, 1)
	rec := Record{
		AgentID:       agentID,
		TaskID:        taskID,
		RawScore:      raw,
		AdjustedScore: raw * m.complexityFactor(c),
		Timestamp:     m.now(),
	}

	state.mu.Lock()
	state.history = append(state.history, rec)
	if len(state.history) > m.cfg.HistorySize {
		state.history = state.history[len(state.history)-m.cfg.HistorySize:]
	}
	state.score = replayScore(state.history, m.cfg.Decay)
	score := state.score
	state.mu.Unlock()

	m.mu.Lock()
	m.log = append(m.log, rec)
	m.mu.Unlock()

	m.logger.Debug("outcome recorded",
		zap.String("agent_id", agentID),
		zap.String("task_id", taskID),
		zap.Float64("adjusted_score", rec.AdjustedScore),
		zap.Float64("incentive_score", score),
	)
	return rec, nil
}

// Score returns the agent's current incentive score.
func (m *Model) Score(agentID string) (float64, error) {
	m.mu.RLock()
	state, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return 0, types.NewError(types.ErrAgentNotFound, "agent not registered").WithAgentID(agentID)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return state.score, nil
}

// Profile returns a snapshot of one agent.
func (m *Model) Profile(agentID string) (Profile, error) {
	m.mu.RLock()
	state, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return Profile{}, types.NewError(types.ErrAgentNotFound, "agent not registered").WithAgentID(agentID)
	}
	return state.snapshot(), nil
}

// Profiles returns snapshots of all registered agents, ordered by agent ID.
func (m *Model) Profiles() []Profile {
	m.mu.RLock()
	states := make([]*agentState, 0, len(m.agents))
	for _, s := range m.agents {
		states = append(states, s)
	}
	m.mu.RUnlock()

	out := make([]Profile, 0, len(states))
	for _, s := range states {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// History returns a copy of the agent's bounded performance history.
func (m *Model) History(agentID string) ([]Record, error) {
	m.mu.RLock()
	state, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrAgentNotFound, "agent not registered").WithAgentID(agentID)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return append([]Record(nil), state.history...), nil
}

// RecordsSince returns a copy of the log entries appended after the cursor
// and the new cursor. A zero cursor reads from the beginning.
func (m *Model) RecordsSince(cursor int) ([]Record, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(m.log) {
		cursor = len(m.log)
	}
	return append([]Record(nil), m.log[cursor:]...), len(m.log)
}

// Replay rebuilds per-agent incentive scores from a record log, applying the
// same history bound and decay the live model uses. It reads only its input,
// so replaying an archived log is side-effect free and deterministic: the
// same records in the same order always produce identical scores.
func (m *Model) Replay(records []Record) map[string]float64 {
	histories := make(map[string][]Record)
	for _, r := range records {
		h := append(histories[r.AgentID], r)
		if len(h) > m.cfg.HistorySize {
			h = h[len(h)-m.cfg.HistorySize:]
		}
		histories[r.AgentID] = h
	}

	scores := make(map[string]float64, len(histories))
	for agentID, history := range histories {
		scores[agentID] = replayScore(history, m.cfg.Decay)
	}
	return scores
}

// complexityFactor maps task facts to a multiplier in [1, max]. Tighter
// deadlines and wider decompositions raise it.
func (m *Model) complexityFactor(c Complexity) float64 {
	urgency := 0.0
	if c.Deadline != nil {
		remaining := c.Deadline.Sub(m.now())
		switch {
		case remaining <= 0:
			urgency = 1
		case remaining < m.cfg.DeadlineWindow:
			urgency = 1 - float64(remaining)/float64(m.cfg.DeadlineWindow)
		}
	}
	factor := 1 + 0.5*urgency + 0.1*float64(min(c.Subgoals, 5))
	return clamp(factor, 1, m.cfg.MaxComplexityFactor)
}

// replayScore recomputes the incentive score from a history, oldest first:
// score' = decay*score + (1-decay)*adjusted, starting from zero. Recomputing
// from the history alone (never an ad-hoc running sum) keeps replays
// deterministic.
func replayScore(history []Record, decay float64) float64 {
	score := 0.0
	for _, r := range history {
		score = decay*score + (1-decay)*r.AdjustedScore
	}
	return score
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
