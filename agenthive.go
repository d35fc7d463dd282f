// Package agenthive wires the coordination engine together behind one entry
// point. Callers hand it external collaborators (an evaluator for workflow
// search, optionally a retriever for knowledge augmentation), register agent
// executors, and submit requests.
//
// Usage:
//
//	import "github.com/BaSui01/agenthive"
//
//	engine, err := agenthive.New(config.DefaultConfig(), agenthive.Collaborators{
//		Evaluator: myEvaluator,
//	})
//	engine.Start()
//	defer engine.Stop(context.Background())
//
//	engine.RegisterAgent(myExecutor, []string{"summarization"})
//	result, err := engine.ProcessRequest(ctx, agenthive.Request{
//		Description: "summarize the incident report",
//		Tags:        []string{"summarization"},
//	})
package agenthive

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/coordinator"
	"github.com/BaSui01/agenthive/decision"
	"github.com/BaSui01/agenthive/evolution"
	"github.com/BaSui01/agenthive/incentive"
	"github.com/BaSui01/agenthive/internal/metrics"
	"github.com/BaSui01/agenthive/knowledge"
	"github.com/BaSui01/agenthive/routing"
	"github.com/BaSui01/agenthive/store"
	"github.com/BaSui01/agenthive/task"
	"github.com/BaSui01/agenthive/types"
)

// Request is re-exported so callers need only this package for the basics.
type Request = coordinator.Request

// Collaborators are the external systems the engine coordinates. Evaluator
// is required; Retriever is optional and enables knowledge augmentation.
type Collaborators struct {
	Evaluator types.Evaluator
	Retriever types.Retriever
}

// Engine owns the full component graph: lifecycle manager, workflow search,
// router, incentive model, evolution loop, and archive. Components keep their
// own locks; the engine itself only sequences startup and shutdown.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	manager     *task.Manager
	model       *incentive.Model
	policies    *routing.Store
	router      *routing.Router
	maker       *decision.Maker
	evolver     *evolution.Evolver
	coordinator *coordinator.Coordinator

	knowledge *knowledge.Service
	cache     *knowledge.RedisCache
	archive   store.Archive
	writer    *store.Writer

	collector  *metrics.Collector
	metricsSub string

	started atomic.Bool
	stopped atomic.Bool
}

// Option customizes engine construction.
type Option func(*engineOptions)

type engineOptions struct {
	logger           *zap.Logger
	metricsNamespace string
	guard            evolution.PolicyGuard
}

// WithLogger sets the engine logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithMetricsNamespace registers Prometheus collectors under the namespace.
// Collectors go to the default registry, so use this at most once per
// process. Without it the engine records no metrics.
func WithMetricsNamespace(namespace string) Option {
	return func(o *engineOptions) { o.metricsNamespace = namespace }
}

// WithPolicyGuard installs a guard consulted before every policy swap.
func WithPolicyGuard(guard evolution.PolicyGuard) Option {
	return func(o *engineOptions) { o.guard = guard }
}

// New builds the engine from configuration. The archive backend is opened
// eagerly so misconfiguration surfaces here, not on the first write.
func New(cfg *config.Config, collab Collaborators, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if collab.Evaluator == nil {
		return nil, fmt.Errorf("an evaluator collaborator is required")
	}

	o := &engineOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger

	e := &Engine{cfg: cfg, logger: logger}

	// The collector comes first so the components can report through it.
	if o.metricsNamespace != "" {
		e.collector = metrics.NewCollector(o.metricsNamespace, logger)
	}

	e.policies = routing.NewStore(routing.NewPolicy(cfg.Router.ExplorationRate, cfg.Decision.ExplorationConstant))
	e.model = incentive.NewModel(cfg.Incentive, logger)

	var routerOpts []routing.RouterOption
	if e.collector != nil {
		routerOpts = append(routerOpts, routing.WithDecisionHook(e.collector.RecordRoutingDecision))
	}
	e.router = routing.NewRouter(cfg.Router, e.policies, e.model, logger, routerOpts...)

	var makerOpts []decision.MakerOption
	if e.collector != nil {
		makerOpts = append(makerOpts, decision.WithEpisodeHook(e.collector.RecordSearchEpisode))
	}
	e.maker = decision.NewMaker(cfg.Decision, e.policies, e.router, collab.Evaluator, logger, makerOpts...)
	e.manager = task.NewManager(cfg.Manager, nil, logger)

	archive, err := store.New(store.Config{
		Store:    cfg.Store,
		Redis:    cfg.Redis,
		Database: cfg.Database,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	e.archive = archive

	var writerOpts []store.WriterOption
	if e.collector != nil {
		writerOpts = append(writerOpts, store.WithWriteHook(e.collector.RecordArchiveWrite))
	}
	e.writer = store.NewWriter(archive, cfg.Store, logger, writerOpts...)

	coordOpts := []coordinator.Option{coordinator.WithArchiveWriter(e.writer)}
	if collab.Retriever != nil {
		var cache knowledge.PassageCache
		if cfg.Knowledge.CacheEnabled {
			redisCache, err := knowledge.NewRedisCache(cfg.Redis, cfg.Knowledge.CacheTTL, logger)
			if err != nil {
				_ = archive.Close()
				return nil, fmt.Errorf("open passage cache: %w", err)
			}
			e.cache = redisCache
			cache = redisCache
		}
		e.knowledge = knowledge.NewService(cfg.Knowledge, collab.Retriever, cache, logger)
		coordOpts = append(coordOpts, coordinator.WithKnowledge(e.knowledge))
	}

	var evolverOpts []evolution.Option
	if o.guard != nil {
		evolverOpts = append(evolverOpts, evolution.WithGuard(o.guard))
	}
	if e.collector != nil {
		evolverOpts = append(evolverOpts,
			evolution.WithCycleHook(e.collector.RecordEvolutionCycle),
			evolution.WithRollbackHook(e.collector.RecordEvolutionRollback),
		)
	}
	e.evolver = evolution.NewEvolver(cfg.Evolution, e.policies, e.model, e.manager.Bus(), logger, evolverOpts...)

	e.coordinator = coordinator.New(cfg.Manager, e.manager, e.maker, e.router, e.model, e.policies, logger, coordOpts...)
	return e, nil
}

// Start launches the background parts: the archive writer, the evolution
// loop, and the metrics subscription. Safe to call once.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.writer.Start()
	e.evolver.Start()
	if e.collector != nil {
		e.metricsSub = e.manager.Bus().Subscribe(task.EventTransition, e.observeTransition)
	}
	e.logger.Info("engine started")
}

// Stop halts background work and releases backends. In-flight archive writes
// are drained; task processing already in ProcessRequest is not interrupted.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	e.evolver.Stop()
	if e.metricsSub != "" {
		e.manager.Bus().Unsubscribe(e.metricsSub)
	}
	e.manager.Stop()
	e.writer.Stop()

	var firstErr error
	if err := e.archive.Close(); err != nil {
		firstErr = err
	}
	if e.cache != nil {
		if err := e.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = ctx
	e.logger.Info("engine stopped")
	return firstErr
}

// Health pings the engine's backends.
func (e *Engine) Health(ctx context.Context) error {
	if err := e.archive.Ping(ctx); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if e.cache != nil {
		if err := e.cache.Ping(ctx); err != nil {
			return fmt.Errorf("passage cache: %w", err)
		}
	}
	return nil
}

// ProcessRequest runs one request through its complete lifecycle.
func (e *Engine) ProcessRequest(ctx context.Context, req Request) (*task.Task, error) {
	return e.coordinator.ProcessRequest(ctx, req)
}

// RegisterAgent makes an agent available for routing and execution.
func (e *Engine) RegisterAgent(exec types.Executor, tags []string) error {
	return e.coordinator.RegisterAgent(exec, tags)
}

// DeregisterAgent removes an agent from routing.
func (e *Engine) DeregisterAgent(agentID string) error {
	return e.coordinator.DeregisterAgent(agentID)
}

// CancelTask withdraws a task.
func (e *Engine) CancelTask(ctx context.Context, taskID string) error {
	return e.coordinator.CancelTask(ctx, taskID)
}

// TaskStatus returns a read-only copy of the task.
func (e *Engine) TaskStatus(taskID string) (*task.Task, error) {
	return e.coordinator.TaskStatus(taskID)
}

// AgentScore returns the agent's current incentive score.
func (e *Engine) AgentScore(agentID string) (float64, error) {
	return e.coordinator.AgentScore(agentID)
}

// PolicySnapshot returns the live routing policy.
func (e *Engine) PolicySnapshot() *routing.Policy {
	return e.coordinator.PolicySnapshot()
}

// Analytics returns the engine-wide introspection snapshot.
func (e *Engine) Analytics() coordinator.Analytics {
	return e.coordinator.Analytics()
}

// EvolutionStats returns a snapshot of evolution activity.
func (e *Engine) EvolutionStats() evolution.Stats {
	return e.evolver.Stats()
}

// ArchiveStats returns the archive writer counters.
func (e *Engine) ArchiveStats() store.WriterStats {
	return e.writer.Stats()
}

// Coordinator exposes the underlying coordinator for advanced callers.
func (e *Engine) Coordinator() *coordinator.Coordinator {
	return e.coordinator
}

// observeTransition publishes lifecycle metrics from bus events.
func (e *Engine) observeTransition(event task.Event) {
	te, ok := event.(*task.TransitionEvent)
	if !ok {
		return
	}
	e.collector.RecordTaskTransition(string(te.From), string(te.To))
	e.collector.SetQueueDepth(e.manager.QueueStats().Depth)
	e.collector.SetPolicyVersion(int(e.policies.Current().Version))

	if te.To.IsTerminal() {
		if t, err := e.manager.Get(te.TaskID_); err == nil {
			e.collector.RecordTaskFinished(string(te.To), time.Since(t.CreatedAt))
		}
	}
}
