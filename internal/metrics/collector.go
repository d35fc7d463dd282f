package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Routing decision outcomes.
const (
	RoutingStrict     = "strict"
	RoutingRelaxed    = "relaxed"
	RoutingUnroutable = "unroutable"
)

// Archive write statuses.
const (
	ArchiveOK      = "ok"
	ArchiveError   = "error"
	ArchiveDropped = "dropped"
)

// Collector records engine metrics. All vectors are registered with the
// default registry through promauto, isolated by namespace.
type Collector struct {
	// Task lifecycle
	taskTransitionsTotal *prometheus.CounterVec
	taskDuration         *prometheus.HistogramVec
	queueDepth           prometheus.Gauge

	// Routing
	routingDecisionsTotal *prometheus.CounterVec

	// Decision search
	searchIterations    prometheus.Histogram
	searchTimeoutsTotal prometheus.Counter

	// Evolution
	evolutionCyclesTotal    *prometheus.CounterVec
	evolutionRollbacksTotal prometheus.Counter
	policyVersion           prometheus.Gauge

	// Archive
	archiveWritesTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the engine metric families under the namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.taskTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Total number of task status transitions",
		},
		[]string{"from_status", "to_status"},
	)

	c.taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from task creation to a terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	c.queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of tasks waiting for assignment",
		},
	)

	c.routingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Total number of routing decisions",
		},
		[]string{"outcome"}, // outcome: strict, relaxed, unroutable
	)

	c.searchIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_iterations",
			Help:      "Iterations consumed per decision search episode",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	c.searchTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_timeouts_total",
			Help:      "Total number of decision search episodes cut off by deadline",
		},
	)

	c.evolutionCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evolution_cycles_total",
			Help:      "Total number of evolution cycles",
		},
		[]string{"outcome"}, // outcome: applied, no_op
	)

	c.evolutionRollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evolution_rollbacks_total",
			Help:      "Total number of policy rollbacks",
		},
	)

	c.policyVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policy_version",
			Help:      "Currently active routing policy version",
		},
	)

	c.archiveWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Total number of archive write outcomes",
		},
		[]string{"kind", "status"}, // kind: task, record; status: ok, error, dropped
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordTaskTransition counts one status transition.
func (c *Collector) RecordTaskTransition(fromStatus, toStatus string) {
	c.taskTransitionsTotal.WithLabelValues(fromStatus, toStatus).Inc()
}

// RecordTaskFinished observes the lifetime of a task that reached a
// terminal status.
func (c *Collector) RecordTaskFinished(status string, lifetime time.Duration) {
	c.taskDuration.WithLabelValues(status).Observe(lifetime.Seconds())
}

// SetQueueDepth publishes the current pending-queue length.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// RecordRoutingDecision counts one routing outcome.
func (c *Collector) RecordRoutingDecision(outcome string) {
	c.routingDecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordSearchEpisode observes one decision search episode.
func (c *Collector) RecordSearchEpisode(iterations int, timedOut bool) {
	c.searchIterations.Observe(float64(iterations))
	if timedOut {
		c.searchTimeoutsTotal.Inc()
	}
}

// RecordEvolutionCycle counts one evolution cycle.
func (c *Collector) RecordEvolutionCycle(applied bool) {
	outcome := "no_op"
	if applied {
		outcome = "applied"
	}
	c.evolutionCyclesTotal.WithLabelValues(outcome).Inc()
}

// RecordEvolutionRollback counts one policy rollback.
func (c *Collector) RecordEvolutionRollback() {
	c.evolutionRollbacksTotal.Inc()
}

// SetPolicyVersion publishes the active policy version.
func (c *Collector) SetPolicyVersion(version int) {
	c.policyVersion.Set(float64(version))
}

// RecordArchiveWrite counts one archive write outcome.
func (c *Collector) RecordArchiveWrite(kind, status string) {
	c.archiveWritesTotal.WithLabelValues(kind, status).Inc()
}
