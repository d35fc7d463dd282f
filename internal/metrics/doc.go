/*
Package metrics provides Prometheus instrumentation for the engine.

A Collector registers its metric vectors through promauto under a single
namespace and exposes one recording method per event family: task
transitions and completions, routing decisions, decision-search episodes,
evolution cycles and rollbacks, archive writes, and queue depth.
*/
package metrics
