// Package server runs the operational HTTP endpoint of the engine process:
// Prometheus metrics on /metrics and dependency health probes on /healthz.
//
// The listener starts non-blocking, drains gracefully on Shutdown, and
// surfaces asynchronous serve failures through Errors. Engine traffic never
// flows through it; tasks enter through the coordinator API.
package server
