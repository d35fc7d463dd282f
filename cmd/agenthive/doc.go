// Command agenthive hosts the coordination engine as a standalone process.
//
// The run command loads configuration, initializes telemetry, wires the
// engine, and serves the operational endpoint (Prometheus metrics and health
// probes) until SIGINT or SIGTERM. The migrate command manages the archive
// database schema. Engine traffic itself enters through the library API;
// this process exposes no task-facing HTTP surface.
package main
