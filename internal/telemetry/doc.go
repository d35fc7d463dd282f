// Package telemetry initializes the OpenTelemetry SDK for the engine,
// wiring OTLP gRPC exporters for traces and metrics. When telemetry is
// disabled the global providers stay noop and nothing connects out.
package telemetry
