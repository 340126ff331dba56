// Package observability provides the operational plumbing for the hub:
// structured logging, Prometheus metrics, health checks, OpenTelemetry
// tracing, and graceful shutdown.
//
// Logging uses log/slog with a JSON handler. Request-scoped values
// (request ID, user) travel through the context and are attached to
// log records by FromContext.
//
// Metrics cover the HTTP surface plus the hub's own concerns: spawn
// outcomes and latency, running server count, proxy synchronization
// results, authentication and authorization outcomes, and active tokens.
package observability
