// Package middleware provides the HTTP request plumbing shared by all
// hub API routes: token authentication, scope enforcement, request
// IDs, and per-caller rate limiting (in-memory for single instances,
// Redis-backed for replicated deployments).
package middleware
