// Package proxy keeps the reverse proxy's routing table in sync with
// the hub.
//
// The hub owns the desired state (Table); the proxy process owns the
// actual state and exposes it over a control API (Client). The Manager
// bridges the two: route changes are pushed with exponential backoff,
// routes the proxy has not acknowledged stay flagged pending, and a
// periodic reconciler repairs drift after proxy restarts.
package proxy
