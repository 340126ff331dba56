// Package hub assembles the whole deployment from configuration: the
// stores, the login gateway, the server supervisor, the proxy
// reconciler, the REST API, and the scheduled maintenance jobs.
package hub
