// Package api serves the hub's REST interface: browser login and
// logout under /hub, and the token-authenticated management API under
// /hub/api. Every /hub/api route passes through token authentication
// and a per-route scope check before its handler runs.
package api
