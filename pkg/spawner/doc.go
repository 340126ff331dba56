// Package spawner manages single-user server lifecycles.
//
// A Spawner backend knows how to start, poll, and stop one server
// instance; "local" runs child processes and "docker" runs containers.
// The Supervisor sits above the backend and owns the state machine:
//
//	Stopped -> Spawning -> Running -> Stopping -> Stopped
//
// with Failed reachable from Spawning when startup errors or times
// out. Concurrent starts for the same user coalesce into a single
// spawn. Each Running server gets a hub API token and a proxy route;
// both are cleaned up on stop and when the health poller finds a dead
// instance.
package spawner
