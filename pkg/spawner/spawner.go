package spawner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Environment passed to every single-user server so it can call back
// into the hub API.
const (
	EnvServiceName   = "HUBBLE_SERVICE_NAME"
	EnvAPIToken      = "HUBBLE_API_TOKEN"
	EnvAPIURL        = "HUBBLE_API_URL"
	EnvBaseURL       = "HUBBLE_BASE_URL"
	EnvServicePrefix = "HUBBLE_SERVICE_PREFIX"
)

var (
	// ErrSpawnTimeout is returned when a server did not become ready
	// within the configured startup window.
	ErrSpawnTimeout = errors.New("server did not become ready in time")
	// ErrSpawnBackendError is returned when the backend failed to start
	// or stop a server.
	ErrSpawnBackendError = errors.New("spawn backend error")
	// ErrServerNotRunning is returned when an operation needs a running
	// server and there is none.
	ErrServerNotRunning = errors.New("server not running")
	// ErrAlreadyStopping is returned when a start arrives while the
	// previous instance is still shutting down.
	ErrAlreadyStopping = errors.New("server is stopping")
)

// State is the lifecycle phase of a user's server. Transitions are
// Stopped -> Spawning -> Running -> Stopping -> Stopped, with Failed
// reachable from Spawning.
type State string

const (
	StateStopped  State = "stopped"
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// Server describes one single-user server instance as the backend
// needs to see it.
type Server struct {
	// Owner is the normalized username the server belongs to
	Owner string
	// Prefix is the proxy route prefix, e.g. "/user/mal/"
	Prefix string
	// APIToken is the raw hub API token minted for this instance
	APIToken string
	// HubAPIURL is where the server reaches the hub REST API
	HubAPIURL string
	// BaseURL is the externally visible base URL of the deployment
	BaseURL string
	// Env carries extra backend-specific environment
	Env map[string]string

	// URL is the server's target address, set by the backend once the
	// process or container exists.
	URL string
	// BackendID is the backend's handle on the instance: a container ID
	// or a process PID.
	BackendID string
}

// Environ renders the hub environment contract plus any extra Env,
// sorted for stable output.
func (s *Server) Environ() []string {
	env := map[string]string{
		EnvServiceName:   "server-" + s.Owner,
		EnvAPIToken:      s.APIToken,
		EnvAPIURL:        s.HubAPIURL,
		EnvBaseURL:       s.BaseURL,
		EnvServicePrefix: s.Prefix,
	}
	for k, v := range s.Env {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Spawner starts, checks, and stops single-user servers on some
// backend. Implementations must be safe for concurrent use.
type Spawner interface {
	// Start launches the server and fills in Server.URL and
	// Server.BackendID. It returns once the instance exists; readiness
	// is observed through Poll.
	Start(ctx context.Context, server *Server) error
	// Poll reports whether the instance is still up
	Poll(ctx context.Context, server *Server) (bool, error)
	// Stop terminates the instance. Stopping an already-dead instance
	// is not an error.
	Stop(ctx context.Context, server *Server) error
}

// BackendFactory builds a spawner backend from backend-specific config
type BackendFactory func(ctx context.Context, cfg map[string]interface{}) (Spawner, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// RegisterBackend makes a spawner backend available by name
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic(fmt.Sprintf("spawner: backend %q registered twice", name))
	}
	backends[name] = factory
}

// NewBackend builds the named spawner backend
func NewBackend(ctx context.Context, name string, cfg map[string]interface{}) (Spawner, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown spawner backend %q", name)
	}
	return factory(ctx, cfg)
}

// Limits bound a server's resource usage
type Limits struct {
	MemoryBytes int64
	CPUs        float64
	Timeout     time.Duration
}
