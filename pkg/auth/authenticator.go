package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrAuthRejected is returned for any bad credential. Callers must
	// not learn whether the username exists.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrNotWhitelisted is returned when credentials were valid but the
	// username is not allowed on this hub.
	ErrNotWhitelisted = errors.New("user not allowed")
	// ErrProvisioningFailed is returned when the backend accepted the
	// login but could not prepare the user's environment.
	ErrProvisioningFailed = errors.New("user provisioning failed")
)

// Credentials carries one login attempt
type Credentials struct {
	Username string
	Password string
}

// AuthenticatedUser is the backend's verdict on a successful login.
// Name is the backend-reported username before normalization. Groups
// and Admin are optional backend-managed attributes; nil Groups means
// the backend does not manage membership.
type AuthenticatedUser struct {
	Name   string
	Groups []string
	Admin  *bool
}

// Authenticator verifies credentials against a backend
type Authenticator interface {
	// Authenticate checks the credentials and returns the backend's
	// view of the user, or ErrAuthRejected.
	Authenticate(ctx context.Context, creds Credentials) (*AuthenticatedUser, error)
}

// Provisioner is implemented by authenticators that must prepare
// backend state before a user's first server can start, e.g. creating
// a system account or home directory.
type Provisioner interface {
	Provision(ctx context.Context, username string) error
}

// Normalizer is implemented by authenticators that apply custom
// username normalization beyond the default lowercasing, e.g. stripping
// an email domain.
type Normalizer interface {
	Normalize(username string) string
}

// Validator is implemented by authenticators that restrict normalized
// usernames beyond the default pattern, e.g. to an allowed org suffix.
// The default DNS-label check still applies either way; names end up
// in route prefixes and container labels.
type Validator interface {
	Validate(username string) bool
}

// Factory builds an authenticator from its backend-specific config
type Factory func(ctx context.Context, cfg map[string]interface{}) (Authenticator, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an authenticator backend available by name. Backends
// register from their init functions; duplicate names panic.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("auth: backend %q registered twice", name))
	}
	registry[name] = factory
}

// New builds the named authenticator backend
func New(ctx context.Context, name string, cfg map[string]interface{}) (Authenticator, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown authenticator backend %q (have %v)", name, Backends())
	}
	return factory(ctx, cfg)
}

// Backends returns the registered backend names, sorted
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
