package rbac

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/calyptra/hubble/pkg/observability"
)

// Denial reasons, recorded for observability only. The boolean result
// never distinguishes them.
const (
	DenialNoScope  = "no_matching_scope"
	DenialFiltered = "filter_excluded"
)

// Engine resolves effective scopes for principals and answers
// authorization queries.
type Engine struct {
	store   Store
	cache   *lru.LRU[string, []Scope]
	logger  *observability.Logger
	metrics *observability.Metrics
}

// Option configures the engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *observability.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the engine metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an RBAC engine over the given store. cacheTTL
// bounds how stale a cached resolution may be; role and group
// mutations must also call Invalidate.
func NewEngine(store Store, cacheTTL time.Duration, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		cache: lru.NewLRU[string, []Scope](1024, nil, cacheTTL),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return e
}

// SeedBuiltinRoles inserts the built-in roles if they are missing
func (e *Engine) SeedBuiltinRoles(ctx context.Context) error {
	for _, role := range BuiltinRoles() {
		if _, err := e.store.GetRole(ctx, role.Name); err == nil {
			continue
		}
		if err := e.store.CreateRole(ctx, role); err != nil {
			return fmt.Errorf("failed to seed role %s: %w", role.Name, err)
		}
	}
	return nil
}

// ResolveScopes returns the union of scopes over every role granted to
// the principal directly, via group membership, or via the default
// role. The result is order-independent in role assignment: union is
// commutative and associative. Filters are preserved, not expanded.
func (e *Engine) ResolveScopes(ctx context.Context, p Principal) (ScopeSet, error) {
	if cached, ok := e.cache.Get(cacheKey(p)); ok {
		return NewScopeSet(cached...), nil
	}

	roles, err := e.store.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}

	assigned := make(map[string]bool, len(p.Roles)+1)
	for _, name := range p.Roles {
		assigned[name] = true
	}
	if !p.Service {
		// Every authenticated user holds the default role
		assigned[RoleUser] = true
	}

	set := NewScopeSet()
	for _, role := range roles {
		granted := assigned[role.Name]
		if !granted && p.Service {
			granted = role.GrantsToService(p.Name)
		}
		if !granted && !p.Service {
			granted = role.GrantsTo(p.Name, p.Groups)
		}
		if granted {
			set.Add(role.Scopes...)
		}
	}

	flat := make([]Scope, 0, len(set))
	for _, s := range set {
		flat = append(flat, s)
	}
	e.cache.Add(cacheKey(p), flat)

	return set, nil
}

// Authorize reports whether the principal may perform the required
// action on the concrete resource. Administrators hold an implicit
// scope superset and bypass filter evaluation entirely.
func (e *Engine) Authorize(ctx context.Context, p Principal, required Scope, res Resource) (bool, error) {
	if p.Admin {
		return true, nil
	}

	scopes, err := e.ResolveScopes(ctx, p)
	if err != nil {
		return false, err
	}

	if scopes.Contains(ScopeAdminAll) {
		return true, nil
	}

	sawFiltered := false
	for _, s := range scopes {
		if s.Action == required.Action && s.Resource == required.Resource {
			if s.expandSelf(p.Name).Covers(required, res) {
				return true, nil
			}
			sawFiltered = true
		}
	}

	// Denial detail is observability-only; callers see the bare false
	reason := DenialNoScope
	if sawFiltered {
		reason = DenialFiltered
	}
	if e.metrics != nil {
		e.metrics.AuthzDeniedTotal.WithLabelValues(reason).Inc()
	}
	e.logger.WithFields(map[string]interface{}{
		"principal": p.Name,
		"required":  required.String(),
		"reason":    reason,
	}).Debug("authorization denied")

	return false, nil
}

// Invalidate drops every cached resolution for one principal,
// whatever role and group assignments its entries were keyed under.
func (e *Engine) Invalidate(name string, service bool) {
	prefix := keyPrefix(name, service)
	for _, key := range e.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			e.cache.Remove(key)
		}
	}
}

// InvalidateAll drops every cached resolution; called on any role or
// group mutation since grant lists may reference any principal.
func (e *Engine) InvalidateAll() {
	e.cache.Purge()
}

// Store exposes the underlying role/group store for the API handlers
func (e *Engine) Store() Store {
	return e.store
}

// cacheKey covers everything resolution depends on, so principals with
// the same name but different role or group assignments never share an
// entry. The keyPrefix split lets Invalidate evict by principal alone.
func cacheKey(p Principal) string {
	return keyPrefix(p.Name, p.Service) + strings.Join(p.Roles, ",") + "|" + strings.Join(p.Groups, ",")
}

func keyPrefix(name string, service bool) string {
	kind := "user"
	if service {
		kind = "service"
	}
	return kind + ":" + name + "|"
}
