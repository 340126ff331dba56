package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine := NewEngine(NewMemoryStore(), time.Minute)
	require.NoError(t, engine.SeedBuiltinRoles(context.Background()))
	return engine
}

func TestResolveScopesDefaultRole(t *testing.T) {
	engine := newTestEngine(t)

	scopes, err := engine.ResolveScopes(context.Background(), Principal{Name: "wash"})
	require.NoError(t, err)

	assert.True(t, scopes.Contains(MustParseScope("read:user!user=self")))
	assert.True(t, scopes.Contains(MustParseScope("start:server!user=self")))
	assert.False(t, scopes.Contains(ScopeAdminAll))
}

func TestAuthorizeSelfFilter(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	wash := Principal{Name: "wash"}
	required := MustParseScope("start:server")

	ok, err := engine.Authorize(ctx, wash, required, Resource{"user": "wash"})
	require.NoError(t, err)
	assert.True(t, ok, "self filter should cover the principal's own resources")

	ok, err = engine.Authorize(ctx, wash, required, Resource{"user": "jayne"})
	require.NoError(t, err)
	assert.False(t, ok, "self filter must not cover other users")
}

func TestResolveScopesOrderIndependent(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	require.NoError(t, engine.Store().CreateRole(ctx, &Role{
		Name:   "grader",
		Scopes: []Scope{MustParseScope("read:groups!group=class-A")},
	}))
	require.NoError(t, engine.Store().CreateRole(ctx, &Role{
		Name:   "culler",
		Scopes: []Scope{MustParseScope("stop:server"), MustParseScope("read:user")},
	}))

	forward, err := engine.ResolveScopes(ctx, Principal{Name: "kaylee", Roles: []string{"grader", "culler"}})
	require.NoError(t, err)
	engine.InvalidateAll()
	reverse, err := engine.ResolveScopes(ctx, Principal{Name: "kaylee", Roles: []string{"culler", "grader"}})
	require.NoError(t, err)

	assert.Equal(t, forward.Strings(), reverse.Strings())
}

func TestAuthorizeFilteredScope(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	require.NoError(t, engine.Store().CreateRole(ctx, &Role{
		Name:   "grader",
		Scopes: []Scope{MustParseScope("read:groups!group=class-A")},
		Users:  []string{"kaylee"},
	}))

	kaylee := Principal{Name: "kaylee"}
	required := MustParseScope("read:groups")

	ok, err := engine.Authorize(ctx, kaylee, required, Resource{"group": "class-A"})
	require.NoError(t, err)
	assert.True(t, ok, "filtered scope should grant access to the named group")

	ok, err = engine.Authorize(ctx, kaylee, required, Resource{"group": "class-B"})
	require.NoError(t, err)
	assert.False(t, ok, "filtered scope should deny access to other groups")
}

func TestAuthorizeAdmin(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	ok, err := engine.Authorize(ctx, Principal{Name: "mal", Admin: true},
		MustParseScope("delete:users"), Resource{"user": "jayne"})
	require.NoError(t, err)
	assert.True(t, ok, "admin flag should bypass scope checks")

	require.NoError(t, engine.Store().CreateRole(ctx, &Role{
		Name:   "operators",
		Scopes: []Scope{ScopeAdminAll},
		Users:  []string{"zoe"},
	}))
	ok, err = engine.Authorize(ctx, Principal{Name: "zoe"},
		MustParseScope("delete:users"), Resource{"user": "jayne"})
	require.NoError(t, err)
	assert.True(t, ok, "admin:all scope should cover every action")
}

func TestAuthorizeGroupGrant(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	require.NoError(t, engine.Store().CreateRole(ctx, &Role{
		Name:   "teachers",
		Scopes: []Scope{MustParseScope("list:users")},
		Groups: []string{"staff"},
	}))

	ok, err := engine.Authorize(ctx, Principal{Name: "book", Groups: []string{"staff"}},
		MustParseScope("list:users"), Resource{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = engine.Authorize(ctx, Principal{Name: "jayne"},
		MustParseScope("list:users"), Resource{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServicePrincipalSkipsDefaultRole(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	scopes, err := engine.ResolveScopes(ctx, Principal{Name: "culler", Service: true})
	require.NoError(t, err)
	assert.Empty(t, scopes, "services hold no scopes until a role grants them")

	require.NoError(t, engine.Store().CreateRole(ctx, &Role{
		Name:     "idle-culler",
		Scopes:   []Scope{MustParseScope("stop:server"), MustParseScope("read:user")},
		Services: []string{"culler"},
	}))
	engine.InvalidateAll()

	scopes, err = engine.ResolveScopes(ctx, Principal{Name: "culler", Service: true})
	require.NoError(t, err)
	assert.True(t, scopes.Contains(MustParseScope("stop:server")))
	assert.False(t, scopes.Contains(MustParseScope("start:server")))
}

func TestInvalidateDropsStaleCache(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	inara := Principal{Name: "inara"}
	scopes, err := engine.ResolveScopes(ctx, inara)
	require.NoError(t, err)
	assert.False(t, scopes.Contains(MustParseScope("list:users")))

	require.NoError(t, engine.Store().CreateRole(ctx, &Role{
		Name:   "concierge",
		Scopes: []Scope{MustParseScope("list:users")},
		Users:  []string{"inara"},
	}))

	// Cached resolution is served until invalidated
	scopes, err = engine.ResolveScopes(ctx, inara)
	require.NoError(t, err)
	assert.False(t, scopes.Contains(MustParseScope("list:users")))

	engine.Invalidate("inara", false)
	scopes, err = engine.ResolveScopes(ctx, inara)
	require.NoError(t, err)
	assert.True(t, scopes.Contains(MustParseScope("list:users")))
}

func TestInvalidateCoversRoleAndGroupKeys(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	require.NoError(t, engine.Store().CreateRole(ctx, &Role{
		Name:   "concierge",
		Scopes: []Scope{MustParseScope("list:users")},
	}))

	inara := Principal{Name: "inara", Roles: []string{"concierge"}, Groups: []string{"guild"}}
	scopes, err := engine.ResolveScopes(ctx, inara)
	require.NoError(t, err)
	assert.True(t, scopes.Contains(MustParseScope("list:users")))

	require.NoError(t, engine.Store().DeleteRole(ctx, "concierge"))

	// The stale entry lives under a key carrying roles and groups
	scopes, err = engine.ResolveScopes(ctx, inara)
	require.NoError(t, err)
	assert.True(t, scopes.Contains(MustParseScope("list:users")))

	engine.Invalidate("inara", false)
	scopes, err = engine.ResolveScopes(ctx, inara)
	require.NoError(t, err)
	assert.False(t, scopes.Contains(MustParseScope("list:users")),
		"invalidation must evict entries keyed with role and group assignments")
}
