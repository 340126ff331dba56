// Package rbac implements role-based access control with filtered
// scopes.
//
// A scope is an action on a resource kind, optionally narrowed by a
// single attribute filter: "read:user", "read:groups!group=class-A".
// Roles bundle scopes and are granted to users directly, to groups, or
// to services; the engine resolves a principal's effective scopes as
// the union over every granted role plus the built-in default role.
// Union is commutative, so the order in which roles were assigned never
// affects the result.
//
// Grants are strictly additive. There is no deny rule; removing access
// means removing the grant.
//
// Example:
//
//	store := rbac.NewMemoryStore()
//	engine := rbac.NewEngine(store, 5*time.Minute)
//	engine.SeedBuiltinRoles(ctx)
//
//	ok, err := engine.Authorize(ctx, principal,
//		rbac.MustParseScope("read:groups"),
//		rbac.Resource{"group": "class-A"})
package rbac
