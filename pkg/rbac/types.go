package rbac

import "time"

// Role is a named bundle of scopes grantable to users, groups, or
// services. Grants are strictly additive; there is no deny mechanism.
type Role struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Scopes      []Scope   `json:"scopes"`
	Users       []string  `json:"users,omitempty"`
	Groups      []string  `json:"groups,omitempty"`
	Services    []string  `json:"services,omitempty"`
	Builtin     bool      `json:"builtin,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GrantsTo reports whether the role names the user or any of their
// groups in its explicit grant lists.
func (r *Role) GrantsTo(user string, groups []string) bool {
	for _, u := range r.Users {
		if u == user {
			return true
		}
	}
	for _, g := range r.Groups {
		for _, member := range groups {
			if g == member {
				return true
			}
		}
	}
	return false
}

// GrantsToService reports whether the role names the service
func (r *Role) GrantsToService(service string) bool {
	for _, s := range r.Services {
		if s == service {
			return true
		}
	}
	return false
}

// Built-in role names
const (
	// RoleUser is the implicit role every authenticated user holds
	RoleUser = "user"
	// RoleAdmin is the superset role for flagged administrators
	RoleAdmin = "admin"
	// RoleServer is the role attached to per-server API tokens
	RoleServer = "server"
)

// BuiltinRoles returns the role definitions seeded at startup
func BuiltinRoles() []*Role {
	return []*Role{
		{
			Name:        RoleUser,
			Description: "Default role for all authenticated users",
			Builtin:     true,
			Scopes: []Scope{
				MustParseScope("read:user!user=self"),
				MustParseScope("start:server!user=self"),
				MustParseScope("stop:server!user=self"),
				MustParseScope("create:token!user=self"),
				MustParseScope("read:tokens!user=self"),
				MustParseScope("revoke:token!user=self"),
			},
		},
		{
			Name:        RoleAdmin,
			Description: "Full access to all hub resources",
			Builtin:     true,
			Scopes: []Scope{
				MustParseScope("admin:all"),
			},
		},
		{
			Name:        RoleServer,
			Description: "Scopes granted to a single-user server's API token",
			Builtin:     true,
			Scopes: []Scope{
				MustParseScope("read:user!user=self"),
				MustParseScope("post:activity!user=self"),
			},
		},
	}
}

// Principal is the minimal identity view the engine needs to resolve
// scopes: who they are, what roles and groups they carry, and whether
// they hold the administrator flag.
type Principal struct {
	Name    string
	Roles   []string
	Groups  []string
	Admin   bool
	Service bool
}

// Group is a named set of users, used as a grant target and as a filter
// value for scopes.
type Group struct {
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether the user belongs to the group
func (g *Group) HasMember(user string) bool {
	for _, m := range g.Members {
		if m == user {
			return true
		}
	}
	return false
}
