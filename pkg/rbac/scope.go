package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// Filter narrows a scope to a resource subset, e.g. the "!group=class-A"
// suffix of "read:groups!group=class-A".
type Filter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Scope is a single permission grant: an action on a resource kind,
// optionally narrowed by a filter. Scopes are parsed once at role-load
// time, not on every authorization check.
type Scope struct {
	Action   string  `json:"action"`
	Resource string  `json:"resource"`
	Filter   *Filter `json:"filter,omitempty"`
}

// ParseScope parses the string form "action:resource[!key=value]"
func ParseScope(s string) (Scope, error) {
	var filter *Filter

	if bang := strings.IndexByte(s, '!'); bang >= 0 {
		expr := s[bang+1:]
		s = s[:bang]
		key, value, ok := strings.Cut(expr, "=")
		if !ok || key == "" || value == "" {
			return Scope{}, fmt.Errorf("invalid scope filter %q: want key=value", expr)
		}
		filter = &Filter{Key: key, Value: value}
	}

	action, resource, ok := strings.Cut(s, ":")
	if !ok || action == "" || resource == "" {
		return Scope{}, fmt.Errorf("invalid scope %q: want action:resource", s)
	}

	return Scope{Action: action, Resource: resource, Filter: filter}, nil
}

// MustParseScope parses a scope and panics on failure; for built-in role
// definitions only.
func MustParseScope(s string) Scope {
	scope, err := ParseScope(s)
	if err != nil {
		panic(err)
	}
	return scope
}

// ParseScopes parses a list of scope strings
func ParseScopes(raw []string) ([]Scope, error) {
	out := make([]Scope, 0, len(raw))
	for _, s := range raw {
		scope, err := ParseScope(s)
		if err != nil {
			return nil, err
		}
		out = append(out, scope)
	}
	return out, nil
}

// String returns the canonical string form of the scope
func (s Scope) String() string {
	out := s.Action + ":" + s.Resource
	if s.Filter != nil {
		out += "!" + s.Filter.Key + "=" + s.Filter.Value
	}
	return out
}

// Covers reports whether this scope grants the required action:resource
// against the concrete resource. A scope with no filter matches any
// resource for its action; a filtered scope requires attribute equality.
func (s Scope) Covers(required Scope, res Resource) bool {
	if s.Action != required.Action || s.Resource != required.Resource {
		return false
	}
	if s.Filter == nil {
		return true
	}
	return res[s.Filter.Key] == s.Filter.Value
}

// ScopeAdminAll is the wildcard scope carried by the admin role. It
// covers every action on every resource.
var ScopeAdminAll = Scope{Action: "admin", Resource: "all"}

// FilterSelf is the reserved filter value that expands to the
// requesting principal's own name at authorization time, e.g.
// "start:server!user=self".
const FilterSelf = "self"

// expandSelf resolves a self filter against the principal name
func (s Scope) expandSelf(principal string) Scope {
	if s.Filter == nil || s.Filter.Value != FilterSelf {
		return s
	}
	return Scope{
		Action:   s.Action,
		Resource: s.Resource,
		Filter:   &Filter{Key: s.Filter.Key, Value: principal},
	}
}

// Resource carries the attributes of the concrete resource being
// accessed, e.g. {"group": "class-A"} or {"user": "mal"}.
type Resource map[string]string

// ScopeSet is a deduplicated set of scopes keyed by canonical string
type ScopeSet map[string]Scope

// NewScopeSet builds a set from the given scopes
func NewScopeSet(scopes ...Scope) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		set[s.String()] = s
	}
	return set
}

// Add inserts scopes into the set
func (set ScopeSet) Add(scopes ...Scope) {
	for _, s := range scopes {
		set[s.String()] = s
	}
}

// Contains reports whether the exact scope (including filter) is present
func (set ScopeSet) Contains(s Scope) bool {
	_, ok := set[s.String()]
	return ok
}

// Strings returns the sorted canonical forms, for stable output
func (set ScopeSet) Strings() []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
