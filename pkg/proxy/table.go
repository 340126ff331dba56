package proxy

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrRouteConflict is returned when a prefix is added with a different
// target than the one it already routes to.
var ErrRouteConflict = errors.New("route prefix already in use")

// Route is one entry in the desired routing table. Pending means the
// proxy has not yet acknowledged the entry; the reconciler retries
// pending routes until they stick.
type Route struct {
	Prefix     string    `json:"prefix"`
	Target     string    `json:"target"`
	Pending    bool      `json:"pending"`
	LastSynced time.Time `json:"last_synced,omitempty"`
}

// Table is the hub's desired routing state. The proxy's actual state
// converges toward it through sync calls and reconciliation.
type Table struct {
	mu     sync.RWMutex
	routes map[string]*Route
}

// NewTable creates an empty routing table
func NewTable() *Table {
	return &Table{routes: make(map[string]*Route)}
}

// Set records the desired route. Adding an existing prefix with the
// same target is a no-op; a different target is ErrRouteConflict.
func (t *Table) Set(prefix, target string) (*Route, error) {
	prefix = NormalizePrefix(prefix)
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.routes[prefix]; ok {
		if existing.Target == target {
			cp := *existing
			return &cp, nil
		}
		return nil, ErrRouteConflict
	}

	route := &Route{Prefix: prefix, Target: target, Pending: true}
	t.routes[prefix] = route
	cp := *route
	return &cp, nil
}

// Delete removes the desired route. Deleting an absent prefix is a
// no-op so removal stays idempotent.
func (t *Table) Delete(prefix string) {
	prefix = NormalizePrefix(prefix)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, prefix)
}

// Get returns the route for the prefix
func (t *Table) Get(prefix string) (*Route, bool) {
	prefix = NormalizePrefix(prefix)
	t.mu.RLock()
	defer t.mu.RUnlock()
	route, ok := t.routes[prefix]
	if !ok {
		return nil, false
	}
	cp := *route
	return &cp, true
}

// List returns a snapshot of the table sorted by prefix
func (t *Table) List() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Route, 0, len(t.routes))
	for _, route := range t.routes {
		cp := *route
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// Pending returns the routes the proxy has not acknowledged yet
func (t *Table) Pending() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Route
	for _, route := range t.routes {
		if route.Pending {
			cp := *route
			out = append(out, &cp)
		}
	}
	return out
}

// MarkSynced clears the pending flag after a proxy ack. The target
// guard drops stale acks that raced with a route change.
func (t *Table) MarkSynced(prefix, target string) {
	prefix = NormalizePrefix(prefix)
	t.mu.Lock()
	defer t.mu.Unlock()
	if route, ok := t.routes[prefix]; ok && route.Target == target {
		route.Pending = false
		route.LastSynced = time.Now()
	}
}

// MarkPending flags a route for re-sync, used when the reconciler
// finds the proxy disagreeing with the table.
func (t *Table) MarkPending(prefix string) {
	prefix = NormalizePrefix(prefix)
	t.mu.Lock()
	defer t.mu.Unlock()
	if route, ok := t.routes[prefix]; ok {
		route.Pending = true
	}
}

// Len returns the number of desired routes
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// NormalizePrefix guarantees leading and trailing slashes so prefix
// comparison is exact.
func NormalizePrefix(prefix string) string {
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
