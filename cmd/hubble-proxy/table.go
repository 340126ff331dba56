package main

import (
	"strings"
	"sync"
)

// routeTable maps URL prefixes to upstream targets. The default target,
// when set, serves as the "/" route and backs everything no other
// prefix claims.
type routeTable struct {
	mu     sync.RWMutex
	routes map[string]string
}

func newRouteTable(defaultTarget string) *routeTable {
	t := &routeTable{routes: make(map[string]string)}
	if defaultTarget != "" {
		t.routes["/"] = defaultTarget
	}
	return t
}

func (t *routeTable) set(prefix, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[prefix] = target
}

func (t *routeTable) delete(prefix string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[prefix]; !ok {
		return false
	}
	delete(t.routes, prefix)
	return true
}

func (t *routeTable) snapshot() map[string]map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]map[string]string, len(t.routes))
	for prefix, target := range t.routes {
		out[prefix] = map[string]string{"target": target}
	}
	return out
}

// match returns the target of the longest prefix covering the path, or
// an empty string when nothing matches.
func (t *routeTable) match(path string) string {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	best, target := -1, ""
	for prefix, tgt := range t.routes {
		if strings.HasPrefix(path, prefix) && len(prefix) > best {
			best, target = len(prefix), tgt
		}
	}
	return target
}
