// Package router maps upgrade request paths to WebSocket endpoint factories.
package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"example.com/h2ws/internal/config"
	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/session"
)

// Factory creates the application endpoint for one accepted upgrade.
type Factory func() session.Endpoint

// Builder turns a route's opaque endpoint configuration into a Factory.
type Builder func(endpointConfig json.RawMessage, lg *logger.Logger) (Factory, error)

// Registry maps endpoint type names from configuration to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register associates endpointType with b. Registering a type twice is an error.
func (r *Registry) Register(endpointType string, b Builder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[endpointType]; exists {
		return fmt.Errorf("endpoint type '%s' already registered", endpointType)
	}
	r.builders[endpointType] = b
	return nil
}

// Build creates a factory for endpointType from its configuration.
func (r *Registry) Build(endpointType string, endpointConfig json.RawMessage, lg *logger.Logger) (Factory, error) {
	r.mu.RLock()
	b, ok := r.builders[endpointType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no endpoint builder registered for type '%s'", endpointType)
	}
	f, err := b(endpointConfig, lg)
	if err != nil {
		return nil, fmt.Errorf("build endpoint type '%s': %w", endpointType, err)
	}
	return f, nil
}

// Match is the route selected for a path.
type Match struct {
	Route   config.Route
	Factory Factory
}

// SelectSubprotocol returns the first of the route's subprotocols the client
// offered, or "" if there is none.
func (m *Match) SelectSubprotocol(offered []string) string {
	for _, want := range m.Route.Subprotocols {
		for _, o := range offered {
			if strings.EqualFold(strings.TrimSpace(o), want) {
				return want
			}
		}
	}
	return ""
}

type entry struct {
	route   config.Route
	factory Factory
}

// table is immutable once published.
type table struct {
	exact  map[string]*entry
	prefix []*entry // longest pattern first
}

func buildTable(entries []*entry) *table {
	t := &table{exact: make(map[string]*entry)}
	for _, e := range entries {
		switch e.route.MatchType {
		case config.MatchTypeExact:
			t.exact[e.route.PathPattern] = e
		case config.MatchTypePrefix:
			t.prefix = append(t.prefix, e)
		}
	}
	sort.SliceStable(t.prefix, func(i, j int) bool {
		return len(t.prefix[i].route.PathPattern) > len(t.prefix[j].route.PathPattern)
	})
	return t
}

func (t *table) entries() []*entry {
	out := make([]*entry, 0, len(t.exact)+len(t.prefix))
	for _, e := range t.exact {
		out = append(out, e)
	}
	return append(out, t.prefix...)
}

// Router holds the routing table. Lookups read an immutable snapshot, so they
// never block on Add or Remove.
type Router struct {
	registry *Registry
	log      *logger.Logger

	mu    sync.Mutex // serialises writers
	table atomic.Pointer[table]
}

// NewRouter builds a factory for every route up front; a route whose endpoint
// cannot be built fails construction.
func NewRouter(routes []config.Route, registry *Registry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("endpoint registry cannot be nil")
	}
	if lg == nil {
		lg = logger.Nop()
	}
	r := &Router{registry: registry, log: lg}

	entries := make([]*entry, 0, len(routes))
	for _, route := range routes {
		f, err := registry.Build(route.EndpointType, route.EndpointConfig, lg)
		if err != nil {
			return nil, fmt.Errorf("route %s (%s): %w", route.PathPattern, route.MatchType, err)
		}
		entries = append(entries, &entry{route: route, factory: f})
	}
	r.table.Store(buildTable(entries))
	return r, nil
}

// Match finds the route for path, ignoring any query string. Exact routes take
// precedence over prefix routes, and the longest prefix wins.
func (r *Router) Match(path string) (*Match, bool) {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	t := r.table.Load()
	if e, ok := t.exact[path]; ok {
		return &Match{Route: e.route, Factory: e.factory}, true
	}
	for _, e := range t.prefix {
		if strings.HasPrefix(path, e.route.PathPattern) {
			return &Match{Route: e.route, Factory: e.factory}, true
		}
	}
	return nil, false
}

// Add builds the route's endpoint from the registry and installs it, replacing
// a route with the same pattern and match type.
func (r *Router) Add(route config.Route) error {
	f, err := r.registry.Build(route.EndpointType, route.EndpointConfig, r.log)
	if err != nil {
		return fmt.Errorf("route %s (%s): %w", route.PathPattern, route.MatchType, err)
	}
	return r.Handle(route, f)
}

// Handle installs route with an explicit factory.
func (r *Router) Handle(route config.Route, f Factory) error {
	if f == nil {
		return fmt.Errorf("route %s: factory cannot be nil", route.PathPattern)
	}
	if route.MatchType != config.MatchTypeExact && route.MatchType != config.MatchTypePrefix {
		return fmt.Errorf("route %s: invalid match type '%s'", route.PathPattern, route.MatchType)
	}
	if !strings.HasPrefix(route.PathPattern, "/") {
		return fmt.Errorf("route %s: path pattern must start with '/'", route.PathPattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*entry
	for _, e := range r.table.Load().entries() {
		if e.route.PathPattern == route.PathPattern && e.route.MatchType == route.MatchType {
			continue
		}
		kept = append(kept, e)
	}
	kept = append(kept, &entry{route: route, factory: f})
	r.table.Store(buildTable(kept))
	r.log.Info("Route installed", logger.LogFields{"path_pattern": route.PathPattern, "match_type": string(route.MatchType)})
	return nil
}

// Remove deletes a route. It reports whether the route existed.
func (r *Router) Remove(pattern string, mt config.MatchType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*entry
	found := false
	for _, e := range r.table.Load().entries() {
		if e.route.PathPattern == pattern && e.route.MatchType == mt {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if found {
		r.table.Store(buildTable(kept))
		r.log.Info("Route removed", logger.LogFields{"path_pattern": pattern, "match_type": string(mt)})
	}
	return found
}

// Routes returns the installed routes, exact routes first.
func (r *Router) Routes() []config.Route {
	entries := r.table.Load().entries()
	out := make([]config.Route, len(entries))
	for i, e := range entries {
		out[i] = e.route
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MatchType != out[j].MatchType {
			return out[i].MatchType == config.MatchTypeExact
		}
		return out[i].PathPattern < out[j].PathPattern
	})
	return out
}
