package plugin

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Entry is the registry's record for one registered plugin.
//
// The lifecycle engine owns the state field; the health supervisor owns
// the health field. The per-entry lock is defensive: level construction
// already guarantees two levels never race on the same entry.
type Entry struct {
	mu      sync.Mutex
	plugin  Plugin
	meta    Metadata
	seq     int
	state   State
	failure string
	health  HealthResult
}

func (e *Entry) Plugin() Plugin { return e.plugin }

func (e *Entry) Meta() Metadata { return e.meta }

func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetState transitions the entry unless it is already in an absorbing
// state. It reports whether the transition was applied.
func (e *Entry) SetState(s State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return false
	}
	e.state = s
	return true
}

// Fail moves the entry to Failed and records why. No-op if already terminal.
func (e *Entry) Fail(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return false
	}
	e.state = StateFailed
	e.failure = reason
	return true
}

// Skip marks the entry Skipped because a dependency failed. No-op if terminal.
func (e *Entry) Skip(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return false
	}
	e.state = StateSkipped
	e.failure = reason
	return true
}

func (e *Entry) Failure() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

func (e *Entry) SetHealth(r HealthResult) {
	e.mu.Lock()
	e.health = r
	e.mu.Unlock()
}

func (e *Entry) LastHealth() HealthResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// Registry holds all plugin entries and computes execution orders.
//
// Registration happens once at boot; after BuildGraph succeeds the graph
// and the level order are immutable and read concurrently without locking.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string // registration order
	built   bool

	// Derived by BuildGraph; immutable afterwards.
	levels     [][]string
	dependents map[string][]string // direct reverse edges
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*Entry{}}
}

// Register adds a plugin. Registration is rejected after BuildGraph, for a
// duplicate name, or for invalid metadata (empty or self-referencing).
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("register: nil plugin")
	}
	meta := p.Metadata()
	if err := meta.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.built {
		return fmt.Errorf("register %s: graph already built", meta.Name)
	}
	if _, ok := r.entries[meta.Name]; ok {
		return &DuplicateNameError{Name: meta.Name}
	}
	r.entries[meta.Name] = &Entry{
		plugin: p,
		meta:   meta,
		seq:    len(r.order),
		state:  StateRegistered,
	}
	r.order = append(r.order, meta.Name)
	return nil
}

// BuildGraph validates every declared dependency and computes the level
// order via Kahn's algorithm: each level is the set of plugins whose
// dependencies all sit in earlier levels. Within a level, plugins are
// ordered by registration so the output is deterministic.
func (r *Registry) BuildGraph() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.built {
		return nil
	}

	for _, name := range r.order {
		e := r.entries[name]
		for _, dep := range e.meta.Dependencies {
			if _, ok := r.entries[dep]; !ok {
				return &MissingDependencyError{Plugin: name, Missing: dep}
			}
		}
	}

	indeg := make(map[string]int, len(r.entries))
	dependents := make(map[string][]string, len(r.entries))
	for _, name := range r.order {
		e := r.entries[name]
		indeg[name] = len(e.meta.Dependencies)
		for _, dep := range e.meta.Dependencies {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	remaining := len(r.entries)
	var levels [][]string
	for remaining > 0 {
		var level []string
		for _, name := range r.order { // registration order keeps levels stable
			if indeg[name] == 0 {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			// Everything left has an unsatisfiable dependency: a cycle.
			var stuck []string
			for _, name := range r.order {
				if indeg[name] > 0 {
					stuck = append(stuck, name)
				}
			}
			return &DependencyCycleError{Nodes: stuck}
		}
		for _, name := range level {
			indeg[name] = -1 // removed
			for _, d := range dependents[name] {
				indeg[d]--
			}
		}
		remaining -= len(level)
		levels = append(levels, level)
	}

	r.levels = levels
	r.dependents = dependents
	r.built = true
	return nil
}

func (r *Registry) Built() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.built
}

// StartOrder returns the level sequence. The graph must be built.
func (r *Registry) StartOrder() ([][]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.built {
		return nil, fmt.Errorf("start order: graph not built")
	}
	return copyLevels(r.levels), nil
}

// StopOrder is the level sequence reversed. Within a level, stop order is
// unspecified; plugins in one level are independent by construction.
func (r *Registry) StopOrder() ([][]string, error) {
	levels, err := r.StartOrder()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
		levels[i], levels[j] = levels[j], levels[i]
	}
	return levels, nil
}

// Dependents returns every plugin that transitively depends on name,
// sorted by registration order. The graph must be built.
func (r *Registry) Dependents(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.built {
		return nil
	}

	seen := map[string]bool{}
	stack := append([]string(nil), r.dependents[name]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, r.dependents[n]...)
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return r.entries[out[i]].seq < r.entries[out[j]].seq })
	return out
}

func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns all registered plugin names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot assembles the per-plugin status surface.
func (r *Registry) Snapshot() SystemStatus {
	names := r.Names()
	out := SystemStatus{Time: time.Now(), Plugins: make([]StatusEntry, 0, len(names))}
	for _, name := range names {
		e, ok := r.Get(name)
		if !ok {
			continue
		}
		e.mu.Lock()
		out.Plugins = append(out.Plugins, StatusEntry{
			Name:    name,
			Version: e.meta.Version,
			State:   e.state.String(),
			Failure: e.failure,
			Health:  e.health,
		})
		e.mu.Unlock()
	}
	return out
}

func copyLevels(levels [][]string) [][]string {
	out := make([][]string, len(levels))
	for i, l := range levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}
