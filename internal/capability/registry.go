// Package capability maps capability names to the service instance currently providing
// them.
//
// Access is serialized per name: the registry is split into shards keyed by a hash of
// the name, and an operation locks exactly the shards of the names it touches in
// ascending shard order. Unrelated names proceed in parallel.
package capability

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
	"github.com/anvil-platform/anvil-mgmt/internal/graph"
	"github.com/anvil-platform/anvil-mgmt/internal/service"
)

const shardCount = 32

// Registration is the current binding of one capability name.
type Registration struct {
	Name     string
	Identity service.Identity
	// Requires lists the capability names this registration was resolved against.
	Requires []string
}

type entry struct {
	identity   service.Identity
	requires   sets.Set[string]
	dependents sets.Set[string]
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Registry is the process-scoped capability map. The zero value is not usable; call New.
type Registry struct {
	shards [shardCount]*shard
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return r
}

// Register binds name to id. Every name in requires must already be registered, which
// keeps registration edges acyclic by construction.
func (r *Registry) Register(name string, id service.Identity, requires ...string) error {
	if name == "" {
		return fmt.Errorf("%w: empty capability name", errdefs.ErrUnresolvedCapability)
	}
	reqs := sets.New(requires...)
	if reqs.Has(name) {
		return fmt.Errorf("%w: capability %q requires itself", errdefs.ErrCyclicDependency, name)
	}

	unlock := r.lock(append([]string{name}, requires...)...)
	defer unlock()

	if _, exists := r.get(name); exists {
		return fmt.Errorf("%w: %s", errdefs.ErrDuplicateCapability, name)
	}
	if missing := r.missing(reqs); len(missing) > 0 {
		return fmt.Errorf("%w: %s (required by %s)", errdefs.ErrUnresolvedCapability, strings.Join(missing, ", "), name)
	}

	r.put(name, &entry{identity: id, requires: reqs, dependents: sets.New[string]()})
	for req := range reqs {
		e, _ := r.get(req)
		e.dependents.Insert(name)
	}
	return nil
}

// Resolve returns the identity currently registered under name.
func (r *Registry) Resolve(name string) (service.Identity, error) {
	s := r.shardFor(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return service.Identity{}, fmt.Errorf("%w: %s", errdefs.ErrUnresolvedCapability, name)
	}
	return e.identity, nil
}

// Unregister removes name. It never cascades: while any registration still requires
// name it fails with ErrDependentStillRegistered and leaves the registry unchanged.
func (r *Registry) Unregister(name string) error {
	for {
		requires, ok := r.requiresOf(name)
		if !ok {
			return fmt.Errorf("%w: %s", errdefs.ErrUnresolvedCapability, name)
		}

		unlock := r.lock(append([]string{name}, requires...)...)
		e, ok := r.get(name)
		if !ok {
			unlock()
			return fmt.Errorf("%w: %s", errdefs.ErrUnresolvedCapability, name)
		}
		if !e.requires.Equal(sets.New(requires...)) {
			// Replaced between the read and the lock; the locked shard set is stale.
			unlock()
			continue
		}
		if e.dependents.Len() > 0 {
			unlock()
			return fmt.Errorf("%w: %s is required by %s", errdefs.ErrDependentStillRegistered, name, strings.Join(sets.List(e.dependents), ", "))
		}
		for req := range e.requires {
			if dep, ok := r.get(req); ok {
				dep.dependents.Delete(name)
			}
		}
		r.delete(name)
		unlock()
		return nil
	}
}

// Replace rebinds an existing name to a new identity and requirement set, keeping its
// dependents. It is the restart path: dependents never observe the name unregistered.
//
// Replace holds every shard while it checks the new edges for cycles.
func (r *Registry) Replace(name string, id service.Identity, requires ...string) error {
	reqs := sets.New(requires...)
	if reqs.Has(name) {
		return fmt.Errorf("%w: capability %q requires itself", errdefs.ErrCyclicDependency, name)
	}

	unlock := r.lockAll()
	defer unlock()

	e, ok := r.get(name)
	if !ok {
		return fmt.Errorf("%w: %s", errdefs.ErrUnresolvedCapability, name)
	}
	if missing := r.missing(reqs); len(missing) > 0 {
		return fmt.Errorf("%w: %s (required by %s)", errdefs.ErrUnresolvedCapability, strings.Join(missing, ", "), name)
	}
	g := r.graphLocked()
	for req := range reqs {
		if g.HasPath(req, name) {
			return fmt.Errorf("%w: %s -> %s -> ... -> %s", errdefs.ErrCyclicDependency, name, req, name)
		}
	}

	for req := range e.requires.Difference(reqs) {
		if dep, ok := r.get(req); ok {
			dep.dependents.Delete(name)
		}
	}
	for req := range reqs {
		dep, _ := r.get(req)
		dep.dependents.Insert(name)
	}
	e.identity = id
	e.requires = reqs
	return nil
}

// Get returns the registration of name, if any.
func (r *Registry) Get(name string) (Registration, bool) {
	s := r.shardFor(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return Registration{}, false
	}
	return Registration{Name: name, Identity: e.identity, Requires: sets.List(e.requires)}, true
}

// Dependents returns the sorted names of registrations requiring name.
func (r *Registry) Dependents(name string) []string {
	s := r.shardFor(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[name]; ok {
		return sets.List(e.dependents)
	}
	return nil
}

// Snapshot returns every registration sorted by name.
func (r *Registry) Snapshot() []Registration {
	unlock := r.rlockAll()
	defer unlock()

	out := make([]Registration, 0)
	for _, s := range r.shards {
		for name, e := range s.entries {
			out = append(out, Registration{Name: name, Identity: e.identity, Requires: sets.List(e.requires)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clear drops every registration and returns how many there were. Reload uses it after
// every service has stopped.
func (r *Registry) Clear() int {
	unlock := r.lockAll()
	defer unlock()
	n := 0
	for _, s := range r.shards {
		n += len(s.entries)
		s.entries = make(map[string]*entry)
	}
	return n
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Graph returns the requirement edges between registered names.
func (r *Registry) Graph() *graph.DependencyGraph {
	unlock := r.rlockAll()
	defer unlock()
	return r.graphLocked()
}

func (r *Registry) graphLocked() *graph.DependencyGraph {
	g := graph.New()
	for _, s := range r.shards {
		for name, e := range s.entries {
			g.AddNode(name)
			for req := range e.requires {
				g.AddEdge(name, req)
			}
		}
	}
	return g
}

func (r *Registry) requiresOf(name string) ([]string, bool) {
	s := r.shardFor(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	return sets.List(e.requires), true
}

// missing must be called with the shards of names locked.
func (r *Registry) missing(names sets.Set[string]) []string {
	var out []string
	for _, n := range sets.List(names) {
		if _, ok := r.get(n); !ok {
			out = append(out, n)
		}
	}
	return out
}

func (r *Registry) get(name string) (*entry, bool) {
	e, ok := r.shardFor(name).entries[name]
	return e, ok
}

func (r *Registry) put(name string, e *entry) {
	r.shardFor(name).entries[name] = e
}

func (r *Registry) delete(name string) {
	delete(r.shardFor(name).entries, name)
}

func (r *Registry) shardFor(name string) *shard {
	return r.shards[shardIndex(name)]
}

func shardIndex(name string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32() % shardCount)
}

// lock write-locks the shards of names in ascending index order and returns the unlock.
func (r *Registry) lock(names ...string) func() {
	idx := sets.New[int]()
	for _, n := range names {
		idx.Insert(shardIndex(n))
	}
	order := sets.List(idx)
	for _, i := range order {
		r.shards[i].mu.Lock()
	}
	return func() {
		for i := len(order) - 1; i >= 0; i-- {
			r.shards[order[i]].mu.Unlock()
		}
	}
}

func (r *Registry) lockAll() func() {
	for _, s := range r.shards {
		s.mu.Lock()
	}
	return func() {
		for i := len(r.shards) - 1; i >= 0; i-- {
			r.shards[i].mu.Unlock()
		}
	}
}

func (r *Registry) rlockAll() func() {
	for _, s := range r.shards {
		s.mu.RLock()
	}
	return func() {
		for i := len(r.shards) - 1; i >= 0; i-- {
			r.shards[i].mu.RUnlock()
		}
	}
}
