package runtime

import (
	"fmt"
	"sort"
)

// Registry holds the agent runtimes of one process, keyed by agent name.
type Registry struct {
	runtimes map[string]*Runtime
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]*Runtime)}
}

// Register adds rt. Registering a name twice is an error.
func (r *Registry) Register(rt *Runtime) error {
	if _, ok := r.runtimes[rt.Name()]; ok {
		return fmt.Errorf("agent %q already registered", rt.Name())
	}
	r.runtimes[rt.Name()] = rt
	return nil
}

// Get returns the runtime for an agent.
func (r *Registry) Get(name string) (*Runtime, bool) {
	rt, ok := r.runtimes[name]
	return rt, ok
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns the registered runtimes in name order.
func (r *Registry) All() []*Runtime {
	names := r.Names()
	out := make([]*Runtime, 0, len(names))
	for _, name := range names {
		out = append(out, r.runtimes[name])
	}
	return out
}
