package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the validated descriptors the server can launch.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Descriptor
}

// NewRegistry starts from the built-ins and applies each layer in order. A
// layer entry naming an existing agent is merged over it; others are added.
func NewRegistry(layers ...map[string]Descriptor) (*Registry, error) {
	agents := Builtins()
	for _, layer := range layers {
		names := make([]string, 0, len(layer))
		for name := range layer {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			override := layer[name]
			if override.Name == "" {
				override.Name = name
			}
			if existing, ok := agents[override.Name]; ok {
				agents[override.Name] = existing.Merge(override)
				continue
			}
			agents[override.Name] = override
		}
	}
	for name, descriptor := range agents {
		if err := descriptor.Validate(); err != nil {
			return nil, fmt.Errorf("agent %q: %w", name, err)
		}
	}
	return &Registry{agents: agents}, nil
}

// Get returns a copy of the descriptor for name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	r.mu.RLock()
	descriptor, ok := r.agents[name]
	r.mu.RUnlock()
	return descriptor, ok
}

// Put validates and installs a descriptor, replacing one of the same name.
func (r *Registry) Put(descriptor Descriptor) error {
	if err := descriptor.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.agents[descriptor.Name] = descriptor
	r.mu.Unlock()
	return nil
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Snapshot returns every descriptor in name order.
func (r *Registry) Snapshot() []Descriptor {
	names := r.Names()
	out := make([]Descriptor, 0, len(names))
	r.mu.RLock()
	for _, name := range names {
		out = append(out, r.agents[name])
	}
	r.mu.RUnlock()
	return out
}
