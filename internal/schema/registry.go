package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// Provider builds a schema. Registered providers run lazily, at most once.
type Provider func() *jsonschema.Schema

// Registry maps names such as "mcp.ask_agent" to lazily built schemas.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]func() *jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]func() *jsonschema.Schema{}}
}

var defaultRegistry = NewRegistry()

func (r *Registry) Register(name string, provider Provider) error {
	name = normalizeName(name)
	if name == "" {
		return fmt.Errorf("schema name is required")
	}
	if provider == nil {
		return fmt.Errorf("schema %q: provider is required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("schema %q already registered", name)
	}
	r.entries[name] = sync.OnceValue(func() *jsonschema.Schema { return provider() })
	return nil
}

func (r *Registry) Resolve(name string) (*jsonschema.Schema, error) {
	key := normalizeName(name)
	r.mu.RLock()
	build, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return build(), nil
}

// Names lists registered names, optionally limited to a dotted prefix.
func (r *Registry) Names(prefix string) []string {
	prefix = normalizeName(prefix)
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Register adds provider to the process-wide registry. Packages call it
// from init.
func Register(name string, provider Provider) error {
	return defaultRegistry.Register(name, provider)
}

func Resolve(name string) (*jsonschema.Schema, error) {
	return defaultRegistry.Resolve(name)
}

// MustResolve is Resolve for names registered at init time.
func MustResolve(name string) *jsonschema.Schema {
	s, err := defaultRegistry.Resolve(name)
	if err != nil {
		panic(err)
	}
	return s
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
