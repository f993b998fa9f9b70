package plugin

import (
	"fmt"
	"sync"
)

// Factory constructs a plugin instance from its API handle and the raw
// argument map taken from the node configuration.
type Factory func(api API, args map[string]interface{}) (Plugin, error)

// Registry maps plugin type names (e.g. "input_socket") to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	kinds     map[string]Kind
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{},
		kinds:     map[string]Kind{},
	}
}

// Register adds a factory under name. Registering the same name twice
// panics; it indicates a programming error at init time.
func (r *Registry) Register(name string, kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("plugin: duplicate registration of %q", name))
	}
	r.factories[name] = f
	r.kinds[name] = kind
}

// Lookup returns the factory and kind registered under name.
func (r *Registry) Lookup(name string) (Factory, Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, 0, fmt.Errorf("unknown plugin type %q", name)
	}
	return f, r.kinds[name], nil
}

// Names returns the registered plugin type names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Default is the process-wide registry bundled plugins register into.
var Default = NewRegistry()

// Register adds a factory to the default registry.
func Register(name string, kind Kind, f Factory) {
	Default.Register(name, kind, f)
}

// Lookup resolves a plugin type in the default registry.
func Lookup(name string) (Factory, Kind, error) {
	return Default.Lookup(name)
}
