package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered is returned by Resolve for unknown adapter names.
var ErrNotRegistered = errors.New("adapter not registered")

// Info describes a registered adapter.
type Info struct {
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// Registry holds the adapters available to the engine.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	def      string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds a under its own name. The first adapter registered becomes
// the default until SetDefault says otherwise.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
	if r.def == "" {
		r.def = a.Name()
	}
}

// SetDefault selects the adapter Resolve returns for an empty name.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	r.def = name
	return nil
}

// Resolve returns the adapter registered as name, or the default adapter
// when name is empty.
func (r *Registry) Resolve(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.def
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return a, nil
}

// List returns all registered adapters sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.adapters))
	for name := range r.adapters {
		infos = append(infos, Info{Name: name, Default: name == r.def})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
