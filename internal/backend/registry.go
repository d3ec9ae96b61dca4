package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownBackend is returned when no backend is registered for a kind.
var ErrUnknownBackend = errors.New("unknown backend kind")

// Info pairs a backend kind with its capabilities.
type Info struct {
	Kind         string       `json:"kind"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry maps worker backend kinds to backend implementations.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend under the given kind, replacing any previous one.
func (r *Registry) Register(kind string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[kind] = b
}

// Resolve returns the backend registered for kind.
func (r *Registry) Resolve(kind string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
	return b, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// List returns information about all registered backends, sorted by kind
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.backends))
	for kind, b := range r.backends {
		infos = append(infos, Info{
			Kind:         kind,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}
