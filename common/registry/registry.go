package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dipeo/dipeo/common/dipeoerr"
)

// ServiceKey is a nominal typed key. The type parameter pins the concrete
// service type at the call site; no string lookups cross package
// boundaries.
type ServiceKey[T any] struct {
	name string
}

// NewKey creates a typed key. Keys are compared by name, so two keys with
// the same name address the same slot.
func NewKey[T any](name string) ServiceKey[T] {
	return ServiceKey[T]{name: name}
}

// Name returns the key's diagnostic name.
func (k ServiceKey[T]) Name() string { return k.name }

type entry struct {
	instance any
	factory  func() (any, error)
	built    bool
}

// Registry is a typed key -> service container. Append-mostly at startup,
// read-only during execution except through CreateChild. A child inherits
// the parent and may override entries; overrides never propagate back.
type Registry struct {
	mu       sync.RWMutex
	parent   *Registry
	entries  map[string]*entry
	resolved map[string]bool
}

// New creates an empty root registry.
func New() *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		resolved: make(map[string]bool),
	}
}

// CreateChild returns a copy-on-write child scope. Lookups fall back to
// the parent on miss.
func (r *Registry) CreateChild() *Registry {
	child := New()
	child.parent = r
	return child
}

// Register binds an instance to a typed key.
func Register[T any](r *Registry, key ServiceKey[T], instance T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key.name] = &entry{instance: instance, built: true}
}

// RegisterFactory binds a lazily materialized service. The factory runs at
// most once, on first resolve.
func RegisterFactory[T any](r *Registry, key ServiceKey[T], factory func() (T, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key.name] = &entry{factory: func() (any, error) { return factory() }}
}

// Resolve returns the service for a key, materializing factories once.
// A missing key yields a ServiceResolutionError naming the key.
func Resolve[T any](r *Registry, key ServiceKey[T]) (T, error) {
	var zero T

	reg, e := r.lookup(key.name)
	if e == nil {
		return zero, dipeoerr.ServiceResolution(key.name)
	}

	reg.mu.Lock()
	if !e.built {
		instance, err := e.factory()
		if err != nil {
			reg.mu.Unlock()
			return zero, fmt.Errorf("materialize service %s: %w", key.name, err)
		}
		e.instance = instance
		e.built = true
	}
	instance := e.instance
	reg.mu.Unlock()

	r.mu.Lock()
	r.resolved[key.name] = true
	r.mu.Unlock()

	typed, ok := instance.(T)
	if !ok {
		return zero, fmt.Errorf("service %s has type %T, not the key's type", key.name, instance)
	}
	return typed, nil
}

// MustResolve panics on resolution failure. For wiring code only.
func MustResolve[T any](r *Registry, key ServiceKey[T]) T {
	v, err := Resolve(r, key)
	if err != nil {
		panic(err)
	}
	return v
}

// Has reports whether a key is registered in this scope or any parent.
func Has[T any](r *Registry, key ServiceKey[T]) bool {
	_, e := r.lookup(key.name)
	return e != nil
}

// lookup walks the scope chain and returns the owning registry and entry.
func (r *Registry) lookup(name string) (*Registry, *entry) {
	for reg := r; reg != nil; reg = reg.parent {
		reg.mu.RLock()
		e, ok := reg.entries[name]
		reg.mu.RUnlock()
		if ok {
			return reg, e
		}
	}
	return nil, nil
}

// ReportUnused returns registered key names that were never resolved
// through this scope, sorted. Diagnostic for startup wiring.
func (r *Registry) ReportUnused() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var unused []string
	for name := range r.entries {
		if !r.resolved[name] {
			unused = append(unused, name)
		}
	}
	sort.Strings(unused)
	return unused
}
