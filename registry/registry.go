// Package registry implements the capability registry: an arena of
// registered capabilities plus a name-keyed index. Registration is an
// explicit API called at startup; no convention-based discovery or runtime
// reflection is involved. The registry is read-only during a turn: the
// classifier resolves capabilities once per classification and the router
// never re-resolves mid-plan.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/planmesh/core"
)

var (
	// ErrDuplicateCapability is returned when a name is registered twice.
	ErrDuplicateCapability = errors.New("capability already registered")
	// ErrNilCapability is returned when registering a nil capability.
	ErrNilCapability = errors.New("capability is nil")
)

// Registry stores capabilities by name. It implements core.Registry and is
// safe for concurrent access, though registration is expected to finish
// before the first turn starts.
type Registry struct {
	mu    sync.RWMutex
	arena []core.Capability
	index map[string]int
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{index: map[string]int{}}
}

// Register adds a capability after validating its descriptor. Duplicate names
// are an error, not a silent replace: a capability set with ambiguous names
// would make classification results meaningless.
func (r *Registry) Register(c core.Capability) error {
	if c == nil {
		return ErrNilCapability
	}
	desc := c.Descriptor()
	if err := desc.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[desc.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateCapability, desc.Name)
	}
	r.index[desc.Name] = len(r.arena)
	r.arena = append(r.arena, c)
	return nil
}

// MustRegister registers capabilities and panics on error. Intended for
// static startup wiring where a failure is a programming mistake.
func (r *Registry) MustRegister(caps ...core.Capability) {
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Get resolves a capability by name.
func (r *Registry) Get(name string) (core.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.arena[i], true
}

// Descriptors returns all registered descriptors in registration order.
func (r *Registry) Descriptors() []core.CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.CapabilityDescriptor, len(r.arena))
	for i, c := range r.arena {
		out[i] = c.Descriptor()
	}
	return out
}

// Names returns all registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.arena))
	for i, c := range r.arena {
		out[i] = c.Name()
	}
	return out
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.arena)
}
