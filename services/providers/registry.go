package providers

import (
	"errors"
	"fmt"
	"sync"

	"github.com/upb/inference-gateway/services"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = services.ErrProviderNotFound

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

type entry struct {
	descriptor Descriptor
	provider   Provider
}

// Registry holds providers in declaration order. It is built once at start
// and passed explicitly to whoever needs it.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	index   map[string]int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[string]int),
	}
}

// Register adds a provider with its descriptor. Declaration order is the
// order of Register calls.
func (r *Registry) Register(desc Descriptor, provider Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}
	if desc.Name == "" {
		return errors.New("provider name cannot be empty")
	}
	if provider.Name() != desc.Name {
		return fmt.Errorf("provider name %q does not match descriptor %q", provider.Name(), desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyRegistered, desc.Name)
	}
	r.index[desc.Name] = len(r.entries)
	r.entries = append(r.entries, entry{descriptor: desc, provider: provider})
	return nil
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, exists := r.index[name]
	if !exists {
		return nil, services.NewDomainError(services.ErrorTypeNotFound, "provider not found", nil).
			WithDetail("provider", name)
	}
	return r.entries[i].provider, nil
}

// Descriptor returns the descriptor of a provider
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, exists := r.index[name]
	if !exists {
		return Descriptor{}, false
	}
	return r.entries[i].descriptor, true
}

// Descriptors returns a copy of all descriptors in declaration order
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.descriptor
	}
	return out
}

// Names returns provider names in declaration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.descriptor.Name
	}
	return names
}

// Len returns the number of registered providers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Builder creates a provider from its descriptor.
type Builder func(desc Descriptor) (Provider, error)

// Build registers one provider per descriptor, using the builder for the
// descriptor's Kind. Order is preserved.
func Build(descs []Descriptor, builders map[string]Builder) (*Registry, error) {
	registry := NewRegistry()
	for _, desc := range descs {
		if err := desc.Validate(); err != nil {
			return nil, err
		}
		builder, ok := builders[desc.Kind]
		if !ok {
			return nil, fmt.Errorf("no builder for provider kind %q", desc.Kind)
		}
		provider, err := builder(desc)
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %s: %w", desc.Name, err)
		}
		if err := registry.Register(desc, provider); err != nil {
			return nil, fmt.Errorf("failed to register provider %s: %w", desc.Name, err)
		}
	}
	return registry, nil
}
