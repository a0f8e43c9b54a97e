package serialization

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownSerializer is returned when no serializer is registered under a name
var ErrUnknownSerializer = errors.New("serialization: unknown serializer")

// Factory creates a serializer instance
type Factory func() Serializer

// Registry maps serializer type identifiers to factories
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a registry with the built-in json and yaml serializers
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.factories["json"] = func() Serializer { return NewJSONSerializer() }
	r.factories["yaml"] = func() Serializer { return NewYAMLSerializer() }
	return r
}

// Register adds a serializer factory under name
func (r *Registry) Register(name string, factory Factory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return fmt.Errorf("serializer name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("serializer factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("serializer %s already registered", key)
	}
	r.factories[key] = factory
	return nil
}

// Resolve creates the serializer registered under name
func (r *Registry) Resolve(name string) (Serializer, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "json"
	}

	r.mu.RLock()
	factory, exists := r.factories[key]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSerializer, name)
	}
	return factory(), nil
}

// IsRegistered checks if a serializer is registered under name
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[strings.ToLower(strings.TrimSpace(name))]
	return exists
}

// Names returns all registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
