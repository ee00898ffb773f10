package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/wudi/polygate/internal/config"
)

// Adapter is the uniform contract every provider implements. Validate and
// Generate are pure functions of the immutable configuration; Generate is
// deterministic and all-or-nothing. Parse and Deploy are optional and return
// UnsupportedFeatureError where a provider has no reverse mapping or control
// plane push.
type Adapter interface {
	// Name returns the stable provider key used for registry lookup and
	// matched against Configuration.Provider.
	Name() string

	// Validate checks provider-specific preconditions beyond the generic
	// model invariants. It must be called before Generate.
	Validate(cfg *config.Configuration) error

	// Generate produces the complete native artifact as text.
	Generate(cfg *config.Configuration) (string, error)

	// Parse recovers a neutral configuration from a native artifact. Lossy
	// recovery is acceptable and logged; unsupported providers return
	// UnsupportedFeatureError.
	Parse(artifact string) (*config.Configuration, error)

	// Deploy pushes the generated artifact to the provider's control plane.
	Deploy(ctx context.Context, cfg *config.Configuration) error
}

// ValidationError indicates a configuration that passes generic model
// validation but fails a provider-specific precondition.
type ValidationError struct {
	Provider string
	Msg      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Msg)
}

// Errorf builds a ValidationError with a formatted message.
func Errorf(provider, format string, args ...interface{}) error {
	return &ValidationError{Provider: provider, Msg: fmt.Sprintf(format, args...)}
}

// UnsupportedFeatureError indicates an adapter/feature combination with no
// mapping (e.g. Parse on a generate-only provider).
type UnsupportedFeatureError struct {
	Provider string
	Feature  string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Provider, e.Feature)
}

// Registry holds adapters keyed by provider name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry from the given adapters. Duplicate names
// are a programming error and panic at construction.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Name()]; dup {
			panic(fmt.Sprintf("duplicate provider adapter: %s", a.Name()))
		}
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered under name, or an error naming the
// provider and listing what is registered.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered (registered: %v)", name, r.Names())
	}
	return a, nil
}

// Names returns all registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
