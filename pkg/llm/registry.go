package llm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrProviderNotFound indicates the requested provider is not active.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrFactoryNotFound indicates no factory is registered for the name.
	ErrFactoryNotFound = errors.New("provider factory not found")

	// ErrNoDefaultProvider indicates no provider has been activated yet.
	ErrNoDefaultProvider = errors.New("no default provider configured")
)

// Factory builds a provider from deployment configuration. Factories are
// registered once at startup; providers are activated when credentials
// become available and re-activated when they change.
type Factory func(cfg Config) (Provider, error)

// Registry tracks provider factories and the currently active providers.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]Provider),
	}
}

// RegisterFactory makes a provider constructible under the given name.
func (r *Registry) RegisterFactory(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("factory name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("factory already registered: %s", name)
	}
	r.factories[name] = factory
	return nil
}

// Activate builds the named provider from cfg and makes it available.
// Re-activating replaces the previous instance, which is how credential
// changes take effect without a restart. The first activated provider
// becomes the default.
func (r *Registry) Activate(name string, cfg Config) (Provider, error) {
	r.mu.Lock()
	factory, ok := r.factories[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFactoryNotFound, name)
	}

	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("activating provider %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	if r.defaultName == "" {
		r.defaultName = name
	}
	return p, nil
}

// ActivateWithRetry activates a provider and wraps it with retry logic.
func (r *Registry) ActivateWithRetry(name string, cfg Config, retry RetryConfig) (Provider, error) {
	p, err := r.Activate(name, cfg)
	if err != nil {
		return nil, err
	}

	wrapped := NewRetryableProvider(p, retry)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = wrapped
	return wrapped, nil
}

// Get returns an active provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// GetDefault returns the default provider.
func (r *Registry) GetDefault() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaultName == "" {
		return nil, ErrNoDefaultProvider
	}
	return r.providers[r.defaultName], nil
}

// SetDefault changes the default provider.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	r.defaultName = name
	return nil
}

// List returns the names of active providers, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListFactories returns the registered factory names, sorted.
func (r *Registry) ListFactories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deactivate removes an active provider. Removing the default leaves no
// default until SetDefault is called or another provider is activated.
func (r *Registry) Deactivate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	delete(r.providers, name)
	if r.defaultName == name {
		r.defaultName = ""
		for n := range r.providers {
			r.defaultName = n
			break
		}
	}
	return nil
}

// globalRegistry backs the package-level convenience functions.
var globalRegistry = NewRegistry()

// RegisterFactory registers a factory in the global registry.
func RegisterFactory(name string, factory Factory) error {
	return globalRegistry.RegisterFactory(name, factory)
}

// Activate activates a provider in the global registry.
func Activate(name string, cfg Config) (Provider, error) {
	return globalRegistry.Activate(name, cfg)
}

// Get returns an active provider from the global registry.
func Get(name string) (Provider, error) { return globalRegistry.Get(name) }

// GetDefault returns the global default provider.
func GetDefault() (Provider, error) { return globalRegistry.GetDefault() }

// SetDefault changes the global default provider.
func SetDefault(name string) error { return globalRegistry.SetDefault(name) }

// List returns active provider names from the global registry.
func List() []string { return globalRegistry.List() }

// Deactivate removes a provider from the global registry.
func Deactivate(name string) error { return globalRegistry.Deactivate(name) }
