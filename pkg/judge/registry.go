package judge

import (
	"fmt"
	"sort"
	"sync"

	grindererrors "github.com/tombee/grinder/pkg/errors"
)

// Registry holds the available judge adapters. Registration order is
// preserved: capability resolution and URL matching walk adapters in the
// order they were registered, which makes tie-breaking deterministic
// across restarts.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
	fallback string
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter under its Name. Registering an empty name or a
// duplicate is an error. The first adapter registered becomes the default
// until SetDefault overrides it.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter cannot be nil")
	}
	name := a.Name()
	if name == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	if r.fallback == "" {
		r.fallback = name
	}
	return nil
}

// Get retrieves an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, &grindererrors.NotFoundError{Resource: "adapter", ID: name}
	}
	return a, nil
}

// Default returns the default adapter, normally the first one registered.
func (r *Registry) Default() (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.fallback == "" {
		return nil, fmt.Errorf("no adapters registered")
	}
	return r.adapters[r.fallback], nil
}

// SetDefault changes which adapter Default returns.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[name]; !ok {
		return &grindererrors.NotFoundError{Resource: "adapter", ID: name}
	}
	r.fallback = name
	return nil
}

// List returns registered adapter names sorted alphabetically.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered adapters in registration order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// ByCapability returns the first registered adapter declaring the
// capability, or an error naming the capability when none does.
func (r *Registry) ByCapability(c Capability) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		if Has(r.adapters[name], c) {
			return r.adapters[name], nil
		}
	}
	return nil, &grindererrors.NotFoundError{Resource: "adapter with capability", ID: string(c)}
}

// WithCapability returns every registered adapter declaring the
// capability, in registration order.
func (r *Registry) WithCapability(c Capability) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Adapter
	for _, name := range r.order {
		if Has(r.adapters[name], c) {
			out = append(out, r.adapters[name])
		}
	}
	return out
}

// Resolve returns the named adapter, or when name is empty the first
// registered adapter carrying the capability. Callers that already have an
// explicit adapter hint use this to keep the hint authoritative.
func (r *Registry) Resolve(name string, c Capability) (Adapter, error) {
	if name != "" {
		a, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		if !Has(a, c) {
			return nil, fmt.Errorf("adapter %q does not support %s", name, c)
		}
		return a, nil
	}
	return r.ByCapability(c)
}

// MatchURL returns the first registered adapter claiming the URL via
// URLMatcher, or an error when none claims it.
func (r *Registry) MatchURL(raw string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		if m, ok := r.adapters[name].(URLMatcher); ok && m.SupportsURL(raw) {
			return r.adapters[name], nil
		}
	}
	return nil, &grindererrors.NotFoundError{Resource: "adapter for URL", ID: raw}
}

// Unregister removes an adapter. Removing the default promotes the next
// registered adapter to default.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[name]; !ok {
		return &grindererrors.NotFoundError{Resource: "adapter", ID: name}
	}
	delete(r.adapters, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.fallback == name {
		r.fallback = ""
		if len(r.order) > 0 {
			r.fallback = r.order[0]
		}
	}
	return nil
}

// globalRegistry is the default registry used by package-level functions.
var globalRegistry = NewRegistry()

// Register adds an adapter to the global registry.
func Register(a Adapter) error { return globalRegistry.Register(a) }

// Get retrieves an adapter from the global registry.
func Get(name string) (Adapter, error) { return globalRegistry.Get(name) }

// Default returns the global registry's default adapter.
func Default() (Adapter, error) { return globalRegistry.Default() }

// SetDefault changes the global registry's default adapter.
func SetDefault(name string) error { return globalRegistry.SetDefault(name) }

// List returns adapter names registered globally, sorted.
func List() []string { return globalRegistry.List() }

// All returns globally registered adapters in registration order.
func All() []Adapter { return globalRegistry.All() }

// ByCapability resolves a capability against the global registry.
func ByCapability(c Capability) (Adapter, error) { return globalRegistry.ByCapability(c) }

// WithCapability lists global adapters carrying the capability.
func WithCapability(c Capability) []Adapter { return globalRegistry.WithCapability(c) }

// Resolve resolves a name-or-capability request against the global registry.
func Resolve(name string, c Capability) (Adapter, error) { return globalRegistry.Resolve(name, c) }

// MatchURL matches a URL against the global registry.
func MatchURL(raw string) (Adapter, error) { return globalRegistry.MatchURL(raw) }

// Unregister removes an adapter from the global registry.
func Unregister(name string) error { return globalRegistry.Unregister(name) }
