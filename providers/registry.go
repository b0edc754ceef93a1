package providers

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/llmhive/llmhive/core"
)

// Factory creates a backend adapter from its configuration.
type Factory interface {
	// Create builds an adapter for the given backend configuration.
	Create(cfg core.BackendConfig, logger core.Logger) (core.ProviderClient, error)

	// DetectEnvironment reports whether the backend is usable with the
	// current environment (API key present etc.) and its preference order.
	DetectEnvironment() (priority int, available bool)

	// Name returns the backend name this factory serves.
	Name() string
}

// Registry manages registered backend factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var registry = &Registry{factories: make(map[string]Factory)}

// Register registers a backend factory. Typically called from init()
// functions in adapter files.
func Register(factory Factory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	name := factory.Name()
	if name == "" {
		return fmt.Errorf("factory.Name() cannot be empty")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.factories[name]; exists {
		return fmt.Errorf("backend '%s' already registered", name)
	}
	registry.factories[name] = factory
	return nil
}

// MustRegister registers a factory and panics on error.
func MustRegister(factory Factory) {
	if err := Register(factory); err != nil {
		panic(fmt.Sprintf("failed to register backend: %v", err))
	}
}

// Get retrieves a registered factory by backend name.
func Get(name string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	f, ok := registry.factories[name]
	return f, ok
}

// List returns all registered backend names, sorted.
func List() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DetectAvailable returns the names of backends that report themselves
// usable in the current environment, highest priority first.
func DetectAvailable() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	type candidate struct {
		name     string
		priority int
	}
	var found []candidate
	for name, f := range registry.factories {
		if priority, ok := f.DetectEnvironment(); ok {
			found = append(found, candidate{name, priority})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].priority != found[j].priority {
			return found[i].priority > found[j].priority
		}
		return found[i].name < found[j].name
	})

	names := make([]string, len(found))
	for i, c := range found {
		names[i] = c.name
	}
	return names
}

// apiKeyFromEnv resolves a backend's API key, preferring the configured
// env var name over the conventional default.
func apiKeyFromEnv(cfg core.BackendConfig, defaultEnv string) string {
	if cfg.APIKeyEnv != "" {
		if v := os.Getenv(cfg.APIKeyEnv); v != "" {
			return v
		}
	}
	return os.Getenv(defaultEnv)
}
