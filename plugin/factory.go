package plugin

import (
	"sort"
	"sync"
)

// Factory builds a plugin's hook set from its free-form manifest
// options.
type Factory func(options map[string]interface{}) (Hooks, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a plugin implementation available under name.
// The loader resolves discovered manifests against this table, so the
// name must match the manifest's name field. Implementations call this
// from an init function, mirroring database/sql drivers. It panics on
// nil or duplicate registration.
func RegisterFactory(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("plugin: RegisterFactory factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("plugin: RegisterFactory called twice for " + name)
	}
	factories[name] = factory
}

// RegisterHooks registers a prebuilt hook set under name, for plugins
// that need no per-manifest construction.
func RegisterHooks(name string, hooks Hooks) {
	RegisterFactory(name, func(map[string]interface{}) (Hooks, error) {
		return hooks, nil
	})
}

// Factories returns the sorted names of all registered implementations.
func Factories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}
