package store

import (
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures a store backend.
type Config struct {
	Type string `toml:"type" mapstructure:"type"` // sqlite | postgres
	DSN  string `toml:"dsn" mapstructure:"dsn"`   // path for sqlite, conninfo for postgres
}

// Builder creates a store from config.
type Builder func(config Config) (Store, error)

// Factory maps backend type names to builders. Backend subpackages register
// themselves via Register at init.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

var globalFactory = &Factory{builders: make(map[string]Builder)}

// Register adds a backend builder to the global factory.
func Register(storeType string, builder Builder) {
	globalFactory.mu.Lock()
	defer globalFactory.mu.Unlock()
	globalFactory.builders[storeType] = builder
}

// Open creates a store for the configured backend type.
func Open(config Config) (Store, error) {
	globalFactory.mu.RLock()
	b, ok := globalFactory.builders[config.Type]
	globalFactory.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported store type %q (supported: %v)", config.Type, SupportedTypes())
	}
	return b(config)
}

// SupportedTypes returns registered backend names, sorted.
func SupportedTypes() []string {
	globalFactory.mu.RLock()
	defer globalFactory.mu.RUnlock()
	out := make([]string, 0, len(globalFactory.builders))
	for t := range globalFactory.builders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
