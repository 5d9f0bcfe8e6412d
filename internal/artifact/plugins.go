package artifact

import (
	"fmt"
	"sync"
)

// PluginRegistry is an in-process PluginManager. Plugins register by name at
// wiring time; resolution is safe for concurrent use.
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewPluginRegistry creates an empty registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{plugins: make(map[string]Plugin)}
}

// RegisterPlugin adds a plugin under name, replacing any previous entry.
func (r *PluginRegistry) RegisterPlugin(name string, p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[name] = p
}

// GetPlugin implements PluginManager.
func (r *PluginRegistry) GetPlugin(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return p, nil
}

// Plugins returns the registered plugin names.
func (r *PluginRegistry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	return names
}
