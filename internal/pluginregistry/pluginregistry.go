// Package pluginregistry is the process-wide provider registry plugins
// populate during activation: a plugin's `provides` manifest entries
// (tools, neurons, and other capability kinds) are registered here under
// (type, id) and can be looked up with Get/List. Within the runtime only
// the plugin loader writes to it; no other component reads it.
//
// Grounded directly on the reference pack's contrib/scorer.go
// RegisterScorer/GetScorer/ListScorers registry, generalized from a
// single capability kind ("scorer") to an arbitrary (type, id) key
// space, and from panic-on-duplicate (safe only from an init()) to an
// error return (this registry is mutated during a live load() call).
package pluginregistry

import (
	"sync"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

// Key identifies one registered provider.
type Key struct {
	Type string
	ID   string
}

// entry pairs a provider value with the plugin that registered it, so
// Unregister can remove exactly that plugin's entries.
type entry struct {
	pluginID string
	provider any
}

// Registry is the process-wide provider registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[Key]entry)}
}

// Register installs provider under (typ, id), attributed to pluginID.
// Returns a validation_failed error if (typ, id) is already registered
// by a different plugin.
func (r *Registry) Register(pluginID, typ, id string, provider any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key{Type: typ, ID: id}
	if existing, ok := r.entries[key]; ok && existing.pluginID != pluginID {
		return model.NewError(model.ErrValidationFailed,
			"provider (%s, %s) already registered by plugin %q", typ, id, existing.pluginID)
	}
	r.entries[key] = entry{pluginID: pluginID, provider: provider}
	return nil
}

// Get returns the provider registered under (typ, id), if any.
func (r *Registry) Get(typ, id string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[Key{Type: typ, ID: id}]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// List returns every registered key of the given type (or all types if empty).
func (r *Registry) List(typ string) []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []Key
	for k := range r.entries {
		if typ == "" || k.Type == typ {
			keys = append(keys, k)
		}
	}
	return keys
}

// UnregisterPlugin removes every entry registered by pluginID (called on unload/deactivate).
func (r *Registry) UnregisterPlugin(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		if e.pluginID == pluginID {
			delete(r.entries, key)
		}
	}
}
