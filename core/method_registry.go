package core

import (
	"strings"
	"sync"

	"github.com/jabolina/qbus/types"
)

// MethodEntry is a locally registered handler: the callback itself, an
// opaque user value owned by the registry, and an optional cleanup
// hook run when the entry is replaced or the registry is torn down.
type MethodEntry struct {
	Handler   types.Handler
	UserData  interface{}
	OnRemoved func(userData interface{})
}

// MethodRegistry maps a lowercased method name to its MethodEntry, so
// dispatch is case-insensitive.
type MethodRegistry struct {
	mu      sync.Mutex
	entries map[string]MethodEntry
}

func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{entries: make(map[string]MethodEntry)}
}

// Register installs entry under lower(name). If a prior entry exists
// under the same name, its OnRemoved runs before the new one replaces
// it; a call already running against the old handler keeps its own
// reference and simply completes.
func (r *MethodRegistry) Register(name string, entry MethodEntry) {
	key := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[key]; ok && old.OnRemoved != nil {
		old.OnRemoved(old.UserData)
	}
	r.entries[key] = entry
}

// Lookup finds the entry for name, case-insensitively.
func (r *MethodRegistry) Lookup(name string) (MethodEntry, bool) {
	key := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	return entry, ok
}

// Remove explicitly unregisters name, running its OnRemoved if present.
func (r *MethodRegistry) Remove(name string) {
	key := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[key]; ok {
		if old.OnRemoved != nil {
			old.OnRemoved(old.UserData)
		}
		delete(r.entries, key)
	}
}

// Shutdown runs every entry's OnRemoved, called on router destruction.
func (r *MethodRegistry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.entries {
		if entry.OnRemoved != nil {
			entry.OnRemoved(entry.UserData)
		}
		delete(r.entries, key)
	}
}
