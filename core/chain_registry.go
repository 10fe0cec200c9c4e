package core

import (
	"sync"

	"github.com/jabolina/qbus/types"
)

// ChainEntryKind discriminates a pending reply hook: one this node
// itself is waiting on (Response) vs. one it created while relaying a
// request for someone else (Forward).
type ChainEntryKind uint8

const (
	ChainResponse ChainEntryKind = iota
	ChainForward
)

// ChainEntry is the pending-reply hook kept for every outstanding
// chain key. A Response entry carries the local handler to
// invoke with the eventual reply. A Forward entry carries the
// original chain key and sender so a reply received under this node's
// rewritten chain key can be walked back to whoever is actually
// waiting on it. Router.Continue creates the same Forward kind, with
// the continued request's chain key and sender as the originals.
type ChainEntry struct {
	Kind ChainEntryKind

	// Response-kind fields.
	Handler types.ResponseHandler

	// Forward-kind fields: where to send the reply back to.
	OriginalChainKey string
	OriginalSender   string

	// PeerModule records the module the request was addressed to, the
	// one this entry's reply is expected from. Used by RemoveForPeer to
	// find entries orphaned when that module becomes unreachable.
	PeerModule string
}

// ChainRegistry is the thread-safe chain_key -> ChainEntry map. The
// mutex stays even though the router itself is single-threaded: a
// transport delivering frames from a worker thread touches this one
// structure before posting to the loop.
type ChainRegistry struct {
	mu      sync.Mutex
	entries map[string]ChainEntry
}

func NewChainRegistry() *ChainRegistry {
	return &ChainRegistry{entries: make(map[string]ChainEntry)}
}

// Insert records entry under chainKey, called on send/continue/forward.
func (r *ChainRegistry) Insert(chainKey string, entry ChainEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[chainKey] = entry
}

// Extract finds and removes the entry under chainKey, called on an
// incoming MSG_RES. Ownership passes to the caller.
func (r *ChainRegistry) Extract(chainKey string) (ChainEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[chainKey]
	if ok {
		delete(r.entries, chainKey)
	}
	return entry, ok
}

// RemoveForPeer extracts every entry whose recorded PeerModule is
// peerModule: when that module becomes unreachable, these entries
// would otherwise leak forever with their caller never notified.
func (r *ChainRegistry) RemoveForPeer(peerModule string) []ChainEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []ChainEntry
	for key, entry := range r.entries {
		if entry.PeerModule == peerModule {
			removed = append(removed, entry)
			delete(r.entries, key)
		}
	}
	return removed
}

// Len reports the number of pending chain entries, used by tests.
func (r *ChainRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Drain extracts every pending entry, called on router destruction so
// all of them can be freed.
func (r *ChainRegistry) Drain() []ChainEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChainEntry, 0, len(r.entries))
	for key, entry := range r.entries {
		out = append(out, entry)
		delete(r.entries, key)
	}
	return out
}
