package qbus

import "sync"

// OnChangeFunc is fired whenever the set of reachable modules changes.
// Callbacks receive a freshly built, owned copy of the node name list
// and must not mutate the router.
type OnChangeFunc func(nodes []string)

type observerEntry struct {
	callback OnChangeFunc
	userPtr  interface{}
}

// observerList is the list of (callback, user_ptr) pairs notified on
// every topology change; many listeners may care about the same event.
type observerList struct {
	mu      sync.Mutex
	entries []observerEntry
}

func newObserverList() *observerList {
	return &observerList{}
}

func (o *observerList) add(cb OnChangeFunc, userPtr interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, observerEntry{callback: cb, userPtr: userPtr})
}

func (o *observerList) fire(nodes []string) {
	o.mu.Lock()
	snapshot := make([]observerEntry, len(o.entries))
	copy(snapshot, o.entries)
	o.mu.Unlock()

	for _, e := range snapshot {
		cp := make([]string, len(nodes))
		copy(cp, nodes)
		e.callback(cp)
	}
}
