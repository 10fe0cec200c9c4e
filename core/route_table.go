package core

import (
	"sync"

	"github.com/jabolina/qbus/types"
)

// RouteTable maintains module_name -> Connection, the single preferred
// outbound connection to use for each currently reachable module.
//
// Modified only from the router's event loop; the mutex exists so
// senders on other goroutines can read it concurrently with loop
// mutation without reasoning about that ordering.
type RouteTable struct {
	mu sync.RWMutex

	// self is the local module name, never stored as a route: peers
	// advertise it back, and routing to yourself through a neighbour
	// would shadow local dispatch.
	self string

	// route is the winning next-hop connection for a module.
	route map[string]Connection

	// advertisedBy tracks, for each neighbour connection, the set of
	// module names it last advertised reaching (its own name included),
	// needed to recompute reachability on ROUTE_UPD and on removal.
	advertisedBy map[Connection]map[string]struct{}
}

func NewRouteTable(self string) *RouteTable {
	return &RouteTable{
		self:         self,
		route:        make(map[string]Connection),
		advertisedBy: make(map[Connection]map[string]struct{}),
	}
}

// advertisedSet parses a ROUTE_RES/ROUTE_UPD payload list into the set
// of module names conn reaches, peer included, self excluded.
func (t *RouteTable) advertisedSet(peer string, advertised *types.Udc) map[string]struct{} {
	set := map[string]struct{}{peer: {}}
	if items, ok := advertised.ListValue(); ok {
		for _, item := range items {
			if name, ok := item.StringValue(); ok && name != t.self {
				set[name] = struct{}{}
			}
		}
	}
	return set
}

// Add records peer as reachable via conn (the connection peer itself
// is on), plus every module named in advertised as also reachable via
// conn. Tie-break across neighbours is last-advertised-wins.
func (t *RouteTable) Add(peer string, conn Connection, advertised *types.Udc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.advertisedSet(peer, advertised)
	t.advertisedBy[conn] = set
	for name := range set {
		t.route[name] = conn
	}
}

// Update replaces the advertised set for conn (an already-known
// neighbour) and recomputes reachability: a module is reachable if
// some neighbour still advertises it, or it is that neighbour itself.
// Reports whether the reachable set changed at all, plus the module
// names that became unreachable entirely, so the router can fail any
// pending chain whose reply was expected via one of them.
func (t *RouteTable) Update(peer string, conn Connection, advertised *types.Udc) (bool, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.advertisedSet(peer, advertised)
	old := t.advertisedBy[conn]
	t.advertisedBy[conn] = set

	changed := false
	for name := range set {
		if _, had := t.route[name]; !had {
			changed = true
		}
		t.route[name] = conn
	}

	// Modules this neighbour used to advertise but no longer does fall
	// back to any other neighbour still advertising them, or drop out.
	var gone []string
	for name := range old {
		if _, still := set[name]; still {
			continue
		}
		if t.route[name] != conn {
			continue
		}
		rerouted := false
		for other, otherSet := range t.advertisedBy {
			if other == conn {
				continue
			}
			if _, ok := otherSet[name]; ok {
				t.route[name] = other
				rerouted = true
				break
			}
		}
		if !rerouted {
			delete(t.route, name)
			gone = append(gone, name)
			changed = true
		}
	}
	return changed, gone
}

// Remove drops every entry reachable only through conn (the
// connection that just closed) and returns the module names that
// became unreachable as a result, so the router can fail any pending
// reply that would have arrived over this link.
func (t *RouteTable) Remove(conn Connection) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	gone, ok := t.advertisedBy[conn]
	if !ok {
		return nil
	}
	delete(t.advertisedBy, conn)

	var removed []string
	for name := range gone {
		if t.route[name] == conn {
			stillReachable := false
			for other, set := range t.advertisedBy {
				if other == conn {
					continue
				}
				if _, ok := set[name]; ok {
					t.route[name] = other
					stillReachable = true
					break
				}
			}
			if !stillReachable {
				delete(t.route, name)
				removed = append(removed, name)
			}
		}
	}
	return removed
}

// Get returns the next-hop connection for module, or nil, false if
// unreachable.
func (t *RouteTable) Get(module string) (Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.route[module]
	return c, ok
}

// Nodes returns the set of all currently reachable module names as a
// payload list, used to build ROUTE_RES/ROUTE_UPD payloads.
func (t *RouteTable) Nodes() *types.Udc {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := types.List()
	for name := range t.route {
		list.Append(types.String(name))
	}
	return list
}

// NodeNames is the same set as Nodes but as a plain slice, handed to
// on-change observers so they don't need to understand Udc.
func (t *RouteTable) NodeNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.route))
	for name := range t.route {
		names = append(names, name)
	}
	return names
}

// Conns returns every known neighbour connection except exclude, used
// to broadcast ROUTE_UPD.
func (t *RouteTable) Conns(exclude Connection) []Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conns := make([]Connection, 0, len(t.advertisedBy))
	for conn := range t.advertisedBy {
		if conn != exclude {
			conns = append(conns, conn)
		}
	}
	return conns
}
