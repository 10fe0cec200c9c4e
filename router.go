package qbus

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jabolina/qbus/core"
	"github.com/jabolina/qbus/definition"
	"github.com/jabolina/qbus/types"
)

// frameEnvelope pairs an inbound frame with the connection it arrived
// on, the unit of work the router's single loop drains.
type frameEnvelope struct {
	conn  core.Connection
	frame *types.Frame
}

// Router owns the route table, chain registry and method registry,
// drives the frame state machine, and exposes the public API: register
// method, send request, continue request, send response, observe
// topology changes. All frame handling runs on a single loop
// goroutine; the public methods are safe to call from anywhere.
type Router struct {
	self string
	log  definition.Logger

	routes  *core.RouteTable
	chains  *core.ChainRegistry
	methods *core.MethodRegistry
	invoker core.Invoker

	observers *observerList
	loopback  *loopbackConn

	inbox chan frameEnvelope

	connsMu sync.Mutex
	conns   map[core.Connection]struct{}

	shutdownMu sync.Mutex
	shutdown   bool
	done       chan struct{}
}

// NewRouter creates a router for the local module named self.
func NewRouter(self string, log definition.Logger) *Router {
	if log == nil {
		log = definition.NewDefaultLogger()
	}
	r := &Router{
		self:      self,
		log:       log.WithField("module", self),
		routes:    core.NewRouteTable(self),
		chains:    core.NewChainRegistry(),
		methods:   core.NewMethodRegistry(),
		invoker:   core.NewInvoker(),
		observers: newObserverList(),
		inbox:     make(chan frameEnvelope, 256),
		conns:     make(map[core.Connection]struct{}),
		done:      make(chan struct{}),
	}
	r.loopback = &loopbackConn{r: r}
	r.invoker.Spawn(r.run)
	return r
}

// loopbackConn routes frames addressed to the local module back into
// the router's own inbox, so a send-to-self takes the same path as any
// other request: dispatched on the event loop, replied to as MSG_RES.
type loopbackConn struct{ r *Router }

func (l *loopbackConn) Send(f *types.Frame) error {
	select {
	case l.r.inbox <- frameEnvelope{conn: l, frame: f}:
		return nil
	case <-l.r.done:
		return NewError(KindNoRoute, "router is shut down")
	}
}

func (l *loopbackConn) OnFrame(func(*types.Frame)) {}
func (l *loopbackConn) OnClose(func())             {}
func (l *loopbackConn) PeerName() string           { return l.r.self }
func (l *loopbackConn) SetPeerName(string)         {}
func (l *loopbackConn) Close() error               { return nil }

// Self returns the local module name.
func (r *Router) Self() string { return r.self }

// run is the router's single cooperative event loop: it suspends only
// here (waiting on the inbox or shutdown) and in user handlers that
// return ReplyDefer.
func (r *Router) run() {
	for {
		select {
		case env := <-r.inbox:
			r.handleFrame(env.conn, env.frame)
		case <-r.done:
			return
		}
	}
}

// AddConnection wires a newly accepted or dialed Connection into the
// router and kicks off the symmetric handshake by emitting ROUTE_REQ.
// Works identically for inbound and outbound links, and for a
// reconnect's fresh Connection instance, which restarts the handshake
// from scratch.
func (r *Router) AddConnection(conn core.Connection) {
	r.connsMu.Lock()
	r.conns[conn] = struct{}{}
	r.connsMu.Unlock()

	conn.OnFrame(func(f *types.Frame) {
		select {
		case r.inbox <- frameEnvelope{conn: conn, frame: f}:
		case <-r.done:
		}
	})
	conn.OnClose(func() {
		r.connsMu.Lock()
		delete(r.conns, conn)
		r.connsMu.Unlock()
		select {
		case r.inbox <- frameEnvelope{conn: conn, frame: closeSentinel}:
		case <-r.done:
		}
	})

	_ = conn.Send(&types.Frame{Type: types.RouteReq, Sender: r.self})
}

// closeSentinel is a distinguished *types.Frame value used to route a
// connection-close notification through the same single-threaded
// inbox as ordinary frames, so route-table mutation never races with
// frame handling.
var closeSentinel = &types.Frame{}

func (r *Router) handleFrame(conn core.Connection, f *types.Frame) {
	if f == closeSentinel {
		r.handleConnectionClosed(conn)
		return
	}

	switch f.Type {
	case types.RouteReq:
		r.handleRouteReq(conn, f)
	case types.RouteRes:
		r.handleRouteRes(conn, f)
	case types.RouteUpd:
		r.handleRouteUpd(conn, f)
	case types.MsgReq:
		r.handleMsgReq(conn, f)
	case types.MsgRes:
		r.handleMsgRes(f)
	default:
		r.log.Warnf("dropping frame with unknown type %v", f.Type)
	}
}

// handleRouteReq replies on the same conn with ROUTE_RES(sender=self,
// payload=nodes()).
func (r *Router) handleRouteReq(conn core.Connection, _ *types.Frame) {
	_ = conn.Send(&types.Frame{
		Type:    types.RouteRes,
		Sender:  r.self,
		Payload: r.nodesPayload(),
	})
}

// nodesPayload is the advertised-set payload for ROUTE_RES/ROUTE_UPD:
// every reachable module plus the local one.
func (r *Router) nodesPayload() *Udc {
	list := types.List(types.String(r.self))
	for _, name := range r.routes.NodeNames() {
		list.Append(types.String(name))
	}
	return list
}

// nodeNames is the sorted reachable set, self included, handed to
// on-change observers and returned by Nodes.
func (r *Router) nodeNames() []string {
	names := append(r.routes.NodeNames(), r.self)
	sort.Strings(names)
	return names
}

// handleRouteRes records the peer and its advertised set, broadcasts
// ROUTE_UPD to every other neighbour, and fires the on-change
// observer.
func (r *Router) handleRouteRes(conn core.Connection, f *types.Frame) {
	peer := f.Sender
	if peer == "" {
		r.log.Warnf("dropping ROUTE_RES with empty sender")
		return
	}
	r.routes.Add(peer, conn, f.Payload)
	conn.SetPeerName(peer)
	r.broadcastRouteUpd(conn)
	r.observers.fire(r.nodeNames())
}

// handleRouteUpd applies a neighbour's new advertised set, but only if
// conn already has a learned peer name; an update from a link that
// never completed its handshake is ignored. When the update actually
// changed reachability it is rebroadcast to the other neighbours, and
// any pending chain whose reply was expected via a module that just
// became unreachable is failed with NoRoute instead of leaking.
func (r *Router) handleRouteUpd(conn core.Connection, f *types.Frame) {
	peer := conn.PeerName()
	if peer == "" {
		return
	}
	changed, gone := r.routes.Update(peer, conn, f.Payload)
	if !changed {
		return
	}
	r.failChainsFor(gone)
	r.broadcastRouteUpd(conn)
	r.observers.fire(r.nodeNames())
}

func (r *Router) broadcastRouteUpd(exclude core.Connection) {
	upd := &types.Frame{Type: types.RouteUpd, Sender: r.self, Payload: r.nodesPayload()}
	for _, c := range r.routes.Conns(exclude) {
		_ = c.Send(upd)
	}
}

// handleMsgReq dispatches a request to a local method or forwards it
// to the next hop under a fresh chain key.
func (r *Router) handleMsgReq(conn core.Connection, f *types.Frame) {
	if f.Recipient == r.self {
		r.dispatchLocal(conn, f)
		return
	}

	nextHop, ok := r.routes.Get(f.Recipient)
	if !ok {
		r.respondOn(conn, f.ChainKey, nil, NewError(KindNoRoute, "no route to module [%s]", f.Recipient))
		return
	}

	chainKey := uuid.NewString()
	r.chains.Insert(chainKey, core.ChainEntry{
		Kind:             core.ChainForward,
		OriginalChainKey: f.ChainKey,
		OriginalSender:   f.Sender,
		PeerModule:       f.Recipient,
	})

	// The frame is rewritten in place rather than copied; after decode
	// the router is its sole owner.
	f.SetChainKey(chainKey).SetSender(r.self)
	_ = nextHop.Send(f)
}

func (r *Router) dispatchLocal(conn core.Connection, f *types.Frame) {
	entry, ok := r.methods.Lookup(f.Method)
	if !ok {
		r.respondOn(conn, f.ChainKey, nil, NewError(KindNotFound, "method [%s] not found", f.Method))
		return
	}

	msg := types.FrameToMessage(f)
	reply := entry.Handler(msg)
	switch reply.Kind {
	case types.ReplyDefer:
		// The handler has called Continue, which installed a new chain
		// entry forwarding the eventual reply, or answers later through
		// Respond.
		return
	case types.ReplyOk:
		r.respondOn(conn, f.ChainKey, reply.Payload, nil)
	default:
		err := reply.Err
		if err == nil {
			err = NewError(KindRuntime, "handler failed")
		}
		r.respondOn(conn, f.ChainKey, nil, err)
	}
}

// handleMsgRes takes-and-removes the chain entry, then either invokes
// the waiting handler or walks the reply back one more hop for a
// Forward entry. A reply with no entry is a late one, dropped.
func (r *Router) handleMsgRes(f *types.Frame) {
	entry, ok := r.chains.Extract(f.ChainKey)
	if !ok {
		r.log.Debugf("dropping late reply for chain %s", f.ChainKey)
		return
	}

	switch entry.Kind {
	case core.ChainResponse:
		if entry.Handler != nil {
			entry.Handler(types.FrameToMessage(f))
		}
	case core.ChainForward:
		r.walkBack(f, entry)
	}
}

func (r *Router) walkBack(f *types.Frame, entry core.ChainEntry) {
	nextHop, ok := r.nextHopTo(entry.OriginalSender)
	if !ok {
		r.log.Errorf("dropping reply for %s: no route back to %s", f.ChainKey, entry.OriginalSender)
		return
	}
	f.SetChainKey(entry.OriginalChainKey).SetRecipient(entry.OriginalSender).SetSender(r.self)
	_ = nextHop.Send(f)
}

// respondOn sends a MSG_RES back on conn, the connection the request
// arrived on, carrying either payload or err (never both).
func (r *Router) respondOn(conn core.Connection, chainKey string, payload *Udc, err *Error) {
	out := &types.Frame{
		Type:     types.MsgRes,
		ChainKey: chainKey,
		Sender:   r.self,
	}
	if err != nil {
		out.Payload = types.Node().Set("error", errorToUdc(err))
	} else {
		out.Payload = payload
	}
	_ = conn.Send(out)
}

// handleConnectionClosed removes everything reachable only through
// the dropped link and broadcasts the new topology. Every chain entry
// whose reply was expected via a now-unreachable module is extracted
// and failed with NoRoute instead of leaking.
func (r *Router) handleConnectionClosed(conn core.Connection) {
	goneModules := r.routes.Remove(conn)
	if len(goneModules) == 0 {
		return
	}

	r.failChainsFor(goneModules)
	r.broadcastRouteUpd(nil)
	r.observers.fire(r.nodeNames())
}

func (r *Router) failChainsFor(goneModules []string) {
	for _, module := range goneModules {
		for _, entry := range r.chains.RemoveForPeer(module) {
			r.failEntry(entry, module)
		}
	}
}

func (r *Router) failEntry(entry core.ChainEntry, unreachable string) {
	noRoute := NewError(KindNoRoute, "module [%s] became unreachable", unreachable)
	switch entry.Kind {
	case core.ChainResponse:
		if entry.Handler != nil {
			entry.Handler(&types.Message{Err: noRoute})
		}
	case core.ChainForward:
		nextHop, ok := r.nextHopTo(entry.OriginalSender)
		if !ok {
			r.log.Errorf("cannot propagate NoRoute for chain: no route back to %s", entry.OriginalSender)
			return
		}
		out := &types.Frame{
			Type:      types.MsgRes,
			ChainKey:  entry.OriginalChainKey,
			Recipient: entry.OriginalSender,
			Sender:    r.self,
			Payload:   types.Node().Set("error", errorToUdc(noRoute)),
		}
		_ = nextHop.Send(out)
	}
}

// RegisterMethod installs handler under lower(name). A prior
// registration under the same name has its onRemoved invoked first.
func (r *Router) RegisterMethod(name string, handler types.Handler, userData interface{}, onRemoved func(interface{})) {
	r.methods.Register(name, core.MethodEntry{Handler: handler, UserData: userData, OnRemoved: onRemoved})
}

// RemoveMethod explicitly unregisters name.
func (r *Router) RemoveMethod(name string) {
	r.methods.Remove(name)
}

// Send issues a request to method on module, invoking handler with
// the eventual reply. If there is no route to module, handler is
// invoked immediately and synchronously with a synthesized NoRoute
// error, with no chain entry created.
func (r *Router) Send(module, method string, payload *Udc, handler types.ResponseHandler) {
	nextHop, ok := r.nextHopTo(module)
	if !ok {
		if handler != nil {
			handler(&types.Message{Err: NewError(KindNoRoute, "no route to module [%s]", module)})
		}
		return
	}

	chainKey := uuid.NewString()
	r.chains.Insert(chainKey, core.ChainEntry{
		Kind:       core.ChainResponse,
		Handler:    handler,
		PeerModule: module,
	})

	req := &types.Frame{
		Type:      types.MsgReq,
		ChainKey:  chainKey,
		Recipient: module,
		Method:    method,
		Sender:    r.self,
		Payload:   payload,
	}
	_ = nextHop.Send(req)
}

// Continue forwards the request carried by msg on to module/method
// while keeping msg's original caller waiting: a handler processing
// msg returns ReplyDefer after calling this. When the downstream
// reply arrives, the router walks it back to msg's original sender
// automatically.
func (r *Router) Continue(msg *types.Message, module, method string, payload *Udc) {
	nextHop, ok := r.nextHopTo(module)
	if !ok {
		// No route downstream: fail the original caller immediately,
		// the same synthesized-NoRoute treatment Send gives a local
		// caller with no route.
		if backHop, ok := r.nextHopTo(msg.Sender); ok {
			out := &types.Frame{
				Type:      types.MsgRes,
				ChainKey:  msg.ChainKey,
				Recipient: msg.Sender,
				Sender:    r.self,
				Payload:   types.Node().Set("error", errorToUdc(NewError(KindNoRoute, "no route to module [%s]", module))),
			}
			_ = backHop.Send(out)
		}
		return
	}

	chainKey := uuid.NewString()
	r.chains.Insert(chainKey, core.ChainEntry{
		Kind:             core.ChainForward,
		OriginalChainKey: msg.ChainKey,
		OriginalSender:   msg.Sender,
		PeerModule:       module,
	})

	req := &types.Frame{
		Type:      types.MsgReq,
		ChainKey:  chainKey,
		Recipient: module,
		Method:    method,
		Sender:    r.self,
		Payload:   payload,
	}
	_ = nextHop.Send(req)
}

// Respond emits a MSG_RES for msg to target, for handlers that defer
// without continuing and answer later themselves. If no route to
// target exists the reply is logged and dropped; the waiting chain
// entry is picked up by the disconnect sweep instead.
func (r *Router) Respond(msg *types.Message, target string, payload *Udc, err *Error) {
	nextHop, ok := r.nextHopTo(target)
	if !ok {
		r.log.Errorf("dropping response for chain %s: no route to %s", msg.ChainKey, target)
		return
	}
	out := &types.Frame{
		Type:      types.MsgRes,
		ChainKey:  msg.ChainKey,
		Recipient: target,
		Sender:    r.self,
	}
	if err != nil {
		out.Payload = types.Node().Set("error", errorToUdc(err))
	} else {
		out.Payload = payload
	}
	_ = nextHop.Send(out)
}

// nextHopTo resolves the connection a request to module should leave
// on; a request to the local module loops back through the inbox so it
// is dispatched on the event loop like any other.
func (r *Router) nextHopTo(module string) (core.Connection, bool) {
	if module == r.self {
		return r.loopback, true
	}
	return r.routes.Get(module)
}

// OnChange registers an observer fired whenever reachable modules
// change.
func (r *Router) OnChange(cb OnChangeFunc, userPtr interface{}) {
	r.observers.add(cb, userPtr)
}

// Nodes returns the currently reachable module names, self included.
func (r *Router) Nodes() []string {
	return r.nodeNames()
}

// Route exposes the preferred next-hop connection for module, for
// front-ends that render the topology.
func (r *Router) Route(module string) (core.Connection, bool) {
	return r.routes.Get(module)
}

// Shutdown tears the router down: runs every method entry's
// onRemoved, frees all pending chain entries, closes every known
// connection (flushing its send queue first), and stops the event
// loop.
func (r *Router) Shutdown() {
	r.shutdownMu.Lock()
	if r.shutdown {
		r.shutdownMu.Unlock()
		return
	}
	r.shutdown = true
	r.shutdownMu.Unlock()

	r.methods.Shutdown()
	r.chains.Drain()

	r.connsMu.Lock()
	conns := make([]core.Connection, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.connsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	close(r.done)
	r.invoker.Stop()
}
