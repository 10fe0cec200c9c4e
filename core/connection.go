package core

import (
	"bufio"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jabolina/qbus/definition"
	"github.com/jabolina/qbus/types"
)

// ErrNotAdvertiseAddress means a transport bound to a wildcard address
// without an explicit advertise address; peers would have nothing
// usable to dial back.
var ErrNotAdvertiseAddress = errors.New("qbus: no advertisable address")

// Connection is a bidirectional, ordered, reliable byte stream that
// delivers whole frames to the router and accepts whole frames to
// send, polymorphic over TCP and local-socket transport variants.
type Connection interface {
	// Send enqueues a frame for delivery; framing/flushing is the
	// transport's job.
	Send(f *types.Frame) error

	// OnFrame installs the callback invoked for every frame the
	// connection's reader goroutine decodes.
	OnFrame(cb func(*types.Frame))

	// OnClose registers a callback invoked once, when the link drops
	// (either end). Multiple callbacks may be registered; the dialer
	// hooks its reconnect trigger here alongside the router's own
	// close notification.
	OnClose(cb func())

	PeerName() string
	SetPeerName(name string)

	// Close stops the connection, flushing any frames already
	// queued for send before the underlying socket is closed.
	Close() error
}

// tcpConnection wraps a net.Conn: one reader goroutine blocking on
// DecodeFrom off a buffered reader, one writer goroutine draining a
// buffered send channel, since a duplex stream has two independent
// directions.
type tcpConnection struct {
	conn net.Conn
	log  definition.Logger

	mu       sync.Mutex
	peerName string

	onFrame func(*types.Frame)
	onClose []func()

	sendCh    chan *types.Frame
	closed    chan struct{}
	once      sync.Once
	ready     chan struct{}
	readyOnce sync.Once
}

// NewTCPConnection wraps an already-established net.Conn (either side
// of an accept or a dial) into a Connection and starts its reader and
// writer goroutines.
func NewTCPConnection(conn net.Conn, log definition.Logger) Connection {
	c := &tcpConnection{
		conn:   conn,
		log:    log,
		sendCh: make(chan *types.Frame, 64),
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *tcpConnection) Send(f *types.Frame) error {
	select {
	case c.sendCh <- f:
		return nil
	case <-c.closed:
		return errors.New("qbus: connection closed")
	}
}

func (c *tcpConnection) OnFrame(cb func(*types.Frame)) {
	c.mu.Lock()
	c.onFrame = cb
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *tcpConnection) OnClose(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, cb)
}

func (c *tcpConnection) PeerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerName
}

func (c *tcpConnection) SetPeerName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerName = name
}

func (c *tcpConnection) readLoop() {
	defer c.fail()

	// Hold off until the router attaches its frame handler; the peer's
	// ROUTE_REQ can arrive before registration finishes and must not
	// be dropped.
	select {
	case <-c.ready:
	case <-c.closed:
		return
	}

	r := bufio.NewReader(c.conn)
	for {
		f, err := types.DecodeFrom(r)
		if err != nil {
			if err != types.ErrMalformed {
				c.log.Debugf("connection read loop ending: %v", err)
			} else {
				c.log.Warnf("dropping connection on malformed frame: %v", err)
			}
			return
		}
		c.mu.Lock()
		cb := c.onFrame
		c.mu.Unlock()
		if cb != nil {
			cb(f)
		}
	}
}

func (c *tcpConnection) writeLoop() {
	w := bufio.NewWriter(c.conn)
	for {
		select {
		case f := <-c.sendCh:
			if err := encodeTo(w, f); err != nil {
				c.log.Errorf("failed writing frame: %v", err)
				c.fail()
				return
			}
			if err := w.Flush(); err != nil {
				c.log.Errorf("failed flushing frame: %v", err)
				c.fail()
				return
			}
		case <-c.closed:
			// Drain whatever is already queued before giving up the
			// socket; close flushes the send queue.
			for {
				select {
				case f := <-c.sendCh:
					_ = encodeTo(w, f)
				default:
					w.Flush()
					return
				}
			}
		}
	}
}

func (c *tcpConnection) fail() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		c.mu.Lock()
		cbs := c.onClose
		c.mu.Unlock()
		for _, cb := range cbs {
			cb()
		}
	})
}

func (c *tcpConnection) Close() error {
	c.fail()
	return nil
}

// Listener accepts inbound connections and wraps each one as a
// Connection, the bind half of the bind/remote endpoint split.
type Listener struct {
	ln        net.Listener
	log       definition.Logger
	advertise string
}

// NewTCPTransport binds bindAddr (may be "0.0.0.0:0" for an ephemeral
// port) and begins accepting. advertise is the address LocalAddress
// reports for this listener; when it carries no port (e.g. only an IP),
// the bound ephemeral port is substituted. A nil advertise is only
// valid when bindAddr itself names a concrete, non-wildcard address.
func NewTCPTransport(bindAddr string, advertise *net.TCPAddr, maxPool int, timeout time.Duration, log definition.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	boundAddr := ln.Addr().(*net.TCPAddr)
	var advHost string
	var advPort int
	if advertise != nil {
		advHost = advertise.IP.String()
		advPort = advertise.Port
	}
	if advPort == 0 {
		advPort = boundAddr.Port
	}
	if advHost == "" || advHost == "0.0.0.0" || advHost == "<nil>" {
		if boundAddr.IP.IsUnspecified() {
			_ = ln.Close()
			return nil, ErrNotAdvertiseAddress
		}
		advHost = boundAddr.IP.String()
	}

	advertised := net.JoinHostPort(advHost, strconv.Itoa(advPort))
	return &Listener{ln: ln, log: log, advertise: advertised}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// LocalAddress is the advertised address of this listener, with an
// ephemeral port resolved. Route frames carry module names only, so
// it is not sent to peers.
func (l *Listener) LocalAddress() string { return l.advertise }

// Accept blocks for the next inbound connection, wrapping it as a
// Connection. Returns (nil, err) once the listener is closed.
func (l *Listener) Accept() (Connection, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewTCPConnection(conn, l.log), nil
}

func (l *Listener) Close() error { return l.ln.Close() }

// NewPipeTransport binds a local socket at path, the "pipe" endpoint
// variant: same accept loop as TCP, no advertise-address handling
// since a filesystem path is already unambiguous.
func NewPipeTransport(path string, log definition.Logger) (*Listener, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, log: log, advertise: path}, nil
}

// Dialer owns the reconnect policy for an outbound peer link; the
// router never redials. On a successful (re)connect it hands a fresh
// Connection to onConnect; the router treats it as brand new and
// restarts the handshake from scratch.
type Dialer struct {
	network    string
	addr       string
	log        definition.Logger
	backoff    time.Duration
	maxBackoff time.Duration
	stop       chan struct{}
}

func NewDialer(addr string, log definition.Logger) *Dialer {
	return newDialer("tcp", addr, log)
}

// NewPipeDialer dials a local socket at path, the outbound half of the
// "pipe" endpoint variant.
func NewPipeDialer(path string, log definition.Logger) *Dialer {
	return newDialer("unix", path, log)
}

func newDialer(network, addr string, log definition.Logger) *Dialer {
	return &Dialer{
		network:    network,
		addr:       addr,
		log:        log,
		backoff:    100 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		stop:       make(chan struct{}),
	}
}

// Run dials addr, retrying with exponential backoff on failure, until
// Stop is called. Each successful dial invokes onConnect once; when
// the connection it handed out closes, Run dials again, keeping the
// link alive across drops.
func (d *Dialer) Run(onConnect func(Connection)) {
	backoff := d.backoff
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		conn, err := net.DialTimeout(d.network, d.addr, 5*time.Second)
		if err != nil {
			d.log.Warnf("dial %s failed: %v, retrying in %s", d.addr, err, backoff)
			select {
			case <-time.After(backoff):
			case <-d.stop:
				return
			}
			backoff *= 2
			if backoff > d.maxBackoff {
				backoff = d.maxBackoff
			}
			continue
		}

		backoff = d.backoff
		c := NewTCPConnection(conn, d.log)
		reconnect := make(chan struct{}, 1)
		c.OnClose(func() {
			select {
			case reconnect <- struct{}{}:
			default:
			}
		})
		onConnect(c)

		select {
		case <-reconnect:
			continue
		case <-d.stop:
			_ = c.Close()
			return
		}
	}
}

func (d *Dialer) Stop() {
	close(d.stop)
}

// NewPipeConnection wraps one end of a net.Pipe() as a Connection, for
// tests and same-host module pairs that don't need real sockets.
func NewPipeConnection(conn net.Conn, log definition.Logger) Connection {
	return NewTCPConnection(conn, log)
}

func encodeTo(w *bufio.Writer, f *types.Frame) error {
	data, err := types.Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
