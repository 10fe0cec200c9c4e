package qbus

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jabolina/qbus/core"
	"github.com/jabolina/qbus/definition"
)

// InitFunc runs after the router's event loop has started and the
// endpoints are open, before NewInstance returns; registering methods
// and issuing the first requests belongs here. A non-nil error aborts
// startup.
type InitFunc func(*Instance) error

// DoneFunc runs during shutdown, before the router is torn down.
type DoneFunc func(*Instance) error

// Instance is the process façade: it loads ./{name}.json, merges argv
// over it, builds the router, opens every bind endpoint as a listener
// and every remote endpoint as a redialing outbound link, and drives
// the whole thing until Run's context ends or a termination signal
// arrives. Construction returns fully wired; teardown is idempotent.
type Instance struct {
	name   string
	log    definition.Logger
	config *Config
	router *Router

	invoker   core.Invoker
	listeners []*core.Listener
	dialers   []*core.Dialer

	onDone DoneFunc
	closed chan struct{}
}

// NewInstance builds and initialises a module process named name.
// argv carries the flags described in the config section: -b HOST:PORT
// bind endpoints, -d HOST:PORT remote endpoints, -l LOGFILE, plus any
// -k v pair merged as a plain config key.
func NewInstance(name string, onInit InitFunc, onDone DoneFunc, argv []string) (*Instance, error) {
	config, err := LoadConfig("./" + name + ".json")
	if err != nil {
		return nil, err
	}
	if err := config.mergeArgs(argv); err != nil {
		return nil, err
	}

	log := definition.NewDefaultLogger()
	if logFile := config.String("log", ""); logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		log.SetOutput(f)
	}

	inst := &Instance{
		name:    name,
		log:     log.WithField("module", name),
		config:  config,
		router:  NewRouter(name, log),
		invoker: core.NewInvoker(),
		onDone:  onDone,
		closed:  make(chan struct{}),
	}

	if err := inst.openEndpoints(); err != nil {
		inst.teardown()
		return nil, err
	}

	if onInit != nil {
		if err := onInit(inst); err != nil {
			inst.teardown()
			return nil, err
		}
	}

	// The merged config, defaults included, persists back so the next
	// run starts from a complete file.
	if err := config.Save(); err != nil {
		inst.log.Warnf("failed persisting config: %v", err)
	}
	return inst, nil
}

// Name returns the local module name.
func (i *Instance) Name() string { return i.name }

// Router exposes the routing core for method registration and sends.
func (i *Instance) Router() *Router { return i.router }

// Config exposes the merged configuration tree.
func (i *Instance) Config() *Config { return i.config }

// BoundAddresses reports the advertised address of every open bind
// endpoint, with ephemeral ports already resolved.
func (i *Instance) BoundAddresses() []string {
	addrs := make([]string, 0, len(i.listeners))
	for _, ln := range i.listeners {
		addrs = append(addrs, ln.LocalAddress())
	}
	return addrs
}

func (i *Instance) openEndpoints() error {
	for _, ep := range i.config.Endpoints("bind") {
		var (
			ln  *core.Listener
			err error
		)
		switch ep.Type {
		case EndpointPipe:
			ln, err = core.NewPipeTransport(ep.Path, i.log)
		default:
			ln, err = core.NewTCPTransport(ep.Addr(), &net.TCPAddr{IP: net.ParseIP(ep.Host), Port: ep.Port}, 0, 10*time.Second, i.log)
		}
		if err != nil {
			return err
		}
		i.listeners = append(i.listeners, ln)
		i.invoker.Spawn(func() { i.acceptLoop(ln) })
	}

	for _, ep := range i.config.Endpoints("remote") {
		var d *core.Dialer
		if ep.Type == EndpointPipe {
			d = core.NewPipeDialer(ep.Path, i.log)
		} else {
			d = core.NewDialer(ep.Addr(), i.log)
		}
		i.dialers = append(i.dialers, d)
		i.invoker.Spawn(func() { d.Run(i.router.AddConnection) })
	}
	return nil
}

func (i *Instance) acceptLoop(ln *core.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-i.closed:
			default:
				i.log.Warnf("accept on %s ended: %v", ln.LocalAddress(), err)
			}
			return
		}
		i.router.AddConnection(conn)
	}
}

// Run blocks until ctx is cancelled or SIGINT/SIGTERM arrives, then
// shuts the instance down. A trapped signal is a clean exit.
func (i *Instance) Run(ctx context.Context) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-ctx.Done():
	case s := <-sig:
		i.log.Infof("caught %s, shutting down", s)
	case <-i.closed:
		return nil
	}
	return i.Close()
}

// Close tears the instance down: onDone first, then listeners,
// dialers and the router. Safe to call more than once.
func (i *Instance) Close() error {
	select {
	case <-i.closed:
		return nil
	default:
	}

	var doneErr error
	if i.onDone != nil {
		doneErr = i.onDone(i)
	}
	i.teardown()
	return doneErr
}

func (i *Instance) teardown() {
	close(i.closed)
	for _, ln := range i.listeners {
		_ = ln.Close()
	}
	for _, d := range i.dialers {
		d.Stop()
	}
	i.router.Shutdown()
	i.invoker.Stop()
}
