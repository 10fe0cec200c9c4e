package qbus

import (
	"net"
	"testing"
	"time"

	"github.com/jabolina/qbus/core"
	"github.com/jabolina/qbus/definition"
)

// busCluster wires routers together over in-process pipe connections
// and tears them all down at the end of a test.
type busCluster struct {
	t       *testing.T
	routers []*Router
}

func newBusCluster(t *testing.T) *busCluster {
	return &busCluster{t: t}
}

func (c *busCluster) router(name string) *Router {
	log := definition.NewDefaultLogger()
	log.ToggleDebug(false)
	r := NewRouter(name, log)
	c.routers = append(c.routers, r)
	return r
}

// link connects two routers with a pipe pair and returns both ends so
// a test can drop the link later.
func (c *busCluster) link(a, b *Router) (core.Connection, core.Connection) {
	left, right := net.Pipe()
	log := definition.NewDefaultLogger()
	log.ToggleDebug(false)
	ca := core.NewPipeConnection(left, log)
	cb := core.NewPipeConnection(right, log)
	a.AddConnection(ca)
	b.AddConnection(cb)
	return ca, cb
}

func (c *busCluster) off() {
	for _, r := range c.routers {
		r.Shutdown()
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasAll(nodes []string, want ...string) bool {
	set := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func hasNone(nodes []string, unwanted ...string) bool {
	set := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	for _, u := range unwanted {
		if _, ok := set[u]; ok {
			return false
		}
	}
	return true
}
