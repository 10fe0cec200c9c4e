package qbus

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func Test_TransitiveReachability(t *testing.T) {
	cluster := newBusCluster(t)
	defer cluster.off()
	a := cluster.router("a")
	b := cluster.router("b")
	c := cluster.router("c")

	ab, _ := cluster.link(a, b)
	cluster.link(b, c)

	waitFor(t, "a to discover c through b", func() bool { return hasAll(a.Nodes(), "b", "c") })
	waitFor(t, "c to discover a through b", func() bool { return hasAll(c.Nodes(), "a", "b") })

	via, ok := a.Route("c")
	if !ok {
		t.Fatalf("expected a route to c on a")
	}
	if via != ab {
		t.Errorf("expected c reachable via the a-b connection")
	}
}

func Test_TwoHopRequestResponse(t *testing.T) {
	cluster := newBusCluster(t)
	defer cluster.off()
	a := cluster.router("a")
	b := cluster.router("b")
	c := cluster.router("c")
	cluster.link(a, b)
	cluster.link(b, c)

	c.RegisterMethod("ping", func(msg *Message) Reply {
		n, ok := msg.CData.Get("n")
		if !ok {
			return Fail(NewError(KindMissingParam, "field [n] is required"))
		}
		v, _ := n.IntValue()
		return Ok(Node().Set("n", Int(v+1)))
	}, nil, nil)

	waitFor(t, "a to discover c", func() bool { return hasAll(a.Nodes(), "c") })

	replies := make(chan *Message, 1)
	a.Send("c", "ping", Node().Set("n", Int(7)), func(msg *Message) {
		replies <- msg
	})

	select {
	case msg := <-replies:
		if msg.Err != nil {
			t.Fatalf("unexpected error: %v", msg.Err)
		}
		n, _ := msg.CData.Get("n")
		if v, _ := n.IntValue(); v != 8 {
			t.Errorf("expected n=8, found %v", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("two-hop reply never arrived")
	}
}

func Test_Continuation(t *testing.T) {
	cluster := newBusCluster(t)
	defer cluster.off()
	a := cluster.router("a")
	b := cluster.router("b")
	c := cluster.router("c")
	cluster.link(a, b)
	cluster.link(b, c)

	var outerMu sync.Mutex
	outerCalls := 0
	b.RegisterMethod("outer", func(msg *Message) Reply {
		outerMu.Lock()
		outerCalls++
		outerMu.Unlock()
		b.Continue(msg, "c", "inner", msg.CData)
		return Defer()
	}, nil, nil)

	c.RegisterMethod("inner", func(msg *Message) Reply {
		return Ok(Node().Set("ok", Bool(true)))
	}, nil, nil)

	waitFor(t, "b to discover c", func() bool { return hasAll(b.Nodes(), "c") })
	waitFor(t, "a to discover b", func() bool { return hasAll(a.Nodes(), "b") })

	replies := make(chan *Message, 1)
	a.Send("b", "outer", Node(), func(msg *Message) {
		replies <- msg
	})

	select {
	case msg := <-replies:
		if msg.Err != nil {
			t.Fatalf("unexpected error: %v", msg.Err)
		}
		ok, _ := msg.CData.Get("ok")
		if v, _ := ok.BoolValue(); !v {
			t.Errorf("expected ok=true relayed from the continuation, found %v", ok)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("continued reply never arrived")
	}

	outerMu.Lock()
	defer outerMu.Unlock()
	if outerCalls != 1 {
		t.Errorf("outer handler invoked %d times, expected once", outerCalls)
	}
}

func Test_DropFailsPendingChains(t *testing.T) {
	cluster := newBusCluster(t)
	defer cluster.off()
	a := cluster.router("a")
	b := cluster.router("b")
	c := cluster.router("c")
	cluster.link(a, b)
	bc, cb := cluster.link(b, c)

	// The target stalls forever: defers and never continues, so the
	// only way a's caller hears back is the disconnect sweep.
	stalled := make(chan struct{}, 1)
	c.RegisterMethod("stall", func(msg *Message) Reply {
		stalled <- struct{}{}
		return Defer()
	}, nil, nil)

	waitFor(t, "a to discover c", func() bool { return hasAll(a.Nodes(), "c") })

	replies := make(chan *Message, 1)
	a.Send("c", "stall", Node(), func(msg *Message) {
		replies <- msg
	})

	select {
	case <-stalled:
	case <-time.After(3 * time.Second):
		t.Fatalf("request never reached c")
	}

	_ = bc.Close()
	_ = cb.Close()

	select {
	case msg := <-replies:
		if msg.Err == nil {
			t.Fatalf("expected a NoRoute error reply after the drop")
		}
		if msg.Err.Kind != KindNoRoute {
			t.Errorf("expected kind no_route, found %s", msg.Err.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("pending chain never failed after the b-c drop")
	}

	waitFor(t, "a to drop c from its topology", func() bool { return hasNone(a.Nodes(), "c") })
}

func Test_TopologyChangeNotification(t *testing.T) {
	cluster := newBusCluster(t)
	defer cluster.off()
	a := cluster.router("a")
	b := cluster.router("b")
	c := cluster.router("c")

	var mu sync.Mutex
	var snapshots [][]string
	a.OnChange(func(nodes []string) {
		mu.Lock()
		snapshots = append(snapshots, nodes)
		mu.Unlock()
	}, nil)

	snapshotCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(snapshots)
	}
	lastSnapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		if len(snapshots) == 0 {
			return nil
		}
		return snapshots[len(snapshots)-1]
	}

	cluster.link(a, b)
	waitFor(t, "observer to see b join", func() bool { return hasAll(lastSnapshot(), "a", "b") })

	bc, cb := cluster.link(b, c)
	waitFor(t, "observer to see c join", func() bool { return hasAll(lastSnapshot(), "a", "b", "c") })

	joined := snapshotCount()
	_ = bc.Close()
	_ = cb.Close()
	waitFor(t, "observer to see c leave", func() bool {
		last := lastSnapshot()
		return hasAll(last, "a", "b") && hasNone(last, "c")
	})

	// The drop is one topology event and must fire the observer once.
	time.Sleep(200 * time.Millisecond)
	if fired := snapshotCount() - joined; fired != 1 {
		t.Errorf("expected exactly one notification for the drop, found %d", fired)
	}
}

func Test_ShutdownLeavesNoGoroutines(t *testing.T) {
	opt := goleak.IgnoreCurrent()

	cluster := newBusCluster(t)
	a := cluster.router("a")
	b := cluster.router("b")
	c := cluster.router("c")
	cluster.link(a, b)
	cluster.link(b, c)

	b.RegisterMethod("noop", func(msg *Message) Reply { return Ok(nil) }, nil, nil)
	waitFor(t, "a to discover c", func() bool { return hasAll(a.Nodes(), "c") })

	done := make(chan struct{})
	a.Send("b", "noop", Node(), func(*Message) { close(done) })
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("reply never arrived before shutdown")
	}

	cluster.off()
	goleak.VerifyNone(t, opt)
}
