package qbus

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func Test_LocalMethodHit(t *testing.T) {
	cluster := newBusCluster(t)
	defer cluster.off()
	a := cluster.router("a")

	a.RegisterMethod("echo", func(msg *Message) Reply {
		return Ok(msg.CData)
	}, nil, nil)

	replies := make(chan *Message, 1)
	a.Send("a", "echo", Node().Set("x", Int(42)), func(msg *Message) {
		replies <- msg
	})

	select {
	case msg := <-replies:
		if msg.Err != nil {
			t.Fatalf("unexpected error: %v", msg.Err)
		}
		x, _ := msg.CData.Get("x")
		if v, _ := x.IntValue(); v != 42 {
			t.Errorf("expected x=42 echoed back, found %v", x)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("reply never arrived")
	}
}

func Test_LocalMethodMiss(t *testing.T) {
	cluster := newBusCluster(t)
	defer cluster.off()
	a := cluster.router("a")

	replies := make(chan *Message, 1)
	a.Send("a", "nope", Node(), func(msg *Message) {
		replies <- msg
	})

	select {
	case msg := <-replies:
		if msg.Err == nil {
			t.Fatalf("expected a NotFound error reply")
		}
		if msg.Err.Kind != KindNotFound {
			t.Errorf("expected kind not_found, found %s", msg.Err.Kind)
		}
		if !strings.Contains(msg.Err.Message, "method [nope] not found") {
			t.Errorf("unexpected error message: %s", msg.Err.Message)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("reply never arrived")
	}
}

func Test_CaseInsensitiveDispatch(t *testing.T) {
	cluster := newBusCluster(t)
	defer cluster.off()
	a := cluster.router("a")
	b := cluster.router("b")
	cluster.link(a, b)

	var count int32
	var mu sync.Mutex
	b.RegisterMethod("FooBar", func(msg *Message) Reply {
		mu.Lock()
		count++
		mu.Unlock()
		return Ok(Node().Set("ok", Bool(true)))
	}, nil, nil)

	waitFor(t, "a to discover b", func() bool { return hasAll(a.Nodes(), "b") })

	replies := make(chan *Message, 3)
	for _, spelling := range []string{"foobar", "FOOBAR", "fOoBaR"} {
		a.Send("b", spelling, Node(), func(msg *Message) { replies <- msg })
	}

	for i := 0; i < 3; i++ {
		select {
		case msg := <-replies:
			if msg.Err != nil {
				t.Errorf("spelling %d failed to dispatch: %v", i, msg.Err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("reply %d never arrived", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("expected the single handler hit 3 times, found %d", count)
	}
}

func Test_ChainKeyUniqueness(t *testing.T) {
	cluster := newBusCluster(t)
	defer cluster.off()
	a := cluster.router("a")
	b := cluster.router("b")
	cluster.link(a, b)

	var mu sync.Mutex
	seen := make(map[string]int)
	b.RegisterMethod("collect", func(msg *Message) Reply {
		mu.Lock()
		seen[msg.ChainKey]++
		mu.Unlock()
		return Ok(nil)
	}, nil, nil)

	waitFor(t, "a to discover b", func() bool { return hasAll(a.Nodes(), "b") })

	const total = 50
	var group sync.WaitGroup
	group.Add(total)
	for i := 0; i < total; i++ {
		a.Send("b", "collect", Node(), func(*Message) { group.Done() })
	}
	group.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != total {
		t.Errorf("expected %d distinct chain keys, found %d", total, len(seen))
	}
	for key, n := range seen {
		if n != 1 {
			t.Errorf("chain key %s seen %d times", key, n)
		}
	}
}

func Test_AtMostOneReply(t *testing.T) {
	cluster := newBusCluster(t)
	defer cluster.off()
	a := cluster.router("a")
	b := cluster.router("b")
	cluster.link(a, b)

	b.RegisterMethod("ok", func(msg *Message) Reply {
		return Ok(Node().Set("done", Bool(true)))
	}, nil, nil)

	waitFor(t, "a to discover b", func() bool { return hasAll(a.Nodes(), "b") })

	counts := make([]int32, 3)
	var mu sync.Mutex
	counter := func(i int) ResponseHandler {
		return func(*Message) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		}
	}

	// A real response, a NotFound, and a local NoRoute.
	a.Send("b", "ok", Node(), counter(0))
	a.Send("b", "missing", Node(), counter(1))
	a.Send("ghost", "any", Node(), counter(2))

	waitFor(t, "every reply to arrive", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[0] >= 1 && counts[1] >= 1 && counts[2] >= 1
	})
	// Give duplicates a chance to show up before asserting.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range counts {
		if n != 1 {
			t.Errorf("handler %d invoked %d times, expected exactly once", i, n)
		}
	}
}

func Test_DeferredResponse(t *testing.T) {
	cluster := newBusCluster(t)
	defer cluster.off()
	a := cluster.router("a")
	b := cluster.router("b")
	cluster.link(a, b)

	// The handler defers and answers from another goroutine later,
	// the respond path a continuation doesn't cover.
	b.RegisterMethod("slow", func(msg *Message) Reply {
		go func() {
			time.Sleep(50 * time.Millisecond)
			b.Respond(msg, msg.Sender, Node().Set("late", Bool(true)), nil)
		}()
		return Defer()
	}, nil, nil)

	waitFor(t, "a to discover b", func() bool { return hasAll(a.Nodes(), "b") })

	replies := make(chan *Message, 1)
	a.Send("b", "slow", Node(), func(msg *Message) {
		replies <- msg
	})

	select {
	case msg := <-replies:
		if msg.Err != nil {
			t.Fatalf("unexpected error: %v", msg.Err)
		}
		late, _ := msg.CData.Get("late")
		if v, _ := late.BoolValue(); !v {
			t.Errorf("expected late=true, found %v", late)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("deferred reply never arrived")
	}
}

func Test_MethodReplaceRunsOnRemoved(t *testing.T) {
	cluster := newBusCluster(t)
	defer cluster.off()
	a := cluster.router("a")

	removed := make(chan interface{}, 2)
	handler := func(msg *Message) Reply { return Ok(nil) }

	a.RegisterMethod("dup", handler, "first", func(ud interface{}) { removed <- ud })
	a.RegisterMethod("dup", handler, "second", func(ud interface{}) { removed <- ud })

	select {
	case ud := <-removed:
		if ud != "first" {
			t.Errorf("expected the first entry removed, found %v", ud)
		}
	case <-time.After(time.Second):
		t.Fatalf("replacement never ran the old entry's cleanup")
	}

	a.RemoveMethod("DUP")
	select {
	case ud := <-removed:
		if ud != "second" {
			t.Errorf("expected the second entry removed, found %v", ud)
		}
	case <-time.After(time.Second):
		t.Fatalf("explicit removal never ran the cleanup")
	}
}

func Test_ShutdownRunsAllCleanups(t *testing.T) {
	cluster := newBusCluster(t)
	a := cluster.router("a")

	removed := make(chan interface{}, 2)
	handler := func(msg *Message) Reply { return Ok(nil) }
	a.RegisterMethod("one", handler, 1, func(ud interface{}) { removed <- ud })
	a.RegisterMethod("two", handler, 2, func(ud interface{}) { removed <- ud })

	cluster.off()

	for i := 0; i < 2; i++ {
		select {
		case <-removed:
		case <-time.After(time.Second):
			t.Fatalf("cleanup %d never ran on shutdown", i)
		}
	}
}
