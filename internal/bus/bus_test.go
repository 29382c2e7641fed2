package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_ExactTopicMatch(t *testing.T) {
	b := New(nil)
	var got []Event
	var mu sync.Mutex
	done := make(chan struct{}, 1)

	sub := b.Subscribe("task.completed", func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		done <- struct{}{}
	})
	defer sub.Close()

	b.Emit("task.completed", map[string]any{"task_id": "T1"})
	b.Emit("task.failed", map[string]any{"task_id": "T2"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for handler")
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Topic != "task.completed" {
		t.Fatalf("topic = %q, want task.completed", got[0].Topic)
	}
}

func TestBus_WildcardMatch(t *testing.T) {
	b := New(nil)
	var count int
	var mu sync.Mutex
	recv := make(chan struct{}, 4)

	sub := b.Subscribe("*", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
		recv <- struct{}{}
	})
	defer sub.Close()

	b.Emit("task.created", nil)
	b.Emit("agent.status_changed", nil)

	for i := 0; i < 2; i++ {
		select {
		case <-recv:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for wildcard handler")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestBus_PerHandlerOrderPreserved(t *testing.T) {
	b := New(nil)
	var order []int
	var mu sync.Mutex
	recv := make(chan struct{}, 100)

	sub := b.Subscribe("*", func(ev Event) {
		mu.Lock()
		order = append(order, ev.Payload["n"].(int))
		mu.Unlock()
		recv <- struct{}{}
	})
	defer sub.Close()

	const n = 50
	for i := 0; i < n; i++ {
		b.Emit("x", map[string]any{"n": i})
	}
	for i := 0; i < n; i++ {
		<-recv
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d (handler delivery must preserve emission order)", i, v, i)
		}
	}
}

func TestBus_HandlerPanicRecovered(t *testing.T) {
	b := New(nil)
	recv := make(chan struct{}, 2)

	sub1 := b.Subscribe("*", func(Event) {
		recv <- struct{}{}
		panic("boom")
	})
	defer sub1.Close()

	var gotSecond bool
	var mu sync.Mutex
	sub2 := b.Subscribe("*", func(Event) {
		mu.Lock()
		gotSecond = true
		mu.Unlock()
		recv <- struct{}{}
	})
	defer sub2.Close()

	b.Emit("x", nil)

	for i := 0; i < 2; i++ {
		select {
		case <-recv:
		case <-time.After(time.Second):
			t.Fatal("timeout: a handler panic must not stop delivery to other subscribers")
		}
	}

	b.Emit("y", nil)
	select {
	case <-recv:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for second round after panic")
	}

	mu.Lock()
	defer mu.Unlock()
	if !gotSecond {
		t.Fatal("second subscriber never ran")
	}
}

func TestBus_ReentrantEmitDoesNotDeadlock(t *testing.T) {
	b := New(nil)
	done := make(chan struct{})

	outer := b.Subscribe("outer", func(Event) {
		b.Emit("inner", nil)
	})
	defer outer.Close()
	inner := b.Subscribe("inner", func(Event) {
		close(done)
	})
	defer inner.Close()

	b.Emit("outer", nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deadlock: re-entrant emit from within a handler must succeed")
	}
}

func TestBus_NonBlockingDropOnFullBuffer(t *testing.T) {
	b := New(nil)
	block := make(chan struct{})
	sub := b.Subscribe("x", func(Event) {
		<-block
	})
	defer func() {
		close(block)
		sub.Close()
	}()

	emitDone := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Emit("x", nil)
		}
		close(emitDone)
	}()

	select {
	case <-emitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stuck handler")
	}

	if b.DroppedEventCount() == 0 {
		t.Fatal("expected some events to be dropped once the buffer filled")
	}
}
