package tui

import (
	"testing"
	"time"

	"github.com/kugutsu/pipeline/internal/events"
)

func TestSubscribeDeliversBusEvents(t *testing.T) {
	bus := events.NewBus()
	ch, reg := Subscribe(bus, 4)
	defer reg.Unregister()

	bus.Publish(events.DevelopmentCompleted{Base: events.NewBase("t1", time.Now())})

	select {
	case ev := <-ch:
		if ev.TaskID() != "t1" {
			t.Fatalf("TaskID() = %q, want t1", ev.TaskID())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestSubscribeDropsPastBufferWithoutBlocking(t *testing.T) {
	bus := events.NewBus()
	ch, reg := Subscribe(bus, 1)
	defer reg.Unregister()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(events.DevelopmentCompleted{Base: events.NewBase("t1", time.Now())})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked; Subscribe should drop past its buffer")
	}

	<-ch
}
