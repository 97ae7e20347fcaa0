package tui

import "github.com/kugutsu/pipeline/internal/events"

// Subscribe bridges the synchronous event bus into a buffered channel the
// Bubble Tea model can read from. Delivery is non-blocking: a slow or
// overwhelmed TUI drops events past the buffer rather than stalling the
// bus, since every event is also recorded durably by the audit journal.
func Subscribe(bus *events.Bus, buffer int) (<-chan events.Event, *events.Registration) {
	ch := make(chan events.Event, buffer)
	reg := bus.SubscribeAll(func(ev events.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch, reg
}
