package pool

import (
	"context"
	"sync"
)

// Event is a named, settable, waitable gate: the Go rendering of a
// cross-process named event (spec.md §5/§6). Set opens the gate for every
// current and future waiter until Clear swaps in a fresh, closed gate.
type Event struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewEvent returns a cleared (not set) Event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set opens the gate, releasing every current and future Wait call until
// the next Clear.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.ch:
		// already set
	default:
		close(e.ch)
	}
}

// Clear re-arms the gate by swapping in a fresh channel.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.ch:
		e.ch = make(chan struct{})
	default:
		// already clear
	}
}

// Wait blocks until the event is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsSet reports whether the event is currently set.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// EventRegistry is a named registry of Events, lazily created on first
// reference — the Go rendering of AsyncProcessPool.registerEvents.
type EventRegistry struct {
	mu     sync.Mutex
	events map[string]*Event
}

// NewEventRegistry returns an empty EventRegistry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{events: map[string]*Event{}}
}

// Event returns the named event, creating it (cleared) if necessary.
func (r *EventRegistry) Event(name string) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[name]
	if !ok {
		e = NewEvent()
		r.events[name] = e
	}
	return e
}
