// Package memory provides an in-process event.Sink that records events to
// a slice, for tests and local development. It mirrors the reference
// in-memory backends used elsewhere in the runtime (capability's
// InMemoryRegistry, hitl's InMemoryService): no persistence, safe for
// concurrent use, inspectable via Events.
package memory

import (
	"context"
	"sync"

	"github.com/flexrun/orchestrator/event"
)

// Sink records every sent event in memory, in order.
type Sink struct {
	mu     sync.Mutex
	events []event.Event
	closed bool
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{}
}

// Send appends evt. It never fails once the sink reports it is open.
func (s *Sink) Send(_ context.Context, evt event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

// Close marks the sink closed. Further Send calls still succeed; Close is
// recorded so tests can assert the coordinator closed the sink on
// completion.
func (s *Sink) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Events returns a snapshot of every event recorded so far.
func (s *Sink) Events() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
