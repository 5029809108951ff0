// Package fanout implements the in-process fan-out event.Sink backend
// event.go's package doc promises alongside the Pulse-backed one: a Hub
// forwards every event to a durable base sink and, per run, to whichever
// transport-level subscribers (an SSE connection, a debug websocket) are
// currently attached for that run's id.
package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/flexrun/orchestrator/event"
)

// Hub routes events to a base sink and to per-run subscribers. The zero
// value is not usable; construct with New.
type Hub struct {
	base event.Sink

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	sink event.Sink
}

// New constructs a Hub. base receives every event sent through the Hub and
// is typically a persistent or debug-recording sink (event/memory.New(),
// event/pulse.NewSink); it may be nil if only live fan-out is needed.
func New(base event.Sink) *Hub {
	return &Hub{base: base, subs: make(map[string]map[*subscriber]struct{})}
}

// Send forwards evt to the base sink (if any) and to every subscriber
// currently attached to evt.RunID. A subscriber's error does not stop
// delivery to the others or to the base sink; all errors are joined.
func (h *Hub) Send(ctx context.Context, evt event.Event) error {
	var errs []error
	if h.base != nil {
		if err := h.base.Send(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}

	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs[evt.RunID]))
	for s := range h.subs[evt.RunID] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if err := s.sink.Send(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes the base sink. Attached subscribers are left for their own
// owners to close; the Hub does not assume ownership of them.
func (h *Hub) Close(ctx context.Context) error {
	if h.base == nil {
		return nil
	}
	return h.base.Close(ctx)
}

// Attach registers sink to receive every event published for runID until
// the returned detach function is called. Safe for concurrent use.
func (h *Hub) Attach(runID string, sink event.Sink) (detach func()) {
	s := &subscriber{sink: sink}
	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*subscriber]struct{})
	}
	h.subs[runID][s] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		set := h.subs[runID]
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, runID)
		}
	}
}
