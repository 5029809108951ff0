// Package sse implements the reference text/event-stream encoder
// spec.md section 6 describes: a thin event.Sink adapter over an HTTP
// response, since the SSE ingress itself is out of this repository's
// test surface but cmd/flexrund uses it to demonstrate the Run
// Coordinator's event stream over real HTTP.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/flexrun/orchestrator/event"
)

// wireEvent is the JSON document written as one SSE frame's data field,
// mirroring event/pulse.Envelope's shape so both transports serialize a
// run's events identically.
type wireEvent struct {
	RunID       string         `json:"runId"`
	NodeID      string         `json:"nodeId,omitempty"`
	PlanVersion int            `json:"planVersion,omitempty"`
	Timestamp   string         `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// WriteEvent encodes evt as one SSE frame (`event: <type>` followed by a
// JSON `data:` line) and writes it to w, flushing immediately if w
// implements http.Flusher.
func WriteEvent(w http.ResponseWriter, evt event.Event) error {
	payload, err := json.Marshal(wireEvent{
		RunID:       evt.RunID,
		NodeID:      evt.NodeID,
		PlanVersion: evt.PlanVersion,
		Timestamp:   evt.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Payload:     evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// ResponseSink adapts an http.ResponseWriter into an event.Sink: every
// Send call writes and flushes one SSE frame. Construct one per
// connection and attach it to an event/fanout.Hub for the run being
// streamed.
type ResponseSink struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	closed bool
}

// NewResponseSink sets the SSE response headers on w and returns a Sink
// that writes frames to it. w must support http.Flusher; NewResponseSink
// returns an error otherwise so the caller can fall back to a
// non-streaming response.
func NewResponseSink(w http.ResponseWriter) (*ResponseSink, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, errors.New("sse: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return &ResponseSink{w: w}, nil
}

// Send implements event.Sink. Once Close has been called Send is a no-op,
// since the underlying connection may already be gone.
func (s *ResponseSink) Send(_ context.Context, evt event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return WriteEvent(s.w, evt)
}

// Close marks the sink closed. The HTTP connection itself is closed by the
// caller returning from its handler, not by Close.
func (s *ResponseSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
