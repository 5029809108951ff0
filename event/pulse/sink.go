// Package pulse adapts event.Sink to goa.design/pulse streams, grounded on
// the teacher's features/stream/pulse/sink.go (the package doc comment on
// ./clients/pulse records the client wrapper's own lineage): services
// build a Redis-backed Pulse client, pass it to NewSink, and hand the
// resulting sink to the Run Coordinator. Unlike the agent runtime's
// session-scoped streams, a flex run's stream is keyed by run ID: one
// run's events all land on the same Pulse stream so a debug view or
// resumed subscriber can replay history in order (spec.md section 4.7's
// ordering guarantee).
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientpulse "github.com/flexrun/orchestrator/event/pulse/clients/pulse"

	"github.com/flexrun/orchestrator/event"
)

type (
	// Options configures the Pulse-backed event sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientpulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `run/<RunID>`.
		StreamID func(event.Event) (string, error)
		// MarshalEnvelope overrides envelope serialization (primarily for tests).
		MarshalEnvelope func(Envelope) ([]byte, error)
		// OnPublished, when set, is invoked after an event has been written to
		// the underlying Pulse stream. A returned error fails Send.
		OnPublished func(context.Context, PublishedEvent) error
	}

	// Sink publishes event.Event values into Pulse streams, one stream per
	// run. Safe for concurrent Send calls.
	Sink struct {
		client clientpulse.Client
		opts   sinkOptions
	}

	sinkOptions struct {
		streamID        func(event.Event) (string, error)
		marshalEnvelope func(Envelope) ([]byte, error)
		onPublished     func(context.Context, PublishedEvent) error
	}

	// Envelope is the JSON document stored in the Pulse stream entry for
	// one event.
	Envelope struct {
		Type        string         `json:"type"`
		RunID       string         `json:"runId"`
		NodeID      string         `json:"nodeId,omitempty"`
		PlanVersion int            `json:"planVersion,omitempty"`
		Timestamp   string         `json:"timestamp"`
		Payload     map[string]any `json:"payload,omitempty"`
	}

	// PublishedEvent describes an event successfully written to a Pulse
	// stream, carrying the concrete stream name and Redis-assigned entry ID.
	PublishedEvent struct {
		Event    event.Event
		StreamID string
		EntryID  string
	}
)

// NewSink constructs a Pulse-backed event.Sink. opts.Client is required;
// StreamID and MarshalEnvelope default to the built-in implementations.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
		onPublished:     opts.OnPublished,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{client: opts.Client, opts: cfg}, nil
}

// Send derives the run's Pulse stream, wraps evt in an Envelope, marshals
// it to JSON, and publishes it. Implements event.Sink.
func (s *Sink) Send(ctx context.Context, evt event.Event) error {
	streamID, err := s.opts.streamID(evt)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:        string(evt.Type),
		RunID:       evt.RunID,
		NodeID:      evt.NodeID,
		PlanVersion: evt.PlanVersion,
		Timestamp:   evt.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Payload:     evt.Payload,
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	entryID, err := handle.Add(ctx, env.Type, payload)
	if err != nil {
		return err
	}
	if cb := s.opts.onPublished; cb != nil {
		return cb(ctx, PublishedEvent{Event: evt, StreamID: streamID, EntryID: entryID})
	}
	return nil
}

// Close releases resources owned by the sink, delegating to the underlying
// Pulse client. Implements event.Sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(evt event.Event) (string, error) {
	if evt.RunID == "" {
		return "", errors.New("event missing run id")
	}
	return fmt.Sprintf("run/%s", evt.RunID), nil
}

func defaultMarshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
