// Package telemetry defines the narrow Logger/Metrics/Tracer interfaces
// used across the orchestrator (run coordinator, execution engine,
// persistence, capability runtime adapters), plus no-op and Clue/OTEL
// backed implementations. Grounded on two complementary teacher sources
// that the retrieval pack never reconciled into one package:
// runtime/agents/telemetry/telemetry.go (the interface definitions) and
// runtime/agent/telemetry/{clue,noop}.go (Clue- and OTEL-backed, plus
// no-op, implementations of those same interface names, shipped in a
// sibling package that never actually declared them). This package
// merges the two into one coherent, self-contained definition.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the orchestrator.
// Implementations typically delegate to Clue but the interface is kept
// intentionally small so tests can supply lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter/timer/gauge helpers for orchestrator
// instrumentation (node dispatch latency, policy trigger counts, plan
// version, HITL pause duration).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so orchestrator code stays agnostic of
// the underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}
