// Package capability implements the Capability Registry (spec.md component
// C5): lookup of capability descriptors by id, plus the CapabilityRuntime
// boundary the core assumes for actually invoking a capability. Grounded
// on registry/service.go and registry/store (Store interface with a
// store/memory default) for the registry shape.
package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/flexrun/orchestrator/envelope"
)

type (
	// Kind is a capability's declared role in a plan.
	Kind string

	// AgentType discriminates whether a capability is executed by an AI
	// backend or routed to a human.
	AgentType string

	// Status is the declared lifecycle state of a capability record.
	Status string

	// Record is a CapabilityRecord (spec.md section 3): a capability's
	// static descriptor as known to the registry.
	Record struct {
		CapabilityID        string
		Version             string
		DisplayName         string
		Summary             string
		Kind                Kind
		AgentType           AgentType
		InputContract       map[string]any
		OutputContract      map[string]any
		InputFacets         []string
		OutputFacets        []string
		PostConditions      []envelope.FacetCondition
		AssignmentDefaults  map[string]any
		Metadata            map[string]any
		StatusField         Status
	}

	// Registry is the lookup-by-id interface the Plan Builder and
	// Execution Engine depend on; package capability does not otherwise
	// prescribe how records are populated.
	Registry interface {
		Lookup(ctx context.Context, capabilityID string) (Record, bool, error)
		Snapshot(ctx context.Context) ([]Record, error)
	}

	// InMemoryRegistry is the reference Registry implementation, grounded
	// on registry/store's memory-backed Store.
	InMemoryRegistry struct {
		mu      sync.RWMutex
		records map[string]Record
	}
)

const (
	KindExecution      Kind = "execution"
	KindStructuring    Kind = "structuring"
	KindValidation     Kind = "validation"
	KindTransformation Kind = "transformation"

	AgentTypeAI    AgentType = "ai"
	AgentTypeHuman AgentType = "human"

	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// NewInMemoryRegistry builds an in-memory registry seeded with records.
func NewInMemoryRegistry(records []Record) *InMemoryRegistry {
	r := &InMemoryRegistry{records: make(map[string]Record, len(records))}
	for _, rec := range records {
		r.records[rec.CapabilityID] = rec
	}
	return r
}

// Lookup returns the record for capabilityID, if declared and active.
func (r *InMemoryRegistry) Lookup(_ context.Context, capabilityID string) (Record, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[capabilityID]
	return rec, ok && rec.StatusField != StatusInactive, nil
}

// Snapshot returns every registered record (active and inactive).
func (r *InMemoryRegistry) Snapshot(_ context.Context) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out, nil
}

// Put registers or replaces a record, used by tests and by registry
// bootstrapping at service startup.
func (r *InMemoryRegistry) Put(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.CapabilityID] = rec
}

// InvokeRequest is the structured request handed to a CapabilityRuntime,
// derived from a node's ContextBundle.
type InvokeRequest struct {
	RunID        string
	NodeID       string
	CapabilityID string
	Objective    string
	Instructions []string
	Inputs       map[string]any
	Policies     map[string]any
	Contract     map[string]any
	Facets       map[string]any
	Metadata     map[string]any
}

// InvokeResult is a capability invocation's structured output.
type InvokeResult struct {
	Output map[string]any
}

// Runtime is the CapabilityRuntime boundary the core assumes (spec.md
// section 1): given a node bundle, return structured output. Concrete
// adapters live in package capabilityruntime (in-process and gRPC).
type Runtime interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)
}

// ErrCapabilityNotFound is returned when the Plan Builder encounters an
// execution-kind draft node whose capability id the registry does not
// know (spec.md section 4.5: "reject if kind=execution and the
// capability id is unknown").
type ErrCapabilityNotFound struct {
	CapabilityID string
}

func (e *ErrCapabilityNotFound) Error() string {
	return fmt.Sprintf("capability: unknown capability id %q", e.CapabilityID)
}
