// Package runcontext implements the Run Context (spec.md component C3): an
// in-memory, provenance-tracked facet store for a single run, its
// clarification log, and final-output composition. Grounded on
// runtime/agent/run/snapshot.go's "Snapshot is a derived view ... not
// stored directly" discipline: Snapshot is read-only and a deep copy, so
// callers can safely hand it to persistence or to a capability's
// ContextBundle without risk of a later facet update mutating what they
// already observed.
package runcontext

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flexrun/orchestrator/envelope"
)

type (
	// Provenance records one contribution to a facet's current value.
	Provenance struct {
		NodeID       string
		CapabilityID string
		Rationale    string
		Timestamp    time.Time
	}

	// Facet is one entry in the run context: a current value, when it was
	// last updated, and the append-only chain of updates that produced it.
	Facet struct {
		Name       string
		Value      any
		UpdatedAt  time.Time
		Provenance []Provenance
	}

	// Clarification records one HITL clarification question/answer pair
	// raised during a run.
	Clarification struct {
		RequestID  string
		NodeID     string
		Question   string
		AskedAt    time.Time
		Answer     string
		Denied     bool
		AnsweredAt time.Time
		Answered   bool
	}

	// Node is the minimal view of a plan node that UpdateFromNode needs:
	// its id, capability id and declared output facets. Defined here
	// (rather than importing package plan) to keep runcontext free of a
	// dependency on the plan package; plan.Node holds these as data
	// fields, so exec and coordinator wrap it in adapters that satisfy
	// this interface.
	Node interface {
		ID() string
		CapabilityID() string
		OutputFacets() []string
	}

	// Snapshot is an immutable, deep-copied view of a Context at a point in
	// time. Mutating a Snapshot's maps/slices never affects the live
	// Context, and later Context mutations never affect an already-taken
	// Snapshot (spec.md section 3: "Snapshots are deep copies; mutation of
	// a snapshot never affects the live store").
	Snapshot struct {
		RunID          string
		Facets         map[string]Facet
		Clarifications []Clarification
		TakenAt        time.Time
	}

	// Context is the live, mutable facet store for one run. It is safe for
	// concurrent use.
	Context struct {
		mu             sync.Mutex
		runID          string
		facets         map[string]*Facet
		clarifications []*Clarification
	}
)

// New creates an empty run context for runID.
func New(runID string) *Context {
	return &Context{
		runID:  runID,
		facets: make(map[string]*Facet),
	}
}

// UpdateFacet creates or overwrites a facet's current value and appends a
// provenance entry. A facet is created on first UpdateFacet and is never
// deleted (spec.md section 3).
func (c *Context) UpdateFacet(name string, value any, provenance Provenance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.facets[name]
	if !ok {
		f = &Facet{Name: name}
		c.facets[name] = f
	}
	f.Value = value
	f.UpdatedAt = provenance.Timestamp
	f.Provenance = append(f.Provenance, provenance)
}

// UpdateFromNode applies a completed node's output to the run context
// following the three-rule precedence in spec.md section 4.3:
//  1. for each declared output facet f, if output has a property named f,
//     store output[f] under f;
//  2. else if the node declares exactly one output facet, store the whole
//     output object under that facet (single-facet passthrough);
//  3. else do nothing — missing facet coverage is surfaced by
//     post-conditions or goal conditions, not here.
func (c *Context) UpdateFromNode(node Node, output map[string]any, at time.Time) {
	facets := node.OutputFacets()
	prov := Provenance{NodeID: node.ID(), CapabilityID: node.CapabilityID(), Timestamp: at}

	matched := false
	for _, f := range facets {
		if v, ok := output[f]; ok {
			c.UpdateFacet(f, v, prov)
			matched = true
		}
	}
	if matched {
		return
	}
	if len(facets) == 1 {
		c.UpdateFacet(facets[0], output, prov)
	}
}

// GetFacet returns the current facet value, if any facet by that name has
// ever been set.
func (c *Context) GetFacet(name string) (Facet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.facets[name]
	if !ok {
		return Facet{}, false
	}
	return deepCopyFacet(*f), true
}

// RecordClarificationQuestion appends a pending clarification to the log.
func (c *Context) RecordClarificationQuestion(requestID, nodeID, question string, askedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clarifications = append(c.clarifications, &Clarification{
		RequestID: requestID,
		NodeID:    nodeID,
		Question:  question,
		AskedAt:   askedAt,
	})
}

// RecordClarificationAnswer records the resolution of a previously-asked
// clarification. denied marks a HITL "denied" resolution rather than a
// substantive answer. ClarificationCount(true) counts denied
// clarifications and ClarificationCount(false) leaves them out; no caller
// enforces a per-run clarification limit.
func (c *Context) RecordClarificationAnswer(requestID, answer string, denied bool, answeredAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.clarifications {
		if cl.RequestID == requestID {
			cl.Answer = answer
			cl.Denied = denied
			cl.Answered = true
			cl.AnsweredAt = answeredAt
			return nil
		}
	}
	return fmt.Errorf("runcontext: no clarification pending for request %q", requestID)
}

// ClarificationCount returns the number of clarifications recorded so far,
// optionally excluding denied ones.
func (c *Context) ClarificationCount(countDenied bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if countDenied {
		return len(c.clarifications)
	}
	n := 0
	for _, cl := range c.clarifications {
		if !cl.Denied {
			n++
		}
	}
	return n
}

// Snapshot returns a deep-copied, immutable view of the context.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	facets := make(map[string]Facet, len(c.facets))
	for name, f := range c.facets {
		facets[name] = deepCopyFacet(*f)
	}
	clars := make([]Clarification, 0, len(c.clarifications))
	for _, cl := range c.clarifications {
		clars = append(clars, *cl)
	}
	return Snapshot{
		RunID:          c.runID,
		Facets:         facets,
		Clarifications: clars,
		TakenAt:        time.Now(),
	}
}

// LastNodeOutputFacet is satisfied by a plan so composeFinalOutput's
// json_schema fallback rule can name the last node's single output facet
// without runcontext importing package plan.
type LastNodeOutputFacet interface {
	LastNodeSingleOutputFacet() (string, bool)
}

// ComposeFinalOutput projects the run context into the run's declared
// output contract (spec.md section 4.3):
//   - facets mode: pick each listed facet's current value; omit missing.
//   - json_schema mode: project facets whose names intersect the schema's
//     top-level properties; if none present, fall back to the last plan
//     node's single output facet, when the plan exposes one.
//   - freeform: always {}.
func (c *Context) ComposeFinalOutput(contract envelope.OutputContract, plan LastNodeOutputFacet) map[string]any {
	snap := c.Snapshot()
	switch contract.Mode {
	case envelope.OutputContractFacets:
		out := map[string]any{}
		for _, name := range contract.Facets {
			if f, ok := snap.Facets[name]; ok {
				out[name] = f.Value
			}
		}
		return out
	case envelope.OutputContractJSONSchema:
		props, _ := contract.Schema["properties"].(map[string]any)
		out := map[string]any{}
		for name := range props {
			if f, ok := snap.Facets[name]; ok {
				out[name] = f.Value
			}
		}
		if len(out) > 0 {
			return out
		}
		if plan != nil {
			if name, ok := plan.LastNodeSingleOutputFacet(); ok {
				if f, ok := snap.Facets[name]; ok {
					return map[string]any{name: f.Value}
				}
			}
		}
		return out
	case envelope.OutputContractFreeform:
		return map[string]any{}
	default:
		return map[string]any{}
	}
}

// deepCopyFacet round-trips a facet's value through JSON to produce an
// independent copy, mirroring apitypes' codec-based copy helpers.
func deepCopyFacet(f Facet) Facet {
	cp := Facet{Name: f.Name, UpdatedAt: f.UpdatedAt}
	cp.Value = deepCopyValue(f.Value)
	cp.Provenance = append([]Provenance(nil), f.Provenance...)
	return cp
}

func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
