// Package envelope defines the caller-visible input contract: the Envelope,
// its policies (handled by package runpolicy), its discriminated
// outputContract, and goal conditions. Grounded on apitypes' boundary-
// conversion discipline (ToRuntimeRunInput/FromRuntimeRunInput): envelope
// values are validated once at construction and never re-interpreted as
// loosely-typed JSON deeper in the system.
package envelope

import "fmt"

type (
	// Envelope is the caller's declarative task description (spec.md
	// section 3).
	Envelope struct {
		Objective           string
		Inputs              map[string]any
		Policies            RawPolicies
		SpecialInstructions []string
		Constraints         Constraints
		Metadata            Metadata
		OutputContract      OutputContract
		GoalCondition       []FacetCondition
	}

	// RawPolicies is the as-received policies object, canonical or legacy
	// shaped; package runpolicy normalizes it.
	RawPolicies map[string]any

	// Constraints carries resume/thread routing hints.
	Constraints struct {
		ResumeRunID          string
		ResumeThreadID       string
		ThreadID             string
		RequiresHitlApproval bool
	}

	// Metadata carries caller/tenant correlation identifiers.
	Metadata struct {
		ClientID      string
		ThreadID      string
		CorrelationID string
		RunID         string
	}

	// FacetCondition is a condition anchored to a facet and JSON pointer
	// path within it (spec.md section 3).
	FacetCondition struct {
		Facet     string
		Path      string
		DSL       string
		Canonical string
		JSONLogic any
		Warnings  []string
		Variables []string
	}

	// OutputContractMode discriminates OutputContract.
	OutputContractMode string

	// OutputContract is the tagged union describing how the run's final
	// output must be shaped.
	OutputContract struct {
		Mode         OutputContractMode
		Schema       map[string]any // mode == json_schema
		Facets       []string       // mode == facets
		Instructions string         // mode == freeform
	}
)

const (
	OutputContractJSONSchema OutputContractMode = "json_schema"
	OutputContractFacets     OutputContractMode = "facets"
	OutputContractFreeform   OutputContractMode = "freeform"
)

// Validate performs the envelope-validation step required before any
// persistence (spec.md section 7: "malformed envelope -> reject with
// HTTP-level 400 before any persistence").
func (e *Envelope) Validate() error {
	if e.Objective == "" {
		return fmt.Errorf("envelope: objective is required")
	}
	switch e.OutputContract.Mode {
	case OutputContractJSONSchema:
		if e.OutputContract.Schema == nil {
			return fmt.Errorf("envelope: json_schema output contract requires a schema")
		}
	case OutputContractFacets:
		if len(e.OutputContract.Facets) == 0 {
			return fmt.Errorf("envelope: facets output contract requires at least one facet")
		}
	case OutputContractFreeform:
		// Instructions may be empty; freeform is always valid.
	default:
		return fmt.Errorf("envelope: unknown output contract mode %q", e.OutputContract.Mode)
	}
	return nil
}
