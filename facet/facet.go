// Package facet implements the Facet Catalog & Contract Compiler (spec.md
// component C2): compiling declared facet name lists into JSON-Schema
// object contracts with provenance, and validating json_schema output
// contracts with a Draft-07 validator. Grounded on registry/service.go's
// validateToolSchemas and its use of santhosh-tekuri/jsonschema/v6 in the
// teacher repo.
package facet

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Direction is the declared facet direction.
	Direction string

	// Descriptor is one entry in the facet catalog.
	Descriptor struct {
		Name           string
		Description    string
		Semantics      string
		Direction      Direction
		SchemaFragment map[string]any
	}

	// Catalog indexes facet descriptors by name.
	Catalog struct {
		descriptors map[string]Descriptor
	}

	// Provenance describes one facet's contribution to a compiled contract,
	// used to build HITL prompts.
	Provenance struct {
		Facet     string
		Title     string
		Direction Direction
		Pointer   string
	}

	// Contract is a compiled JSON-Schema object contract plus its facet
	// provenance.
	Contract struct {
		Schema     map[string]any
		Provenance []Provenance
	}
)

const (
	DirectionInput         Direction = "input"
	DirectionOutput        Direction = "output"
	DirectionBidirectional Direction = "bidirectional"
)

// NewCatalog builds a facet catalog from a slice of descriptors.
func NewCatalog(descriptors []Descriptor) *Catalog {
	c := &Catalog{descriptors: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		c.descriptors[d.Name] = d
	}
	return c
}

// Lookup returns the descriptor for name, if declared.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	if c == nil {
		return Descriptor{}, false
	}
	d, ok := c.descriptors[name]
	return d, ok
}

// Compile builds a JSON-Schema object contract from inputFacets and
// outputFacets (spec.md section 4.2). Facets are filtered by declared
// direction: an input-only facet requested as an output (or vice versa) is
// dropped and reported in Dropped rather than causing an error ("misuse is
// logged and dropped").
type CompileResult struct {
	Contract *Contract
	Dropped  []string
}

// Compile compiles the facet contract for a node given the facets it
// declares in each direction.
func (c *Catalog) Compile(inputFacets, outputFacets []string) CompileResult {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	properties := schema["properties"].(map[string]any)
	var provenance []Provenance
	var dropped []string
	var required []string

	add := func(name string, dir Direction) {
		d, ok := c.Lookup(name)
		if !ok {
			// Unknown facets compile to a permissive object fragment; the
			// catalog is advisory, not exhaustive, at plan-build time.
			properties[name] = map[string]any{}
			provenance = append(provenance, Provenance{Facet: name, Title: name, Direction: dir, Pointer: "/" + name})
			required = append(required, name)
			return
		}
		if d.Direction != DirectionBidirectional && d.Direction != dir {
			dropped = append(dropped, name)
			return
		}
		frag := d.SchemaFragment
		if frag == nil {
			frag = map[string]any{}
		}
		properties[name] = frag
		title := d.Description
		if title == "" {
			title = name
		}
		provenance = append(provenance, Provenance{Facet: name, Title: title, Direction: dir, Pointer: "/" + name})
		required = append(required, name)
	}
	for _, f := range inputFacets {
		add(f, DirectionInput)
	}
	for _, f := range outputFacets {
		add(f, DirectionOutput)
	}
	if len(required) > 0 {
		schema["required"] = dedupe(required)
	}
	return CompileResult{Contract: &Contract{Schema: schema, Provenance: provenance}, Dropped: dropped}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ValidateJSONSchema validates value against a Draft-07 JSON Schema document
// (used both for facet-compiled contracts and caller-supplied json_schema
// output contracts).
func ValidateJSONSchema(schema map[string]any, value any) error {
	// jsonschema.Compiler.AddResource takes an already-decoded JSON document
	// (map[string]any/[]any/...), so round-trip both schema and value through
	// JSON to normalize Go-native types into the shapes the validator expects,
	// matching the teacher's validateSchemaBytes/validateExampleAgainstSchema
	// pattern in codegen/agent/tests/tool_specs_schema_validation_test.go.
	schemaRaw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("facet: marshal schema: %w", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaRaw, &schemaDoc); err != nil {
		return fmt.Errorf("facet: unmarshal schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("facet: add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("facet: compile schema: %w", err)
	}

	valueRaw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("facet: marshal value: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(valueRaw, &decoded); err != nil {
		return fmt.Errorf("facet: unmarshal value: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("facet: schema validation failed: %w", err)
	}
	return nil
}
