package facet_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flexrun/orchestrator/facet"
)

func sampleCatalog() *facet.Catalog {
	return facet.NewCatalog([]facet.Descriptor{
		{
			Name:        "copyVariants",
			Description: "Copy Variants",
			Direction:   facet.DirectionOutput,
			SchemaFragment: map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		{
			Name:        "objective",
			Description: "Objective",
			Direction:   facet.DirectionInput,
			SchemaFragment: map[string]any{"type": "string"},
		},
	})
}

func TestCompileDropsMisdirectedFacets(t *testing.T) {
	catalog := sampleCatalog()
	result := catalog.Compile([]string{"copyVariants"}, []string{"objective"})
	require.ElementsMatch(t, []string{"copyVariants", "objective"}, result.Dropped)
	require.Empty(t, result.Contract.Provenance)
}

func TestCompileBuildsContractWithProvenance(t *testing.T) {
	catalog := sampleCatalog()
	result := catalog.Compile([]string{"objective"}, []string{"copyVariants"})
	require.Empty(t, result.Dropped)
	require.Len(t, result.Contract.Provenance, 2)
	props := result.Contract.Schema["properties"].(map[string]any)
	require.Contains(t, props, "objective")
	require.Contains(t, props, "copyVariants")
}

func TestValidateJSONSchema(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"variants": map[string]any{
				"type":     "array",
				"minItems": 2,
			},
		},
		"required": []any{"variants"},
	}
	require.NoError(t, facet.ValidateJSONSchema(schema, map[string]any{
		"variants": []string{"a", "b"},
	}))
	require.Error(t, facet.ValidateJSONSchema(schema, map[string]any{
		"variants": []string{"a"},
	}))
}
