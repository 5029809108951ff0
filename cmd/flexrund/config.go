package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flexrun/orchestrator/capability"
	"github.com/flexrun/orchestrator/envelope"
	"github.com/flexrun/orchestrator/facet"
)

// fileConfig is the on-disk shape of the -config YAML file: the set of
// capabilities the in-process demo runtime exposes and the facets the
// Plan Builder may compile contracts against. A production deployment
// would instead seed capability.Registry from its own service catalog;
// this file exists so cmd/flexrund is runnable standalone.
type fileConfig struct {
	Capabilities []capabilityConfig `yaml:"capabilities"`
	Facets       []facetConfig      `yaml:"facets"`
}

type capabilityConfig struct {
	ID             string   `yaml:"id"`
	DisplayName    string   `yaml:"displayName"`
	Kind           string   `yaml:"kind"`
	AgentType      string   `yaml:"agentType"`
	InputFacets    []string `yaml:"inputFacets"`
	OutputFacets   []string `yaml:"outputFacets"`
	EchoFacet      string   `yaml:"echoFacet"`
	PostConditions []struct {
		Facet string `yaml:"facet"`
		Path  string `yaml:"path"`
		DSL   string `yaml:"dsl"`
	} `yaml:"postConditions"`
}

type facetConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Direction   string `yaml:"direction"`
}

func loadConfig(path string) (fileConfig, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config %q: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// defaultConfig seeds a small demo capability catalog so the binary can
// accept a run with no -config flag at all.
func defaultConfig() fileConfig {
	return fileConfig{
		Capabilities: []capabilityConfig{
			{ID: "draft", DisplayName: "Draft a response", Kind: "execution", AgentType: "ai", OutputFacets: []string{"summary"}, EchoFacet: "summary"},
		},
	}
}

// buildRegistry converts the parsed capability configs into capability
// Records and registers a matching echo-style handler on rt for each,
// so a freshly started binary can run an end-to-end request without any
// external AI provider configured.
func buildRegistry(cfg fileConfig, rt *demoRuntime) capability.Registry {
	records := make([]capability.Record, 0, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		rec := capability.Record{
			CapabilityID: c.ID,
			DisplayName:  c.DisplayName,
			Kind:         capability.Kind(c.Kind),
			AgentType:    capability.AgentType(c.AgentType),
			InputFacets:  c.InputFacets,
			OutputFacets: c.OutputFacets,
			StatusField:  capability.StatusActive,
		}
		for _, pc := range c.PostConditions {
			rec.PostConditions = append(rec.PostConditions, envelope.FacetCondition{
				Facet: pc.Facet,
				Path:  pc.Path,
				DSL:   pc.DSL,
			})
		}
		records = append(records, rec)
		rt.registerEcho(c.ID, c.EchoFacet)
	}
	return capability.NewInMemoryRegistry(records)
}

func buildCatalog(cfg fileConfig) *facet.Catalog {
	descriptors := make([]facet.Descriptor, 0, len(cfg.Facets))
	for _, f := range cfg.Facets {
		descriptors = append(descriptors, facet.Descriptor{
			Name:        f.Name,
			Description: f.Description,
			Direction:   facet.Direction(f.Direction),
		})
	}
	return facet.NewCatalog(descriptors)
}
