package main

import (
	"context"
	"fmt"

	"github.com/flexrun/orchestrator/capability"
	"github.com/flexrun/orchestrator/capabilityruntime/inprocess"
)

// demoRuntime wraps capabilityruntime/inprocess.Runtime with a
// convenience registrar for the zero-config demo capabilities: each one
// just echoes its declared inputs back under a facet name, enough to
// drive a run end to end without a real AI backend.
type demoRuntime struct {
	*inprocess.Runtime
}

func newDemoRuntime() *demoRuntime {
	return &demoRuntime{Runtime: inprocess.New()}
}

// registerEcho installs a handler for capabilityID that copies req.Inputs
// into the named output facet (or "summary" when echoFacet is blank),
// stringified and prefixed with the capability id.
func (d *demoRuntime) registerEcho(capabilityID, echoFacet string) {
	if echoFacet == "" {
		echoFacet = "summary"
	}
	d.Register(capabilityID, func(_ context.Context, req capability.InvokeRequest) (capability.InvokeResult, error) {
		return capability.InvokeResult{
			Output: map[string]any{
				echoFacet: fmt.Sprintf("%s: %v", capabilityID, req.Inputs),
			},
		}, nil
	})
}
