// Package inprocess implements capability.Runtime by dispatching directly
// to in-process Go handlers, for embedding the orchestrator and a
// capability implementation in the same process (demos, tests, single-
// binary deployments). Grounded on plugin.go's in-process tool-dispatch
// table in the teacher repo.
package inprocess

import (
	"context"
	"fmt"
	"sync"

	"github.com/flexrun/orchestrator/capability"
)

// Handler invokes one capability given a structured request.
type Handler func(ctx context.Context, req capability.InvokeRequest) (capability.InvokeResult, error)

// Runtime dispatches InvokeRequest.CapabilityID to a registered Handler.
type Runtime struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New builds an empty in-process runtime.
func New() *Runtime {
	return &Runtime{handlers: make(map[string]Handler)}
}

// Register binds capabilityID to handler, overwriting any prior binding.
func (r *Runtime) Register(capabilityID string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[capabilityID] = handler
}

// Invoke implements capability.Runtime.
func (r *Runtime) Invoke(ctx context.Context, req capability.InvokeRequest) (capability.InvokeResult, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.CapabilityID]
	r.mu.RUnlock()
	if !ok {
		return capability.InvokeResult{}, fmt.Errorf("inprocess: no handler registered for capability %q", req.CapabilityID)
	}
	return h(ctx, req)
}
