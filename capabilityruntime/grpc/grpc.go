// Package grpc implements capability.Runtime over a gRPC connection to an
// out-of-process capability host, using google.protobuf.Struct as the
// wire message so the orchestrator never needs capability-specific
// generated stubs — a capability's request/response shape is exactly the
// dynamic JSON tree the core already treats opaquely (spec.md section 9:
// "never leak it into typed code paths beyond those boundaries"). Grounded
// on example/cmd/assistant/grpc.go's grpc.NewServer/ChainUnaryInterceptor
// wiring in the teacher repo, adapted from a generated-stub server to a
// structpb-based generic client since no capability proto is fixed ahead
// of time.
package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flexrun/orchestrator/capability"
)

// Method is the fixed full gRPC method name every capability host serves.
const Method = "/flexrun.capability.v1.CapabilityRuntime/Invoke"

// Runtime implements capability.Runtime over a single gRPC client
// connection. One Runtime can be shared across capability ids; the
// capability id travels in the request payload and the host is expected
// to route internally.
type Runtime struct {
	conn *grpc.ClientConn
}

// New wraps an established *grpc.ClientConn. Connection lifecycle (dial
// options, credentials, retry policy) is the caller's concern.
func New(conn *grpc.ClientConn) *Runtime {
	return &Runtime{conn: conn}
}

// Invoke implements capability.Runtime by marshaling req into a
// google.protobuf.Struct, invoking Method, and unmarshaling the response
// Struct's "output" field back into a map.
func (r *Runtime) Invoke(ctx context.Context, req capability.InvokeRequest) (capability.InvokeResult, error) {
	reqStruct, err := structpb.NewStruct(map[string]any{
		"runId":        req.RunID,
		"nodeId":       req.NodeID,
		"capabilityId": req.CapabilityID,
		"objective":    req.Objective,
		"instructions": toAnySlice(req.Instructions),
		"inputs":       req.Inputs,
		"policies":     req.Policies,
		"contract":     req.Contract,
		"facets":       req.Facets,
		"metadata":     req.Metadata,
	})
	if err != nil {
		return capability.InvokeResult{}, fmt.Errorf("capabilityruntime/grpc: marshal request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, Method, reqStruct, resp); err != nil {
		return capability.InvokeResult{}, fmt.Errorf("capabilityruntime/grpc: invoke %s: %w", req.CapabilityID, err)
	}

	output, ok := resp.AsMap()["output"].(map[string]any)
	if !ok {
		return capability.InvokeResult{}, fmt.Errorf("capabilityruntime/grpc: response missing object field %q", "output")
	}
	return capability.InvokeResult{Output: output}, nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
