// Package bedrock implements planner.Planner over the AWS Bedrock
// Converse API, forcing a single named tool call to obtain a structured
// PlannerDraft. Grounded on features/model/bedrock/client.go's
// RuntimeClient interface (matching *bedrockruntime.Client), its
// ToolConfiguration/ToolSpecification encoding, and its document.Interface
// use for JSON-schema tool input.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/flexrun/orchestrator/planner"
)

const draftToolName = "emit_plan_draft"

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
// required by the adapter, satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter.
type Options struct {
	Runtime RuntimeClient
	ModelID string
	Backoff *planner.Backoff
}

// Adapter implements planner.Planner.
type Adapter struct {
	runtime RuntimeClient
	modelID string
	backoff *planner.Backoff
}

// New validates opts and builds an Adapter.
func New(opts Options) (*Adapter, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.ModelID == "" {
		return nil, errors.New("bedrock: model id is required")
	}
	if opts.Backoff != nil && opts.Backoff.Retryable == nil {
		opts.Backoff.Retryable = isRetryable
	}
	return &Adapter{runtime: opts.Runtime, modelID: opts.ModelID, backoff: opts.Backoff}, nil
}

// isRetryable reports whether err represents a transient Bedrock condition
// worth retrying: provider throttling or a 429 response, mirroring
// features/model/bedrock/client.go's isRateLimited.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 429 || respErr.HTTPStatusCode() >= 500
	}
	return false
}

// Plan implements planner.Planner.
func (a *Adapter) Plan(ctx context.Context, req planner.PlanRequest) (planner.PlannerDraft, error) {
	call := func(ctx context.Context) (planner.PlannerDraft, error) {
		return a.callOnce(ctx, req)
	}
	if a.backoff != nil {
		return a.backoff.Do(ctx, call)
	}
	return call(ctx)
}

func (a *Adapter) callOnce(ctx context.Context, req planner.PlanRequest) (planner.PlannerDraft, error) {
	spec := brtypes.ToolSpecification{
		Name:        aws.String(draftToolName),
		Description: aws.String("Emit the plan draft as structured JSON matching the orchestrator's draft schema."),
		InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: draftSchemaDocument()},
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(a.modelID),
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: buildPrompt(req)}},
			},
		},
		ToolConfig: &brtypes.ToolConfiguration{
			Tools: []brtypes.Tool{&brtypes.ToolMemberToolSpec{Value: spec}},
			ToolChoice: &brtypes.ToolChoiceMemberTool{
				Value: brtypes.SpecificToolChoice{Name: aws.String(draftToolName)},
			},
		},
	}

	output, err := a.runtime.Converse(ctx, input)
	if err != nil {
		return planner.PlannerDraft{}, fmt.Errorf("bedrock: converse: %w", err)
	}

	msgOutput, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return planner.PlannerDraft{}, errors.New("bedrock: converse output did not contain a message")
	}
	for _, block := range msgOutput.Value.Content {
		toolUse, ok := block.(*brtypes.ContentBlockMemberToolUse)
		if !ok || aws.ToString(toolUse.Value.Name) != draftToolName {
			continue
		}
		raw, err := toolUse.Value.Input.MarshalSmithyDocument()
		if err != nil {
			return planner.PlannerDraft{}, fmt.Errorf("bedrock: marshal tool input: %w", err)
		}
		var draft planner.PlannerDraft
		if err := json.Unmarshal(raw, &draft); err != nil {
			return planner.PlannerDraft{}, fmt.Errorf("bedrock: decode draft: %w", err)
		}
		if err := planner.ValidateDraft(draft); err != nil {
			return planner.PlannerDraft{}, err
		}
		return draft, nil
	}
	return planner.PlannerDraft{}, errors.New("bedrock: response did not include a plan draft tool call")
}

func buildPrompt(req planner.PlanRequest) string {
	return fmt.Sprintf(
		"Objective: %s\nInputs: %v\nCapabilities available: %d\nProduce a plan draft via the %s tool.",
		req.Envelope.Objective, req.Envelope.Inputs, len(req.Registry.Capabilities), draftToolName,
	)
}

func draftSchemaDocument() document.Interface {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"nodes": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"kind":         map[string]any{"type": "string"},
						"capabilityId": map[string]any{"type": "string"},
						"label":        map[string]any{"type": "string"},
						"stage":        map[string]any{"type": "string"},
						"inputFacets":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"outputFacets": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required": []string{"kind"},
				},
			},
			"branchRequests": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"nodes"},
	}
	return document.NewLazyDocument(&schema)
}
