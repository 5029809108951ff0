// Package anthropic implements planner.Planner on top of the Anthropic
// Claude Messages API, asking the model to produce a PlannerDraft as a
// single JSON tool call. Grounded on
// features/model/anthropic/client.go's MessagesClient-interface-for-
// testability pattern and Options struct (DefaultModel/MaxTokens/
// Temperature), adapted from a multi-turn chat completion client to a
// single-shot structured-draft request.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flexrun/orchestrator/planner"
)

// draftToolName is the name of the single tool the model is forced to call
// to emit its plan draft as structured JSON.
const draftToolName = "emit_plan_draft"

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, satisfied by *sdk.MessageService so tests can supply a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter.
type Options struct {
	Client      MessagesClient
	Model       string
	MaxTokens   int
	Temperature float64
	Backoff     *planner.Backoff
}

// Adapter implements planner.Planner.
type Adapter struct {
	client      MessagesClient
	model       string
	maxTokens   int
	temperature float64
	backoff     *planner.Backoff
}

// New validates opts and builds an Adapter.
func New(opts Options) (*Adapter, error) {
	if opts.Client == nil {
		return nil, errors.New("anthropic: client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Adapter{
		client:      opts.Client,
		model:       opts.Model,
		maxTokens:   maxTokens,
		temperature: opts.Temperature,
		backoff:     opts.Backoff,
	}, nil
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
	params := sdk.MessageNewParams{
		MaxTokens: int64(a.maxTokens),
		Model:     sdk.Model(a.model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(buildPrompt(req))),
		},
		Tools: []sdk.ToolUnionParam{
			toolWithDescription(sdk.ToolUnionParamOfTool(draftInputSchema(), draftToolName)),
		},
		ToolChoice: sdk.ToolChoiceParamOfTool(draftToolName),
	}
	if a.temperature > 0 {
		params.Temperature = sdk.Float(a.temperature)
	}

	msg, err := a.client.New(ctx, params)
	if err != nil {
		return planner.PlannerDraft{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type != "tool_use" || block.Name != draftToolName {
			continue
		}
		draft, err := decodeDraft(block.Input)
		if err != nil {
			return planner.PlannerDraft{}, fmt.Errorf("anthropic: decode draft: %w", err)
		}
		if err := planner.ValidateDraft(draft); err != nil {
			return planner.PlannerDraft{}, err
		}
		return draft, nil
	}
	return planner.PlannerDraft{}, errors.New("anthropic: response did not include a plan draft tool call")
}

func toolWithDescription(u sdk.ToolUnionParam) sdk.ToolUnionParam {
	if u.OfTool != nil {
		u.OfTool.Description = sdk.String("Emit the plan draft as structured JSON matching the orchestrator's draft schema.")
	}
	return u
}

func buildPrompt(req planner.PlanRequest) string {
	return fmt.Sprintf(
		"Objective: %s\nInputs: %v\nCapabilities available: %d\nProduce a plan draft via the %s tool.",
		req.Envelope.Objective, req.Envelope.Inputs, len(req.Registry.Capabilities), draftToolName,
	)
}

func decodeDraft(raw json.RawMessage) (planner.PlannerDraft, error) {
	var draft planner.PlannerDraft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return planner.PlannerDraft{}, err
	}
	return draft, nil
}

// draftInputSchema is the JSON-Schema tool input shape the model must
// follow, mirroring planner.PlannerDraft's field names.
func draftInputSchema() sdk.ToolInputSchemaParam {
	return sdk.ToolInputSchemaParam{
		ExtraFields: map[string]any{
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
		},
	}
}
