// Package openai implements planner.Planner on top of the OpenAI Chat
// Completions API using an OpenAI-compatible tool call to force a
// structured PlannerDraft response. Grounded on
// features/model/openai/client.go's Options{Client, DefaultModel} /
// ChatClient-interface-for-testability shape; the teacher's openai
// package itself wraps github.com/sashabaranov/go-openai, a dependency
// the teacher's own go.mod no longer declares, so this adapter targets
// github.com/openai/openai-go (the SDK actually listed in go.mod) instead
// — see DESIGN.md.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/flexrun/orchestrator/planner"
)

const draftToolName = "emit_plan_draft"

// ChatClient captures the subset of the OpenAI SDK used by the adapter,
// satisfied by the real client's Chat.Completions service so tests can
// supply a fake.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the adapter.
type Options struct {
	Client  ChatClient
	Model   string
	Backoff *planner.Backoff
}

// Adapter implements planner.Planner.
type Adapter struct {
	client  ChatClient
	model   string
	backoff *planner.Backoff
}

// New validates opts and builds an Adapter.
func New(opts Options) (*Adapter, error) {
	if opts.Client == nil {
		return nil, errors.New("openai: client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	return &Adapter{client: opts.Client, model: opts.Model, backoff: opts.Backoff}, nil
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
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(a.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(buildPrompt(req)),
		},
		Tools: []openai.ChatCompletionToolParam{
			{
				Function: openai.FunctionDefinitionParam{
					Name:        draftToolName,
					Description: openai.String("Emit the plan draft as structured JSON matching the orchestrator's draft schema."),
					Parameters:  draftParameters(),
				},
			},
		},
		ToolChoice: openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: draftToolName},
			},
		},
	}

	completion, err := a.client.New(ctx, params)
	if err != nil {
		return planner.PlannerDraft{}, fmt.Errorf("openai: chat completions: %w", err)
	}
	if len(completion.Choices) == 0 {
		return planner.PlannerDraft{}, errors.New("openai: response contained no choices")
	}

	for _, call := range completion.Choices[0].Message.ToolCalls {
		if call.Function.Name != draftToolName {
			continue
		}
		var draft planner.PlannerDraft
		if err := json.Unmarshal([]byte(call.Function.Arguments), &draft); err != nil {
			return planner.PlannerDraft{}, fmt.Errorf("openai: decode draft: %w", err)
		}
		if err := planner.ValidateDraft(draft); err != nil {
			return planner.PlannerDraft{}, err
		}
		return draft, nil
	}
	return planner.PlannerDraft{}, errors.New("openai: response did not include a plan draft tool call")
}

func buildPrompt(req planner.PlanRequest) string {
	return fmt.Sprintf(
		"Objective: %s\nInputs: %v\nCapabilities available: %d\nProduce a plan draft via the %s tool.",
		req.Envelope.Objective, req.Envelope.Inputs, len(req.Registry.Capabilities), draftToolName,
	)
}

func draftParameters() openai.FunctionParameters {
	return openai.FunctionParameters{
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
}
