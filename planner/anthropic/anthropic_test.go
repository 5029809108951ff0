package anthropic_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexrun/orchestrator/planner"
	"github.com/flexrun/orchestrator/planner/anthropic"
)

type fakeMessagesClient struct {
	resp *sdk.Message
	err  error
	reqs []sdk.MessageNewParams
}

func (f *fakeMessagesClient) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	f.reqs = append(f.reqs, body)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func toolUseMessage(t *testing.T, name string, input any) *sdk.Message {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", Name: name, Input: json.RawMessage(raw)},
		},
	}
}

func TestNewRejectsMissingClient(t *testing.T) {
	_, err := anthropic.New(anthropic.Options{Model: "claude-x"})
	require.Error(t, err)
}

func TestNewRejectsMissingModel(t *testing.T) {
	_, err := anthropic.New(anthropic.Options{Client: &fakeMessagesClient{}})
	require.Error(t, err)
}

func TestPlanDecodesDraftFromToolUseBlock(t *testing.T) {
	client := &fakeMessagesClient{
		resp: toolUseMessage(t, "emit_plan_draft", planner.PlannerDraft{
			Nodes: []planner.DraftNode{{Kind: "execution", CapabilityID: "cap.lookup"}},
		}),
	}
	a, err := anthropic.New(anthropic.Options{Client: client, Model: "claude-x"})
	require.NoError(t, err)

	draft, err := a.Plan(context.Background(), planner.PlanRequest{})
	require.NoError(t, err)
	require.Len(t, draft.Nodes, 1)
	assert.Equal(t, "cap.lookup", draft.Nodes[0].CapabilityID)
	require.Len(t, client.reqs, 1)
	assert.Equal(t, sdk.ToolChoiceParamOfTool("emit_plan_draft"), client.reqs[0].ToolChoice)
}

func TestPlanRejectsInvalidDraft(t *testing.T) {
	client := &fakeMessagesClient{
		resp: toolUseMessage(t, "emit_plan_draft", planner.PlannerDraft{}),
	}
	a, err := anthropic.New(anthropic.Options{Client: client, Model: "claude-x"})
	require.NoError(t, err)

	_, err = a.Plan(context.Background(), planner.PlanRequest{})
	require.Error(t, err)
	var verr *planner.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestPlanErrorsWhenNoToolUseBlockPresent(t *testing.T) {
	client := &fakeMessagesClient{resp: &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text"}}}}
	a, err := anthropic.New(anthropic.Options{Client: client, Model: "claude-x"})
	require.NoError(t, err)

	_, err = a.Plan(context.Background(), planner.PlanRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not include a plan draft")
}

func TestPlanPropagatesClientError(t *testing.T) {
	client := &fakeMessagesClient{err: errors.New("upstream down")}
	a, err := anthropic.New(anthropic.Options{Client: client, Model: "claude-x"})
	require.NoError(t, err)

	_, err = a.Plan(context.Background(), planner.PlanRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}
