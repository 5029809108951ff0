package main

import (
	"context"
	"fmt"
	"os"

	sdk "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/flexrun/orchestrator/planner"
	planneranthropic "github.com/flexrun/orchestrator/planner/anthropic"
	plannerbedrock "github.com/flexrun/orchestrator/planner/bedrock"
	planneropenai "github.com/flexrun/orchestrator/planner/openai"
)

// stubPlanner always proposes a single execution node against the first
// registered capability, mirroring the teacher's cmd/demo stubPlanner:
// enough to drive a run end to end with no external model provider
// configured.
type stubPlanner struct {
	capabilityID string
	outputFacets []string
}

func (p *stubPlanner) Plan(_ context.Context, _ planner.PlanRequest) (planner.PlannerDraft, error) {
	return planner.PlannerDraft{
		Nodes: []planner.DraftNode{
			{Kind: "execution", CapabilityID: p.capabilityID, OutputFacets: p.outputFacets},
		},
	}, nil
}

// buildPlanner selects a planner.Planner implementation by name. "stub"
// needs no credentials; "anthropic" and "openai" read their provider's
// API key environment variable and fail fast if it is unset; "bedrock"
// uses static AWS credentials from the environment when set and the
// default AWS credential chain otherwise.
func buildPlanner(name, model string, cfg fileConfig) (planner.Planner, error) {
	switch name {
	case "", "stub":
		if len(cfg.Capabilities) == 0 {
			return nil, fmt.Errorf("planner: stub planner requires at least one configured capability")
		}
		first := cfg.Capabilities[0]
		return &stubPlanner{capabilityID: first.ID, outputFacets: first.OutputFacets}, nil

	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("planner: ANTHROPIC_API_KEY is required for -planner=anthropic")
		}
		client := sdk.NewClient(anthropicopt.WithAPIKey(apiKey))
		return planneranthropic.New(planneranthropic.Options{Client: &client.Messages, Model: model})

	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("planner: OPENAI_API_KEY is required for -planner=openai")
		}
		client := openai.NewClient(openaiopt.WithAPIKey(apiKey))
		return planneropenai.New(planneropenai.Options{Client: &client.Chat.Completions, Model: model})

	case "bedrock":
		ctx := context.Background()
		var optFns []func(*config.LoadOptions) error
		// Explicit static credentials take priority over the default chain
		// (IAM role, env vars, ~/.aws/credentials), mirroring how a caller
		// without an ambient AWS profile still reaches Bedrock.
		if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
			secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
			if secretKey == "" {
				return nil, fmt.Errorf("planner: AWS_SECRET_ACCESS_KEY is required alongside AWS_ACCESS_KEY_ID for -planner=bedrock")
			}
			sessionToken := os.Getenv("AWS_SESSION_TOKEN")
			provider := credentials.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken)
			optFns = append(optFns, config.WithCredentialsProvider(provider))
		}
		if region := os.Getenv("AWS_REGION"); region != "" {
			optFns = append(optFns, config.WithRegion(region))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
		if err != nil {
			return nil, fmt.Errorf("planner: load AWS config for -planner=bedrock: %w", err)
		}
		rt := bedrockruntime.NewFromConfig(awsCfg)
		return plannerbedrock.New(plannerbedrock.Options{Runtime: rt, ModelID: model})

	default:
		return nil, fmt.Errorf("planner: unknown -planner %q (want stub, anthropic, openai, or bedrock)", name)
	}
}
