// Package anthropic runs subagent tasks as a single Messages API call.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/fentz26/fleet/internal/connectors"
)

// Approximate per-million-token pricing used for run cost estimates.
const (
	inputPricePerMTok  = 3.0
	outputPricePerMTok = 15.0
)

// Config holds connector settings.
type Config struct {
	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey string
	// DefaultModel is used when a run names no model.
	DefaultModel string
	MaxTokens    int64
	// UseBedrock routes calls through AWS Bedrock using the default AWS
	// credential chain.
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// Connector executes runs against the Anthropic Messages API.
type Connector struct {
	client       sdk.Client
	defaultModel sdk.Model
	maxTokens    int64
	bedrock      bool
}

// New creates a connector.
func New(ctx context.Context, cfg Config) (*Connector, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("anthropic: no API key configured")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := sdk.Model(cfg.DefaultModel)
	if model == "" {
		model = sdk.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &Connector{
		client:       sdk.NewClient(opts...),
		defaultModel: model,
		maxTokens:    maxTokens,
		bedrock:      cfg.UseBedrock,
	}, nil
}

// Name returns the execution mode this connector serves.
func (c *Connector) Name() string {
	return "anthropic"
}

// Run sends the run's task as one user message and returns the text reply.
func (c *Connector) Run(ctx context.Context, req connectors.Request) (*connectors.Response, error) {
	model := c.defaultModel
	if req.Model != "" {
		model = sdk.Model(req.Model)
	}
	if c.bedrock {
		model = bedrockModel(model)
	}

	resp, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     model,
		MaxTokens: c.maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(sdk.TextBlock); ok {
			if out.Len() > 0 {
				out.WriteString("\n")
			}
			out.WriteString(variant.Text)
		}
	}

	return &connectors.Response{
		Output: out.String(),
		Cost:   estimateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
	}, nil
}

func estimateCost(input, output int64) float64 {
	return float64(input)/1_000_000*inputPricePerMTok + float64(output)/1_000_000*outputPricePerMTok
}

// bedrockModel maps API model names to Bedrock cross-region inference profiles.
func bedrockModel(model sdk.Model) sdk.Model {
	if strings.Contains(string(model), "anthropic.") {
		return model
	}
	profiles := map[sdk.Model]string{
		sdk.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		sdk.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		sdk.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		sdk.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return sdk.Model(p)
	}
	return model
}
