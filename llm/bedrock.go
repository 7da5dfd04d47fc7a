package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const (
	// DefaultBedrockModelID is an inference profile ID, not the foundation model's ID.
	// See https://docs.aws.amazon.com/bedrock/latest/userguide/inference-profiles.html.
	DefaultBedrockModelID = "us.anthropic.claude-3-7-sonnet-20250219-v1:0"

	// Structured answers here are short; 1k tokens leaves room for a full FoodItem.
	defaultMaxTokens = 1024

	// Low temperature keeps JSON output stable across retries.
	defaultTemperature = 0.2

	defaultTopP = 0.9
)

// ConverseAPI is the subset of the Bedrock runtime client used by this package.
type ConverseAPI interface {
	Converse(context.Context, *bedrockruntime.ConverseInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

type BedrockOptions struct {
	ModelID     string
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

// Bedrock completes requests with the Bedrock Converse API and no tools.
type Bedrock struct {
	brc  ConverseAPI
	opts BedrockOptions
}

func NewBedrock(brc ConverseAPI, opts BedrockOptions) *Bedrock {
	if opts.ModelID == "" {
		opts.ModelID = DefaultBedrockModelID
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.TopP == 0 {
		opts.TopP = defaultTopP
	}
	return &Bedrock{brc: brc, opts: opts}
}

func (b *Bedrock) Complete(ctx context.Context, req Request) (string, error) {
	var sys []types.SystemContentBlock
	if s := systemWithSchema(req); s != "" {
		sys = append(sys, &types.SystemContentBlockMemberText{Value: s})
	}

	msgs := make([]types.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := types.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		msgs = append(msgs, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}

	maxTokens := b.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	out, err := b.brc.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:  aws.String(b.opts.ModelID),
		System:   sys,
		Messages: msgs,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(maxTokens),
			Temperature: aws.Float32(b.opts.Temperature),
			TopP:        aws.Float32(b.opts.TopP),
		},
	})
	if err != nil {
		return "", fmt.Errorf("bedrock converse: %w", err)
	}

	if out.Usage != nil {
		slog.Info("LLM_CLIENT: Bedrock completion succeeded",
			"stop_reason", out.StopReason,
			"input_tokens", aws.ToInt32(out.Usage.InputTokens),
			"output_tokens", aws.ToInt32(out.Usage.OutputTokens),
		)
	}

	switch out.StopReason {
	case types.StopReasonMaxTokens:
		return "", fmt.Errorf("model hit MaxTokens limit")
	case types.StopReasonContentFiltered, types.StopReasonGuardrailIntervened:
		return "", fmt.Errorf("model response blocked by Bedrock safety filters")
	}

	text := TextFromConverse(out)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// TextFromConverse returns assistant text optimized for structured use:
// the last text block that looks like a single JSON object wins, otherwise all
// text blocks are joined with '\n'.
func TextFromConverse(out *bedrockruntime.ConverseOutput) string {
	if out == nil || out.Output == nil {
		return ""
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || msg == nil || len(msg.Value.Content) == 0 {
		return ""
	}

	texts := make([]string, 0, len(msg.Value.Content))
	for _, cb := range msg.Value.Content {
		if t, ok := cb.(*types.ContentBlockMemberText); ok && t != nil && t.Value != "" {
			texts = append(texts, t.Value)
		}
	}
	for i := len(texts) - 1; i >= 0; i-- {
		s := strings.TrimSpace(texts[i])
		if len(s) > 1 && s[0] == '{' && s[len(s)-1] == '}' {
			return s
		}
	}
	return strings.Join(texts, "\n")
}
