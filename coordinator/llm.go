package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"nutriagent/llm"
	"nutriagent/tools"
)

// DefaultInvokeTimeout bounds one model call unless a client is given its own.
const DefaultInvokeTimeout = 20 * time.Second

var (
	ErrMaxTokens = errors.New("model hit MaxTokens limit")
	ErrFiltered  = errors.New("model response blocked by safety filters")
)

// ConverseClient drives Bedrock Converse with tool use.
type ConverseClient struct {
	brc     llm.ConverseAPI
	opts    llm.BedrockOptions
	timeout time.Duration
}

func NewConverseClient(brc llm.ConverseAPI, opts llm.BedrockOptions) *ConverseClient {
	if opts.ModelID == "" {
		opts.ModelID = llm.DefaultBedrockModelID
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1024
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.2
	}
	if opts.TopP == 0 {
		opts.TopP = 0.9
	}
	return &ConverseClient{brc: brc, opts: opts, timeout: DefaultInvokeTimeout}
}

// WithTimeout bounds each Converse call. Non-positive values keep the default.
func (c *ConverseClient) WithTimeout(d time.Duration) *ConverseClient {
	if d > 0 {
		c.timeout = d
	}
	return c
}

func (c *ConverseClient) Invoke(ctx context.Context, prompt Prompt) (Response, error) {
	in, err := c.converseInput(prompt)
	if err != nil {
		return Response{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.brc.Converse(cctx, in)
	if err != nil {
		slog.Error("LLM_CLIENT: Bedrock converse failed", "error", err, "messages", len(in.Messages))
		return Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	if out.Usage != nil {
		slog.Info("LLM_CLIENT: Bedrock converse succeeded",
			"stop_reason", out.StopReason,
			"input_tokens", aws.ToInt32(out.Usage.InputTokens),
			"output_tokens", aws.ToInt32(out.Usage.OutputTokens),
		)
	}

	switch out.StopReason {
	case types.StopReasonMaxTokens:
		return Response{}, ErrMaxTokens
	case types.StopReasonContentFiltered, types.StopReasonGuardrailIntervened:
		return Response{}, ErrFiltered
	}
	return Response{
		Content:   proseFromOutput(out),
		ToolCalls: toolCallsFromOutput(out),
	}, nil
}

func (c *ConverseClient) converseInput(prompt Prompt) (*bedrockruntime.ConverseInput, error) {
	var sys []types.SystemContentBlock
	var msgs []types.Message
	for _, m := range prompt.Messages {
		if m.Role == "system" {
			sys = append(sys, &types.SystemContentBlockMemberText{Value: m.Content.Join()})
			continue
		}
		msg := types.Message{Role: types.ConversationRoleUser}
		if m.Role == llm.RoleAssistant {
			msg.Role = types.ConversationRoleAssistant
		}
		for _, part := range m.Content {
			switch part.Type {
			case PartText:
				if part.Text != "" {
					msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: part.Text})
				}
			case PartToolUse:
				msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(part.ToolUseID),
					Name:      aws.String(part.ToolName),
					Input:     document.NewLazyDocument(nonNil(part.Data)),
				}})
			case PartToolResult:
				msg.Content = append(msg.Content, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
					ToolUseId: aws.String(part.ToolUseID),
					Status:    resultStatus(part.Data),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberJson{Value: document.NewLazyDocument(nonNil(part.Data))},
					},
				}})
			}
		}
		if len(msg.Content) > 0 {
			msgs = append(msgs, msg)
		}
	}

	specs := make([]types.Tool, 0, len(prompt.Tools))
	for _, t := range prompt.Tools {
		spec, err := buildToolSpec(t)
		if err != nil {
			return nil, err
		}
		specs = append(specs, &types.ToolMemberToolSpec{Value: spec})
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.opts.ModelID),
		System:   sys,
		Messages: msgs,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(c.opts.MaxTokens),
			Temperature: aws.Float32(c.opts.Temperature),
			TopP:        aws.Float32(c.opts.TopP),
		},
	}
	if len(specs) > 0 {
		in.ToolConfig = &types.ToolConfiguration{Tools: specs, ToolChoice: &types.ToolChoiceMemberAuto{}}
	}
	return in, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func resultStatus(data map[string]any) types.ToolResultStatus {
	if _, failed := data["error"]; failed {
		return types.ToolResultStatusError
	}
	return types.ToolResultStatusSuccess
}

// buildToolSpec round-trips the schema through JSON so the document encoder
// sees plain maps instead of the schema type.
func buildToolSpec(t ToolSpec) (types.ToolSpecification, error) {
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return types.ToolSpecification{}, fmt.Errorf("marshal tool schema for %s: %w", t.Name, err)
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return types.ToolSpecification{}, fmt.Errorf("unmarshal tool schema for %s: %w", t.Name, err)
	}
	return types.ToolSpecification{
		Name:        aws.String(t.Name),
		Description: aws.String(t.Description),
		InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
	}, nil
}

// proseFromOutput joins every text block of the assistant message.
func proseFromOutput(out *bedrockruntime.ConverseOutput) string {
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || msg == nil {
		return ""
	}
	var texts []string
	for _, cb := range msg.Value.Content {
		if t, ok := cb.(*types.ContentBlockMemberText); ok && strings.TrimSpace(t.Value) != "" {
			texts = append(texts, strings.TrimSpace(t.Value))
		}
	}
	return strings.Join(texts, "\n")
}

func toolCallsFromOutput(out *bedrockruntime.ConverseOutput) []tools.Call {
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || msg == nil {
		return nil
	}
	var calls []tools.Call
	for _, cb := range msg.Value.Content {
		tu, ok := cb.(*types.ContentBlockMemberToolUse)
		if !ok {
			continue
		}
		input := map[string]any{}
		if tu.Value.Input != nil {
			if err := tu.Value.Input.UnmarshalSmithyDocument(&input); err != nil {
				slog.Warn("LLM_CLIENT: unreadable tool input", "tool", aws.ToString(tu.Value.Name), "error", err)
				input = map[string]any{}
			}
		}
		calls = append(calls, tools.Call{
			Name:      aws.ToString(tu.Value.Name),
			Input:     normalizeInput(input).(map[string]any),
			ToolUseID: aws.ToString(tu.Value.ToolUseId),
		})
	}
	return calls
}

// normalizeInput decodes arrays and objects that the model sent as JSON
// strings, e.g. "items": "[{\"name\":\"egg\"}]".
func normalizeInput(val any) any {
	switch v := val.(type) {
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
			var decoded any
			if json.Unmarshal([]byte(s), &decoded) == nil {
				return normalizeInput(decoded)
			}
		}
		return v
	case []any:
		for i := range v {
			v[i] = normalizeInput(v[i])
		}
		return v
	case map[string]any:
		for k, x := range v {
			v[k] = normalizeInput(x)
		}
		return v
	}
	return val
}
