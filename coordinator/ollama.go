package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"nutriagent"
	"nutriagent/llm"
	"nutriagent/tools"
)

// OllamaClient drives a local Ollama model with native tool calling.
type OllamaClient struct {
	endpoint   string
	model      string
	httpClient nutriagent.HTTPClient
	options    ollamaOptions
	timeout    time.Duration
}

type ollamaOptions struct {
	Temperature   float64 `json:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	NumCtx        int     `json:"num_ctx,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Name      string           `json:"name,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
}

func NewOllamaClient(baseEndpoint, model string, httpClient nutriagent.HTTPClient) *OllamaClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaClient{
		endpoint:   strings.TrimRight(baseEndpoint, "/") + "/api/chat",
		model:      model,
		httpClient: httpClient,
		options: ollamaOptions{
			Temperature:   0.2,
			TopP:          0.9,
			RepeatPenalty: 1.05,
			NumCtx:        16384,
		},
		timeout: DefaultInvokeTimeout,
	}
}

// WithTimeout bounds each chat request. Non-positive values keep the default.
func (c *OllamaClient) WithTimeout(d time.Duration) *OllamaClient {
	if d > 0 {
		c.timeout = d
	}
	return c
}

func (c *OllamaClient) Invoke(ctx context.Context, prompt Prompt) (Response, error) {
	slog.Info("LLM_CLIENT: Ollama invoked", "messages", len(prompt.Messages), "tools", len(prompt.Tools))

	body := ollamaRequest{
		Model:    c.model,
		Messages: ollamaMessages(prompt.Messages),
		Stream:   false,
		Options:  c.options,
	}
	for _, t := range prompt.Tools {
		body.Tools = append(body.Tools, ollamaTool{
			Type:     "function",
			Function: ollamaToolFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}

	reqBytes, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("ollama chat: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("ollama chat: %s: %s", resp.Status, string(respBody))
	}

	var wr ollamaResponse
	if err := json.Unmarshal(respBody, &wr); err != nil {
		return Response{}, fmt.Errorf("ollama chat: decode response: %w", err)
	}

	out := Response{Content: strings.TrimSpace(wr.Message.Content)}
	for _, call := range wr.Message.ToolCalls {
		args := call.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		// Ollama does not number its tool calls.
		out.ToolCalls = append(out.ToolCalls, tools.Call{
			Name:      call.Function.Name,
			Input:     normalizeInput(args).(map[string]any),
			ToolUseID: "ollama-" + uuid.NewString(),
		})
	}
	return out, nil
}

// ollamaMessages flattens message parts into Ollama chat messages. Tool
// results become role "tool" messages named after the tool.
func ollamaMessages(msgs []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role != "system" && role != llm.RoleAssistant {
			role = llm.RoleUser
		}
		msg := ollamaMessage{Role: role}
		var text []string
		for _, part := range m.Content {
			switch part.Type {
			case PartText:
				text = append(text, part.Text)
			case PartToolUse:
				var call ollamaToolCall
				call.Function.Name = part.ToolName
				call.Function.Arguments = nonNil(part.Data)
				msg.ToolCalls = append(msg.ToolCalls, call)
			case PartToolResult:
				data, err := json.Marshal(nonNil(part.Data))
				if err != nil {
					slog.Warn("LLM_CLIENT: dropping unencodable tool result", "tool", part.ToolName, "error", err)
					continue
				}
				out = append(out, ollamaMessage{Role: "tool", Name: part.ToolName, Content: string(data)})
			}
		}
		msg.Content = strings.Join(text, "\n")
		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			out = append(out, msg)
		}
	}
	return out
}
