package coordinator

import (
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"nutriagent/tools"
)

// Part types of a message.
const (
	PartText       = "text"
	PartToolUse    = "tool_use"
	PartToolResult = "tool_result"
)

type MessagePart struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type MessageParts []MessagePart

// Join concatenates the text parts.
func (mp MessageParts) Join() string {
	var sb strings.Builder
	for _, part := range mp {
		if part.Type == PartText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

type Message struct {
	Role    string       `json:"role"`
	Content MessageParts `json:"content"`
}

func textMessage(role, text string) Message {
	return Message{Role: role, Content: MessageParts{{Type: PartText, Text: text}}}
}

// ToolSpec is a tool as advertised to the model.
type ToolSpec struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"input_schema"`
}

type ToolResult struct {
	ToolUseID string
	ToolName  string
	Data      map[string]any
}

func NewToolResultMessage(results []ToolResult) Message {
	parts := make(MessageParts, 0, len(results))
	for _, r := range results {
		parts = append(parts, MessagePart{
			Type:      PartToolResult,
			ToolUseID: r.ToolUseID,
			ToolName:  r.ToolName,
			Data:      r.Data,
		})
	}
	return Message{Role: "user", Content: parts}
}

// Response is one model turn: either prose for the user or tool calls.
type Response struct {
	Content   string       `json:"content,omitempty"`
	ToolCalls []tools.Call `json:"tool_calls,omitempty"`
}
