// Package llm wraps the generative completion services the engine consults for
// classification, estimation, portion conversion and report narration.
//
// Every backend satisfies Completer: a system contract plus a short message list
// in, raw text out. Callers own JSON extraction and validation.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
)

// ErrEmptyCompletion is returned when a backend answers with no usable text.
var ErrEmptyCompletion = errors.New("llm: empty completion")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn handed to the completion service.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the complete input of one completion call. Schema is a hint only;
// backends that cannot enforce it append it to the system contract.
type Request struct {
	System    string             `json:"system"`
	Messages  []Message          `json:"messages"`
	Schema    *jsonschema.Schema `json:"schema,omitempty"`
	MaxTokens int32              `json:"max_tokens,omitempty"`
}

// Completer is the generative completion service.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// UserPrompt builds a request with a single user message.
func UserPrompt(system, text string) Request {
	return Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: text}},
	}
}

// systemWithSchema folds the schema hint into the system contract for backends
// without native structured output.
func systemWithSchema(req Request) string {
	if req.Schema == nil {
		return req.System
	}
	b, err := json.Marshal(req.Schema)
	if err != nil {
		return req.System
	}
	var sb strings.Builder
	sb.WriteString(req.System)
	sb.WriteString("\n\nRespond with ONLY a JSON object (no prose, no code fences) matching this JSON Schema:\n")
	sb.Write(b)
	return sb.String()
}

// ExtractJSON returns the outermost JSON object embedded in text. Code fences
// and surrounding prose are ignored.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	start := strings.Index(s, "{")
	if start == -1 {
		return "", fmt.Errorf("no JSON object in completion")
	}
	end := strings.LastIndex(s, "}")
	if end == -1 || end <= start {
		return "", fmt.Errorf("unterminated JSON object in completion")
	}
	return s[start : end+1], nil
}

// DecodeJSON extracts the JSON object from text and unmarshals it into v.
func DecodeJSON(text string, v any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode completion JSON: %w", err)
	}
	return nil
}
