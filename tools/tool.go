// Package tools is the catalog of named, schema-described operations an
// external reasoning loop may call turn by turn.
//
// Read and delegation tools are idempotent. The only tools with effects are
// the proposal tools, and the only tool that can reach persistent state is
// proposal_confirm.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"nutriagent/intent"
	"nutriagent/storage"
)

type Tool interface {
	Name() string
	Title() string
	Description() string
	InputSchema() *jsonschema.Schema
	OutputSchema() *jsonschema.Schema
	Run(ctx context.Context, input map[string]any) (output map[string]any, err error)
}

type Call struct {
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ErrInvalidInput wraps input that does not fit a tool's schema.
var ErrInvalidInput = errors.New("invalid tool input")

// decodeInput round-trips the loosely typed input into v.
func decodeInput(input map[string]any, v any) error {
	b, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// toMap renders a typed result as the map the reasoning loop receives.
func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool output: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode tool output: %w", err)
	}
	return out, nil
}

// ErrorResult converts a tool failure into the structured result handed back
// to the reasoning loop. Persistence and classifier contract failures get an
// apologetic, retryable message for the user.
func ErrorResult(name string, err error) map[string]any {
	switch {
	case storage.IsPersistence(err):
		return map[string]any{
			"error":     "persistence_failure",
			"retryable": true,
			"message":   "Sorry, I couldn't save that just now. Nothing was logged; please try confirming again in a moment.",
		}
	case intent.IsContractError(err):
		return map[string]any{
			"error":     "classification_failure",
			"retryable": true,
			"message":   "Sorry, I got confused understanding that. Could you say it again?",
		}
	case errors.Is(err, ErrInvalidInput):
		return map[string]any{
			"error":     "invalid_input",
			"retryable": false,
			"reason":    err.Error(),
		}
	}
	return map[string]any{
		"error":     "tool_failed",
		"retryable": true,
		"reason":    fmt.Sprintf("tool %q failed: %v", name, err),
	}
}

func objectSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

// openObject accepts any object; used for output schemas of nested records.
func openObject() *jsonschema.Schema { return &jsonschema.Schema{Type: "object"} }

func arrayOf(items *jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Items: items}
}

func stringSchema() *jsonschema.Schema { return &jsonschema.Schema{Type: "string"} }

func numberSchema() *jsonschema.Schema { return &jsonschema.Schema{Type: "number"} }
