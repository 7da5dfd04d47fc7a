package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutriagent/llm"
)

func TestOllamaClientInvoke(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"nutrition_resolve","arguments":{"items":"[{\"name\":\"egg\"}]"}}}]}}`)) // nolint: errcheck
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL+"/", "llama3.2", srv.Client())
	res, err := c.Invoke(context.Background(), Prompt{
		Messages: []Message{
			textMessage("system", "rules"),
			textMessage("user", "an egg"),
			{Role: llm.RoleAssistant, Content: MessageParts{{Type: PartToolUse, ToolUseID: "x", ToolName: "profile_get"}}},
			NewToolResultMessage([]ToolResult{{ToolUseID: "x", ToolName: "profile_get", Data: map[string]any{"found": false}}}),
		},
		Tools: []ToolSpec{{Name: "nutrition_resolve", Description: "resolve", InputSchema: &jsonschema.Schema{Type: "object"}}},
	})
	require.NoError(t, err)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "nutrition_resolve", res.ToolCalls[0].Name)
	assert.True(t, strings.HasPrefix(res.ToolCalls[0].ToolUseID, "ollama-"))
	assert.Equal(t, []any{map[string]any{"name": "egg"}}, res.ToolCalls[0].Input["items"])

	assert.Equal(t, "llama3.2", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, []string{"system", "user", "assistant", "tool"},
		[]string{got.Messages[0].Role, got.Messages[1].Role, got.Messages[2].Role, got.Messages[3].Role})
	assert.Equal(t, "profile_get", got.Messages[3].Name)
	assert.JSONEq(t, `{"found":false}`, got.Messages[3].Content)
}

func TestOllamaClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `model not loaded`},
		{"bad body", http.StatusOK, `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body)) // nolint: errcheck
			}))
			defer srv.Close()

			_, err := NewOllamaClient(srv.URL, "m", nil).Invoke(context.Background(), Prompt{Messages: []Message{textMessage("user", "hi")}})
			assert.Error(t, err)
		})
	}
}

func TestOllamaClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "m", srv.Client()).WithTimeout(20 * time.Millisecond)
	start := time.Now()
	_, err := c.Invoke(context.Background(), Prompt{Messages: []Message{textMessage("user", "hi")}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
