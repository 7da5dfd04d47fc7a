package nutriagent

import (
	"context"
	"net/http"

	"nutriagent/tools"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type ToolProvider interface {
	GetTools() []tools.Tool
	GetTool(name string) (tools.Tool, error)
}

// Coordinator answers one user message within a conversation.
type Coordinator interface {
	Run(ctx context.Context, conversationID, message string) (string, error)
}
