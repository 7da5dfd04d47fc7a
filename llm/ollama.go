package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type ollamaOptions struct {
	Temperature   float64 `json:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	NumCtx        int     `json:"num_ctx,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   any             `json:"format,omitempty"`
	Options  ollamaOptions   `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
}

// Ollama completes requests against a local Ollama /api/chat endpoint.
type Ollama struct {
	endpoint   string
	model      string
	httpClient HTTPDoer
	options    ollamaOptions
}

func NewOllama(baseEndpoint, model string, httpClient HTTPDoer) *Ollama {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{
		endpoint:   strings.TrimRight(baseEndpoint, "/") + "/api/chat",
		model:      model,
		httpClient: httpClient,
		options: ollamaOptions{
			Temperature:   0.2,
			TopP:          0.9,
			RepeatPenalty: 1.05,
			NumCtx:        8192,
		},
	}
}

func (o *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	msgs := make([]ollamaMessage, 0, len(req.Messages)+1)
	if sp := strings.TrimSpace(req.System); sp != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: sp})
	}
	for _, m := range req.Messages {
		role := m.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		msgs = append(msgs, ollamaMessage{Role: role, Content: m.Content})
	}

	body := ollamaRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   false,
		Options:  o.options,
	}
	// Ollama accepts a JSON schema directly as the format constraint.
	if req.Schema != nil {
		body.Format = req.Schema
	}

	reqBytes, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama: %s: %s", resp.Status, string(respBody))
	}

	var wr ollamaResponse
	if err := json.Unmarshal(respBody, &wr); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	if strings.TrimSpace(wr.Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return wr.Message.Content, nil
}
