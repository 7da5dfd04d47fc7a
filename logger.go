package nutriagent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// CoordinationLogger records each iteration of a conversation turn.
type CoordinationLogger interface {
	LogIteration(iteration IterationLog) error
}

// NewCoordinationLogFilePath names a log file after the model so runs against
// different models are easy to tell apart.
func NewCoordinationLogFilePath(model string) string {
	clean := strings.NewReplacer(":", "_", "/", "_").Replace(strings.ToLower(model))
	if clean == "" {
		clean = "default"
	}
	return fmt.Sprintf("./logs/%d.%s.json", time.Now().Unix(), clean)
}

// IterationLog is one model round trip within a turn.
type IterationLog struct {
	ConversationID string        `json:"conversation_id"`
	Turn           int           `json:"turn"`
	Iteration      int           `json:"iteration"`
	Timestamp      time.Time     `json:"timestamp"`
	Intent         any           `json:"intent,omitempty"`
	PendingID      string        `json:"pending_proposal_id,omitempty"`
	LLMInput       string        `json:"llm_input,omitempty"`
	LLMOutput      any           `json:"llm_output,omitempty"`
	ToolCalls      []ToolCallLog `json:"tool_calls,omitempty"`
	Error          string        `json:"error,omitempty"`
}

type ToolCallLog struct {
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// FileCoordinationLogger buffers iterations and writes them as one JSON
// document on Flush.
type FileCoordinationLogger struct {
	mu         sync.Mutex
	iterations []IterationLog
	writer     io.Writer
}

func NewFileCoordinationLogger(writer io.Writer) *FileCoordinationLogger {
	return &FileCoordinationLogger{writer: writer}
}

func (l *FileCoordinationLogger) LogIteration(iteration IterationLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iterations = append(l.iterations, iteration)
	return nil
}

// Flush writes the buffered iterations and clears the buffer.
func (l *FileCoordinationLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil || len(l.iterations) == 0 {
		return nil
	}

	data, err := json.MarshalIndent(map[string]any{
		"session": map[string]any{
			"flushed_at": time.Now(),
			"iterations": l.iterations,
		},
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal coordination log: %w", err)
	}
	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write coordination log: %w", err)
	}
	l.iterations = l.iterations[:0]
	return nil
}

type NoOpCoordinationLogger struct{}

func NewNoOpCoordinationLogger() *NoOpCoordinationLogger { return &NoOpCoordinationLogger{} }

func (NoOpCoordinationLogger) LogIteration(IterationLog) error { return nil }

// StdoutCoordinationLogger writes each iteration as a JSON line, which is
// what CloudWatch expects from a Lambda.
type StdoutCoordinationLogger struct {
	out io.Writer
}

func NewStdoutCoordinationLogger() *StdoutCoordinationLogger {
	return &StdoutCoordinationLogger{out: os.Stdout}
}

func (l *StdoutCoordinationLogger) LogIteration(iteration IterationLog) error {
	data, err := json.Marshal(iteration)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(l.out, string(data))
	return err
}
