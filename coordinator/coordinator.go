// Package coordinator is the reasoning loop that drives the tool catalog one
// conversation turn at a time.
//
// Before the model runs, every message is classified. A message naming new
// foods supersedes the pending proposal, and proposal_confirm is only offered
// to the model on turns classified as a confirmation.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"nutriagent"
	"nutriagent/analytics"
	"nutriagent/intent"
	"nutriagent/llm"
	"nutriagent/proposal"
	"nutriagent/tools"
)

const instrumentationName = "nutriagent/coordinator"

const (
	defaultMaxIterations = 10
	// maxRepeats is how often one tool may be called with identical input in a turn.
	maxRepeats = 2
	// historyMessages is how much of a conversation is replayed to the model.
	historyMessages = 8
)

// ErrNoReply means the model kept calling tools until the iteration budget ran out.
var ErrNoReply = errors.New("coordinator: no reply within the iteration budget")

var proposeTools = map[string]bool{
	"food_log_propose":    true,
	"recipe_log_propose":  true,
	"goal_update_propose": true,
}

type LLMClient interface {
	Invoke(ctx context.Context, prompt Prompt) (Response, error)
}

type Config struct {
	LLM           LLMClient
	Tools         nutriagent.ToolProvider
	Classifier    *intent.Classifier
	Workflow      *proposal.Workflow
	MaxIterations int
	Logger        nutriagent.CoordinationLogger
}

type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	history map[string][]Message
	turns   map[string]int

	iterations metric.Int64Counter
	toolCalls  metric.Int64Counter
}

var _ nutriagent.Coordinator = (*Coordinator)(nil)

func New(cfg Config) (*Coordinator, error) {
	var missing []error
	if cfg.LLM == nil {
		missing = append(missing, errors.New("llm client"))
	}
	if cfg.Tools == nil {
		missing = append(missing, errors.New("tool provider"))
	}
	if cfg.Classifier == nil {
		missing = append(missing, errors.New("classifier"))
	}
	if cfg.Workflow == nil {
		missing = append(missing, errors.New("proposal workflow"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, fmt.Errorf("coordinator missing dependencies: %w", err)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.Logger == nil {
		cfg.Logger = nutriagent.NewNoOpCoordinationLogger()
	}

	meter := otel.Meter(instrumentationName)
	iterations, _ := meter.Int64Counter("coordinator_iterations_total",
		metric.WithDescription("Model round trips across all turns"))
	toolCalls, _ := meter.Int64Counter("tool_calls_total",
		metric.WithDescription("Tool calls requested by the model, by tool and outcome"))

	return &Coordinator{
		cfg:        cfg,
		history:    map[string][]Message{},
		turns:      map[string]int{},
		iterations: iterations,
		toolCalls:  toolCalls,
	}, nil
}

// Run answers one user message. The user is taken from ctx
// (analytics.ContextWithUser or tools.ContextWithSession).
func (c *Coordinator) Run(ctx context.Context, conversationID, message string) (string, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "Coordinator.Run",
		trace.WithAttributes(attribute.String("conversation", conversationID)))
	defer span.End()

	ctx = tools.ContextWithSession(ctx, analytics.UserFromContext(ctx), conversationID)
	history, turn := c.begin(conversationID)
	slog.Info("COORDINATOR: Starting turn", "conversation", conversationID, "turn", turn)

	in, reply, err := c.classify(ctx, conversationID, message, history)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if reply != "" {
		c.remember(conversationID, message, reply)
		return reply, nil
	}
	span.SetAttributes(attribute.String("intent", string(in.Category)))

	turnCtx := TurnContext{Intent: in}
	if p, ok := c.cfg.Workflow.Pending(ctx, conversationID); ok {
		turnCtx.Pending = summarize(p)
	}
	specs, allowed := c.toolSpecs(in)
	prompt, err := NewPrompt(turnCtx, history, message, specs)
	if err != nil {
		return "", err
	}

	repeats := map[string]int{}
	for iter := 0; iter < c.cfg.MaxIterations; iter++ {
		c.iterations.Add(ctx, 1)
		iterLog := nutriagent.IterationLog{
			ConversationID: conversationID,
			Turn:           turn,
			Iteration:      iter + 1,
			Timestamp:      time.Now(),
		}
		if iter == 0 {
			iterLog.Intent = in
			if turnCtx.Pending != nil {
				iterLog.PendingID = turnCtx.Pending.ID
			}
		}
		if b, merr := json.Marshal(prompt); merr == nil {
			iterLog.LLMInput = string(b)
		}

		res, err := c.cfg.LLM.Invoke(ctx, prompt)
		if err != nil {
			iterLog.Error = err.Error()
			c.logIteration(iterLog)
			span.RecordError(err)
			span.SetStatus(codes.Error, "invoke failed")
			return "", fmt.Errorf("invoke failed: %w", err)
		}
		iterLog.LLMOutput = res
		slog.Info("COORDINATOR: LLM response received",
			"iteration", iter+1, "content_length", len(res.Content), "tool_calls", len(res.ToolCalls))

		if len(res.ToolCalls) == 0 {
			reply := strings.TrimSpace(res.Content)
			if reply == "" {
				appendUserText(&prompt, `{"error":"empty_reply","hint":"Answer the user in plain sentences."}`)
				iterLog.Error = "empty reply"
				c.logIteration(iterLog)
				continue
			}
			c.logIteration(iterLog)
			c.remember(conversationID, message, reply)
			return reply, nil
		}

		if name, ok := repeated(repeats, res.ToolCalls); ok {
			slog.Warn("COORDINATOR: Excessive tool repetition detected", "tool", name, "iteration", iter+1)
			appendUserText(&prompt, fmt.Sprintf(
				`{"error":"excessive_tool_repetition","tool":%q,"hint":"You already have this result. Use it and answer the user."}`, name))
			iterLog.Error = "excessive tool repetition"
			c.logIteration(iterLog)
			continue
		}

		assistant := Message{Role: llm.RoleAssistant}
		if res.Content != "" {
			assistant.Content = append(assistant.Content, MessagePart{Type: PartText, Text: res.Content})
		}
		for _, call := range res.ToolCalls {
			assistant.Content = append(assistant.Content, MessagePart{
				Type:      PartToolUse,
				ToolUseID: call.ToolUseID,
				ToolName:  call.Name,
				Data:      call.Input,
			})
		}
		prompt.Messages = append(prompt.Messages, assistant)

		results := make([]ToolResult, 0, len(res.ToolCalls))
		for _, call := range res.ToolCalls {
			data, tlog := c.execute(ctx, call, allowed)
			iterLog.ToolCalls = append(iterLog.ToolCalls, tlog)
			results = append(results, ToolResult{ToolUseID: call.ToolUseID, ToolName: call.Name, Data: data})
		}
		prompt.Messages = append(prompt.Messages, NewToolResultMessage(results))
		c.logIteration(iterLog)
	}

	span.SetStatus(codes.Error, ErrNoReply.Error())
	return "", ErrNoReply
}

// classify runs the intent classifier and applies the supersede rule. A
// non-empty reply ends the turn without consulting the model.
func (c *Coordinator) classify(ctx context.Context, conversationID, message string, history []Message) (intent.Intent, string, error) {
	ih := intent.History{Turns: textTurns(history)}
	if p, ok := c.cfg.Workflow.Pending(ctx, conversationID); ok {
		ih.PendingEntities = p.Payload.Entities()
	}

	in, err := c.cfg.Classifier.Classify(ctx, message, ih)
	if err != nil {
		if intent.IsContractError(err) {
			slog.Error("COORDINATOR: classifier contract violation", "conversation", conversationID, "error", err)
			msg, _ := tools.ErrorResult("intent_classify", err)["message"].(string)
			return intent.Intent{}, msg, nil
		}
		return intent.Intent{}, "", fmt.Errorf("classify: %w", err)
	}

	switch in.Category {
	case intent.CategoryConfirm, intent.CategoryDecline:
	default:
		if names := mentioned(in); len(names) > 0 {
			if p, superseded := c.cfg.Workflow.Observe(ctx, conversationID, names); superseded {
				slog.Info("COORDINATOR: pending proposal superseded by new entities", "proposal", p.ID, "entities", names)
			}
		}
	}
	return in, "", nil
}

// toolSpecs advertises the catalog for this turn. proposal_confirm is only
// offered on a confirmation, and nothing can be proposed while the message
// needs clarification.
func (c *Coordinator) toolSpecs(in intent.Intent) ([]ToolSpec, map[string]bool) {
	var specs []ToolSpec
	allowed := map[string]bool{}
	for _, t := range c.cfg.Tools.GetTools() {
		name := t.Name()
		if name == "proposal_confirm" && in.Category != intent.CategoryConfirm {
			continue
		}
		if proposeTools[name] && in.NeedsClarification() {
			continue
		}
		allowed[name] = true
		specs = append(specs, ToolSpec{Name: name, Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return specs, allowed
}

func (c *Coordinator) execute(ctx context.Context, call tools.Call, allowed map[string]bool) (map[string]any, nutriagent.ToolCallLog) {
	tlog := nutriagent.ToolCallLog{Name: call.Name, Input: call.Input}
	outcome := "ok"
	defer func() {
		c.toolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", call.Name),
			attribute.String("outcome", outcome),
		))
	}()

	slog.Info("COORDINATOR: Handling tool call", "name", call.Name)
	tool, err := c.cfg.Tools.GetTool(call.Name)
	if err != nil {
		outcome = "unknown_tool"
		tlog.Error = err.Error()
		return map[string]any{"error": "unknown_tool", "retryable": false, "reason": err.Error()}, tlog
	}
	if !allowed[call.Name] {
		outcome = "not_offered"
		tlog.Error = "tool not offered this turn"
		return map[string]any{
			"error":     "tool_not_available",
			"retryable": false,
			"reason":    fmt.Sprintf("%s is not available for this message; ask the user instead", call.Name),
		}, tlog
	}

	out, err := tool.Run(ctx, call.Input)
	if err != nil {
		outcome = "error"
		tlog.Error = err.Error()
		slog.Warn("COORDINATOR: tool failed", "tool", call.Name, "error", err)
		return tools.ErrorResult(call.Name, err), tlog
	}
	tlog.Output = out
	return out, tlog
}

func (c *Coordinator) begin(conversationID string) ([]Message, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns[conversationID]++
	h := c.history[conversationID]
	return append([]Message(nil), h...), c.turns[conversationID]
}

func (c *Coordinator) remember(conversationID, message, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.history[conversationID], textMessage(llm.RoleUser, message), textMessage(llm.RoleAssistant, reply))
	if len(h) > historyMessages {
		h = h[len(h)-historyMessages:]
	}
	c.history[conversationID] = h
}

func (c *Coordinator) logIteration(iter nutriagent.IterationLog) {
	if err := c.cfg.Logger.LogIteration(iter); err != nil {
		slog.Error("COORDINATOR: failed to log iteration", "error", err, "iteration", iter.Iteration)
	}
}

// mentioned lists the entities a message names for the supersede rule.
func mentioned(in intent.Intent) []string {
	var names []string
	for _, f := range in.Foods() {
		if f.Name != "" {
			names = append(names, f.Name)
		}
	}
	if r, ok := in.Entities.(intent.RecipeEntities); ok && r.Query != "" {
		names = append(names, r.Query)
	}
	return names
}

func textTurns(history []Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content.Join()})
	}
	return out
}

// repeated counts calls by name and input and reports the first call seen
// more than maxRepeats times.
func repeated(seen map[string]int, calls []tools.Call) (string, bool) {
	for _, call := range calls {
		b, _ := json.Marshal(call.Input)
		key := call.Name + string(b)
		seen[key]++
		if seen[key] > maxRepeats {
			return call.Name, true
		}
	}
	return "", false
}

// appendUserText adds guidance for the model, merging into a trailing user
// message so roles keep alternating.
func appendUserText(p *Prompt, text string) {
	part := MessagePart{Type: PartText, Text: text}
	if n := len(p.Messages); n > 0 && p.Messages[n-1].Role == llm.RoleUser {
		p.Messages[n-1].Content = append(p.Messages[n-1].Content, part)
		return
	}
	p.Messages = append(p.Messages, Message{Role: llm.RoleUser, Content: MessageParts{part}})
}
