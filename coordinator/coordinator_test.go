package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutriagent/analytics"
	"nutriagent/insight"
	"nutriagent/intent"
	"nutriagent/llm"
	"nutriagent/nutrition"
	"nutriagent/proposal"
	"nutriagent/storage"
	"nutriagent/tools"
)

const conv = "c1"

type step func(p Prompt) (Response, error)

// mockLLM plays scripted steps and records a copy of every prompt.
type mockLLM struct {
	mu      sync.Mutex
	steps   []step
	prompts []Prompt
}

func (m *mockLLM) Invoke(_ context.Context, p Prompt) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, Prompt{Messages: append([]Message(nil), p.Messages...), Tools: p.Tools})
	if len(m.steps) == 0 {
		return Response{}, errors.New("no more responses available")
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	return s(p)
}

func (m *mockLLM) script(steps ...step) { m.steps = append(m.steps, steps...) }

func say(text string) step {
	return func(Prompt) (Response, error) { return Response{Content: text}, nil }
}

func call(name string, input map[string]any) step {
	return func(Prompt) (Response, error) {
		return Response{ToolCalls: []tools.Call{{Name: name, Input: input, ToolUseID: "tu-" + name}}}, nil
	}
}

type fixture struct {
	store      *storage.Memory
	workflow   *proposal.Workflow
	classifier *llm.Scripted
	model      *mockLLM
	coord      *Coordinator
	ctx        context.Context
}

func newFixture(t *testing.T, classifications ...string) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(), model: &mockLLM{}}
	var replies []llm.Reply
	for _, c := range classifications {
		replies = append(replies, llm.Text(c))
	}
	f.classifier = llm.NewScripted(replies...)
	f.workflow = proposal.NewWorkflow(proposal.NewStoreCommitter(f.store, f.store), proposal.WithAudit(f.store))

	registry, err := tools.NewRegistry(tools.Deps{
		Store:    f.store,
		Resolver: nutrition.NewResolver(nutrition.ResolverConfig{Fallback: nutrition.DefaultFallbackTable()}),
		Insights: insight.NewAggregator(insight.AggregatorConfig{Logs: f.store, Goals: f.store, Profiles: f.store}),
		Workflow: f.workflow,
	})
	require.NoError(t, err)

	f.coord, err = New(Config{
		LLM:           f.model,
		Tools:         registry,
		Classifier:    intent.NewClassifier(intent.ClassifierConfig{Completer: f.classifier, Recorder: f.store}),
		Workflow:      f.workflow,
		MaxIterations: 5,
	})
	require.NoError(t, err)
	f.ctx = analytics.ContextWithUser(context.Background(), "u1")
	return f
}

func (f *fixture) pending(t *testing.T) (proposal.Proposal, bool) {
	t.Helper()
	return f.workflow.Pending(f.ctx, conv)
}

func toolNames(p Prompt) []string {
	var names []string
	for _, s := range p.Tools {
		names = append(names, s.Name)
	}
	return names
}

func lastToolResult(p Prompt) map[string]any {
	for i := len(p.Messages) - 1; i >= 0; i-- {
		for _, part := range p.Messages[i].Content {
			if part.Type == PartToolResult {
				return part.Data
			}
		}
	}
	return nil
}

const (
	logChicken = `{"category":"log_food","ambiguity_level":"none","foods":[{"name":"chicken breast","portion":"200g"}]}`
	confirm    = `{"category":"confirm","ambiguity_level":"none"}`
)

func TestRunProposeThenConfirm(t *testing.T) {
	f := newFixture(t, logChicken, confirm)

	f.model.script(
		call("food_log_propose", map[string]any{"items": []any{map[string]any{"name": "chicken breast", "portion": "200g"}}}),
		say("I can log 200g chicken breast. Confirm?"),
	)
	reply, err := f.coord.Run(f.ctx, conv, "I had 200g of chicken breast")
	require.NoError(t, err)
	assert.Equal(t, "I can log 200g chicken breast. Confirm?", reply)
	assert.NotContains(t, toolNames(f.model.prompts[0]), "proposal_confirm")
	assert.Zero(t, f.store.FoodLogCount(), "proposing never writes")

	p, ok := f.pending(t)
	require.True(t, ok)

	f.model.script(
		call("proposal_confirm", map[string]any{"proposal_id": p.ID}),
		say("Logged."),
	)
	reply, err = f.coord.Run(f.ctx, conv, "yes")
	require.NoError(t, err)
	assert.Equal(t, "Logged.", reply)
	assert.Contains(t, toolNames(f.model.prompts[2]), "proposal_confirm")
	assert.Equal(t, true, lastToolResult(f.model.prompts[3])["confirmed"])
	assert.Equal(t, 1, f.store.FoodLogCount())

	history := f.model.prompts[2].Messages
	require.Len(t, history, 4, "system, previous user and assistant, new user")
	assert.Equal(t, "I had 200g of chicken breast", history[1].Content.Join())
	assert.Equal(t, "I can log 200g chicken breast. Confirm?", history[2].Content.Join())
}

func TestRunNewFoodSupersedesPending(t *testing.T) {
	f := newFixture(t,
		logChicken,
		`{"category":"confirm","ambiguity_level":"none","foods":[{"name":"rice","portion":"1 cup"}]}`,
	)
	f.model.script(
		call("food_log_propose", map[string]any{"items": []any{map[string]any{"name": "chicken breast"}}}),
		say("Confirm chicken?"),
	)
	_, err := f.coord.Run(f.ctx, conv, "log chicken")
	require.NoError(t, err)
	first, ok := f.pending(t)
	require.True(t, ok)

	f.model.script(say("Got it, what about the rice?"))
	_, err = f.coord.Run(f.ctx, conv, "yes and rice")
	require.NoError(t, err)

	_, ok = f.pending(t)
	assert.False(t, ok, "chicken proposal is superseded, not confirmed")
	assert.Zero(t, f.store.FoodLogCount())
	assert.NotContains(t, toolNames(f.model.prompts[2]), "proposal_confirm")

	events, err := f.store.ProposalEvents(context.Background(), conv)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, first.ID, last.ProposalID)
	assert.Equal(t, string(proposal.StateSuperseded), last.State)
}

func TestRunConfirmToolWithheldWithoutConfirmation(t *testing.T) {
	f := newFixture(t, logChicken, `{"category":"general","ambiguity_level":"none"}`)
	f.model.script(
		call("food_log_propose", map[string]any{"items": []any{map[string]any{"name": "chicken breast"}}}),
		say("Confirm?"),
	)
	_, err := f.coord.Run(f.ctx, conv, "log chicken")
	require.NoError(t, err)
	p, _ := f.pending(t)

	f.model.script(
		call("proposal_confirm", map[string]any{"proposal_id": p.ID}),
		say("Please confirm first."),
	)
	_, err = f.coord.Run(f.ctx, conv, "what's the weather")
	require.NoError(t, err)

	assert.Equal(t, "tool_not_available", lastToolResult(f.model.prompts[3])["error"])
	assert.Zero(t, f.store.FoodLogCount())
	_, ok := f.pending(t)
	assert.True(t, ok)
}

func TestRunHighAmbiguityOffersNoProposals(t *testing.T) {
	f := newFixture(t, `{"category":"log_food","ambiguity_level":"high","ambiguity_reasons":["which meal?"],"foods":[{"name":"the usual"}]}`)
	f.model.script(say("What did you have?"))

	reply, err := f.coord.Run(f.ctx, conv, "log the usual")
	require.NoError(t, err)
	assert.Equal(t, "What did you have?", reply)

	names := toolNames(f.model.prompts[0])
	for name := range proposeTools {
		assert.NotContains(t, names, name)
	}
	assert.Contains(t, names, "nutrition_resolve")
	assert.Contains(t, f.model.prompts[0].Messages[0].Content.Join(), `"ambiguity_level":"high"`)
}

func TestRunClassifierContractError(t *testing.T) {
	f := newFixture(t, `this is not json`)

	reply, err := f.coord.Run(f.ctx, conv, "log an apple")
	require.NoError(t, err)
	assert.Contains(t, reply, "Sorry")
	assert.Empty(t, f.model.prompts, "the model is not consulted")
}

func TestRunPersistenceFailureIsRetryable(t *testing.T) {
	f := newFixture(t, logChicken, confirm)
	f.model.script(
		call("food_log_propose", map[string]any{"items": []any{map[string]any{"name": "chicken breast"}}}),
		say("Confirm?"),
	)
	_, err := f.coord.Run(f.ctx, conv, "log chicken")
	require.NoError(t, err)
	p, _ := f.pending(t)

	f.store.FailWrites(true)
	f.model.script(
		call("proposal_confirm", map[string]any{"proposal_id": p.ID}),
		say("Sorry, saving failed. Try again?"),
	)
	_, err = f.coord.Run(f.ctx, conv, "yes")
	require.NoError(t, err)

	result := lastToolResult(f.model.prompts[3])
	assert.Equal(t, "persistence_failure", result["error"])
	assert.Equal(t, true, result["retryable"])
	_, ok := f.pending(t)
	assert.True(t, ok, "a failed commit leaves the proposal pending")
}

func TestRunRepetitionGuard(t *testing.T) {
	f := newFixture(t, `{"category":"query_progress","ambiguity_level":"none"}`)
	f.model.script(
		call("goals_get", map[string]any{}),
		call("goals_get", map[string]any{}),
		call("goals_get", map[string]any{}),
		say("You have no goals yet."),
	)

	reply, err := f.coord.Run(f.ctx, conv, "how am I doing on my goals")
	require.NoError(t, err)
	assert.Equal(t, "You have no goals yet.", reply)

	last := f.model.prompts[3].Messages
	assert.Contains(t, last[len(last)-1].Content.Join(), "excessive_tool_repetition")
}

func TestRunIterationBudget(t *testing.T) {
	f := newFixture(t, `{"category":"general","ambiguity_level":"none"}`)
	for i := 0; i < 5; i++ {
		f.model.script(call("goals_get", map[string]any{"n": i}))
	}
	_, err := f.coord.Run(f.ctx, conv, "hello")
	assert.ErrorIs(t, err, ErrNoReply)
	assert.Len(t, f.model.prompts, 5)
}

func TestRunEmptyReplyIsRetried(t *testing.T) {
	f := newFixture(t, `{"category":"general","ambiguity_level":"none"}`)
	f.model.script(say("  "), say("Hi!"))

	reply, err := f.coord.Run(f.ctx, conv, "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi!", reply)
	msgs := f.model.prompts[1].Messages
	assert.Contains(t, msgs[len(msgs)-1].Content.Join(), "empty_reply")
}

func TestRunInvokeError(t *testing.T) {
	f := newFixture(t, `{"category":"general","ambiguity_level":"none"}`)
	f.model.script(func(Prompt) (Response, error) { return Response{}, ErrMaxTokens })

	_, err := f.coord.Run(f.ctx, conv, "hello")
	assert.ErrorIs(t, err, ErrMaxTokens)
}

func TestRunUnknownTool(t *testing.T) {
	f := newFixture(t, `{"category":"general","ambiguity_level":"none"}`)
	f.model.script(call("weather_get", map[string]any{}), say("ok"))

	_, err := f.coord.Run(f.ctx, conv, "hello")
	require.NoError(t, err)
	assert.Equal(t, "unknown_tool", lastToolResult(f.model.prompts[1])["error"])
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	for _, want := range []string{"llm client", "tool provider", "classifier", "proposal workflow"} {
		assert.Contains(t, err.Error(), want)
	}
}
