package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutriagent/analytics"
	"nutriagent/llm"
	"nutriagent/storage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		history   History
		category  Category
		ambiguity Ambiguity
		foods     []string
	}{
		{
			name:      "vague but standard portion",
			reply:     `{"category":"log_food","ambiguity_level":"medium","ambiguity_reasons":["bowl size varies"],"foods":[{"name":"cereal","portion":"a bowl"}],"meal_type":"breakfast"}`,
			category:  CategoryLogFood,
			ambiguity: AmbiguityMedium,
			foods:     []string{"cereal"},
		},
		{
			name:      "fenced completion",
			reply:     "```json\n{\"category\":\"log_food\",\"ambiguity_level\":\"none\",\"foods\":[{\"name\":\"chicken breast\",\"portion\":\"200g\",\"preparation\":\"grilled\"}]}\n```",
			category:  CategoryLogFood,
			ambiguity: AmbiguityNone,
			foods:     []string{"chicken breast"},
		},
		{
			name:      "bare confirmation",
			reply:     `{"category":"confirm","ambiguity_level":"none"}`,
			history:   History{PendingEntities: []string{"chicken breast"}},
			category:  CategoryConfirm,
			ambiguity: AmbiguityNone,
		},
		{
			name:      "confirm naming the pending food stays a confirm",
			reply:     `{"category":"confirm","ambiguity_level":"none","foods":[{"name":"chicken"}]}`,
			history:   History{PendingEntities: []string{"grilled chicken breast"}},
			category:  CategoryConfirm,
			ambiguity: AmbiguityNone,
			foods:     []string{"chicken"},
		},
		{
			name:      "confirm naming a new food becomes a log",
			reply:     `{"category":"confirm","ambiguity_level":"low","foods":[{"name":"rice","portion":"1 cup"}]}`,
			history:   History{PendingEntities: []string{"chicken breast"}, Turns: []llm.Message{{Role: llm.RoleUser, Content: "log chicken breast"}}},
			category:  CategoryLogFood,
			ambiguity: AmbiguityLow,
			foods:     []string{"rice"},
		},
		{
			name:      "missing ambiguity defaults to none",
			reply:     `{"category":"general"}`,
			category:  CategoryGeneral,
			ambiguity: AmbiguityNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(ClassifierConfig{Completer: llm.NewScripted(llm.Text(tt.reply))})
			in, err := c.Classify(context.Background(), "message", tt.history)
			require.NoError(t, err)
			assert.Equal(t, tt.category, in.Category)
			assert.Equal(t, tt.ambiguity, in.Ambiguity)

			var names []string
			for _, f := range in.Foods() {
				names = append(names, f.Name)
			}
			assert.Equal(t, tt.foods, names)
		})
	}
}

func TestClassify_ContractViolations(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{name: "not json", reply: "I think you want to log food"},
		{name: "unknown category", reply: `{"category":"order_pizza","ambiguity_level":"none"}`},
		{name: "unknown ambiguity", reply: `{"category":"general","ambiguity_level":"extreme"}`},
		{name: "log without foods", reply: `{"category":"log_food","ambiguity_level":"high","foods":[]}`},
		{name: "goal without changes", reply: `{"category":"update_goal","ambiguity_level":"none"}`},
		{name: "negative goal", reply: `{"category":"update_goal","ambiguity_level":"none","goal_changes":[{"nutrient":"calories","target":-5}]}`},
		{name: "wrong field type", reply: `{"category":"log_food","ambiguity_level":"none","foods":"rice"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(ClassifierConfig{Completer: llm.NewScripted(llm.Text(tt.reply))})
			_, err := c.Classify(context.Background(), "message", History{})
			require.Error(t, err)
			assert.True(t, IsContractError(err))

			var ce *ContractError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.reply, ce.Raw)
		})
	}
}

func TestClassify_TransientFailureDegrades(t *testing.T) {
	c := NewClassifier(ClassifierConfig{Completer: llm.NewScripted(llm.Fail(errors.New("timeout")))})
	in, err := c.Classify(context.Background(), "log an apple", History{})
	require.NoError(t, err)
	assert.Equal(t, CategoryUnknown, in.Category)

	in, err = NewClassifier(ClassifierConfig{}).Classify(context.Background(), "hi", History{})
	require.NoError(t, err)
	assert.Equal(t, CategoryUnknown, in.Category)
}

func TestClassify_Entities(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  Entities
	}{
		{
			name:  "goal change",
			reply: `{"category":"update_goal","ambiguity_level":"none","goal_changes":[{"nutrient":"protein_g","target":150,"unit":"g","goal_type":"goal"}]}`,
			want:  GoalEntities{Changes: []GoalChange{{Nutrient: "protein_g", Target: 150, Unit: "g", GoalType: "goal"}}},
		},
		{
			name:  "profile facts",
			reply: `{"category":"update_profile","ambiguity_level":"none","profile_facts":{"weight_kg":"72"}}`,
			want:  ProfileEntities{Facts: map[string]string{"weight_kg": "72"}},
		},
		{
			name:  "recipe log",
			reply: `{"category":"log_recipe","ambiguity_level":"none","recipe_query":"veggie omelette","servings":2,"meal_type":"Breakfast"}`,
			want:  RecipeEntities{Query: "veggie omelette", Servings: 2, MealType: "breakfast"},
		},
		{
			name:  "insight report",
			reply: `{"category":"query_insights","ambiguity_level":"none","report":"audit"}`,
			want:  QueryEntities{Report: "audit"},
		},
		{
			name:  "decline",
			reply: `{"category":"decline","ambiguity_level":"none","proposal_ref":"p-1"}`,
			want:  ConfirmEntities{ProposalRef: "p-1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Parse(tt.reply)
			require.NoError(t, err)
			assert.Equal(t, tt.want, in.Entities)
		})
	}
}

func TestClassify_RequestShape(t *testing.T) {
	scripted := llm.NewScripted(llm.Text(`{"category":"general","ambiguity_level":"none"}`))
	c := NewClassifier(ClassifierConfig{Completer: scripted, HistoryTurns: 2})

	history := History{Turns: []llm.Message{
		{Role: llm.RoleUser, Content: "oldest turn"},
		{Role: llm.RoleAssistant, Content: "middle turn"},
		{Role: llm.RoleUser, Content: "latest turn"},
	}}
	_, err := c.Classify(context.Background(), "what now", history)
	require.NoError(t, err)

	reqs := scripted.Requests()
	require.Len(t, reqs, 1)
	assert.NotNil(t, reqs[0].Schema)
	require.Len(t, reqs[0].Messages, 1)
	body := reqs[0].Messages[0].Content
	assert.NotContains(t, body, "oldest turn")
	assert.Contains(t, body, "middle turn")
	assert.Contains(t, body, "Message to classify: what now")
}

func TestClassify_RecordsDailyClassification(t *testing.T) {
	store := storage.NewMemory()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	c := NewClassifier(ClassifierConfig{
		Completer: llm.NewScripted(
			llm.Text(`{"category":"log_food","ambiguity_level":"low","foods":[{"name":"apple"}]}`),
			llm.Text(`{"category":"log_food","ambiguity_level":"none","foods":[{"name":"pear","portion":"1"}]}`),
		),
		Recorder: store,
		Location: loc,
	})
	ctx := analytics.ContextWithUser(context.Background(), "u1")
	for range 2 {
		_, err := c.Classify(ctx, "log it", History{})
		require.NoError(t, err)
	}

	day := time.Now().In(loc).Format(time.DateOnly)
	counts, err := store.ClassificationCounts(ctx, "u1", day)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["log_food"])
}

func TestClassify_RecorderFailureIsIgnored(t *testing.T) {
	store := storage.NewMemory()
	store.FailWrites(true)
	c := NewClassifier(ClassifierConfig{
		Completer: llm.NewScripted(llm.Text(`{"category":"general","ambiguity_level":"none"}`)),
		Recorder:  store,
	})
	in, err := c.Classify(context.Background(), "hello", History{})
	require.NoError(t, err)
	assert.Equal(t, CategoryGeneral, in.Category)
}

func TestIntent_NeedsClarification(t *testing.T) {
	assert.True(t, Intent{Ambiguity: AmbiguityHigh}.NeedsClarification())
	assert.False(t, Intent{Ambiguity: AmbiguityMedium}.NeedsClarification())
}

func TestApplyNewEntityRule(t *testing.T) {
	confirm := func(names ...string) Intent {
		var foods []FoodMention
		for _, n := range names {
			foods = append(foods, FoodMention{Name: n})
		}
		return Intent{Category: CategoryConfirm, Entities: FoodEntities{Foods: foods}}
	}
	tests := []struct {
		name    string
		in      Intent
		history History
		want    Category
	}{
		{name: "tea inside steak is new", in: confirm("tea"), history: History{PendingEntities: []string{"steak"}}, want: CategoryLogFood},
		{name: "ham inside graham is new", in: confirm("ham"), history: History{PendingEntities: []string{"graham crackers"}}, want: CategoryLogFood},
		{name: "plural of pending", in: confirm("egg"), history: History{PendingEntities: []string{"eggs"}}, want: CategoryConfirm},
		{name: "named in an earlier turn", in: confirm("rice"), history: History{Turns: []llm.Message{{Role: llm.RoleUser, Content: "add rice, please"}}}, want: CategoryConfirm},
		{name: "no foods", in: Intent{Category: CategoryConfirm}, history: History{PendingEntities: []string{"steak"}}, want: CategoryConfirm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, applyNewEntityRule(tt.in, tt.history).Category)
		})
	}
}
