package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"nutriagent/analytics"
	"nutriagent/llm"
	"nutriagent/nutrition"
	"nutriagent/storage"
)

var errNoCompleter = errors.New("no completer configured")

// DefaultHistoryTurns bounds how much prior conversation reaches the model.
const DefaultHistoryTurns = 4

const systemContract = `You classify one message sent to a nutrition-logging assistant.

Categories:
- log_food: the user ate or drank something and wants it logged.
- log_recipe: the user ate servings of a saved recipe.
- confirm: a bare yes/ok/confirm of the assistant's pending proposal.
- decline: a bare no/cancel of the pending proposal.
- update_goal: change a daily nutrient goal or limit.
- update_profile: personal facts (age, weight, height, allergies, diet, timezone).
- query_progress: how am I doing today / this week against goals.
- query_insights: audits, patterns, trends, "am I missing anything".
- query_nutrition: nutrition facts of a food without logging it.
- find_recipe: look up a recipe.
- general: anything else.

Hard rule: if the message names any food that does not appear in the prior context, it is never confirm. New foods always mean log_food (or query_nutrition).

ambiguity_level describes what is missing to estimate nutrition:
- none: every food is quantified and its preparation is known.
- low: minor gaps that can safely be defaulted.
- medium: a meaningful gap such as a vague but standardizable portion ("a bowl", "a plate").
- high: estimation would be unreliable, e.g. no portion and no preparation at all.
Non-food categories use none. ambiguity_reasons explains every level above none.`

// History is the short rolling context of a conversation.
type History struct {
	Turns []llm.Message
	// PendingEntities names what the pending proposal, if any, is about.
	PendingEntities []string
}

type ClassifierConfig struct {
	Completer    llm.Completer
	Recorder     storage.ClassificationStore
	Location     *time.Location
	HistoryTurns int
}

type Classifier struct {
	cfg ClassifierConfig
}

func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	return &Classifier{cfg: cfg}
}

// Classify makes one completion call and validates the result. A transport
// failure degrades to CategoryUnknown; only a malformed completion is
// returned as an error, always a *ContractError.
func (c *Classifier) Classify(ctx context.Context, message string, history History) (Intent, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "Classifier.Classify")
	defer span.End()

	req := llm.Request{
		System:    systemContract,
		Messages:  c.messages(message, history),
		Schema:    Schema(),
		MaxTokens: 512,
	}
	var (
		out string
		err = errNoCompleter
	)
	if c.cfg.Completer != nil {
		out, err = c.cfg.Completer.Complete(ctx, req)
	}
	if err != nil {
		slog.Warn("CLASSIFIER: completion failed", "error", err)
		return Intent{
			Category:         CategoryUnknown,
			Ambiguity:        AmbiguityNone,
			AmbiguityReasons: []string{"classifier unavailable"},
		}, nil
	}

	in, err := Parse(out)
	if err != nil {
		span.RecordError(err)
		return Intent{}, err
	}
	in = applyNewEntityRule(in, history)
	span.SetAttributes(
		attribute.String("category", string(in.Category)),
		attribute.String("ambiguity", string(in.Ambiguity)),
	)
	c.record(ctx, in)
	return in, nil
}

func (c *Classifier) messages(message string, history History) []llm.Message {
	turns := history.Turns
	if len(turns) > c.cfg.HistoryTurns {
		turns = turns[len(turns)-c.cfg.HistoryTurns:]
	}
	var sb strings.Builder
	if len(turns) > 0 {
		sb.WriteString("Prior context:\n")
		for _, t := range turns {
			fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
		}
	}
	if len(history.PendingEntities) > 0 {
		fmt.Fprintf(&sb, "Pending proposal is about: %s\n", strings.Join(history.PendingEntities, ", "))
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString("Message to classify: ")
	sb.WriteString(message)
	return []llm.Message{{Role: llm.RoleUser, Content: sb.String()}}
}

// applyNewEntityRule turns a confirm that names foods absent from the prior
// context into a log_food.
func applyNewEntityRule(in Intent, history History) Intent {
	if in.Category != CategoryConfirm {
		return in
	}
	foods := in.Foods()
	if len(foods) == 0 {
		return in
	}
	var prior strings.Builder
	for _, e := range history.PendingEntities {
		prior.WriteString(" " + nutrition.NormalizeName(e))
	}
	for _, t := range history.Turns {
		prior.WriteString(" " + nutrition.NormalizeName(t.Content))
	}
	known := prior.String()
	for _, f := range foods {
		key := nutrition.StripModifiers(nutrition.NormalizeName(f.Name))
		if key != "" && !nutrition.ContainsWords(known, key) {
			slog.Info("CLASSIFIER: confirm names new food; reclassified as log_food", "food", f.Name)
			in.Category = CategoryLogFood
			return in
		}
	}
	return in
}

func (c *Classifier) record(ctx context.Context, in Intent) {
	if c.cfg.Recorder == nil {
		return
	}
	now := time.Now()
	err := c.cfg.Recorder.RecordClassification(ctx, storage.Classification{
		UserID:    analytics.UserFromContext(ctx),
		Day:       now.In(c.cfg.Location).Format(time.DateOnly),
		Category:  string(in.Category),
		Ambiguity: string(in.Ambiguity),
		At:        now.UTC(),
	})
	if err != nil {
		slog.Warn("CLASSIFIER: failed to record classification", "error", err)
	}
}

// record is the wire shape of a classification.
type record struct {
	Category         string            `json:"category"`
	AmbiguityLevel   string            `json:"ambiguity_level"`
	AmbiguityReasons []string          `json:"ambiguity_reasons"`
	Foods            []FoodMention     `json:"foods"`
	MealType         string            `json:"meal_type"`
	RecipeQuery      string            `json:"recipe_query"`
	Servings         float64           `json:"servings"`
	GoalChanges      []GoalChange      `json:"goal_changes"`
	ProfileFacts     map[string]string `json:"profile_facts"`
	Report           string            `json:"report"`
	ProposalRef      string            `json:"proposal_ref"`
}

// Parse validates a classifier completion and builds the typed Intent.
func Parse(text string) (Intent, error) {
	var rec record
	if err := llm.DecodeJSON(text, &rec); err != nil {
		return Intent{}, &ContractError{Raw: text, Err: err}
	}
	fail := func(format string, args ...any) (Intent, error) {
		return Intent{}, &ContractError{Raw: text, Err: fmt.Errorf(format, args...)}
	}

	cat := Category(strings.ToLower(strings.TrimSpace(rec.Category)))
	if !cat.valid() {
		return fail("unknown category %q", rec.Category)
	}
	amb := Ambiguity(strings.ToLower(strings.TrimSpace(rec.AmbiguityLevel)))
	if amb == "" {
		amb = AmbiguityNone
	}
	if !amb.valid() {
		return fail("unknown ambiguity level %q", rec.AmbiguityLevel)
	}

	in := Intent{Category: cat, Ambiguity: amb, AmbiguityReasons: rec.AmbiguityReasons}
	switch cat {
	case CategoryLogFood, CategoryQueryNutrition:
		foods := make([]FoodMention, 0, len(rec.Foods))
		for _, f := range rec.Foods {
			if strings.TrimSpace(f.Name) != "" {
				foods = append(foods, f)
			}
		}
		if len(foods) == 0 {
			return fail("%s without foods", cat)
		}
		in.Entities = FoodEntities{Foods: foods, MealType: strings.ToLower(rec.MealType)}
	case CategoryLogRecipe, CategoryFindRecipe:
		in.Entities = RecipeEntities{Query: rec.RecipeQuery, Servings: rec.Servings, MealType: strings.ToLower(rec.MealType)}
	case CategoryUpdateGoal:
		if len(rec.GoalChanges) == 0 {
			return fail("update_goal without goal_changes")
		}
		for _, g := range rec.GoalChanges {
			if g.Nutrient == "" || g.Target < 0 {
				return fail("invalid goal change %+v", g)
			}
		}
		in.Entities = GoalEntities{Changes: rec.GoalChanges}
	case CategoryUpdateProfile:
		in.Entities = ProfileEntities{Facts: rec.ProfileFacts}
	case CategoryQueryProgress, CategoryQueryInsights:
		in.Entities = QueryEntities{Report: rec.Report}
	case CategoryConfirm, CategoryDecline:
		// Foods on a confirm are kept so the new-entity rule can inspect them.
		if len(rec.Foods) > 0 {
			in.Entities = FoodEntities{Foods: rec.Foods, MealType: strings.ToLower(rec.MealType)}
		} else {
			in.Entities = ConfirmEntities{ProposalRef: rec.ProposalRef}
		}
	}
	return in, nil
}

// Schema is the JSON contract of a classification.
func Schema() *jsonschema.Schema {
	str := &jsonschema.Schema{Type: "string"}
	cats := make([]any, 0, len(categories))
	for _, c := range categories {
		cats = append(cats, string(c))
	}
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"category":          {Type: "string", Enum: cats},
			"ambiguity_level":   {Type: "string", Enum: []any{"none", "low", "medium", "high"}},
			"ambiguity_reasons": {Type: "array", Items: str},
			"foods": {Type: "array", Items: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"name":        str,
					"portion":     str,
					"preparation": str,
				},
				Required: []string{"name"},
			}},
			"meal_type":    {Type: "string", Enum: []any{"", "breakfast", "lunch", "dinner", "snack", "drink"}},
			"recipe_query": str,
			"servings":     {Type: "number"},
			"goal_changes": {Type: "array", Items: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"nutrient":  {Type: "string", Enum: nutrientEnum()},
					"target":    {Type: "number"},
					"unit":      str,
					"goal_type": {Type: "string", Enum: []any{"goal", "limit"}},
				},
				Required: []string{"nutrient", "target"},
			}},
			"profile_facts": {Type: "object", AdditionalProperties: str},
			"report":        {Type: "string", Enum: []any{"", "audit", "patterns", "summary"}},
			"proposal_ref":  str,
		},
		Required: []string{"category", "ambiguity_level"},
	}
}

func nutrientEnum() []any {
	out := make([]any, 0, len(nutrition.FieldNames))
	for _, f := range nutrition.FieldNames {
		out = append(out, f)
	}
	return out
}
