package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"nutriagent/nutrition"
	"nutriagent/proposal"
	"nutriagent/storage"
)

const defaultConversation = "default"

func conversation(ctx context.Context) string {
	if id := ConversationFromContext(ctx); id != "" {
		return id
	}
	return defaultConversation
}

// proposalResult is what every propose tool returns. The reasoning loop must
// show it to the user and wait for an explicit confirm.
type proposalResult struct {
	ProposalID string         `json:"proposal_id,omitempty"`
	Kind       proposal.Kind  `json:"kind,omitempty"`
	State      proposal.State `json:"state,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Payload    any            `json:"payload,omitempty"`
	Unresolved []string       `json:"unresolved,omitempty"`
	Message    string         `json:"message"`
}

func proposed(p proposal.Proposal, unresolved []string, message string) (map[string]any, error) {
	exp := p.ExpiresAt
	return toMap(proposalResult{
		ProposalID: p.ID,
		Kind:       p.Kind,
		State:      p.State,
		ExpiresAt:  &exp,
		Payload:    p.Payload,
		Unresolved: unresolved,
		Message:    message,
	})
}

func proposalOutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"proposal_id": stringSchema(),
		"kind":        stringSchema(),
		"state":       stringSchema(),
		"expires_at":  stringSchema(),
		"payload":     openObject(),
		"unresolved":  arrayOf(stringSchema()),
		"message":     stringSchema(),
	}, "message")
}

type FoodLogPropose struct {
	resolver *nutrition.Resolver
	workflow *proposal.Workflow
}

func NewFoodLogPropose(r *nutrition.Resolver, wf *proposal.Workflow) *FoodLogPropose {
	return &FoodLogPropose{resolver: r, workflow: wf}
}

func (t *FoodLogPropose) Name() string  { return "food_log_propose" }
func (t *FoodLogPropose) Title() string { return "Propose Food Log" }
func (t *FoodLogPropose) Description() string {
	return "Resolves foods and proposes logging them. Nothing is saved until the user explicitly confirms the returned proposal_id with proposal_confirm. Replaces any pending proposal."
}

func (t *FoodLogPropose) InputSchema() *jsonschema.Schema {
	one := 1
	return objectSchema(map[string]*jsonschema.Schema{
		"items":     {Type: "array", Items: foodRequestSchema(), MinItems: &one},
		"meal_type": mealTypeSchema(),
	}, "items")
}

func (t *FoodLogPropose) OutputSchema() *jsonschema.Schema { return proposalOutputSchema() }

func (t *FoodLogPropose) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var in struct {
		Items    []foodRequest `json:"items"`
		MealType string        `json:"meal_type"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	reqs, items := resolveRequests(ctx, t.resolver, in.Items)
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: items must name at least one food", ErrInvalidInput)
	}

	var resolved []*nutrition.FoodItem
	unresolved := []string{}
	for i, it := range items {
		if it == nil {
			unresolved = append(unresolved, reqs[i].Name)
			continue
		}
		resolved = append(resolved, it)
	}
	if len(resolved) == 0 {
		return toMap(proposalResult{
			Unresolved: unresolved,
			Message:    "None of these foods could be resolved, so nothing was proposed. Ask the user for a more specific description or portion.",
		})
	}

	p, err := t.workflow.Propose(ctx, conversation(ctx), proposal.FoodLogPayload{
		MealType: strings.ToLower(in.MealType),
		Items:    resolved,
	})
	if err != nil {
		return nil, err
	}
	msg := "Show these items to the user and ask them to confirm before logging."
	if len(unresolved) > 0 {
		msg = "Some foods could not be resolved and are left out. " + msg
	}
	return proposed(p, unresolved, msg)
}

type RecipeLogPropose struct {
	recipes  storage.RecipeSource
	resolver *nutrition.Resolver
	workflow *proposal.Workflow
}

func NewRecipeLogPropose(recipes storage.RecipeSource, r *nutrition.Resolver, wf *proposal.Workflow) *RecipeLogPropose {
	return &RecipeLogPropose{recipes: recipes, resolver: r, workflow: wf}
}

func (t *RecipeLogPropose) Name() string  { return "recipe_log_propose" }
func (t *RecipeLogPropose) Title() string { return "Propose Recipe Log" }
func (t *RecipeLogPropose) Description() string {
	return "Proposes logging servings of a catalog recipe with nutrition resolved from its ingredients. Nothing is saved until the user confirms with proposal_confirm."
}

func (t *RecipeLogPropose) InputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"recipe_id": stringSchema(),
		"servings":  numberSchema(),
		"meal_type": mealTypeSchema(),
	}, "recipe_id")
}

func (t *RecipeLogPropose) OutputSchema() *jsonschema.Schema { return proposalOutputSchema() }

func (t *RecipeLogPropose) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var in struct {
		RecipeID string  `json:"recipe_id"`
		Servings float64 `json:"servings"`
		MealType string  `json:"meal_type"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Servings <= 0 {
		in.Servings = 1
	}
	rec, err := findRecipe(ctx, t.recipes, in.RecipeID)
	if err != nil {
		return nil, err
	}
	rn := resolveRecipe(ctx, t.resolver, rec)
	if len(rn.Ingredients) == 0 {
		return toMap(proposalResult{
			Unresolved: rn.Unresolved,
			Message:    "No ingredient of this recipe could be resolved, so nothing was proposed.",
		})
	}

	ingredients := make([]string, 0, len(rec.Ingredients))
	for _, ing := range rec.Ingredients {
		ingredients = append(ingredients, ing.Name)
	}
	p, err := t.workflow.Propose(ctx, conversation(ctx), proposal.RecipeLogPayload{
		RecipeID:    rec.ID,
		RecipeName:  rec.Name,
		Servings:    in.Servings,
		MealType:    strings.ToLower(in.MealType),
		PerServing:  rn.PerServing,
		Confidence:  rn.Confidence,
		Ingredients: ingredients,
		Unresolved:  rn.Unresolved,
	})
	if err != nil {
		return nil, err
	}
	return proposed(p, rn.Unresolved, "Show the recipe total to the user and ask them to confirm before logging.")
}

type GoalUpdatePropose struct {
	goals    storage.GoalStore
	workflow *proposal.Workflow
}

func NewGoalUpdatePropose(goals storage.GoalStore, wf *proposal.Workflow) *GoalUpdatePropose {
	return &GoalUpdatePropose{goals: goals, workflow: wf}
}

func (t *GoalUpdatePropose) Name() string  { return "goal_update_propose" }
func (t *GoalUpdatePropose) Title() string { return "Propose Goal Change" }
func (t *GoalUpdatePropose) Description() string {
	return "Proposes setting a daily nutrient goal (reach at least) or limit (stay under). Band thresholds are percentages of target. Nothing changes until the user confirms with proposal_confirm."
}

func (t *GoalUpdatePropose) InputSchema() *jsonschema.Schema {
	zero := 0.0
	pct := &jsonschema.Schema{Type: "number", Minimum: &zero}
	return objectSchema(map[string]*jsonschema.Schema{
		"nutrient":     {Type: "string", Enum: nutrientEnum()},
		"target_value": {Type: "number", Minimum: &zero},
		"unit":         stringSchema(),
		"goal_type":    {Type: "string", Enum: []any{string(storage.GoalTypeGoal), string(storage.GoalTypeLimit)}},
		"yellow_min":   pct,
		"green_min":    pct,
		"red_min":      pct,
	}, "nutrient", "target_value")
}

func (t *GoalUpdatePropose) OutputSchema() *jsonschema.Schema { return proposalOutputSchema() }

func (t *GoalUpdatePropose) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var in struct {
		Nutrient    string   `json:"nutrient"`
		TargetValue float64  `json:"target_value"`
		Unit        string   `json:"unit"`
		GoalType    string   `json:"goal_type"`
		YellowMin   *float64 `json:"yellow_min"`
		GreenMin    *float64 `json:"green_min"`
		RedMin      *float64 `json:"red_min"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if !knownNutrient(in.Nutrient) {
		return nil, fmt.Errorf("%w: unknown nutrient %q", ErrInvalidInput, in.Nutrient)
	}
	if in.TargetValue < 0 {
		return nil, fmt.Errorf("%w: target_value must not be negative", ErrInvalidInput)
	}

	user := userFromContext(ctx)
	var previous *storage.Goal
	goals, err := t.goals.Goals(ctx, user)
	if err != nil {
		return nil, err
	}
	for _, g := range goals {
		if g.Nutrient == in.Nutrient {
			prev := g
			previous = &prev
		}
	}

	g := storage.Goal{
		UserID:      user,
		Nutrient:    in.Nutrient,
		TargetValue: in.TargetValue,
		Unit:        in.Unit,
		GoalType:    storage.GoalType(strings.ToLower(in.GoalType)),
	}
	if g.GoalType != storage.GoalTypeLimit {
		g.GoalType = storage.GoalTypeGoal
	}
	if g.Unit == "" {
		g.Unit = defaultUnit(in.Nutrient)
	}
	applyBands(&g, previous)
	if in.YellowMin != nil {
		g.YellowMin = *in.YellowMin
	}
	if in.GreenMin != nil {
		g.GreenMin = *in.GreenMin
	}
	if in.RedMin != nil {
		g.RedMin = *in.RedMin
	}

	p, err := t.workflow.Propose(ctx, conversation(ctx), proposal.GoalUpdatePayload{Goal: g, Previous: previous})
	if err != nil {
		return nil, err
	}
	return proposed(p, nil, "Show the new goal (and the previous one, if any) and ask the user to confirm.")
}

// applyBands copies bands from the previous goal of the same type, or uses
// the defaults for the goal type.
func applyBands(g *storage.Goal, previous *storage.Goal) {
	if previous != nil && previous.GoalType == g.GoalType {
		g.YellowMin, g.GreenMin, g.RedMin = previous.YellowMin, previous.GreenMin, previous.RedMin
		return
	}
	switch g.GoalType {
	case storage.GoalTypeLimit:
		g.YellowMin, g.GreenMin, g.RedMin = 80, 0, 100
	default:
		g.YellowMin, g.GreenMin, g.RedMin = 50, 90, 0
	}
}

func defaultUnit(nutrient string) string {
	switch {
	case nutrient == nutrition.FieldCalories:
		return "kcal"
	case strings.HasSuffix(nutrient, "_mg"):
		return "mg"
	}
	return "g"
}

func knownNutrient(name string) bool {
	for _, f := range nutrition.FieldNames {
		if f == name {
			return true
		}
	}
	return false
}

func mealTypeSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Enum: []any{
		storage.MealBreakfast, storage.MealLunch, storage.MealDinner, storage.MealSnack, storage.MealDrink,
	}}
}

type ProposalConfirm struct{ workflow *proposal.Workflow }

func NewProposalConfirm(wf *proposal.Workflow) *ProposalConfirm {
	return &ProposalConfirm{workflow: wf}
}

func (t *ProposalConfirm) Name() string  { return "proposal_confirm" }
func (t *ProposalConfirm) Title() string { return "Confirm Proposal" }
func (t *ProposalConfirm) Description() string {
	return "Commits the pending proposal. Call ONLY after the user explicitly confirmed that exact proposal; pass its proposal_id."
}

func (t *ProposalConfirm) InputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{"proposal_id": stringSchema()}, "proposal_id")
}

func (t *ProposalConfirm) OutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"confirmed":           {Type: "boolean"},
		"proposal_id":         stringSchema(),
		"kind":                stringSchema(),
		"error":               stringSchema(),
		"pending_proposal_id": stringSchema(),
		"message":             stringSchema(),
	}, "confirmed")
}

func (t *ProposalConfirm) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var in struct {
		ProposalID string `json:"proposal_id"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}

	p, err := t.workflow.Confirm(ctx, conversation(ctx), in.ProposalID)
	switch {
	case errors.Is(err, proposal.ErrNoPending):
		return map[string]any{
			"confirmed": false,
			"error":     "no_pending_proposal",
			"message":   "There is nothing pending to confirm; it may have expired or been replaced. Propose again if the user still wants it.",
		}, nil
	case errors.Is(err, proposal.ErrProposalMismatch):
		return map[string]any{
			"confirmed":           false,
			"error":               "proposal_mismatch",
			"pending_proposal_id": p.ID,
			"message":             "That is not the pending proposal. Confirm only the proposal the user just agreed to.",
		}, nil
	case err != nil:
		return nil, err
	}
	return map[string]any{
		"confirmed":   true,
		"proposal_id": p.ID,
		"kind":        string(p.Kind),
		"message":     "Saved.",
	}, nil
}

type ProposalDecline struct{ workflow *proposal.Workflow }

func NewProposalDecline(wf *proposal.Workflow) *ProposalDecline {
	return &ProposalDecline{workflow: wf}
}

func (t *ProposalDecline) Name() string  { return "proposal_decline" }
func (t *ProposalDecline) Title() string { return "Decline Proposal" }
func (t *ProposalDecline) Description() string {
	return "Discards the pending proposal without saving anything."
}

func (t *ProposalDecline) InputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{"proposal_id": stringSchema()})
}

func (t *ProposalDecline) OutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"declined":    {Type: "boolean"},
		"proposal_id": stringSchema(),
		"error":       stringSchema(),
	}, "declined")
}

func (t *ProposalDecline) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var in struct {
		ProposalID string `json:"proposal_id"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	p, err := t.workflow.Decline(ctx, conversation(ctx), in.ProposalID)
	switch {
	case errors.Is(err, proposal.ErrNoPending):
		return map[string]any{"declined": false, "error": "no_pending_proposal"}, nil
	case errors.Is(err, proposal.ErrProposalMismatch):
		return map[string]any{"declined": false, "error": "proposal_mismatch", "proposal_id": p.ID}, nil
	case err != nil:
		return nil, err
	}
	return map[string]any{"declined": true, "proposal_id": p.ID}, nil
}
