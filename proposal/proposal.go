// Package proposal implements propose-confirm-commit for every mutating action.
//
// A conversation holds at most one pending Proposal. Nothing reaches the store
// until Confirm is called with that proposal's id; the commit is a single
// write. New entities, a newer proposal or the TTL retire a pending proposal
// without writing.
package proposal

import (
	"errors"
	"time"

	"nutriagent/nutrition"
	"nutriagent/storage"
)

const instrumentationName = "nutriagent/proposal"

type Kind string

const (
	KindFoodLog    Kind = "food_log"
	KindRecipeLog  Kind = "recipe_log"
	KindGoalUpdate Kind = "goal_update"
)

type State string

const (
	StateProposed   State = "proposed"
	StateConfirmed  State = "confirmed"
	StateSuperseded State = "superseded"
	StateDeclined   State = "declined"
)

// Reasons recorded with non-confirm transitions.
const (
	ReasonReplaced    = "replaced by a newer proposal"
	ReasonNewEntities = "new entities mentioned before confirmation"
	ReasonExpired     = "expired"
	ReasonDeclined    = "declined by user"
)

var (
	ErrNoPending        = errors.New("proposal: nothing pending for this conversation")
	ErrProposalMismatch = errors.New("proposal: id does not match the pending proposal")
	ErrEmptyPayload     = errors.New("proposal: payload has nothing to write")
)

// Payload is the action a proposal would perform. The set of implementations
// is closed.
type Payload interface {
	Kind() Kind
	// Entities lists the food or nutrient names the payload is about.
	Entities() []string
	validate() error
}

// FoodLogPayload logs already-resolved, portion-scaled items.
type FoodLogPayload struct {
	MealType string                `json:"meal_type,omitempty"`
	Items    []*nutrition.FoodItem `json:"items"`
}

func (FoodLogPayload) Kind() Kind { return KindFoodLog }

func (p FoodLogPayload) Entities() []string {
	out := make([]string, 0, len(p.Items))
	for _, it := range p.Items {
		if it != nil {
			out = append(out, it.Name)
		}
	}
	return out
}

func (p FoodLogPayload) validate() error {
	for _, it := range p.Items {
		if it != nil {
			return nil
		}
	}
	return ErrEmptyPayload
}

// Total sums the items' scaled nutrients.
func (p FoodLogPayload) Total() nutrition.Nutrients {
	var n nutrition.Nutrients
	for _, it := range p.Items {
		if it != nil {
			n = n.Add(it.Nutrients)
		}
	}
	return n
}

// Confidence is the weakest confidence among the items.
func (p FoodLogPayload) Confidence() nutrition.Confidence {
	c := nutrition.ConfidenceHigh
	for _, it := range p.Items {
		if it != nil && it.Confidence.Valid() {
			c = c.AtMost(it.Confidence)
		}
	}
	return c
}

// RecipeLogPayload logs Servings of a catalog recipe as one entry.
type RecipeLogPayload struct {
	RecipeID    string               `json:"recipe_id"`
	RecipeName  string               `json:"recipe_name"`
	Servings    float64              `json:"servings"`
	MealType    string               `json:"meal_type,omitempty"`
	PerServing  nutrition.Nutrients  `json:"per_serving"`
	Confidence  nutrition.Confidence `json:"confidence"`
	Ingredients []string             `json:"ingredients,omitempty"`
	Unresolved  []string             `json:"unresolved,omitempty"`
}

func (RecipeLogPayload) Kind() Kind { return KindRecipeLog }

func (p RecipeLogPayload) Entities() []string {
	names := []string{p.RecipeName}
	return append(names, p.Ingredients...)
}

func (p RecipeLogPayload) validate() error {
	if p.RecipeName == "" || p.Servings <= 0 {
		return ErrEmptyPayload
	}
	return nil
}

// Total is the nutrition of every logged serving.
func (p RecipeLogPayload) Total() nutrition.Nutrients {
	return p.PerServing.Scale(p.Servings)
}

type GoalUpdatePayload struct {
	Goal     storage.Goal  `json:"goal"`
	Previous *storage.Goal `json:"previous,omitempty"`
}

func (GoalUpdatePayload) Kind() Kind { return KindGoalUpdate }

func (p GoalUpdatePayload) Entities() []string { return []string{p.Goal.Nutrient} }

func (p GoalUpdatePayload) validate() error {
	if p.Goal.Nutrient == "" || p.Goal.TargetValue < 0 {
		return ErrEmptyPayload
	}
	return nil
}

// Proposal is a pending, unpersisted mutation.
type Proposal struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Kind           Kind      `json:"kind"`
	Payload        Payload   `json:"payload"`
	State          State     `json:"state"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}
