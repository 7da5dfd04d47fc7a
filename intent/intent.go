// Package intent classifies a user message into a category, an ambiguity
// level and the entities the rest of the engine acts on.
package intent

import (
	"errors"
	"fmt"
)

const instrumentationName = "nutriagent/intent"

type Category string

const (
	CategoryLogFood        Category = "log_food"
	CategoryLogRecipe      Category = "log_recipe"
	CategoryConfirm        Category = "confirm"
	CategoryDecline        Category = "decline"
	CategoryUpdateGoal     Category = "update_goal"
	CategoryUpdateProfile  Category = "update_profile"
	CategoryQueryProgress  Category = "query_progress"
	CategoryQueryInsights  Category = "query_insights"
	CategoryQueryNutrition Category = "query_nutrition"
	CategoryFindRecipe     Category = "find_recipe"
	CategoryGeneral        Category = "general"
	// CategoryUnknown is produced locally when the classifier is unreachable.
	CategoryUnknown Category = "unknown"
)

var categories = []Category{
	CategoryLogFood, CategoryLogRecipe, CategoryConfirm, CategoryDecline,
	CategoryUpdateGoal, CategoryUpdateProfile, CategoryQueryProgress,
	CategoryQueryInsights, CategoryQueryNutrition, CategoryFindRecipe, CategoryGeneral,
}

func (c Category) valid() bool {
	for _, k := range categories {
		if c == k {
			return true
		}
	}
	return false
}

// Ambiguity measures how much is missing to estimate nutrition safely.
type Ambiguity string

const (
	AmbiguityNone   Ambiguity = "none"
	AmbiguityLow    Ambiguity = "low"
	AmbiguityMedium Ambiguity = "medium"
	AmbiguityHigh   Ambiguity = "high"
)

func (a Ambiguity) valid() bool {
	switch a {
	case AmbiguityNone, AmbiguityLow, AmbiguityMedium, AmbiguityHigh:
		return true
	}
	return false
}

// Intent is one classified message.
type Intent struct {
	Category         Category  `json:"category"`
	Ambiguity        Ambiguity `json:"ambiguity_level"`
	AmbiguityReasons []string  `json:"ambiguity_reasons,omitempty"`
	Entities         Entities  `json:"entities,omitempty"`
}

// NeedsClarification reports whether the orchestration layer should ask the
// user a question before estimating anything.
func (i Intent) NeedsClarification() bool { return i.Ambiguity == AmbiguityHigh }

// Foods returns the food mentions carried by the intent, if any.
func (i Intent) Foods() []FoodMention {
	if f, ok := i.Entities.(FoodEntities); ok {
		return f.Foods
	}
	return nil
}

// Entities is the category-specific payload of an Intent. The set of
// implementations is closed.
type Entities interface {
	isEntities()
}

type FoodMention struct {
	Name        string `json:"name"`
	Portion     string `json:"portion,omitempty"`
	Preparation string `json:"preparation,omitempty"`
}

// FoodEntities accompanies log_food and query_nutrition.
type FoodEntities struct {
	Foods    []FoodMention `json:"foods"`
	MealType string        `json:"meal_type,omitempty"`
}

type RecipeEntities struct {
	Query    string  `json:"query"`
	Servings float64 `json:"servings,omitempty"`
	MealType string  `json:"meal_type,omitempty"`
}

type GoalChange struct {
	Nutrient string  `json:"nutrient"`
	Target   float64 `json:"target"`
	Unit     string  `json:"unit,omitempty"`
	GoalType string  `json:"goal_type,omitempty"`
}

type GoalEntities struct {
	Changes []GoalChange `json:"changes"`
}

type ProfileEntities struct {
	Facts map[string]string `json:"facts"`
}

// QueryEntities names the report a progress or insight question wants.
type QueryEntities struct {
	Report string `json:"report,omitempty"`
}

// ConfirmEntities carries the proposal a confirm or decline refers to. An
// empty reference means the currently pending proposal.
type ConfirmEntities struct {
	ProposalRef string `json:"proposal_ref,omitempty"`
}

func (FoodEntities) isEntities()    {}
func (RecipeEntities) isEntities()  {}
func (GoalEntities) isEntities()    {}
func (ProfileEntities) isEntities() {}
func (QueryEntities) isEntities()   {}
func (ConfirmEntities) isEntities() {}

// ContractError reports a completion that does not honor the classifier's
// JSON contract.
type ContractError struct {
	Raw string
	Err error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("intent: classifier contract violation: %v", e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

// IsContractError reports whether err is or wraps a *ContractError.
func IsContractError(err error) bool {
	var ce *ContractError
	return errors.As(err, &ce)
}
